package mail

import (
	"strings"
	"testing"
	"time"

	"github.com/jcarver/mailsync/internal/mailstore"
)

func srvMsg(seq uint32, id, sender string, received time.Time, raw []byte) *mailstore.Message {
	return &mailstore.Message{
		SeqNum:     seq,
		MessageID:  id,
		Subject:    "msg " + id,
		Sender:     sender,
		ReceivedAt: received,
		Size:       int64(len(raw)),
		Raw:        raw,
	}
}

func TestFirstCycleCachesSummaries(t *testing.T) {
	svc, srv, store := newTestService(t)
	base := time.Now().Add(-time.Hour)

	srv.add("INBOX", srvMsg(1, "<m1>", "alice@example.com", base, plainMessage("one", "hello")))
	srv.add("INBOX", srvMsg(2, "<m2>", "bob@example.com", base.Add(time.Minute), mixedMessage("two", "preview text", "report.pdf")))
	srv.add("INBOX", srvMsg(3, "<m3>", "carol@example.com", base.Add(2*time.Minute), plainMessage("three", "bye")))

	svc.runCycle()

	msgs, err := store.Snapshot("INBOX")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("cached %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"<m1>", "<m2>", "<m3>"} {
		if msgs[i].ID != want {
			t.Fatalf("snapshot[%d] = %s, want %s", i, msgs[i].ID, want)
		}
	}

	// Only a multipart message yields a preview and attachment names.
	if msgs[0].Preview != nil {
		t.Fatalf("plain root got a preview: %q", *msgs[0].Preview)
	}
	if msgs[1].Preview == nil || *msgs[1].Preview != "preview text" {
		t.Fatalf("preview = %v", msgs[1].Preview)
	}
	if len(msgs[1].AttachmentNames) != 1 || msgs[1].AttachmentNames[0] != "report.pdf" {
		t.Fatalf("attachment names = %v", msgs[1].AttachmentNames)
	}
	if msgs[1].FullBody != nil {
		t.Fatalf("scan hydrated a body")
	}

	svc.mu.Lock()
	checkpoint := svc.lastChecked
	svc.mu.Unlock()
	if checkpoint == nil {
		t.Fatalf("checkpoint not set after cycle")
	}
}

func TestDeltaCycleFetchesOnlyNewMessages(t *testing.T) {
	svc, srv, store := newTestService(t)
	base := time.Now().Add(-time.Hour)

	srv.add("INBOX", srvMsg(1, "<m1>", "alice@example.com", base, plainMessage("one", "hello")))
	srv.add("INBOX", srvMsg(2, "<m2>", "bob@example.com", base.Add(time.Minute), plainMessage("two", "hi")))
	svc.runCycle()

	if srv.fetched != 2 {
		t.Fatalf("first cycle fetched %d messages", srv.fetched)
	}

	if err := store.SetBody("INBOX", "<m1>", "<html><body>hello</body></html>", true, nil); err != nil {
		t.Fatalf("SetBody: %v", err)
	}

	srv.add("INBOX", srvMsg(3, "<m3>", "carol@example.com", time.Now().Add(time.Hour), plainMessage("three", "new")))
	svc.runCycle()

	if srv.fetched != 3 {
		t.Fatalf("second cycle refetched old messages: total fetched %d", srv.fetched)
	}

	msgs, err := store.Snapshot("INBOX")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("cached %d messages, want 3", len(msgs))
	}

	hydrated, err := store.Find("<m1>")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if hydrated.FullBody == nil {
		t.Fatalf("delta cycle cleared hydrated body")
	}
}

func TestScanCapsBatchToNewest(t *testing.T) {
	svc, srv, store := newTestService(t)
	base := time.Now().Add(-time.Hour)

	for seq := uint32(1); seq <= 15; seq++ {
		id := "<m" + strings.Repeat("x", int(seq)) + ">"
		srv.add("INBOX", srvMsg(seq, id, "alice@example.com", base.Add(time.Duration(seq)*time.Second), plainMessage("s", "b")))
	}

	svc.runCycle()

	msgs, err := store.Snapshot("INBOX")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(msgs) != scanBatchCap {
		t.Fatalf("cached %d messages, want %d", len(msgs), scanBatchCap)
	}
	// The newest messages survive the cap.
	if msgs[0].SeqNum != 6 || msgs[len(msgs)-1].SeqNum != 15 {
		t.Fatalf("cap kept wrong window: first seq %d, last seq %d", msgs[0].SeqNum, msgs[len(msgs)-1].SeqNum)
	}
}

func TestPreviewTakesLastPlainPart(t *testing.T) {
	svc, srv, store := newTestService(t)
	raw := crlf(
		"From: Alice <alice@example.com>",
		"Subject: two plain parts",
		"Content-Type: multipart/mixed; boundary=\"b1\"",
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"first part",
		"--b1",
		"Content-Type: text/plain",
		"",
		"second part",
		"--b1--",
	)
	srv.add("INBOX", srvMsg(1, "<m1>", "alice@example.com", time.Now().Add(-time.Hour), raw))

	svc.runCycle()

	msgs, err := store.Snapshot("INBOX")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("cached %d messages", len(msgs))
	}
	if msgs[0].Preview == nil || *msgs[0].Preview != "second part" {
		t.Fatalf("preview = %v, want last plain part", msgs[0].Preview)
	}
}

func TestMalformedMessageSkipped(t *testing.T) {
	svc, srv, store := newTestService(t)
	base := time.Now().Add(-time.Hour)

	srv.add("INBOX", srvMsg(1, "<bad>", "alice@example.com", base, nil))
	srv.add("INBOX", srvMsg(2, "<good>", "bob@example.com", base.Add(time.Minute), plainMessage("ok", "fine")))

	svc.runCycle()

	msgs, err := store.Snapshot("INBOX")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "<good>" {
		t.Fatalf("expected only the parsable message, got %d", len(msgs))
	}
}

func TestMessageIdentityFallback(t *testing.T) {
	msg := &mailstore.Message{SeqNum: 7, Sender: "alice@example.com"}
	if got := messageIdentity(msg); got != "alice@example.com7" {
		t.Fatalf("fallback identity = %q", got)
	}
	msg.MessageID = "<real>"
	if got := messageIdentity(msg); got != "<real>" {
		t.Fatalf("identity = %q", got)
	}
}

func TestTruncatePreview(t *testing.T) {
	short := "short text"
	if got := truncatePreview(short); got != short {
		t.Fatalf("short preview modified: %q", got)
	}

	long := strings.Repeat("я", previewLimit+40)
	got := truncatePreview(long)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("long preview not marked truncated: %q", got)
	}
	if runes := []rune(got); len(runes) != previewLimit+3 {
		t.Fatalf("truncated length = %d runes", len(runes))
	}
}
