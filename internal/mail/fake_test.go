package mail

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jcarver/mailsync/internal/cache"
	"github.com/jcarver/mailsync/internal/config"
	"github.com/jcarver/mailsync/internal/mailstore"
	"github.com/jcarver/mailsync/internal/outbound"
)

// fakeServer is an in-memory mail server shared by the fake dialer,
// sessions and mailboxes. It records the calls the service makes so
// tests can assert on session behavior.
type fakeServer struct {
	mu      sync.Mutex
	folders map[string][]*mailstore.Message

	dialErr   error
	deleteErr error
	closeErr  error

	dials      int
	fetchCalls int
	fetched    int
	selects    []selectCall
	markedSeen []uint32
	expunged   bool
}

type selectCall struct {
	folder   string
	readOnly bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{folders: map[string][]*mailstore.Message{}}
}

func (srv *fakeServer) add(folder string, msg *mailstore.Message) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.folders[folder] = append(srv.folders[folder], msg)
}

func (srv *fakeServer) messages(folder string) []*mailstore.Message {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]*mailstore.Message, len(srv.folders[folder]))
	copy(out, srv.folders[folder])
	return out
}

type fakeDialer struct {
	srv *fakeServer
}

func (d *fakeDialer) Dial() (mailstore.Session, error) {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	if d.srv.dialErr != nil {
		return nil, d.srv.dialErr
	}
	d.srv.dials++
	return &fakeSession{srv: d.srv}, nil
}

type fakeSession struct {
	srv *fakeServer
}

func (s *fakeSession) Select(folder string, readOnly bool) (mailstore.Mailbox, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if _, ok := s.srv.folders[folder]; !ok {
		return nil, fmt.Errorf("no such folder: %s", folder)
	}
	s.srv.selects = append(s.srv.selects, selectCall{folder: folder, readOnly: readOnly})
	return &fakeMailbox{srv: s.srv, name: folder, readOnly: readOnly}, nil
}

func (s *fakeSession) Close() error {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	return s.srv.closeErr
}

type fakeMailbox struct {
	srv      *fakeServer
	name     string
	readOnly bool

	pendingDelete []uint32
}

func (m *fakeMailbox) Name() string { return m.name }

func (m *fakeMailbox) Total() int {
	m.srv.mu.Lock()
	defer m.srv.mu.Unlock()
	return len(m.srv.folders[m.name])
}

func (m *fakeMailbox) Search(since *time.Time) ([]uint32, error) {
	m.srv.mu.Lock()
	defer m.srv.mu.Unlock()
	var seqs []uint32
	for _, msg := range m.srv.folders[m.name] {
		if since == nil || msg.ReceivedAt.After(*since) {
			seqs = append(seqs, msg.SeqNum)
		}
	}
	return seqs, nil
}

func (m *fakeMailbox) Fetch(seqs []uint32) ([]*mailstore.Message, error) {
	m.srv.mu.Lock()
	defer m.srv.mu.Unlock()
	m.srv.fetchCalls++
	var out []*mailstore.Message
	for _, seq := range seqs {
		for _, msg := range m.srv.folders[m.name] {
			if msg.SeqNum == seq {
				out = append(out, msg)
				m.srv.fetched++
			}
		}
	}
	return out, nil
}

func (m *fakeMailbox) Count(filter mailstore.CountFilter) (int, error) {
	m.srv.mu.Lock()
	defer m.srv.mu.Unlock()
	count := 0
	for _, msg := range m.srv.folders[m.name] {
		switch filter {
		case mailstore.CountTotal:
			count++
		case mailstore.CountUnread:
			if !msg.Seen {
				count++
			}
		}
	}
	return count, nil
}

func (m *fakeMailbox) MarkSeen(seq uint32) error {
	if m.readOnly {
		return fmt.Errorf("mailbox opened read-only")
	}
	m.srv.mu.Lock()
	defer m.srv.mu.Unlock()
	for _, msg := range m.srv.folders[m.name] {
		if msg.SeqNum == seq {
			msg.Seen = true
		}
	}
	m.srv.markedSeen = append(m.srv.markedSeen, seq)
	return nil
}

func (m *fakeMailbox) Delete(seq uint32) error {
	m.srv.mu.Lock()
	defer m.srv.mu.Unlock()
	if m.srv.deleteErr != nil {
		return m.srv.deleteErr
	}
	if m.readOnly {
		return fmt.Errorf("mailbox opened read-only")
	}
	m.pendingDelete = append(m.pendingDelete, seq)
	return nil
}

func (m *fakeMailbox) Close(expunge bool) error {
	if !expunge {
		return nil
	}
	m.srv.mu.Lock()
	defer m.srv.mu.Unlock()
	m.srv.expunged = true
	var kept []*mailstore.Message
	for _, msg := range m.srv.folders[m.name] {
		deleted := false
		for _, seq := range m.pendingDelete {
			if msg.SeqNum == seq {
				deleted = true
			}
		}
		if !deleted {
			kept = append(kept, msg)
		}
	}
	m.srv.folders[m.name] = kept
	return nil
}

// nopSender satisfies Sender for tests that never send.
type nopSender struct {
	sent int
}

func (n *nopSender) Send(to []string, subject, htmlBody string, attachments []outbound.Attachment) error {
	n.sent++
	return nil
}

// recordingSink captures widget updates.
type recordingSink struct {
	mu      sync.Mutex
	updates [][]string
}

func (r *recordingSink) record(folder string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, ids)
}

func (r *recordingSink) last() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return nil
	}
	return r.updates[len(r.updates)-1]
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() *config.Config {
	return &config.Config{
		PollInterval:  time.Hour,
		InitialDelay:  time.Hour,
		DefaultFolder: "INBOX",
	}
}

func newTestService(t *testing.T) (*Service, *fakeServer, *cache.Store) {
	t.Helper()
	logger := testLogger()

	c, err := cache.NewCache(t.Name(), logger)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	store := cache.NewStore(c, logger)

	srv := newFakeServer()
	srv.folders["INBOX"] = []*mailstore.Message{}

	svc := NewService(testConfig(), &fakeDialer{srv: srv}, store, &nopSender{}, logger)
	t.Cleanup(svc.Close)
	return svc, srv, store
}

// crlf joins lines with CRLF, the wire line ending of mail messages.
func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func plainMessage(subject, body string) []byte {
	return crlf(
		"From: Alice <alice@example.com>",
		"Subject: "+subject,
		"Content-Type: text/plain",
		"",
		body,
	)
}

func mixedMessage(subject, preview, attachmentName string) []byte {
	return crlf(
		"From: Bob <bob@example.com>",
		"Subject: "+subject,
		"Content-Type: multipart/mixed; boundary=\"b1\"",
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		preview,
		"--b1",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment; filename=\""+attachmentName+"\"",
		"",
		"%PDF-1.4",
		"--b1--",
	)
}

// htmlWithInlineImage nests a multipart/alternative inside mixed with
// an image part addressed by cid:img1 from the HTML body.
func htmlWithInlineImage(subject string) []byte {
	return crlf(
		"From: Carol <carol@example.com>",
		"Subject: "+subject,
		"Content-Type: multipart/mixed; boundary=\"b1\"",
		"",
		"--b1",
		"Content-Type: multipart/alternative; boundary=\"b2\"",
		"",
		"--b2",
		"Content-Type: text/plain",
		"",
		"plain fallback",
		"--b2",
		"Content-Type: text/html",
		"",
		"<html><body><p>See <img src=\"cid:img1\"></p></body></html>",
		"--b2",
		"Content-Type: image/jpeg",
		"Content-ID: <img1>",
		"Content-Transfer-Encoding: base64",
		"",
		"/9j/4AAQ",
		"--b2--",
		"--b1--",
	)
}
