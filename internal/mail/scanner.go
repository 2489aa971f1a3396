package mail

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/jcarver/mailsync/internal/mailstore"
	"github.com/jcarver/mailsync/pkg/types"
)

// scanBatchCap bounds per-cycle latency: at most this many of the
// newest messages get a summary per folder per cycle. Older ones still
// satisfy the "received after checkpoint" predicate next cycle.
const scanBatchCap = 10

// previewLimit is the preview length in runes before truncation.
const previewLimit = 256

// scanFolder lists messages received after since (all messages when
// since is nil), fetches the newest batch and merges their summaries
// into the cache. Extraction failures for a single message are logged
// and skipped; the message stays eligible for a later cycle.
func (s *Service) scanFolder(session mailstore.Session, folder string, since *time.Time, log *logrus.Entry) error {
	mbox, err := session.Select(folder, true)
	if err != nil {
		return err
	}
	defer mbox.Close(false) //nolint:errcheck

	seqs, err := mbox.Search(since)
	if err != nil {
		return err
	}
	if len(seqs) > scanBatchCap {
		seqs = seqs[len(seqs)-scanBatchCap:]
	}

	msgs, err := mbox.Fetch(seqs)
	if err != nil {
		return err
	}

	// Server-side since-search can be date-granular; apply the strict
	// cutoff here. Summary extraction for the batch runs in parallel.
	summaries := make([]*types.MessageSummary, len(msgs))
	var wg sync.WaitGroup
	for i, msg := range msgs {
		if since != nil && !msg.ReceivedAt.After(*since) {
			continue
		}
		wg.Add(1)
		go func(i int, msg *mailstore.Message) {
			defer wg.Done()
			summary, err := buildSummary(folder, msg)
			if err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"folder": folder,
					"seq":    msg.SeqNum,
				}).Error("Failed to read message")
				return
			}
			summaries[i] = summary
		}(i, msg)
	}
	wg.Wait()

	count := 0
	for _, summary := range summaries {
		if summary == nil {
			continue
		}
		if err := s.store.Upsert(summary); err != nil {
			log.WithError(err).WithField("message_id", summary.ID).Warn("Failed to cache message")
			continue
		}
		count++
	}

	log.WithFields(logrus.Fields{
		"folder": folder,
		"count":  count,
	}).Info("Scanned folder")
	return nil
}

// buildSummary turns one fetched message into a cache record: identity,
// envelope fields, attachment names from the top-level multipart scan,
// and an opportunistic plain-text preview.
func buildSummary(folder string, msg *mailstore.Message) (*types.MessageSummary, error) {
	summary := &types.MessageSummary{
		ID:         messageIdentity(msg),
		Folder:     folder,
		SeqNum:     msg.SeqNum,
		Subject:    msg.Subject,
		Sender:     msg.Sender,
		ReceivedAt: msg.ReceivedAt,
		SizeBytes:  msg.Size,
		Seen:       msg.Seen,
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(msg.Raw))
	if err != nil {
		return nil, err
	}
	summary.Description = env.GetHeader("Content-Description")

	root := env.Root
	if root == nil {
		return summary, nil
	}
	switch classify(root) {
	case partMultipart, partAlternative:
	default:
		return summary, nil
	}

	for part := root.FirstChild; part != nil; part = part.NextSibling {
		if strings.EqualFold(part.Disposition, "attachment") && part.FileName != "" {
			summary.AttachmentNames = append(summary.AttachmentNames, part.FileName)
		}
		// Later text/plain parts overwrite earlier ones: the last
		// top-level plain part is the preview.
		if classify(part) == partPlain {
			preview := truncatePreview(string(part.Content))
			summary.Preview = &preview
		}
	}

	return summary, nil
}

// messageIdentity returns the transport-level message id, or the
// sender plus sequence number when the server provides none. The
// fallback is not stable across server-side renumbering.
func messageIdentity(msg *mailstore.Message) string {
	if msg.MessageID != "" {
		return msg.MessageID
	}
	return msg.Sender + strconv.FormatUint(uint64(msg.SeqNum), 10)
}

func truncatePreview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit]) + "..."
}
