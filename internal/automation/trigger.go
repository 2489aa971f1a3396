// Package automation reacts to new mail arriving during poll cycles.
package automation

import (
	"bytes"
	"strings"
	"sync"

	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/jcarver/mailsync/internal/mail"
	"github.com/jcarver/mailsync/internal/mailstore"
)

// Wildcard matches any subject or sender in a trigger filter.
const Wildcard = "-"

// TriggeredMail is the payload delivered to a trigger callback.
type TriggeredMail struct {
	Subject string
	Sender  string
	Text    string
}

// Trigger fires a callback when a mail matching its filters arrives.
// The first cycle only records a baseline message count; subsequent
// cycles inspect messages that arrived since.
type Trigger struct {
	folder  string
	subject string
	from    string
	fire    func(TriggeredMail)
	logger  *logrus.Logger

	mu        sync.Mutex
	lastCount *int
}

// NewTrigger creates a trigger for the given folder. Subject and from
// are substring filters; pass Wildcard or an empty string to match
// everything.
func NewTrigger(folder, subject, from string, fire func(TriggeredMail), logger *logrus.Logger) *Trigger {
	return &Trigger{
		folder:  folder,
		subject: subject,
		from:    from,
		fire:    fire,
		logger:  logger,
	}
}

// Handler returns the poll-cycle handler that drives this trigger.
func (t *Trigger) Handler() mail.Handler {
	return func(view mail.CycleView) error {
		count, err := view.MessageCount(t.folder)
		if err != nil {
			return err
		}

		t.mu.Lock()
		last := t.lastCount
		t.lastCount = &count
		t.mu.Unlock()

		if last == nil || count <= *last {
			return nil
		}

		msgs, err := view.MessagesRange(t.folder, uint32(*last)+1, uint32(count))
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			t.inspect(msg)
		}
		return nil
	}
}

func (t *Trigger) inspect(msg *mailstore.Message) {
	if !matches(t.from, msg.Sender) || !matches(t.subject, msg.Subject) {
		return
	}

	text, err := extractText(msg.Raw)
	if err != nil {
		t.logger.WithError(err).WithField("subject", msg.Subject).Warn("Failed to extract trigger mail text")
	}

	t.fire(TriggeredMail{
		Subject: msg.Subject,
		Sender:  msg.Sender,
		Text:    text,
	})
}

func matches(filter, value string) bool {
	if filter == "" || filter == Wildcard {
		return true
	}
	return strings.Contains(value, filter)
}

func extractText(raw []byte) (string, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	if env.Text != "" {
		return env.Text, nil
	}
	if env.HTML != "" {
		return html2text.FromString(env.HTML)
	}
	return "", nil
}
