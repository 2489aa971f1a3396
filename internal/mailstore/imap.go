package mailstore

import (
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

// imapDialer opens authenticated IMAP sessions for a single profile.
type imapDialer struct {
	profile Profile
	logger  *logrus.Logger
}

// Dial connects, negotiates transport security and logs in. Every call
// returns an independent session.
func (d *imapDialer) Dial() (Session, error) {
	tlsConfig := &tls.Config{
		ServerName: d.profile.Host,
		MinVersion: tls.VersionTLS12,
	}

	var c *client.Client
	var err error
	switch d.profile.Security {
	case SecurityTLS:
		c, err = client.DialTLS(d.profile.Addr(), tlsConfig)
	default:
		c, err = client.Dial(d.profile.Addr())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if d.profile.Security == SecurityStartTLS {
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Logout() //nolint:errcheck
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if err := c.Login(d.profile.Username, d.profile.Password); err != nil {
		d.logger.WithError(err).Error("Failed to login to IMAP server")
		c.Logout() //nolint:errcheck
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	d.logger.WithField("host", d.profile.Host).Debug("Connected to IMAP server")
	return &imapSession{c: c, logger: d.logger}, nil
}

type imapSession struct {
	c      *client.Client
	logger *logrus.Logger
}

func (s *imapSession) Select(folder string, readOnly bool) (Mailbox, error) {
	status, err := s.c.Select(folder, readOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", folder, err)
	}
	return &imapMailbox{c: s.c, status: status, logger: s.logger}, nil
}

func (s *imapSession) Close() error {
	return s.c.Logout()
}

type imapMailbox struct {
	c      *client.Client
	status *imap.MailboxStatus
	logger *logrus.Logger
}

func (m *imapMailbox) Name() string {
	return m.status.Name
}

func (m *imapMailbox) Total() int {
	return int(m.status.Messages)
}

func (m *imapMailbox) Search(since *time.Time) ([]uint32, error) {
	if since == nil {
		if m.status.Messages == 0 {
			return nil, nil
		}
		seqs := make([]uint32, 0, m.status.Messages)
		for seq := uint32(1); seq <= m.status.Messages; seq++ {
			seqs = append(seqs, seq)
		}
		return seqs, nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = *since
	seqs, err := m.c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return seqs, nil
}

func (m *imapMailbox) Fetch(seqs []uint32) ([]*Message, error) {
	if len(seqs) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqs...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.c.Fetch(seqSet, items, messages)
	}()

	var fetched []*Message
	for msg := range messages {
		fetched = append(fetched, m.parseMessage(msg, section))
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return fetched, nil
}

func (m *imapMailbox) parseMessage(msg *imap.Message, section *imap.BodySectionName) *Message {
	out := &Message{
		SeqNum:     msg.SeqNum,
		ReceivedAt: msg.InternalDate,
		Size:       int64(msg.Size),
	}

	if msg.Envelope != nil {
		out.MessageID = msg.Envelope.MessageId
		out.Subject = msg.Envelope.Subject
		if len(msg.Envelope.From) > 0 {
			out.Sender = formatAddress(msg.Envelope.From[0])
		}
	}

	for _, flag := range msg.Flags {
		if flag == imap.SeenFlag {
			out.Seen = true
		}
	}

	if literal := msg.GetBody(section); literal != nil {
		out.Raw = readLiteral(literal, m.logger)
	} else {
		// Some servers key the body section differently than requested;
		// fall back to whatever section carries content.
		for _, literal := range msg.Body {
			if raw := readLiteral(literal, m.logger); len(raw) > 0 {
				out.Raw = raw
				break
			}
		}
	}

	return out
}

func (m *imapMailbox) Count(filter CountFilter) (int, error) {
	criteria := imap.NewSearchCriteria()
	switch filter {
	case CountTotal:
		return int(m.status.Messages), nil
	case CountRecent:
		criteria.WithFlags = []string{imap.RecentFlag}
	case CountDeleted:
		criteria.WithFlags = []string{imap.DeletedFlag}
	case CountUnread:
		criteria.WithoutFlags = []string{imap.SeenFlag}
	default:
		return 0, fmt.Errorf("unknown count filter: %s", filter)
	}

	seqs, err := m.c.Search(criteria)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return len(seqs), nil
}

func (m *imapMailbox) MarkSeen(seq uint32) error {
	return m.storeFlag(seq, imap.SeenFlag)
}

func (m *imapMailbox) Delete(seq uint32) error {
	return m.storeFlag(seq, imap.DeletedFlag)
}

func (m *imapMailbox) storeFlag(seq uint32, flag string) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seq)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := m.c.Store(seqSet, item, []interface{}{flag}, nil); err != nil {
		return fmt.Errorf("failed to store flag %s: %w", flag, err)
	}
	return nil
}

// Close issues an expunging CLOSE when requested. Without expunge the
// mailbox is left as-is; the next Select implicitly deselects it.
func (m *imapMailbox) Close(expunge bool) error {
	if !expunge {
		return nil
	}
	if err := m.c.Close(); err != nil {
		return fmt.Errorf("failed to close folder: %w", err)
	}
	return nil
}

// formatAddress renders an envelope address as "Name <user@host>" or a
// bare address when no display name is present.
func formatAddress(addr *imap.Address) string {
	if addr == nil {
		return ""
	}
	if addr.PersonalName != "" {
		return fmt.Sprintf("%s <%s>", addr.PersonalName, addr.Address())
	}
	return addr.Address()
}

func readLiteral(literal imap.Literal, logger *logrus.Logger) []byte {
	raw, err := io.ReadAll(literal)
	if err != nil {
		logger.WithError(err).Error("Error reading message literal")
		return nil
	}
	return raw
}
