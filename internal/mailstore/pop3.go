package mailstore

import (
	"bytes"
	"fmt"
	"mime"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/knadh/go-pop3"
	"github.com/sirupsen/logrus"
)

// defaultFolderPOP3 is the single folder a POP3 account exposes.
const defaultFolderPOP3 = "INBOX"

// pop3Dialer opens authenticated POP3 sessions. POP3 has no folder
// hierarchy and no message flags; the session exposes a single INBOX
// mailbox, reports every message as unseen and supports only the total
// count filter.
type pop3Dialer struct {
	profile Profile
	logger  *logrus.Logger
}

func (d *pop3Dialer) Dial() (Session, error) {
	if d.profile.Security == SecurityStartTLS {
		return nil, fmt.Errorf("pop3: STARTTLS is not supported, use plain or tls")
	}

	p := pop3.New(pop3.Opt{
		Host:       d.profile.Host,
		Port:       d.profile.Port,
		TLSEnabled: d.profile.Security == SecurityTLS,
	})

	conn, err := p.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to POP3 server: %w", err)
	}

	if err := conn.User(d.profile.Username); err != nil {
		conn.Quit() //nolint:errcheck
		return nil, fmt.Errorf("failed to login to POP3 server: %w", err)
	}
	if err := conn.Pass(d.profile.Password); err != nil {
		conn.Quit() //nolint:errcheck
		return nil, fmt.Errorf("failed to login to POP3 server: %w", err)
	}

	d.logger.WithField("host", d.profile.Host).Debug("Connected to POP3 server")
	return &pop3Session{conn: conn, logger: d.logger}, nil
}

type pop3Session struct {
	conn   *pop3.Conn
	logger *logrus.Logger
}

func (s *pop3Session) Select(folder string, readOnly bool) (Mailbox, error) {
	if !strings.EqualFold(folder, defaultFolderPOP3) {
		return nil, fmt.Errorf("pop3: folder %s does not exist, only %s is available", folder, defaultFolderPOP3)
	}
	count, _, err := s.conn.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat mailbox: %w", err)
	}
	return &pop3Mailbox{conn: s.conn, total: count, logger: s.logger}, nil
}

// Close quits the session. Any DELE issued during the session is
// committed by the server on QUIT.
func (s *pop3Session) Close() error {
	return s.conn.Quit()
}

type pop3Mailbox struct {
	conn   *pop3.Conn
	total  int
	logger *logrus.Logger
}

func (m *pop3Mailbox) Name() string {
	return defaultFolderPOP3
}

func (m *pop3Mailbox) Total() int {
	return m.total
}

func (m *pop3Mailbox) Search(since *time.Time) ([]uint32, error) {
	ids, err := m.conn.List(0)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	var seqs []uint32
	for _, id := range ids {
		if since != nil {
			received, err := m.receivedAt(id.ID)
			if err != nil {
				m.logger.WithError(err).WithField("msg", id.ID).Warn("Failed to read message date")
				continue
			}
			if !received.After(*since) {
				continue
			}
		}
		seqs = append(seqs, uint32(id.ID))
	}
	return seqs, nil
}

// receivedAt reads only the headers of a message to get its Date.
func (m *pop3Mailbox) receivedAt(id int) (time.Time, error) {
	entity, err := m.conn.Top(id, 0)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to fetch headers: %w", err)
	}
	date, err := netmail.ParseDate(entity.Header.Get("Date"))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date: %w", err)
	}
	return date, nil
}

func (m *pop3Mailbox) Fetch(seqs []uint32) ([]*Message, error) {
	var fetched []*Message
	for _, seq := range seqs {
		buf, err := m.conn.RetrRaw(int(seq))
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve message %d: %w", seq, err)
		}
		fetched = append(fetched, parsePOP3Message(seq, buf.Bytes()))
	}
	return fetched, nil
}

func parsePOP3Message(seq uint32, raw []byte) *Message {
	out := &Message{
		SeqNum: seq,
		Size:   int64(len(raw)),
		Raw:    raw,
	}

	parsed, err := netmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return out
	}

	out.MessageID = parsed.Header.Get("Message-ID")
	out.Subject = decodeHeader(parsed.Header.Get("Subject"))
	out.Sender = decodeHeader(parsed.Header.Get("From"))
	if date, err := parsed.Header.Date(); err == nil {
		out.ReceivedAt = date
	}
	return out
}

func decodeHeader(value string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func (m *pop3Mailbox) Count(filter CountFilter) (int, error) {
	if filter != CountTotal {
		return 0, fmt.Errorf("%w: pop3 count %s", ErrUnsupported, filter)
	}
	return m.total, nil
}

// MarkSeen is a no-op: POP3 has no message flags.
func (m *pop3Mailbox) MarkSeen(seq uint32) error {
	return nil
}

func (m *pop3Mailbox) Delete(seq uint32) error {
	if err := m.conn.Dele(int(seq)); err != nil {
		return fmt.Errorf("failed to delete message %d: %w", seq, err)
	}
	return nil
}

// Close is a no-op: deletions commit when the session quits.
func (m *pop3Mailbox) Close(expunge bool) error {
	return nil
}
