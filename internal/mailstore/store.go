package mailstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrUnsupported is returned for operations the underlying protocol
// cannot express (for example flag-based counts over POP3).
var ErrUnsupported = errors.New("operation not supported by protocol")

// Security selects the transport security mode of a connection.
type Security int

const (
	SecurityPlain Security = iota
	SecurityStartTLS
	SecurityTLS
)

// ParseSecurity parses a security mode name ("plain", "starttls", "tls").
func ParseSecurity(s string) (Security, error) {
	switch strings.ToLower(s) {
	case "plain":
		return SecurityPlain, nil
	case "starttls":
		return SecurityStartTLS, nil
	case "tls", "ssl":
		return SecurityTLS, nil
	default:
		return SecurityPlain, fmt.Errorf("unknown security mode: %s", s)
	}
}

func (s Security) String() string {
	switch s {
	case SecurityStartTLS:
		return "starttls"
	case SecurityTLS:
		return "tls"
	default:
		return "plain"
	}
}

// Protocol selects the mail fetch protocol.
type Protocol int

const (
	ProtocolIMAP Protocol = iota
	ProtocolPOP3
)

// ParseProtocol parses a protocol name ("imap" or "pop3").
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "imap":
		return ProtocolIMAP, nil
	case "pop3":
		return ProtocolPOP3, nil
	default:
		return ProtocolIMAP, fmt.Errorf("unknown protocol: %s", s)
	}
}

func (p Protocol) String() string {
	if p == ProtocolPOP3 {
		return "pop3"
	}
	return "imap"
}

// DefaultPort returns the conventional server port for the protocol
// under the given security mode.
func (p Protocol) DefaultPort(sec Security) int {
	if p == ProtocolPOP3 {
		if sec == SecurityTLS {
			return 995
		}
		return 110
	}
	if sec == SecurityTLS {
		return 993
	}
	return 143
}

// CountFilter selects which messages a mailbox count covers.
type CountFilter string

const (
	CountTotal   CountFilter = "total"
	CountRecent  CountFilter = "recent"
	CountDeleted CountFilter = "deleted"
	CountUnread  CountFilter = "unread"
)

// ParseCountFilter parses a count filter name.
func ParseCountFilter(s string) (CountFilter, error) {
	switch CountFilter(strings.ToLower(s)) {
	case CountTotal, CountRecent, CountDeleted, CountUnread:
		return CountFilter(strings.ToLower(s)), nil
	default:
		return CountTotal, fmt.Errorf("unknown count filter: %s", s)
	}
}

// Profile describes how to reach and authenticate against one mail
// server. It is immutable for the lifetime of a poll cycle.
type Profile struct {
	Host     string
	Port     int
	Username string
	Password string
	Security Security
	Protocol Protocol
}

// Addr returns the host:port dial address.
func (p Profile) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Message is one fetched remote message with its full raw content.
type Message struct {
	SeqNum     uint32
	MessageID  string
	Subject    string
	Sender     string
	ReceivedAt time.Time
	Size       int64
	Seen       bool
	Raw        []byte
}

// Mailbox is an open folder on the mail server.
type Mailbox interface {
	Name() string
	// Total is the message count observed when the mailbox was opened.
	Total() int
	// Search returns the sequence numbers of messages received after
	// since, or of every message when since is nil. Server-side search
	// may be date-granular; callers apply the strict cutoff themselves.
	Search(since *time.Time) ([]uint32, error)
	// Fetch retrieves full messages by sequence number without setting
	// the seen flag.
	Fetch(seqs []uint32) ([]*Message, error)
	Count(filter CountFilter) (int, error)
	MarkSeen(seq uint32) error
	// Delete marks a message deleted; the removal takes effect when the
	// mailbox is closed with expunge.
	Delete(seq uint32) error
	Close(expunge bool) error
}

// Session is one authenticated connection to the mail server. Sessions
// are short-lived: one per poll cycle, hydration, deletion or count.
type Session interface {
	Select(folder string, readOnly bool) (Mailbox, error)
	Close() error
}

// Dialer opens fresh sessions. Implementations never share connection
// state between calls, so concurrent sessions need no locking.
type Dialer interface {
	Dial() (Session, error)
}

// NewDialer returns the dialer matching the profile's protocol.
func NewDialer(profile Profile, logger *logrus.Logger) Dialer {
	if profile.Protocol == ProtocolPOP3 {
		return &pop3Dialer{profile: profile, logger: logger}
	}
	return &imapDialer{profile: profile, logger: logger}
}
