package outbound

import (
	"bytes"
	"crypto/tls"
	"fmt"
	netmail "net/mail"
	"net/smtp"

	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/jcarver/mailsync/internal/config"
	"github.com/jcarver/mailsync/internal/mailstore"
)

// Attachment is a file attached to an outbound message.
type Attachment struct {
	Filename string
	Content  []byte
	MimeType string
}

// Mailer assembles and transmits outbound messages over SMTP.
type Mailer struct {
	cfg    config.SMTPConfig
	logger *logrus.Logger
}

// NewMailer creates a new mailer
func NewMailer(cfg config.SMTPConfig, logger *logrus.Logger) *Mailer {
	return &Mailer{
		cfg:    cfg,
		logger: logger,
	}
}

// ParseRecipients splits a comma-separated recipient list into
// validated addresses.
func ParseRecipients(list string) ([]string, error) {
	addrs, err := netmail.ParseAddressList(list)
	if err != nil {
		return nil, fmt.Errorf("failed to parse recipients: %w", err)
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.Address)
	}
	return out, nil
}

// Send builds a MIME message with an HTML body and the given
// attachments, then transmits it.
func (m *Mailer) Send(to []string, subject, htmlBody string, attachments []Attachment) error {
	msg, err := m.buildMessage(to, subject, htmlBody, attachments)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	if err := m.transmit(to, msg); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"to":      to,
		"subject": subject,
	}).Info("Sent mail")
	return nil
}

func (m *Mailer) buildMessage(to []string, subject, htmlBody string, attachments []Attachment) ([]byte, error) {
	if len(to) == 0 {
		return nil, fmt.Errorf("no recipients")
	}
	if subject == "" {
		subject = "(no subject)"
	}
	if htmlBody == "" {
		htmlBody = "(no body)"
	}

	builder := enmime.Builder().
		From("", m.cfg.Sender).
		Subject(subject).
		HTML([]byte(htmlBody))
	for _, addr := range to {
		builder = builder.To("", addr)
	}
	for _, att := range attachments {
		mimeType := att.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		builder = builder.AddAttachment(att.Content, mimeType, att.Filename)
	}

	root, err := builder.Build()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// transmit connects to the SMTP server using the configured security
// mode and delivers the encoded message.
func (m *Mailer) transmit(to []string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	var auth smtp.Auth
	if m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	tlsConfig := &tls.Config{
		ServerName: m.cfg.Host,
	}

	if m.cfg.Security == mailstore.SecurityTLS {
		// Implicit TLS (typically port 465)
		conn, err := tls.Dial("tcp", addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		defer conn.Close()

		client, err := smtp.NewClient(conn, m.cfg.Host)
		if err != nil {
			return fmt.Errorf("failed to create SMTP client: %w", err)
		}
		return m.deliver(client, auth, to, msg)
	}

	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}

	if m.cfg.Security == mailstore.SecurityStartTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close() //nolint:errcheck
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	return m.deliver(client, auth, to, msg)
}

func (m *Mailer) deliver(client *smtp.Client, auth smtp.Auth, to []string, msg []byte) error {
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := client.Mail(m.cfg.Sender); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to send data command: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}
