package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jcarver/mailsync/internal/mailstore"
)

// Config holds the resolved configuration for one mail account.
type Config struct {
	// Mailbox is the fetch-side connection profile (IMAP or POP3).
	Mailbox mailstore.Profile

	// SMTP is the send-side configuration.
	SMTP SMTPConfig

	// PollInterval is the recurring poll period. The minimum is 10s.
	PollInterval time.Duration
	// InitialDelay is the pause before the first poll cycle fires.
	InitialDelay time.Duration

	// DefaultFolder is always tracked while any listener exists.
	DefaultFolder string

	LogLevel string
}

// SMTPConfig holds outbound mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Sender   string
	Security mailstore.Security
}

// MinPollInterval is the lowest accepted poll interval.
const MinPollInterval = 10 * time.Second

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	security, err := mailstore.ParseSecurity(getEnv("MAIL_SECURITY", "tls"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse MAIL_SECURITY: %w", err)
	}
	protocol, err := mailstore.ParseProtocol(getEnv("MAIL_PROTOCOL", "imap"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse MAIL_PROTOCOL: %w", err)
	}
	smtpSecurity, err := mailstore.ParseSecurity(getEnv("SMTP_SECURITY", "tls"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse SMTP_SECURITY: %w", err)
	}

	smtpPort := 25
	if smtpSecurity == mailstore.SecurityTLS {
		smtpPort = 465
	}

	cfg := &Config{
		Mailbox: mailstore.Profile{
			Host:     getEnv("MAIL_HOST", ""),
			Port:     getEnvInt("MAIL_PORT", protocol.DefaultPort(security)),
			Username: getEnv("MAIL_USERNAME", ""),
			Password: getEnv("MAIL_PASSWORD", ""),
			Security: security,
			Protocol: protocol,
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", smtpPort),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			Sender:   getEnv("SMTP_SENDER", ""),
			Security: smtpSecurity,
		},
		PollInterval:  time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 60)) * time.Second,
		InitialDelay:  time.Duration(getEnvInt("INITIAL_DELAY_SECONDS", 10)) * time.Second,
		DefaultFolder: getEnv("DEFAULT_FOLDER", "INBOX"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate checks that every required credential field is set and the
// poll interval is sane. A failing validation prevents the poller from
// ever starting.
func (c *Config) Validate() error {
	if c.Mailbox.Host == "" {
		return fmt.Errorf("MAIL_HOST is required")
	}
	if c.Mailbox.Username == "" {
		return fmt.Errorf("MAIL_USERNAME is required")
	}
	if c.Mailbox.Password == "" {
		return fmt.Errorf("MAIL_PASSWORD is required")
	}
	if c.Mailbox.Port < 1 || c.Mailbox.Port > 65535 {
		return fmt.Errorf("invalid MAIL_PORT")
	}

	if c.SMTP.Host == "" {
		return fmt.Errorf("SMTP_HOST is required")
	}
	if c.SMTP.Username == "" {
		return fmt.Errorf("SMTP_USERNAME is required")
	}
	if c.SMTP.Password == "" {
		return fmt.Errorf("SMTP_PASSWORD is required")
	}
	if c.SMTP.Sender == "" {
		return fmt.Errorf("SMTP_SENDER is required")
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("invalid SMTP_PORT")
	}

	if c.PollInterval < MinPollInterval {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be at least %d", int(MinPollInterval.Seconds()))
	}
	if c.InitialDelay < 0 {
		return fmt.Errorf("INITIAL_DELAY_SECONDS must not be negative")
	}
	if c.DefaultFolder == "" {
		return fmt.Errorf("DEFAULT_FOLDER is required")
	}

	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
