package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/jcarver/mailsync/internal/cache"
	"github.com/jcarver/mailsync/internal/config"
	"github.com/jcarver/mailsync/internal/mail"
	"github.com/jcarver/mailsync/internal/mailstore"
	"github.com/jcarver/mailsync/internal/outbound"
	"github.com/jcarver/mailsync/pkg/types"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsync version %s\n", version)
		os.Exit(0)
	}

	// Load .env if present; real env vars take precedence
	_ = godotenv.Load()

	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting mailsync")

	// Initialize cache
	mailCache, err := cache.NewCache("mailsync", logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize cache")
	}
	defer mailCache.Close()

	cacheStore := cache.NewStore(mailCache, logger)

	dialer := mailstore.NewDialer(cfg.Mailbox, logger)
	mailer := outbound.NewMailer(cfg.SMTP, logger)

	svc := mail.NewService(cfg, dialer, cacheStore, mailer, logger)
	defer svc.Close()

	if err := svc.TestConnection(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to mail server")
	}
	logger.WithFields(logrus.Fields{
		"host":     cfg.Mailbox.Host,
		"protocol": cfg.Mailbox.Protocol.String(),
	}).Info("Mail server connection verified")

	// A console sink keeps the poller alive and logs each refresh.
	svc.SubscribeWidget("console", mail.SinkFunc(func(folder string, msgs []*types.MessageSummary) {
		logger.WithFields(logrus.Fields{
			"folder":   folder,
			"messages": len(msgs),
		}).Info("Mailbox refreshed")
	}), cfg.DefaultFolder)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig).Info("Received shutdown signal")

	logger.Info("Shutting down mailsync")
}
