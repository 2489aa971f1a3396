package mail

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jcarver/mailsync/internal/cache"
	"github.com/jcarver/mailsync/internal/config"
	"github.com/jcarver/mailsync/internal/mailstore"
	"github.com/jcarver/mailsync/internal/outbound"
	"github.com/jcarver/mailsync/pkg/types"
)

// ErrNotFound is returned when a message id cannot be resolved, either
// in the cache or on the server by its cached sequence number.
var ErrNotFound = errors.New("message not found")

// Sender transmits outbound mail.
type Sender interface {
	Send(to []string, subject, htmlBody string, attachments []outbound.Attachment) error
}

// Service is the per-account mail synchronization context: poller
// state, message cache and listener registries. Create one per account
// and tear it down with Close.
type Service struct {
	cfg      *config.Config
	dialer   mailstore.Dialer
	store    *cache.Store
	registry *registry
	poller   *poller
	sender   Sender
	logger   *logrus.Logger

	mu          sync.Mutex
	lastChecked *time.Time
}

// NewService creates a mail service for one account. The poller stays
// stopped until the first listener subscribes.
func NewService(cfg *config.Config, dialer mailstore.Dialer, store *cache.Store, sender Sender, logger *logrus.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		dialer:   dialer,
		store:    store,
		registry: newRegistry(),
		sender:   sender,
		logger:   logger,
	}
	s.poller = newPoller(s, cfg.InitialDelay, cfg.PollInterval, logger)
	return s
}

// TestConnection dials the mail server once and closes the session,
// surfacing transport and auth failures at configuration time.
func (s *Service) TestConnection() error {
	session, err := s.dialer.Dial()
	if err != nil {
		return err
	}
	return session.Close()
}

// Close stops the poller. In-flight cycles run to completion.
func (s *Service) Close() {
	s.poller.stop()
}

// SubscribeWidget registers a widget sink for a folder's summaries. An
// empty folder subscribes to the account's default folder. The sink
// immediately receives the current cache snapshot.
func (s *Service) SubscribeWidget(id string, sink Sink, folder string) {
	if folder == "" {
		folder = s.cfg.DefaultFolder
	}
	s.registry.addWidget(id, sink, folder)
	s.syncPollerState()
	s.notifyWidget(id)
}

// UnsubscribeWidget removes a widget subscription.
func (s *Service) UnsubscribeWidget(id string) {
	s.registry.removeWidget(id)
	s.syncPollerState()
}

// SubscribeHandler registers a poll-cycle handler.
func (s *Service) SubscribeHandler(id string, h Handler) {
	s.registry.addHandler(id, h)
	s.syncPollerState()
}

// UnsubscribeHandler removes a handler subscription.
func (s *Service) UnsubscribeHandler(id string) {
	s.registry.removeHandler(id)
	s.syncPollerState()
}

// syncPollerState starts or stops the poller based on registry
// occupancy. It runs after every subscription change.
func (s *Service) syncPollerState() {
	if s.registry.empty() {
		s.poller.stop()
		return
	}
	s.poller.start()
}

// runCycle performs one poll cycle: one session for all tracked
// folders, scan deltas into the cache, notify widgets, then run
// handler subscriptions against the still-open session.
func (s *Service) runCycle() {
	log := s.logger.WithField("cycle_id", uuid.NewString())

	session, err := s.dialer.Dial()
	if err != nil {
		log.WithError(err).Error("Failed to connect to mail server")
		return
	}
	defer session.Close() //nolint:errcheck

	started := time.Now()
	s.mu.Lock()
	since := s.lastChecked
	s.mu.Unlock()

	for _, folder := range s.registry.folders(s.cfg.DefaultFolder) {
		if err := s.scanFolder(session, folder, since, log); err != nil {
			log.WithError(err).WithField("folder", folder).Error("Failed to scan folder")
		}
	}

	// The checkpoint advances even when a folder scan failed. A broken
	// folder would otherwise force a full history refetch every cycle;
	// the cost is that messages received during the failure window are
	// not picked up by the delta query.
	s.mu.Lock()
	s.lastChecked = &started
	s.mu.Unlock()

	s.notifyAll()

	view := &cycleView{session: session}
	s.registry.eachHandler(func(id string, h Handler) {
		if err := h(view); err != nil {
			log.WithError(err).WithField("handler", id).Warn("Handler subscription failed")
		}
	})
}

// notifyAll pushes the current cache snapshot to every widget sink,
// filtered by the subscription's folder.
func (s *Service) notifyAll() {
	s.registry.eachWidget(func(id string, sub widgetSub) {
		s.push(id, sub)
	})
}

func (s *Service) notifyWidget(id string) {
	if sub, ok := s.registry.widget(id); ok {
		s.push(id, sub)
	}
}

func (s *Service) push(id string, sub widgetSub) {
	snapshot, err := s.store.Snapshot(sub.folder)
	if err != nil {
		s.logger.WithError(err).WithField("widget", id).Warn("Failed to snapshot cache")
		return
	}
	sub.sink.Update(sub.folder, snapshot)
}

// Count opens a short-lived session and counts the folder's messages
// matching the filter. An empty folder counts the default folder.
func (s *Service) Count(filter mailstore.CountFilter, folder string) (int, error) {
	if folder == "" {
		folder = s.cfg.DefaultFolder
	}

	session, err := s.dialer.Dial()
	if err != nil {
		return 0, fmt.Errorf("failed to connect to mail server: %w", err)
	}
	defer session.Close() //nolint:errcheck

	mbox, err := session.Select(folder, true)
	if err != nil {
		return 0, err
	}
	defer mbox.Close(false) //nolint:errcheck

	return mbox.Count(filter)
}

// FullBody returns the rendered full body of a cached message,
// hydrating it from the server on first request. Inline cid references
// are rewritten to data URIs at read time, so the stored body stays
// stable across renders.
func (s *Service) FullBody(id string) (*types.Body, error) {
	summary, err := s.store.Find(id)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if summary.FullBody == nil {
		if err := s.hydrate(summary); err != nil {
			return nil, err
		}
	}

	return renderBody(summary), nil
}

// Delete removes a message on the server and from the cache. The cache
// entry is kept when the server-side delete fails.
func (s *Service) Delete(id string) error {
	summary, err := s.store.Find(id)
	if err != nil {
		return err
	}
	if summary == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	session, err := s.dialer.Dial()
	if err != nil {
		return fmt.Errorf("failed to connect to mail server: %w", err)
	}

	mbox, err := session.Select(summary.Folder, false)
	if err != nil {
		session.Close() //nolint:errcheck
		return err
	}
	if err := mbox.Delete(summary.SeqNum); err != nil {
		mbox.Close(false) //nolint:errcheck
		session.Close()   //nolint:errcheck
		return err
	}
	if err := mbox.Close(true); err != nil {
		session.Close() //nolint:errcheck
		return err
	}
	// The delete is durable only once the session closes cleanly: POP3
	// commits DELE on QUIT. The cache entry stays until then.
	if err := session.Close(); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}

	if err := s.store.Remove(summary.Folder, summary.ID); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"message_id": summary.ID,
		"folder":     summary.Folder,
	}).Info("Deleted message")

	s.notifyAll()
	return nil
}

// Send transmits an outbound message.
func (s *Service) Send(to []string, subject, htmlBody string, attachments []outbound.Attachment) error {
	if err := s.sender.Send(to, subject, htmlBody, attachments); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}
