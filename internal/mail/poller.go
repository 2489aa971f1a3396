package mail

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// poller runs the recurring background sync task for one account. It
// fires once after an initial delay, then on a fixed interval.
type poller struct {
	svc      *Service
	delay    time.Duration
	interval time.Duration
	logger   *logrus.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	active bool
}

func newPoller(svc *Service, delay, interval time.Duration, logger *logrus.Logger) *poller {
	return &poller{
		svc:      svc,
		delay:    delay,
		interval: interval,
		logger:   logger,
	}
}

// start launches the background loop. Calling it while already running
// is a no-op.
func (p *poller) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return
	}
	p.active = true
	p.stopCh = make(chan struct{})
	go p.run(p.stopCh)
	p.logger.Info("Mail poller started")
}

// stop cancels future firings. It is safe to call when not running.
// An in-flight cycle runs to completion.
func (p *poller) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	close(p.stopCh)
	p.active = false
	p.logger.Info("Mail poller stopped")
}

func (p *poller) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *poller) run(stop <-chan struct{}) {
	timer := time.NewTimer(p.delay)
	defer timer.Stop()

	select {
	case <-stop:
		return
	case <-timer.C:
	}
	p.svc.runCycle()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.svc.runCycle()
		}
	}
}
