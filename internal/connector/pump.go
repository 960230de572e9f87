package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemitm/internal/groutine"
)

// DefaultPollInterval bounds one pump iteration.
const DefaultPollInterval = 100 * time.Millisecond

// Pump is the dedicated worker that drains upstream events. It calls
// Poll in a loop; any error stops the pump and is reported once through
// the fatal callback so the session can shut down in order.
type Pump struct {
	connector Connector
	interval  time.Duration
	logger    *logrus.Logger
	onFatal   func(error)

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewPump creates a pump over a connector. onFatal may be nil.
func NewPump(c Connector, interval time.Duration, logger *logrus.Logger, onFatal func(error)) *Pump {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if interval > time.Second {
		interval = time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Pump{
		connector: c,
		interval:  interval,
		logger:    logger,
		onFatal:   onFatal,
	}
}

// Start launches the pump worker. Starting a running pump is a no-op.
func (p *Pump) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	stop, done := p.stop, p.done
	groutine.Go(context.Background(), "notification-pump", func(context.Context) {
		defer close(done)
		p.logger.Debug("Notification pump started")
		for {
			select {
			case <-stop:
				p.logger.Debug("Notification pump stopping")
				return
			default:
			}
			if err := p.connector.Poll(p.interval); err != nil {
				p.logger.WithField("error", err).Error("Notification pump failed")
				if p.onFatal != nil {
					p.onFatal(fmt.Errorf("%w: %v", ErrUpstreamLost, err))
				}
				return
			}
		}
	})
}

// Stop requests the worker to exit and waits up to grace for it. On an
// expired grace period the worker is abandoned; it exits after its
// current poll.
func (p *Pump) Stop(grace time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		p.logger.Debug("Notification pump stopped")
		return nil
	case <-time.After(grace):
		p.logger.Warn("Notification pump did not stop within grace period")
		return fmt.Errorf("notification pump still draining after %s", grace)
	}
}
