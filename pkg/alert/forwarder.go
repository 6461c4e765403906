package alert

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/daohu527/vlink/pkg/ids"
	"github.com/daohu527/vlink/pkg/protocol"
)

// EventSource is the intrusion detection log. *ids.System implements it.
type EventSource interface {
	RecentEvents(limit int, severity ...ids.Severity) []ids.Event
}

// PublishFunc delivers one alert, typically over MQTT.
type PublishFunc func(*protocol.SecurityAlert) error

// ForwarderOption customises a Forwarder.
type ForwarderOption func(*Forwarder)

// WithForwarderClock injects the time source for the ticker and limiter.
func WithForwarderClock(c clock.Clock) ForwarderOption {
	return func(f *Forwarder) { f.clock = c }
}

// WithForwarderLogger sets the logger.
func WithForwarderLogger(l *zap.SugaredLogger) ForwarderOption {
	return func(f *Forwarder) { f.log = l }
}

// WithRateLimit caps published alerts at perSecond with the given burst.
// Alerts over the limit are dropped and counted.
func WithRateLimit(perSecond float64, burst int) ForwarderOption {
	return func(f *Forwarder) { f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithMinSeverity skips events below min.
func WithMinSeverity(min ids.Severity) ForwarderOption {
	return func(f *Forwarder) { f.minSeverity = min }
}

// Forwarder publishes events recorded since its last poll, oldest first.
type Forwarder struct {
	vehicleID   string
	src         EventSource
	publish     PublishFunc
	clock       clock.Clock
	log         *zap.SugaredLogger
	limiter     *rate.Limiter
	minSeverity ids.Severity

	mu      sync.Mutex
	lastID  string
	dropped int
}

// NewForwarder creates a Forwarder for the events of vehicleID.
func NewForwarder(vehicleID string, src EventSource, publish PublishFunc, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		vehicleID:   vehicleID,
		src:         src,
		publish:     publish,
		clock:       clock.New(),
		log:         zap.NewNop().Sugar(),
		limiter:     rate.NewLimiter(rate.Inf, 0),
		minSeverity: ids.SeverityLow,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Poll publishes every event newer than the last one handled and returns
// how many were sent. A publish error stops the poll; the failed event is
// retried next time.
func (f *Forwarder) Poll() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	recent := f.src.RecentEvents(0)

	var pending []ids.Event
	for _, e := range recent {
		if e.ID == f.lastID {
			break
		}
		pending = append(pending, e)
	}

	sent := 0
	for i := len(pending) - 1; i >= 0; i-- {
		e := pending[i]
		if e.Severity < f.minSeverity {
			f.lastID = e.ID
			continue
		}
		if !f.limiter.AllowN(f.clock.Now(), 1) {
			f.dropped++
			f.lastID = e.ID
			continue
		}
		if err := f.publish(FromEvent(f.vehicleID, e)); err != nil {
			return sent, err
		}
		f.lastID = e.ID
		sent++
	}
	return sent, nil
}

// Run polls every interval until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context, interval time.Duration) error {
	ticker := f.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := f.Poll(); err != nil {
				f.log.Warnf("alert forwarder %s: publish error: %v", f.vehicleID, err)
			}
		}
	}
}

// Dropped is the number of alerts discarded by the rate limit.
func (f *Forwarder) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
