// Package ids detects brute-force authentication, message floods and
// metric anomalies, keeps a bounded log of security events and maintains
// the peer blacklist consulted by the inbound message path.
package ids

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultMaxFailedAuth        = 5
	DefaultMaxMessagesPerSecond = 50
	DefaultRateWindow           = 200
	DefaultDoSCooldown          = 5 * time.Second
	DefaultAnomalyThreshold     = 0.75
	DefaultEventCapacity        = 1000

	// SourceSystem is the event source for host-level anomalies.
	SourceSystem = "system"
)

// DefaultBaselines are the expected values of the monitored metrics:
// messages per second, CPU percent and network KB/s.
func DefaultBaselines() map[string]float64 {
	return map[string]float64{
		"message_rate": 10,
		"cpu":          50,
		"network":      1000,
	}
}

// Config holds detection thresholds. Zero fields take the defaults.
type Config struct {
	MaxFailedAuth        int
	MaxMessagesPerSecond int
	RateWindow           int
	DoSCooldown          time.Duration
	AnomalyThreshold     float64
	EventCapacity        int
	Baselines            map[string]float64
}

func (c *Config) applyDefaults() {
	if c.MaxFailedAuth <= 0 {
		c.MaxFailedAuth = DefaultMaxFailedAuth
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.DoSCooldown <= 0 {
		c.DoSCooldown = DefaultDoSCooldown
	}
	if c.AnomalyThreshold <= 0 {
		c.AnomalyThreshold = DefaultAnomalyThreshold
	}
	if c.EventCapacity <= 0 {
		c.EventCapacity = DefaultEventCapacity
	}
	if c.Baselines == nil {
		c.Baselines = DefaultBaselines()
	}
}

// BlacklistStore persists blacklist membership across restarts.
type BlacklistStore interface {
	SaveBlacklist(peer, reason string, at time.Time) error
	RemoveBlacklist(peer string) error
	Blacklist() ([]string, error)
}

// Option customises a System.
type Option func(*System)

// WithClock injects the time source.
func WithClock(c clock.Clock) Option { return func(s *System) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(s *System) { s.log = l } }

// WithBlacklistStore persists blacklist changes to st.
func WithBlacklistStore(st BlacklistStore) Option { return func(s *System) { s.store = st } }

// WithRegisterer exports detection metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option { return func(s *System) { s.reg = reg } }

// System is the intrusion detection engine. All methods are safe for
// concurrent use.
type System struct {
	cfg     Config
	clock   clock.Clock
	log     *zap.SugaredLogger
	store   BlacklistStore
	reg     prometheus.Registerer
	metrics *metrics
	events  *eventLog

	mu        sync.Mutex
	failed    map[string]int
	windows   map[string][]time.Time
	lastDoS   map[string]time.Time
	blacklist map[string]struct{}
}

// New creates a System. With a BlacklistStore, persisted peers are loaded
// onto the blacklist before New returns.
func New(cfg Config, opts ...Option) (*System, error) {
	cfg.applyDefaults()
	s := &System{
		cfg:       cfg,
		clock:     clock.New(),
		log:       zap.NewNop().Sugar(),
		events:    newEventLog(cfg.EventCapacity),
		failed:    make(map[string]int),
		windows:   make(map[string][]time.Time),
		lastDoS:   make(map[string]time.Time),
		blacklist: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.metrics = newMetrics(s.reg)

	if s.store != nil {
		peers, err := s.store.Blacklist()
		if err != nil {
			return nil, fmt.Errorf("ids: load blacklist: %w", err)
		}
		for _, p := range peers {
			s.blacklist[p] = struct{}{}
		}
		if len(peers) > 0 {
			s.log.Infof("ids: restored %d blacklisted peers", len(peers))
		}
	}
	s.metrics.blacklisted.Set(float64(len(s.blacklist)))
	return s, nil
}

// RecordFailedAuth counts a failed authentication from peer. It returns
// true only on the call that pushes peer onto the blacklist.
func (s *System) RecordFailedAuth(peer string) bool {
	s.metrics.failedAuth.Inc()

	s.mu.Lock()
	s.failed[peer]++
	attempts := s.failed[peer]
	_, already := s.blacklist[peer]
	if already || attempts < s.cfg.MaxFailedAuth {
		s.mu.Unlock()
		return false
	}
	s.blacklist[peer] = struct{}{}
	count := len(s.blacklist)
	s.mu.Unlock()

	s.metrics.blacklisted.Set(float64(count))
	s.persistBlacklist(peer, KindBruteForce)
	s.emit(KindBruteForce, SeverityCritical, peer,
		fmt.Sprintf("Multiple failed authentication attempts from %s", peer),
		map[string]any{"attempts": attempts})
	return true
}

// RecordMessage notes one message from peer and reports whether its rate
// over the last second exceeds the threshold. A DoS event is raised at most
// once per cooldown while the flood lasts; the cooldown is cleared as soon
// as the rate falls back under the threshold.
func (s *System) RecordMessage(peer string) bool {
	now := s.clock.Now()

	s.mu.Lock()
	w := append(s.windows[peer], now)
	if len(w) > s.cfg.RateWindow {
		w = w[len(w)-s.cfg.RateWindow:]
	}
	s.windows[peer] = w

	rate := 0
	for i := len(w) - 1; i >= 0 && now.Sub(w[i]) <= time.Second; i-- {
		rate++
	}

	if rate <= s.cfg.MaxMessagesPerSecond {
		delete(s.lastDoS, peer)
		s.mu.Unlock()
		return false
	}

	last, seen := s.lastDoS[peer]
	raise := !seen || now.Sub(last) >= s.cfg.DoSCooldown
	if raise {
		s.lastDoS[peer] = now
	}
	s.mu.Unlock()

	if raise {
		s.emit(KindDoS, SeverityHigh, peer,
			fmt.Sprintf("Message flood detected from %s: %d msg/s", peer, rate),
			map[string]any{"rate": rate, "threshold": s.cfg.MaxMessagesPerSecond})
	}
	return true
}

// RecordMetricAnomaly compares value with the baseline for metric and
// raises a medium event when the relative deviation exceeds the anomaly
// threshold. Metrics without a baseline are never anomalous.
func (s *System) RecordMetricAnomaly(metric string, value float64) bool {
	baseline, ok := s.cfg.Baselines[metric]
	if !ok || baseline == 0 {
		return false
	}
	deviation := math.Abs(value-baseline) / baseline
	if deviation <= s.cfg.AnomalyThreshold {
		return false
	}
	s.emit(KindAnomaly, SeverityMedium, SourceSystem,
		fmt.Sprintf("Anomaly in %s: %g (baseline: %g)", metric, value, baseline),
		map[string]any{"metric": metric, "value": value, "baseline": baseline})
	return true
}

// IsBlacklisted reports whether peer is blacklisted. Membership only ends
// through Pardon.
func (s *System) IsBlacklisted(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blacklist[peer]
	return ok
}

// Ban blacklists peer on operator request.
func (s *System) Ban(peer, reason string) {
	s.mu.Lock()
	_, already := s.blacklist[peer]
	s.blacklist[peer] = struct{}{}
	count := len(s.blacklist)
	s.mu.Unlock()
	if already {
		return
	}

	s.metrics.blacklisted.Set(float64(count))
	s.persistBlacklist(peer, reason)
	s.emit(KindManualBlacklist, SeverityHigh, peer,
		fmt.Sprintf("Peer %s blacklisted: %s", peer, reason), nil)
}

// Pardon removes peer from the blacklist and clears its failure counter.
func (s *System) Pardon(peer string) {
	s.mu.Lock()
	_, listed := s.blacklist[peer]
	delete(s.blacklist, peer)
	delete(s.failed, peer)
	count := len(s.blacklist)
	s.mu.Unlock()
	if !listed {
		return
	}

	s.metrics.blacklisted.Set(float64(count))
	if s.store != nil {
		if err := s.store.RemoveBlacklist(peer); err != nil {
			s.log.Errorf("ids: unpersist blacklist %s: %v", peer, err)
		}
	}
	s.log.Infof("ids: peer %s pardoned", peer)
}

// Blacklist returns the blacklisted peers in sorted order.
func (s *System) Blacklist() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.blacklist))
	for p := range s.blacklist {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// BlacklistCount is len(Blacklist()) without the copy.
func (s *System) BlacklistCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blacklist)
}

// FailedAuthCount returns the failures recorded for peer.
func (s *System) FailedAuthCount(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed[peer]
}

// LogEvent records e. Missing ID and Timestamp are filled in.
func (s *System) LogEvent(e Event) Event {
	if e.ID == "" {
		e.ID = newEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now()
	}
	e.Metadata = cloneMetadata(e.Metadata)

	s.events.append(e)
	s.metrics.events.WithLabelValues(e.Kind, e.Severity.String()).Inc()
	s.log.Warnw("security event",
		"kind", e.Kind,
		"severity", e.Severity.String(),
		"source", e.Source,
		"description", e.Description)
	return e
}

// RecentEvents returns up to limit events, newest first, optionally
// restricted to the given severities. limit <= 0 returns every retained
// event.
func (s *System) RecentEvents(limit int, severity ...Severity) []Event {
	return s.events.recent(limit, severity)
}

// EventCount is the number of events currently retained.
func (s *System) EventCount() int { return s.events.len() }

// Config returns the effective configuration.
func (s *System) Config() Config { return s.cfg }

func (s *System) emit(kind string, sev Severity, source, desc string, meta map[string]any) {
	s.LogEvent(Event{
		Kind:        kind,
		Severity:    sev,
		Source:      source,
		Description: desc,
		Metadata:    meta,
	})
}

func (s *System) persistBlacklist(peer, reason string) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveBlacklist(peer, reason, s.clock.Now()); err != nil {
		s.log.Errorf("ids: persist blacklist %s: %v", peer, err)
	}
}
