// Package monitor folds certificate health, session health and recent
// intrusion events into a single security score.
package monitor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/daohu527/vlink/pkg/ids"
)

const (
	MaxScore = 100.0

	// RecentWindow caps how many events of one severity count as recent.
	RecentWindow = 10
	// ReportEvents is the number of events listed by Report.
	ReportEvents = 5
	// ExpiryWarning is how close to expiry the own leaf starts costing points.
	ExpiryWarning = 30 * 24 * time.Hour

	DefaultHistory = 360
)

// Penalties subtracted from MaxScore.
const (
	PenaltyCertExpiring   = 10.0
	PenaltyExpiredSession = 5.0
	PenaltyCritical       = 5.0
	PenaltyHigh           = 2.0
	PenaltyBlacklisted    = 3.0
)

// Certificates exposes the vehicle's own leaf.
type Certificates interface {
	LeafExpiry() time.Time
}

// Sessions exposes session key health.
type Sessions interface {
	ActiveCount() int
	ExpiredCount() int
}

// Detector exposes intrusion detection state.
type Detector interface {
	RecentEvents(limit int, severity ...ids.Severity) []ids.Event
	BlacklistCount() int
	EventCount() int
}

// Status is a point-in-time security snapshot.
type Status struct {
	Score              float64   `json:"security_score"`
	CertificateValid   bool      `json:"certificate_valid"`
	CertificateExpires time.Time `json:"certificate_expires"`
	ActiveSessions     int       `json:"active_sessions"`
	ExpiredSessions    int       `json:"expired_sessions"`
	BlacklistedPeers   int       `json:"blacklisted_peers"`
	RecentCritical     int       `json:"recent_critical_events"`
	RecentHigh         int       `json:"recent_high_events"`
	TotalEvents        int       `json:"total_security_events"`
	GeneratedAt        time.Time `json:"generated_at"`
}

// Sample is one recorded score.
type Sample struct {
	At    time.Time `json:"at"`
	Score float64   `json:"score"`
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock injects the time source.
func WithClock(c clock.Clock) Option { return func(m *Monitor) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(m *Monitor) { m.log = l } }

// WithRegisterer exports the score gauge to reg.
func WithRegisterer(reg prometheus.Registerer) Option { return func(m *Monitor) { m.reg = reg } }

// WithHistory sets how many samples History keeps.
func WithHistory(n int) Option { return func(m *Monitor) { m.historyCap = n } }

// Monitor polls the other components. It holds no state of its own apart
// from the score history.
type Monitor struct {
	certs    Certificates
	sessions Sessions
	detector Detector

	clock      clock.Clock
	log        *zap.SugaredLogger
	reg        prometheus.Registerer
	score      prometheus.Gauge
	historyCap int

	mu      sync.Mutex
	history []Sample
}

// New creates a Monitor over the given components.
func New(certs Certificates, sessions Sessions, detector Detector, opts ...Option) *Monitor {
	m := &Monitor{
		certs:      certs,
		sessions:   sessions,
		detector:   detector,
		clock:      clock.New(),
		log:        zap.NewNop().Sugar(),
		historyCap: DefaultHistory,
	}
	for _, o := range opts {
		o(m)
	}
	m.score = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vlink",
		Name:      "security_score",
		Help:      "Composite security score in [0, 100].",
	})
	if m.reg != nil {
		m.reg.MustRegister(m.score)
	}
	return m
}

// ComputeScore returns the current score, clamped to [0, 100].
func (m *Monitor) ComputeScore() float64 {
	return m.Status().Score
}

// Status takes a snapshot and records its score in the history.
func (m *Monitor) Status() Status {
	now := m.clock.Now()
	expires := m.certs.LeafExpiry()

	st := Status{
		CertificateValid:   now.Before(expires),
		CertificateExpires: expires,
		ActiveSessions:     m.sessions.ActiveCount(),
		ExpiredSessions:    m.sessions.ExpiredCount(),
		BlacklistedPeers:   m.detector.BlacklistCount(),
		RecentCritical:     len(m.detector.RecentEvents(RecentWindow, ids.SeverityCritical)),
		RecentHigh:         len(m.detector.RecentEvents(RecentWindow, ids.SeverityHigh)),
		TotalEvents:        m.detector.EventCount(),
		GeneratedAt:        now,
	}

	score := MaxScore
	if left := expires.Sub(now); left < ExpiryWarning {
		score -= PenaltyCertExpiring
		m.log.Warnf("monitor: certificate expires in %d days", int(left.Hours()/24))
	}
	if st.ExpiredSessions > 0 {
		score -= PenaltyExpiredSession
	}
	score -= PenaltyCritical * float64(st.RecentCritical)
	score -= PenaltyHigh * float64(st.RecentHigh)
	score -= PenaltyBlacklisted * float64(st.BlacklistedPeers)
	st.Score = max(0, min(MaxScore, score))

	m.score.Set(st.Score)
	m.record(Sample{At: now, Score: st.Score})
	return st
}

// Report renders the status and the latest events as text.
func (m *Monitor) Report() string {
	st := m.Status()
	rule := strings.Repeat("=", 40)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n    SECURITY STATUS REPORT\n%s\n", rule, rule)
	fmt.Fprintf(&b, "Security Score: %.1f/100\n\n", st.Score)
	fmt.Fprintf(&b, "Certificate Status:\n  - Valid: %t\n  - Expires: %s\n\n",
		st.CertificateValid, st.CertificateExpires.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Active Security:\n  - Active Sessions: %d\n  - Expired Sessions: %d\n  - Blacklisted Peers: %d\n\n",
		st.ActiveSessions, st.ExpiredSessions, st.BlacklistedPeers)
	fmt.Fprintf(&b, "Recent Events:\n  - Critical: %d\n  - High: %d\n  - Total Events: %d\n\n",
		st.RecentCritical, st.RecentHigh, st.TotalEvents)
	b.WriteString("Recent Security Events:\n")
	for _, e := range m.detector.RecentEvents(ReportEvents) {
		fmt.Fprintf(&b, "  [%s] %s: %s\n",
			e.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			strings.ToUpper(e.Severity.String()), e.Description)
	}
	b.WriteString(rule + "\n")
	return b.String()
}

// History returns up to n recorded samples, oldest first. n <= 0 returns
// all of them.
func (m *Monitor) History(n int) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if n > 0 && n < len(m.history) {
		start = len(m.history) - n
	}
	return append([]Sample(nil), m.history[start:]...)
}

func (m *Monitor) record(s Sample) {
	if m.historyCap <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, s)
	if over := len(m.history) - m.historyCap; over > 0 {
		m.history = append(m.history[:0], m.history[over:]...)
	}
}
