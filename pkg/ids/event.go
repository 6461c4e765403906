package ids

import (
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity ranks a security event.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity is the inverse of String. It is case-insensitive.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("ids: unknown severity %q", s)
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Event kinds raised by this package and by callers through LogEvent.
const (
	KindBruteForce        = "brute_force_attack"
	KindDoS               = "dos_attack"
	KindAnomaly           = "anomaly_detected"
	KindInvalidMessage    = "invalid_message"
	KindReplay            = "replay_attack"
	KindBlacklistedSender = "blacklisted_sender"
	KindManualBlacklist   = "manual_blacklist"
)

// Event is an immutable security event. Metadata is owned by the log once
// recorded and must not be modified by readers.
type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Kind        string         `json:"kind"`
	Severity    Severity       `json:"severity"`
	Source      string         `json:"source"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// eventLog keeps the most recent events in a fixed-size ring.
type eventLog struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

func newEventLog(capacity int) *eventLog {
	return &eventLog{buf: make([]Event, capacity)}
}

func (l *eventLog) append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = e
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}

// recent walks the ring newest first and returns up to limit events that
// match one of severities. limit <= 0 means no limit.
func (l *eventLog) recent(limit int, severities []Severity) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.buf)
	}
	out := make([]Event, 0, min(n, max(limit, 0)))
	for i := 0; i < n; i++ {
		if limit > 0 && len(out) == limit {
			break
		}
		idx := (l.next - 1 - i + len(l.buf)) % len(l.buf)
		e := l.buf[idx]
		if !matches(e.Severity, severities) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func matches(s Severity, filter []Severity) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if s == f {
			return true
		}
	}
	return false
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}
