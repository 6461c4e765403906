package ids

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSystem(t *testing.T, cfg Config, opts ...Option) (*System, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(clk), WithLogger(zaptest.NewLogger(t).Sugar())}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	return s, clk
}

func countKind(events []Event, kind string) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestBruteForceBlacklists(t *testing.T) {
	s, _ := newTestSystem(t, Config{})

	for i := 1; i < DefaultMaxFailedAuth; i++ {
		assert.False(t, s.RecordFailedAuth("ATTACKER"), "attempt %d", i)
	}
	assert.False(t, s.IsBlacklisted("ATTACKER"))

	assert.True(t, s.RecordFailedAuth("ATTACKER"))
	assert.True(t, s.IsBlacklisted("ATTACKER"))

	crit := s.RecentEvents(0, SeverityCritical)
	require.Len(t, crit, 1)
	assert.Equal(t, KindBruteForce, crit[0].Kind)
	assert.Equal(t, "ATTACKER", crit[0].Source)
	assert.Equal(t, DefaultMaxFailedAuth, crit[0].Metadata["attempts"])

	assert.False(t, s.RecordFailedAuth("ATTACKER"), "only the transition reports true")
	assert.Len(t, s.RecentEvents(0, SeverityCritical), 1)
	assert.Equal(t, DefaultMaxFailedAuth+1, s.FailedAuthCount("ATTACKER"))
	assert.False(t, s.IsBlacklisted("BYSTANDER"))
}

func TestFloodRaisesDoS(t *testing.T) {
	s, clk := newTestSystem(t, Config{})

	exceeded := false
	for i := 0; i < 200; i++ {
		exceeded = s.RecordMessage("FLOOD") || exceeded
		clk.Add(time.Millisecond)
	}
	assert.True(t, exceeded)

	high := s.RecentEvents(0, SeverityHigh)
	require.Len(t, high, 1, "cooldown allows one event per burst")
	assert.Equal(t, KindDoS, high[0].Kind)
	assert.Equal(t, "FLOOD", high[0].Source)
}

func TestNormalTrafficQuiet(t *testing.T) {
	s, clk := newTestSystem(t, Config{})

	for i := 0; i < 50; i++ {
		assert.False(t, s.RecordMessage("NORMAL"))
		clk.Add(30 * time.Millisecond)
	}
	assert.Zero(t, countKind(s.RecentEvents(0), KindDoS))
}

func TestSustainedFloodRespectsCooldown(t *testing.T) {
	s, clk := newTestSystem(t, Config{})

	// 100 msg/s for six seconds: one event at 0.5s, the next once the
	// cooldown has elapsed at 5.5s.
	for i := 0; i < 600; i++ {
		s.RecordMessage("FLOOD")
		clk.Add(10 * time.Millisecond)
	}
	assert.Equal(t, 2, countKind(s.RecentEvents(0), KindDoS))
}

func TestCooldownResetsWhenRateNormal(t *testing.T) {
	s, clk := newTestSystem(t, Config{})

	burst := func() {
		for i := 0; i < 60; i++ {
			s.RecordMessage("BURSTY")
			clk.Add(time.Millisecond)
		}
	}
	burst()
	clk.Add(2 * time.Second)
	assert.False(t, s.RecordMessage("BURSTY"))
	burst()

	assert.Equal(t, 2, countKind(s.RecentEvents(0), KindDoS))
}

func TestWindowBoundary(t *testing.T) {
	s, clk := newTestSystem(t, Config{})

	// Far above the window size within one instant: the count saturates
	// at the window length, which is still above the threshold.
	for i := 0; i < 5*DefaultRateWindow; i++ {
		assert.Equal(t, i >= DefaultMaxMessagesPerSecond, s.RecordMessage("BURST"), "msg %d", i)
	}
	assert.Equal(t, 1, countKind(s.RecentEvents(0), KindDoS))

	// Exactly the threshold within one second is not a flood.
	clk.Add(time.Minute)
	for i := 0; i < DefaultMaxMessagesPerSecond; i++ {
		assert.False(t, s.RecordMessage("EDGE"))
		clk.Add(time.Second / DefaultMaxMessagesPerSecond)
	}
}

func TestWindowSmallerThanThresholdUndercounts(t *testing.T) {
	s, _ := newTestSystem(t, Config{RateWindow: 20, MaxMessagesPerSecond: 50})
	for i := 0; i < 500; i++ {
		assert.False(t, s.RecordMessage("HIDDEN"))
	}
}

func TestMetricAnomaly(t *testing.T) {
	s, _ := newTestSystem(t, Config{})

	assert.False(t, s.RecordMetricAnomaly("cpu", 60))
	assert.True(t, s.RecordMetricAnomaly("cpu", 95))
	assert.True(t, s.RecordMetricAnomaly("message_rate", 1))
	assert.False(t, s.RecordMetricAnomaly("temperature", 1e9))

	med := s.RecentEvents(0, SeverityMedium)
	require.Len(t, med, 2)
	assert.Equal(t, "message_rate", med[0].Metadata["metric"])
	assert.Equal(t, SourceSystem, med[0].Source)
}

func TestCustomBaselines(t *testing.T) {
	s, _ := newTestSystem(t, Config{Baselines: map[string]float64{"temperature": 80}})
	assert.True(t, s.RecordMetricAnomaly("temperature", 150))
	assert.False(t, s.RecordMetricAnomaly("cpu", 100))
}

func TestRecentEventsOrderAndFilter(t *testing.T) {
	s, clk := newTestSystem(t, Config{EventCapacity: 4})

	for i, sev := range []Severity{SeverityLow, SeverityHigh, SeverityCritical, SeverityLow, SeverityHigh, SeverityMedium} {
		s.LogEvent(Event{Kind: "test", Severity: sev, Description: fmt.Sprint(i)})
		clk.Add(time.Second)
	}

	all := s.RecentEvents(0)
	require.Len(t, all, 4)
	assert.Equal(t, "5", all[0].Description)
	assert.Equal(t, "2", all[3].Description)
	assert.Equal(t, 4, s.EventCount())

	two := s.RecentEvents(2)
	assert.Equal(t, []string{"5", "4"}, []string{two[0].Description, two[1].Description})

	hc := s.RecentEvents(0, SeverityHigh, SeverityCritical)
	require.Len(t, hc, 2)
	assert.Equal(t, "4", hc[0].Description)
	assert.Equal(t, "2", hc[1].Description)

	assert.NotEmpty(t, all[0].ID)
	assert.NotEqual(t, all[0].ID, all[1].ID)
	assert.True(t, all[0].Timestamp.After(all[1].Timestamp))
}

func TestLogEventCopiesMetadata(t *testing.T) {
	s, _ := newTestSystem(t, Config{})
	meta := map[string]any{"k": 1}
	s.LogEvent(Event{Kind: "test", Severity: SeverityLow, Metadata: meta})
	meta["k"] = 2

	assert.Equal(t, 1, s.RecentEvents(1)[0].Metadata["k"])
}

func TestBanAndPardon(t *testing.T) {
	s, _ := newTestSystem(t, Config{})
	for i := 0; i < DefaultMaxFailedAuth; i++ {
		s.RecordFailedAuth("SDV_009")
	}
	s.Ban("SDV_010", "operator")
	s.Ban("SDV_010", "operator")

	assert.Equal(t, []string{"SDV_009", "SDV_010"}, s.Blacklist())
	assert.Equal(t, 1, countKind(s.RecentEvents(0), KindManualBlacklist))

	s.Pardon("SDV_009")
	assert.False(t, s.IsBlacklisted("SDV_009"))
	assert.Zero(t, s.FailedAuthCount("SDV_009"))
	assert.Equal(t, 1, s.BlacklistCount())
}

type memBlacklist struct {
	mu    sync.Mutex
	peers map[string]string
}

func (m *memBlacklist) SaveBlacklist(peer, reason string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[peer] = reason
	return nil
}

func (m *memBlacklist) RemoveBlacklist(peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peer)
	return nil
}

func (m *memBlacklist) Blacklist() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p := range m.peers {
		out = append(out, p)
	}
	return out, nil
}

func TestBlacklistStoreRestores(t *testing.T) {
	store := &memBlacklist{peers: map[string]string{}}
	s, _ := newTestSystem(t, Config{MaxFailedAuth: 1}, WithBlacklistStore(store))
	s.RecordFailedAuth("SDV_666")
	assert.Equal(t, KindBruteForce, store.peers["SDV_666"])

	restarted, _ := newTestSystem(t, Config{}, WithBlacklistStore(store))
	assert.True(t, restarted.IsBlacklisted("SDV_666"))
	assert.Zero(t, restarted.FailedAuthCount("SDV_666"), "counters are not persisted")

	restarted.Pardon("SDV_666")
	assert.Empty(t, store.peers)
}

func TestMetricsExported(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, _ := newTestSystem(t, Config{MaxFailedAuth: 2}, WithRegisterer(reg))

	s.RecordFailedAuth("X")
	s.RecordFailedAuth("X")

	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.failedAuth))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.blacklisted))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.events.WithLabelValues(KindBruteForce, "critical")))
}

func TestConcurrentRecording(t *testing.T) {
	s, _ := newTestSystem(t, Config{})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			peer := fmt.Sprintf("P%d", g)
			for i := 0; i < 100; i++ {
				s.RecordMessage(peer)
				s.RecordFailedAuth(peer)
				_ = s.IsBlacklisted(peer)
				_ = s.RecentEvents(5)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 8, s.BlacklistCount())
}

func TestSeverityText(t *testing.T) {
	b, err := json.Marshal(Event{Severity: SeverityCritical})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"severity":"critical"`)

	var e Event
	require.NoError(t, json.Unmarshal([]byte(`{"severity":"HIGH"}`), &e))
	assert.Equal(t, SeverityHigh, e.Severity)

	_, err = ParseSeverity("severe")
	assert.Error(t, err)
}
