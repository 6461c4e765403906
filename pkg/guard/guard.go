// Package guard assembles the vehicle security core: identity, session
// encryption, V2X signing, intrusion detection and the security monitor.
// It owns the gated inbound path where signature verification, rate
// tracking and the blacklist meet.
package guard

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/daohu527/vlink/pkg/identity"
	"github.com/daohu527/vlink/pkg/ids"
	"github.com/daohu527/vlink/pkg/monitor"
	"github.com/daohu527/vlink/pkg/security"
	"github.com/daohu527/vlink/pkg/session"
	"github.com/daohu527/vlink/pkg/store"
	"github.com/daohu527/vlink/pkg/v2x"
)

// UnknownSource is charged with every message that fails verification.
// Transport origins such as topic ids are attacker-chosen and are never
// charged.
const UnknownSource = "unknown"

const (
	// BlockedEventInterval spaces the blacklisted_sender events raised for
	// one peer.
	BlockedEventInterval = time.Minute

	blockedPeers = 1024
)

// Config collects the component configurations.
type Config struct {
	Identity identity.Config
	V2X      v2x.Config
	IDS      ids.Config

	SessionCipher   session.Cipher
	SessionRotation time.Duration

	// StorePath enables SQLite persistence of revocations and the
	// blacklist. Empty keeps both in memory.
	StorePath string
}

// Option customises a Guard.
type Option func(*options)

type options struct {
	clock clock.Clock
	log   *zap.SugaredLogger
	reg   prometheus.Registerer
}

// WithClock shares one time source across every component.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the logger handed to every component.
func WithLogger(l *zap.SugaredLogger) Option { return func(o *options) { o.log = l } }

// WithRegisterer exports IDS and score metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option { return func(o *options) { o.reg = reg } }

// Guard is the integrated security system of one vehicle.
type Guard struct {
	log   *zap.SugaredLogger
	clock clock.Clock

	mu      sync.Mutex
	blocked *lru.Cache[string, time.Time]

	identity *identity.Manager
	channel  *session.Channel
	v2x      *v2x.Security
	ids      *ids.System
	monitor  *monitor.Monitor
	store    *store.SQLite
}

// New loads or generates identity material and wires the components.
func New(cfg Config, opts ...Option) (*Guard, error) {
	o := options{clock: clock.New(), log: zap.NewNop().Sugar()}
	for _, fn := range opts {
		fn(&o)
	}

	blocked, err := lru.New[string, time.Time](blockedPeers)
	if err != nil {
		return nil, fmt.Errorf("guard: %w", err)
	}
	g := &Guard{log: o.log, clock: o.clock, blocked: blocked}

	idOpts := []identity.Option{identity.WithClock(o.clock), identity.WithLogger(o.log.Named("identity"))}
	idsOpts := []ids.Option{ids.WithClock(o.clock), ids.WithLogger(o.log.Named("ids")), ids.WithRegisterer(o.reg)}
	if cfg.StorePath != "" {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("guard: %w", err)
		}
		g.store = st
		idOpts = append(idOpts, identity.WithRevocationStore(st))
		idsOpts = append(idsOpts, ids.WithBlacklistStore(st))
	}

	defer func() {
		if err != nil && g.store != nil {
			g.store.Close()
		}
	}()

	if g.identity, err = identity.New(cfg.Identity, idOpts...); err != nil {
		return nil, err
	}

	chOpts := []session.Option{session.WithClock(o.clock), session.WithLogger(o.log.Named("session"))}
	if cfg.SessionCipher != "" {
		chOpts = append(chOpts, session.WithCipher(cfg.SessionCipher))
	}
	if cfg.SessionRotation > 0 {
		chOpts = append(chOpts, session.WithRotation(cfg.SessionRotation))
	}
	if g.channel, err = session.New(chOpts...); err != nil {
		return nil, err
	}

	if g.v2x, err = v2x.New(g.identity, cfg.V2X, v2x.WithClock(o.clock), v2x.WithLogger(o.log.Named("v2x"))); err != nil {
		return nil, err
	}
	if g.ids, err = ids.New(cfg.IDS, idsOpts...); err != nil {
		return nil, err
	}
	g.monitor = monitor.New(g.identity, g.channel, g.ids,
		monitor.WithClock(o.clock), monitor.WithLogger(o.log.Named("monitor")), monitor.WithRegisterer(o.reg))

	g.log.Infof("guard %s: security core ready, leaf expires %s",
		g.identity.VehicleID(), g.identity.LeafExpiry().Format("2006-01-02"))
	return g, nil
}

// SecureMessage signs an outbound payload.
func (g *Guard) SecureMessage(p v2x.Payload) (v2x.SignedMessage, error) {
	return g.v2x.Sign(p)
}

// VerifyMessage runs an inbound message through signature verification,
// rate tracking and the blacklist. origin names where the message came
// from (for example the topic id) and is only recorded on events; the
// blacklist applies to the verified signer.
func (g *Guard) VerifyMessage(origin string, msg v2x.SignedMessage) (string, bool) {
	sender, err := g.v2x.Check(msg)
	if err != nil {
		g.Reject(origin, err)
		return "", false
	}

	g.ids.RecordMessage(sender)
	if g.ids.IsBlacklisted(sender) {
		g.blockedSender(sender, origin)
		return "", false
	}
	return sender, true
}

// Reject records a message that failed before or during verification: a
// low-severity event and, unless it was a replay, one failed
// authentication against UnknownSource. Replays are copies of messages a
// peer really signed, so they never count as brute force.
func (g *Guard) Reject(origin string, err error) {
	kind := ids.KindInvalidMessage
	replay := security.IsKind(err, security.KindReplay)
	if replay {
		kind = ids.KindReplay
	}

	meta := map[string]any{"reason": security.KindOf(err).String()}
	desc := fmt.Sprintf("Rejected message: %v", err)
	if origin != "" {
		meta["origin"] = origin
		desc = fmt.Sprintf("Rejected message via %s: %v", origin, err)
	}
	g.ids.LogEvent(ids.Event{
		Kind:        kind,
		Severity:    ids.SeverityLow,
		Source:      UnknownSource,
		Description: desc,
		Metadata:    meta,
	})
	if !replay {
		g.ids.RecordFailedAuth(UnknownSource)
	}
}

// blockedSender logs a dropped message from a blacklisted signer, at most
// once per BlockedEventInterval and peer.
func (g *Guard) blockedSender(sender, origin string) {
	now := g.clock.Now()

	g.mu.Lock()
	last, seen := g.blocked.Get(sender)
	due := !seen || now.Sub(last) >= BlockedEventInterval
	if due {
		g.blocked.Add(sender, now)
	}
	g.mu.Unlock()

	if !due {
		return
	}
	g.log.Warnf("guard: blocked message from blacklisted peer %s", sender)
	meta := map[string]any{}
	if origin != "" {
		meta["origin"] = origin
	}
	g.ids.LogEvent(ids.Event{
		Kind:        ids.KindBlacklistedSender,
		Severity:    ids.SeverityLow,
		Source:      sender,
		Description: fmt.Sprintf("Dropped message from blacklisted peer %s", sender),
		Metadata:    meta,
	})
}

// TransportConfig builds the mutual-TLS policy from the in-memory identity,
// for links that have no certificate files of their own.
func (g *Guard) TransportConfig() (*tls.Config, error) {
	id := g.identity
	return security.BuildTransportConfig(id.Root(), id.Leaf(), id.LeafKey())
}

// Status returns the current security snapshot.
func (g *Guard) Status() monitor.Status { return g.monitor.Status() }

// Report renders the human-readable security report.
func (g *Guard) Report() string { return g.monitor.Report() }

func (g *Guard) Identity() *identity.Manager { return g.identity }
func (g *Guard) Sessions() *session.Channel  { return g.channel }
func (g *Guard) V2X() *v2x.Security          { return g.v2x }
func (g *Guard) IDS() *ids.System            { return g.ids }
func (g *Guard) Monitor() *monitor.Monitor   { return g.monitor }

// Close releases the persistent store, if any.
func (g *Guard) Close() error {
	if g.store == nil {
		return nil
	}
	if err := g.store.Close(); err != nil && !errors.Is(err, store.ErrClosed) {
		return err
	}
	return nil
}
