// Package vehicle provides the Vehicle Agent that runs on each autonomous
// vehicle. It connects to the MQTT broker, publishes signed basic safety
// messages at a configured frequency (1–50 Hz), verifies the messages of
// nearby vehicles, executes signed security commands from the operations
// center and reports its intrusion-detection events and security status.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daohu527/vlink/pkg/alert"
	"github.com/daohu527/vlink/pkg/guard"
	"github.com/daohu527/vlink/pkg/ids"
	"github.com/daohu527/vlink/pkg/protocol"
	"github.com/daohu527/vlink/pkg/security"
	"github.com/daohu527/vlink/pkg/shadow"
	"github.com/daohu527/vlink/pkg/v2x"
)

const (
	DefaultPublishHz      = 10
	DefaultStatusInterval = 10 * time.Second
	DefaultAlertInterval  = time.Second
)

// ErrNotConnected is returned by Run before Connect.
var ErrNotConnected = errors.New("vehicle agent: not connected")

// ErrNoState is returned when the StateProvider has no state to publish.
var ErrNoState = errors.New("vehicle agent: no vehicle state")

// Config holds the agent's runtime configuration.
type Config struct {
	// VehicleID is the unique identifier for this vehicle (e.g. "SDV_001").
	// It must match the subject of the guard's leaf certificate.
	VehicleID string
	// BrokerURL is the MQTT broker address (e.g. "tls://broker:8883").
	BrokerURL string
	// PublishHz is the BSM publication frequency (1–50).
	PublishHz float64
	// CertFile, KeyFile, CAFile are paths for mTLS authentication.
	CertFile string
	KeyFile  string
	CAFile   string
	// Codec encodes signed messages on the wire. Nil means JSON.
	Codec v2x.Codec
	// ControlCenterID is the certificate subject allowed to send commands.
	// Empty refuses every command.
	ControlCenterID string

	StatusInterval  time.Duration
	AlertInterval   time.Duration
	AlertsPerSecond float64
}

// StateProvider is a function that the agent calls each tick to obtain the
// latest vehicle state. Implementations should return a fresh snapshot.
type StateProvider func() *protocol.VehicleState

// Option customises an Agent.
type Option func(*Agent)

// WithClock injects the time source for the publish loops.
func WithClock(c clock.Clock) Option { return func(a *Agent) { a.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(a *Agent) { a.log = l } }

// Agent manages the MQTT connection, the BSM loop and the security core.
type Agent struct {
	cfg     Config
	client  mqtt.Client
	guard   *guard.Guard
	shadows *shadow.Manager
	alerts  *alert.Forwarder
	stateFn StateProvider
	clock   clock.Clock
	log     *zap.SugaredLogger
}

// New creates a new Agent around g. stateProvider is called each publish
// interval to obtain the current vehicle state.
func New(cfg Config, g *guard.Guard, stateProvider StateProvider, opts ...Option) *Agent {
	if cfg.PublishHz <= 0 {
		cfg.PublishHz = DefaultPublishHz
	}
	if cfg.Codec == nil {
		cfg.Codec = v2x.JSON
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = DefaultAlertInterval
	}

	a := &Agent{
		cfg:     cfg,
		guard:   g,
		stateFn: stateProvider,
		clock:   clock.New(),
		log:     zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(a)
	}
	a.shadows = shadow.NewManager(shadow.WithClock(a.clock))

	fwdOpts := []alert.ForwarderOption{
		alert.WithForwarderClock(a.clock),
		alert.WithForwarderLogger(a.log),
	}
	if cfg.AlertsPerSecond > 0 {
		burst := int(cfg.AlertsPerSecond)
		if burst < 1 {
			burst = 1
		}
		fwdOpts = append(fwdOpts, alert.WithRateLimit(cfg.AlertsPerSecond, burst))
	}
	a.alerts = alert.NewForwarder(cfg.VehicleID, g.IDS(), a.publishAlert, fwdOpts...)
	return a
}

// Connect establishes the MQTT connection. When CertFile, KeyFile and CAFile
// are set in Config, mutual TLS 1.3 authentication is used.
func (a *Agent) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(a.cfg.BrokerURL).
		SetClientID(a.cfg.VehicleID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(a.onConnect).
		SetConnectionLostHandler(a.onConnectionLost)

	if a.cfg.CertFile != "" && a.cfg.KeyFile != "" && a.cfg.CAFile != "" {
		tlsCfg, err := security.ClientTLSConfig(a.cfg.CertFile, a.cfg.KeyFile, a.cfg.CAFile)
		if err != nil {
			return fmt.Errorf("vehicle agent tls config: %w", err)
		}
		opts.SetTLSConfig(tlsCfg)
	}

	a.client = mqtt.NewClient(opts)

	token := a.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("vehicle agent connect: %w", token.Error())
	}
	return nil
}

// ConnectWithClient is used in tests to inject a pre-configured mqtt.Client.
// It subscribes immediately, as onConnect would.
func (a *Agent) ConnectWithClient(c mqtt.Client) {
	a.client = c
	a.subscribe(c)
}

// Run starts the BSM loop, the status loop and the alert forwarder. It
// blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if a.client == nil {
		return ErrNotConnected
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		interval := time.Duration(float64(time.Second) / a.cfg.PublishHz)
		return a.loop(ctx, interval, "publish", a.publishBSM)
	})
	g.Go(func() error {
		return a.loop(ctx, a.cfg.StatusInterval, "status", a.PublishStatus)
	})
	g.Go(func() error {
		return a.alerts.Run(ctx, a.cfg.AlertInterval)
	})
	return g.Wait()
}

// ReportMetric feeds a system metric to anomaly detection.
func (a *Agent) ReportMetric(metric string, value float64) bool {
	return a.guard.IDS().RecordMetricAnomaly(metric, value)
}

// PublishStatus sends the current security snapshot.
func (a *Agent) PublishStatus() error {
	st := a.guard.Status()
	report := &protocol.StatusReport{
		VehicleID:          a.cfg.VehicleID,
		Timestamp:          st.GeneratedAt.UnixMilli(),
		Score:              st.Score,
		CertificateValid:   st.CertificateValid,
		CertificateExpires: st.CertificateExpires.UnixMilli(),
		ActiveSessions:     st.ActiveSessions,
		BlacklistedPeers:   st.BlacklistedPeers,
		RecentCritical:     st.RecentCritical,
		RecentHigh:         st.RecentHigh,
		TotalEvents:        st.TotalEvents,
	}
	data, err := protocol.Marshal(report)
	if err != nil {
		return err
	}
	return a.publish(protocol.StatusTopic(a.cfg.VehicleID), 1, data)
}

// ApplyCommand executes a verified security command.
func (a *Agent) ApplyCommand(cmd *protocol.SecurityCommand) error {
	if cmd.VehicleID != a.cfg.VehicleID {
		return fmt.Errorf("command %s addressed to %s", cmd.CommandID, cmd.VehicleID)
	}

	switch cmd.Action {
	case protocol.ActionPardon:
		a.guard.IDS().Pardon(cmd.Target)
	case protocol.ActionBan:
		if cmd.Target == "" {
			return fmt.Errorf("command %s: ban without target", cmd.CommandID)
		}
		a.guard.IDS().Ban(cmd.Target, cmd.Reason)
	case protocol.ActionReport:
		return a.PublishStatus()
	case protocol.ActionRekey:
		if _, err := a.guard.Identity().ReissueLeaf(); err != nil {
			return fmt.Errorf("command %s: %w", cmd.CommandID, err)
		}
	default:
		return fmt.Errorf("command %s: unknown action %q", cmd.CommandID, cmd.Action)
	}
	return nil
}

// Shadows returns the table of verified nearby vehicles.
func (a *Agent) Shadows() *shadow.Manager { return a.shadows }

// Disconnect gracefully closes the MQTT connection.
func (a *Agent) Disconnect() {
	if a.client != nil {
		a.client.Disconnect(250)
	}
}

// --- private ---

func (a *Agent) loop(ctx context.Context, interval time.Duration, name string, fn func() error) error {
	ticker := a.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(); err != nil {
				a.log.Warnf("vehicle %s: %s error: %v", a.cfg.VehicleID, name, err)
			}
		}
	}
}

func (a *Agent) onConnect(c mqtt.Client) {
	a.log.Infof("vehicle %s: connected to broker", a.cfg.VehicleID)
	a.subscribe(c)
}

func (a *Agent) onConnectionLost(_ mqtt.Client, err error) {
	a.log.Warnf("vehicle %s: connection lost: %v", a.cfg.VehicleID, err)
}

func (a *Agent) subscribe(c mqtt.Client) {
	subs := map[string]mqtt.MessageHandler{
		protocol.ControlTopic(a.cfg.VehicleID): a.handleControl,
		protocol.WildcardBSMTopic():            a.handleBSM,
	}
	for topic, h := range subs {
		token := c.Subscribe(topic, 1, h)
		token.Wait()
		if err := token.Error(); err != nil {
			a.log.Warnf("vehicle %s: subscribe %s error: %v", a.cfg.VehicleID, topic, err)
		}
	}
}

// receive decodes and verifies one signed message that must be signed by
// want. origin only labels the events raised for a rejection.
func (a *Agent) receive(origin, want string, payload []byte) (v2x.SignedMessage, bool) {
	msg, err := a.cfg.Codec.Decode(payload)
	if err != nil {
		a.guard.Reject(origin, err)
		return nil, false
	}
	sender, ok := a.guard.VerifyMessage(origin, msg)
	if !ok {
		return nil, false
	}
	if sender != want {
		a.guard.Reject(origin, security.NewError(security.KindProtocol,
			fmt.Sprintf("signer %s is not %s", sender, want)))
		return nil, false
	}
	return msg, true
}

func (a *Agent) handleBSM(_ mqtt.Client, m mqtt.Message) {
	source, ok := protocol.VehicleFromTopic(m.Topic())
	if !ok || source == a.cfg.VehicleID {
		return
	}
	msg, ok := a.receive(m.Topic(), source, m.Payload())
	if !ok {
		return
	}

	state := &protocol.VehicleState{}
	if err := protocol.FromPayload(msg.Payload(), state); err != nil {
		a.log.Warnf("vehicle %s: bad BSM from %s: %v", a.cfg.VehicleID, source, err)
		return
	}
	if ts, ok := msg.Timestamp(); ok {
		state.Timestamp = ts.UnixMilli()
	}
	a.shadows.Update(source, state)
}

func (a *Agent) handleControl(_ mqtt.Client, m mqtt.Message) {
	soc := a.cfg.ControlCenterID
	if soc == "" {
		a.log.Warnf("vehicle %s: command refused, no control center configured", a.cfg.VehicleID)
		return
	}
	msg, ok := a.receive(m.Topic(), soc, m.Payload())
	if !ok {
		return
	}

	cmd := &protocol.SecurityCommand{}
	if err := protocol.FromPayload(msg.Payload(), cmd); err != nil {
		a.log.Warnf("vehicle %s: bad control message: %v", a.cfg.VehicleID, err)
		return
	}
	a.log.Infof("vehicle %s: received command %s action=%s target=%s",
		a.cfg.VehicleID, cmd.CommandID, cmd.Action, cmd.Target)

	if err := a.ApplyCommand(cmd); err != nil {
		a.log.Warnf("vehicle %s: %v", a.cfg.VehicleID, err)
		a.guard.IDS().LogEvent(ids.Event{
			Kind:        ids.KindInvalidMessage,
			Severity:    ids.SeverityMedium,
			Source:      soc,
			Description: err.Error(),
		})
	}
}

func (a *Agent) publishBSM() error {
	state := a.stateFn()
	if state == nil {
		return ErrNoState
	}
	state.VehicleID = a.cfg.VehicleID

	payload, err := protocol.ToPayload(state)
	if err != nil {
		return err
	}
	msg, err := a.guard.SecureMessage(payload)
	if err != nil {
		return err
	}
	data, err := a.cfg.Codec.Encode(msg)
	if err != nil {
		return err
	}
	return a.publish(protocol.BSMTopic(a.cfg.VehicleID), 0, data)
}

func (a *Agent) publishAlert(al *protocol.SecurityAlert) error {
	data, err := protocol.Marshal(al)
	if err != nil {
		return err
	}
	return a.publish(protocol.SecurityTopic(a.cfg.VehicleID), 1, data)
}

func (a *Agent) publish(topic string, qos byte, data []byte) error {
	token := a.client.Publish(topic, qos, false, data)
	token.Wait()
	return token.Error()
}
