// Package controlcenter implements the fleet security operations center.
// It connects to the MQTT broker, verifies the signed basic safety
// messages of every vehicle, keeps the shadow table up to date, collects
// security alerts and status reports, and signs security commands sent
// back to vehicles. An HTTP API exposes the collected state.
package controlcenter

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daohu527/vlink/pkg/alert"
	"github.com/daohu527/vlink/pkg/guard"
	"github.com/daohu527/vlink/pkg/protocol"
	"github.com/daohu527/vlink/pkg/security"
	"github.com/daohu527/vlink/pkg/shadow"
	"github.com/daohu527/vlink/pkg/v2x"
)

// DefaultAlertBuffer is the number of alerts kept for the API.
const DefaultAlertBuffer = 500

// Config holds the control-center configuration.
type Config struct {
	// BrokerURL is the MQTT broker address (e.g. "tls://broker:8883").
	BrokerURL string
	// ClientID is the MQTT client ID for the control center.
	ClientID string
	// CertFile, KeyFile, CAFile are paths for mTLS authentication.
	CertFile string
	KeyFile  string
	CAFile   string
	// Codec encodes signed messages on the wire. Nil means JSON.
	Codec v2x.Codec
	// AlertBuffer bounds the alerts kept in memory.
	AlertBuffer int
}

// Option customises a Server.
type Option func(*Server)

// WithClock injects the time source.
func WithClock(c clock.Clock) Option { return func(s *Server) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(s *Server) { s.log = l } }

// Server is the control-center MQTT server.
type Server struct {
	cfg     Config
	client  mqtt.Client
	guard   *guard.Guard
	shadows *shadow.Manager
	alerter *alert.Handler
	clock   clock.Clock
	log     *zap.SugaredLogger

	mu     sync.RWMutex
	alerts []*protocol.SecurityAlert // ring, oldest overwritten
	next   int
	full   bool
	fleet  map[string]*protocol.StatusReport
}

// New creates a Server signing with g.
func New(cfg Config, g *guard.Guard, opts ...Option) *Server {
	if cfg.Codec == nil {
		cfg.Codec = v2x.JSON
	}
	if cfg.AlertBuffer <= 0 {
		cfg.AlertBuffer = DefaultAlertBuffer
	}
	s := &Server{
		cfg:   cfg,
		guard: g,
		clock: clock.New(),
		log:   zap.NewNop().Sugar(),
		fleet: make(map[string]*protocol.StatusReport),
	}
	for _, o := range opts {
		o(s)
	}
	s.alerts = make([]*protocol.SecurityAlert, cfg.AlertBuffer)
	s.shadows = shadow.NewManager(shadow.WithClock(s.clock))
	s.alerter = alert.NewHandler(s.log)
	s.alerter.Register(s.keepAlert)
	return s
}

// Shadows returns the digital-twin manager (read-only access for callers).
func (s *Server) Shadows() *shadow.Manager { return s.shadows }

// Alerter returns the alert handler so callers can register listeners.
func (s *Server) Alerter() *alert.Handler { return s.alerter }

// Guard returns the security core of the control center.
func (s *Server) Guard() *guard.Guard { return s.guard }

// Connect establishes the MQTT connection. When CertFile, KeyFile and CAFile
// are set in Config, mutual TLS 1.3 authentication is used.
func (s *Server) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)

	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" && s.cfg.CAFile != "" {
		tlsCfg, err := security.ClientTLSConfig(s.cfg.CertFile, s.cfg.KeyFile, s.cfg.CAFile)
		if err != nil {
			return fmt.Errorf("control-center tls config: %w", err)
		}
		opts.SetTLSConfig(tlsCfg)
	}

	s.client = mqtt.NewClient(opts)

	token := s.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("control-center connect: %w", token.Error())
	}
	return nil
}

// ConnectWithClient injects a pre-configured client (used in tests).
func (s *Server) ConnectWithClient(c mqtt.Client) {
	s.client = c
	s.subscribeTopics(c)
}

// SendControl signs cmd and publishes it to the vehicle it names. An empty
// CommandID is filled in.
func (s *Server) SendControl(cmd *protocol.SecurityCommand) error {
	if cmd.VehicleID == "" {
		return fmt.Errorf("control-center: command without vehicle")
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}

	payload, err := protocol.ToPayload(cmd)
	if err != nil {
		return err
	}
	msg, err := s.guard.SecureMessage(payload)
	if err != nil {
		return err
	}
	data, err := s.cfg.Codec.Encode(msg)
	if err != nil {
		return err
	}

	s.log.Infof("control-center: command %s action=%s -> %s", cmd.CommandID, cmd.Action, cmd.VehicleID)
	token := s.client.Publish(protocol.ControlTopic(cmd.VehicleID), 1, false, data)
	token.Wait()
	return token.Error()
}

// Alerts returns up to limit alerts, newest first. limit <= 0 means all.
func (s *Server) Alerts(limit int) []*protocol.SecurityAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.next
	if s.full {
		n = len(s.alerts)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*protocol.SecurityAlert, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.next - i + len(s.alerts)) % len(s.alerts)
		out = append(out, s.alerts[idx])
	}
	return out
}

// VehicleStatus returns the last status report of vehicleID.
func (s *Server) VehicleStatus(vehicleID string) (*protocol.StatusReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.fleet[vehicleID]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// VehicleSummary is one row of the fleet overview.
type VehicleSummary struct {
	VehicleID string                 `json:"vehicle_id"`
	LastSeen  int64                  `json:"last_seen,omitempty"` // Unix milliseconds
	State     *protocol.VehicleState `json:"state,omitempty"`
	Status    *protocol.StatusReport `json:"status,omitempty"`
}

// Vehicles lists every vehicle that sent a verified BSM or a status
// report, sorted by id.
func (s *Server) Vehicles() []VehicleSummary {
	rows := make(map[string]*VehicleSummary)
	for id, e := range s.shadows.All() {
		rows[id] = &VehicleSummary{VehicleID: id, LastSeen: e.UpdatedAt.UnixMilli(), State: e.State}
	}

	s.mu.RLock()
	for id, r := range s.fleet {
		row, ok := rows[id]
		if !ok {
			row = &VehicleSummary{VehicleID: id}
			rows[id] = row
		}
		cp := *r
		row.Status = &cp
	}
	s.mu.RUnlock()

	out := make([]VehicleSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

// Disconnect gracefully closes the MQTT connection.
func (s *Server) Disconnect() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

// --- private ---

func (s *Server) onConnect(c mqtt.Client) {
	s.log.Infof("control-center %s: connected to broker", s.cfg.ClientID)
	s.subscribeTopics(c)
}

func (s *Server) onConnectionLost(_ mqtt.Client, err error) {
	s.log.Warnf("control-center %s: connection lost: %v", s.cfg.ClientID, err)
}

func (s *Server) subscribeTopics(c mqtt.Client) {
	topics := map[string]mqtt.MessageHandler{
		protocol.WildcardBSMTopic():      s.handleBSM,
		protocol.WildcardSecurityTopic(): s.handleAlert,
		protocol.WildcardStatusTopic():   s.handleStatus,
	}
	for topic, handler := range topics {
		token := c.Subscribe(topic, 1, handler)
		token.Wait()
		if err := token.Error(); err != nil {
			s.log.Warnf("control-center: subscribe %s error: %v", topic, err)
		}
	}
}

func (s *Server) handleBSM(_ mqtt.Client, m mqtt.Message) {
	source, ok := protocol.VehicleFromTopic(m.Topic())
	if !ok {
		return
	}
	msg, err := s.cfg.Codec.Decode(m.Payload())
	if err != nil {
		s.guard.Reject(m.Topic(), err)
		return
	}
	sender, ok := s.guard.VerifyMessage(m.Topic(), msg)
	if !ok {
		return
	}
	if sender != source {
		s.guard.Reject(m.Topic(), security.NewError(security.KindProtocol,
			fmt.Sprintf("signer %s is not %s", sender, source)))
		return
	}

	state := &protocol.VehicleState{}
	if err := protocol.FromPayload(msg.Payload(), state); err != nil {
		s.log.Warnf("control-center: bad BSM on %s: %v", m.Topic(), err)
		return
	}
	if ts, ok := msg.Timestamp(); ok {
		state.Timestamp = ts.UnixMilli()
	}
	s.shadows.Update(sender, state)
}

func (s *Server) handleAlert(_ mqtt.Client, m mqtt.Message) {
	a := &protocol.SecurityAlert{}
	if err := protocol.Unmarshal(m.Payload(), a); err != nil {
		s.log.Warnf("control-center: bad alert message on %s: %v", m.Topic(), err)
		return
	}
	if source, ok := protocol.VehicleFromTopic(m.Topic()); !ok || source != a.VehicleID {
		s.log.Warnf("control-center: alert for %s arrived on %s", a.VehicleID, m.Topic())
		return
	}
	s.alerter.Handle(a)
}

func (s *Server) handleStatus(_ mqtt.Client, m mqtt.Message) {
	r := &protocol.StatusReport{}
	if err := protocol.Unmarshal(m.Payload(), r); err != nil {
		s.log.Warnf("control-center: bad status message on %s: %v", m.Topic(), err)
		return
	}
	if source, ok := protocol.VehicleFromTopic(m.Topic()); !ok || source != r.VehicleID {
		s.log.Warnf("control-center: status for %s arrived on %s", r.VehicleID, m.Topic())
		return
	}

	s.mu.Lock()
	s.fleet[r.VehicleID] = r
	s.mu.Unlock()
}

func (s *Server) keepAlert(a *protocol.SecurityAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[s.next] = a
	s.next++
	if s.next == len(s.alerts) {
		s.next = 0
		s.full = true
	}
}
