// Package config loads daemon configuration from an INI file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/ini.v1"

	"github.com/daohu527/vlink/pkg/guard"
	"github.com/daohu527/vlink/pkg/identity"
	"github.com/daohu527/vlink/pkg/ids"
	"github.com/daohu527/vlink/pkg/session"
	"github.com/daohu527/vlink/pkg/v2x"
)

const (
	EnvVehicleID       = "VLINK_VEHICLE_ID"
	EnvIdentityDir     = "VLINK_IDENTITY_DIR"
	EnvAllowSelfSigned = "VLINK_ALLOW_SELF_SIGNED"
	EnvSessionCipher   = "VLINK_SESSION_CIPHER"
	EnvWireCodec       = "VLINK_WIRE_CODEC"
	EnvMQTTBroker      = "VLINK_MQTT_BROKER"
	EnvMQTTClientID    = "VLINK_MQTT_CLIENT_ID"
	EnvMQTTCertFile    = "VLINK_MQTT_CERT_FILE"
	EnvMQTTKeyFile     = "VLINK_MQTT_KEY_FILE"
	EnvMQTTCAFile      = "VLINK_MQTT_CA_FILE"
	EnvStoragePath     = "VLINK_STORAGE_PATH"
	EnvListenAddr      = "VLINK_LISTEN_ADDR"
	EnvControlCenterID = "VLINK_CONTROL_CENTER_ID"
	EnvLogLevel        = "VLINK_LOG_LEVEL"

	MinPublishHz = 1
	MaxPublishHz = 50
)

type VehicleConfig struct {
	ID             string
	PublishHz      float64
	Codec          string
	StatusInterval time.Duration
}

type IdentityConfig struct {
	Dir             string
	KeyBits         int
	AllowSelfSigned bool
}

type SessionConfig struct {
	Cipher   string
	Rotation time.Duration
}

type V2XConfig struct {
	Freshness  time.Duration
	NonceCache int
}

type IDSConfig struct {
	MaxFailedAuth        int
	MaxMessagesPerSecond int
	RateWindow           int
	DoSCooldown          time.Duration
	AnomalyThreshold     float64
	EventCapacity        int
}

type MQTTConfig struct {
	Broker   string
	ClientID string
	CertFile string
	KeyFile  string
	CAFile   string
}

type StorageConfig struct {
	// Path of the SQLite database. Empty keeps revocations and the
	// blacklist in memory only.
	Path string
}

type ControlCenterConfig struct {
	// ID is the certificate subject of the control center. Vehicles only
	// accept commands signed by it.
	ID          string
	Listen      string
	MaxConns    int
	AlertBuffer int
	// AlertsPerSecond caps the alerts each vehicle forwards.
	AlertsPerSecond float64
}

type LogConfig struct {
	Level       string
	Development bool
}

// Config is the full daemon configuration.
type Config struct {
	Vehicle       VehicleConfig
	Identity      IdentityConfig
	Session       SessionConfig
	V2X           V2XConfig
	IDS           IDSConfig
	MQTT          MQTTConfig
	Storage       StorageConfig
	ControlCenter ControlCenterConfig
	Log           LogConfig
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Vehicle: VehicleConfig{
			ID:             "SDV_001",
			PublishHz:      10,
			Codec:          "json",
			StatusInterval: 10 * time.Second,
		},
		Identity: IdentityConfig{
			Dir:     "/var/lib/vlink",
			KeyBits: identity.DefaultKeyBits,
		},
		Session: SessionConfig{
			Cipher:   string(session.CipherAESGCM),
			Rotation: session.DefaultRotation,
		},
		V2X: V2XConfig{
			Freshness:  v2x.DefaultFreshness,
			NonceCache: v2x.DefaultNonceCacheSize,
		},
		IDS: IDSConfig{
			MaxFailedAuth:        ids.DefaultMaxFailedAuth,
			MaxMessagesPerSecond: ids.DefaultMaxMessagesPerSecond,
			RateWindow:           ids.DefaultRateWindow,
			DoSCooldown:          ids.DefaultDoSCooldown,
			AnomalyThreshold:     ids.DefaultAnomalyThreshold,
			EventCapacity:        ids.DefaultEventCapacity,
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "control-center-01",
		},
		ControlCenter: ControlCenterConfig{
			ID:              "SOC_001",
			Listen:          "127.0.0.1:8080",
			MaxConns:        256,
			AlertBuffer:     500,
			AlertsPerSecond: 20,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := ini.Load(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
		cfg.apply(f)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) apply(f *ini.File) {
	s := f.Section("vehicle")
	c.Vehicle.ID = s.Key("id").MustString(c.Vehicle.ID)
	c.Vehicle.PublishHz = s.Key("publish_hz").MustFloat64(c.Vehicle.PublishHz)
	c.Vehicle.Codec = s.Key("codec").MustString(c.Vehicle.Codec)
	c.Vehicle.StatusInterval = s.Key("status_interval").MustDuration(c.Vehicle.StatusInterval)

	s = f.Section("identity")
	c.Identity.Dir = s.Key("dir").MustString(c.Identity.Dir)
	c.Identity.KeyBits = s.Key("key_bits").MustInt(c.Identity.KeyBits)
	c.Identity.AllowSelfSigned = s.Key("allow_self_signed").MustBool(c.Identity.AllowSelfSigned)

	s = f.Section("session")
	c.Session.Cipher = s.Key("cipher").MustString(c.Session.Cipher)
	c.Session.Rotation = s.Key("rotation").MustDuration(c.Session.Rotation)

	s = f.Section("v2x")
	c.V2X.Freshness = s.Key("freshness").MustDuration(c.V2X.Freshness)
	c.V2X.NonceCache = s.Key("nonce_cache").MustInt(c.V2X.NonceCache)

	s = f.Section("ids")
	c.IDS.MaxFailedAuth = s.Key("max_failed_auth").MustInt(c.IDS.MaxFailedAuth)
	c.IDS.MaxMessagesPerSecond = s.Key("max_messages_per_second").MustInt(c.IDS.MaxMessagesPerSecond)
	c.IDS.RateWindow = s.Key("rate_window").MustInt(c.IDS.RateWindow)
	c.IDS.DoSCooldown = s.Key("dos_cooldown").MustDuration(c.IDS.DoSCooldown)
	c.IDS.AnomalyThreshold = s.Key("anomaly_threshold").MustFloat64(c.IDS.AnomalyThreshold)
	c.IDS.EventCapacity = s.Key("event_capacity").MustInt(c.IDS.EventCapacity)

	s = f.Section("mqtt")
	c.MQTT.Broker = s.Key("broker").MustString(c.MQTT.Broker)
	c.MQTT.ClientID = s.Key("client_id").MustString(c.MQTT.ClientID)
	c.MQTT.CertFile = s.Key("cert").MustString(c.MQTT.CertFile)
	c.MQTT.KeyFile = s.Key("key").MustString(c.MQTT.KeyFile)
	c.MQTT.CAFile = s.Key("ca").MustString(c.MQTT.CAFile)

	c.Storage.Path = f.Section("storage").Key("path").MustString(c.Storage.Path)

	s = f.Section("controlcenter")
	c.ControlCenter.ID = s.Key("id").MustString(c.ControlCenter.ID)
	c.ControlCenter.Listen = s.Key("listen").MustString(c.ControlCenter.Listen)
	c.ControlCenter.MaxConns = s.Key("max_conns").MustInt(c.ControlCenter.MaxConns)
	c.ControlCenter.AlertBuffer = s.Key("alert_buffer").MustInt(c.ControlCenter.AlertBuffer)
	c.ControlCenter.AlertsPerSecond = s.Key("alerts_per_second").MustFloat64(c.ControlCenter.AlertsPerSecond)

	s = f.Section("log")
	c.Log.Level = s.Key("level").MustString(c.Log.Level)
	c.Log.Development = s.Key("development").MustBool(c.Log.Development)
}

func (c *Config) applyEnv() {
	c.Vehicle.ID = envOrDefault(EnvVehicleID, c.Vehicle.ID)
	c.Vehicle.Codec = envOrDefault(EnvWireCodec, c.Vehicle.Codec)
	c.Identity.Dir = envOrDefault(EnvIdentityDir, c.Identity.Dir)
	c.Identity.AllowSelfSigned = boolEnvOrDefault(EnvAllowSelfSigned, c.Identity.AllowSelfSigned)
	c.Session.Cipher = envOrDefault(EnvSessionCipher, c.Session.Cipher)
	c.MQTT.Broker = envOrDefault(EnvMQTTBroker, c.MQTT.Broker)
	c.MQTT.ClientID = envOrDefault(EnvMQTTClientID, c.MQTT.ClientID)
	c.MQTT.CertFile = envOrDefault(EnvMQTTCertFile, c.MQTT.CertFile)
	c.MQTT.KeyFile = envOrDefault(EnvMQTTKeyFile, c.MQTT.KeyFile)
	c.MQTT.CAFile = envOrDefault(EnvMQTTCAFile, c.MQTT.CAFile)
	c.Storage.Path = envOrDefault(EnvStoragePath, c.Storage.Path)
	c.ControlCenter.ID = envOrDefault(EnvControlCenterID, c.ControlCenter.ID)
	c.ControlCenter.Listen = envOrDefault(EnvListenAddr, c.ControlCenter.Listen)
	c.Log.Level = envOrDefault(EnvLogLevel, c.Log.Level)
}

// Validate checks that the configuration is coherent.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Vehicle.ID) == "" {
		return fmt.Errorf("invalid vehicle.id: must not be empty")
	}
	if strings.ContainsAny(c.Vehicle.ID, "/+#") {
		return fmt.Errorf("invalid vehicle.id %q: must not contain MQTT topic characters", c.Vehicle.ID)
	}
	if c.Vehicle.PublishHz < MinPublishHz || c.Vehicle.PublishHz > MaxPublishHz {
		return fmt.Errorf("invalid vehicle.publish_hz: must be in range %d..%d", MinPublishHz, MaxPublishHz)
	}
	if _, err := v2x.CodecByName(c.Vehicle.Codec); err != nil {
		return fmt.Errorf("invalid vehicle.codec: %w", err)
	}
	if c.Vehicle.StatusInterval <= 0 {
		return fmt.Errorf("invalid vehicle.status_interval: must be > 0")
	}
	if c.Identity.Dir == "" {
		return fmt.Errorf("invalid identity.dir: must not be empty")
	}
	if c.Identity.KeyBits < identity.DefaultKeyBits {
		return fmt.Errorf("invalid identity.key_bits: must be >= %d", identity.DefaultKeyBits)
	}
	if _, err := session.ParseCipher(c.Session.Cipher); err != nil {
		return fmt.Errorf("invalid session.cipher: %w", err)
	}
	if c.Session.Rotation <= 0 {
		return fmt.Errorf("invalid session.rotation: must be > 0")
	}
	if c.V2X.Freshness <= 0 || c.V2X.NonceCache <= 0 {
		return fmt.Errorf("invalid v2x: freshness and nonce_cache must be > 0")
	}
	if c.IDS.MaxFailedAuth <= 0 || c.IDS.MaxMessagesPerSecond <= 0 || c.IDS.RateWindow <= 0 || c.IDS.EventCapacity <= 0 {
		return fmt.Errorf("invalid ids: thresholds and sizes must be > 0")
	}
	if c.IDS.RateWindow <= c.IDS.MaxMessagesPerSecond {
		return fmt.Errorf("invalid ids.rate_window: must exceed max_messages_per_second (%d) or floods go unseen", c.IDS.MaxMessagesPerSecond)
	}
	if c.IDS.AnomalyThreshold <= 0 {
		return fmt.Errorf("invalid ids.anomaly_threshold: must be > 0")
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("invalid mqtt.broker: must not be empty")
	}
	if (c.MQTT.CertFile == "") != (c.MQTT.KeyFile == "") {
		return fmt.Errorf("invalid mqtt: cert and key must be set together")
	}
	if c.MQTT.CertFile != "" && c.MQTT.CAFile == "" {
		return fmt.Errorf("invalid mqtt.ca: required when mutual TLS is enabled")
	}
	if strings.TrimSpace(c.ControlCenter.ID) == "" || strings.ContainsAny(c.ControlCenter.ID, "/+#") {
		return fmt.Errorf("invalid controlcenter.id %q", c.ControlCenter.ID)
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	if c.ControlCenter.MaxConns <= 0 || c.ControlCenter.AlertBuffer <= 0 {
		return fmt.Errorf("invalid controlcenter: max_conns and alert_buffer must be > 0")
	}
	if c.ControlCenter.AlertsPerSecond <= 0 {
		return fmt.Errorf("invalid controlcenter.alerts_per_second: must be > 0")
	}
	return nil
}

// TLSEnabled reports whether MQTT links use mutual TLS.
func (c Config) TLSEnabled() bool { return c.MQTT.CertFile != "" }

// Guard converts c into the security core configuration.
func (c Config) Guard() guard.Config {
	return guard.Config{
		Identity: identity.Config{
			Dir:             c.Identity.Dir,
			VehicleID:       c.Vehicle.ID,
			KeyBits:         c.Identity.KeyBits,
			AllowSelfSigned: c.Identity.AllowSelfSigned,
		},
		V2X: v2x.Config{
			Freshness:      c.V2X.Freshness,
			NonceCacheSize: c.V2X.NonceCache,
		},
		IDS: ids.Config{
			MaxFailedAuth:        c.IDS.MaxFailedAuth,
			MaxMessagesPerSecond: c.IDS.MaxMessagesPerSecond,
			RateWindow:           c.IDS.RateWindow,
			DoSCooldown:          c.IDS.DoSCooldown,
			AnomalyThreshold:     c.IDS.AnomalyThreshold,
			EventCapacity:        c.IDS.EventCapacity,
		},
		SessionCipher:   session.Cipher(c.Session.Cipher),
		SessionRotation: c.Session.Rotation,
		StorePath:       c.Storage.Path,
	}
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func boolEnvOrDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
