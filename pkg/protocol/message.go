// Package protocol defines the wire messages and MQTT topic helpers used
// between vehicles and the fleet security operations center.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Gear represents the vehicle's transmission gear.
type Gear int32

const (
	GearUnknown Gear = 0
	GearPark    Gear = 1
	GearDrive   Gear = 2
	GearReverse Gear = 3
	GearNeutral Gear = 4
)

// VehicleState is the content of a Basic Safety Message. It travels as the
// payload of a signed V2X message on v1/v2x/{id}/bsm.
type VehicleState struct {
	VehicleID  string  `json:"vehicle_id"`
	Timestamp  int64   `json:"-"` // Unix milliseconds, taken from the signature timestamp
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Altitude   float64 `json:"altitude"`
	Speed      float32 `json:"speed"`       // m/s
	Heading    float32 `json:"heading"`     // degrees 0-360
	Gear       Gear    `json:"gear"`
	BatteryPct float32 `json:"battery_pct"` // 0-100
	Mode       string  `json:"mode"`        // autonomous / manual / teleoperation
	Emergency  bool    `json:"emergency"`
}

// Command actions understood by the vehicle agent.
const (
	ActionPardon = "pardon"
	ActionBan    = "ban"
	ActionReport = "report"
	ActionRekey  = "rekey"
)

// ValidAction reports whether action is one of the command actions.
func ValidAction(action string) bool {
	switch action {
	case ActionPardon, ActionBan, ActionReport, ActionRekey:
		return true
	}
	return false
}

// SecurityCommand is sent by the operations center to v1/vehicle/{id}/control
// as the payload of a signed V2X message.
type SecurityCommand struct {
	CommandID string `json:"command_id"`
	VehicleID string `json:"vehicle_id"`
	Action    string `json:"action"`
	Target    string `json:"target"` // peer the action applies to
	Reason    string `json:"reason"`
}

// SecurityAlert is published by a vehicle to v1/vehicle/{id}/security for
// every intrusion-detection event it records.
type SecurityAlert struct {
	VehicleID   string         `json:"vehicle_id"`
	Timestamp   int64          `json:"timestamp"` // Unix milliseconds
	EventID     string         `json:"event_id"`
	Kind        string         `json:"kind"`     // brute_force_attack / dos_attack / anomaly_detected ...
	Severity    string         `json:"severity"` // low / medium / high / critical
	Source      string         `json:"source"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Critical reports whether the alert has critical severity.
func (a *SecurityAlert) Critical() bool { return a.Severity == "critical" }

// StatusReport is a vehicle's periodic security snapshot, published to
// v1/vehicle/{id}/security/status.
type StatusReport struct {
	VehicleID          string  `json:"vehicle_id"`
	Timestamp          int64   `json:"timestamp"` // Unix milliseconds
	Score              float64 `json:"security_score"`
	CertificateValid   bool    `json:"certificate_valid"`
	CertificateExpires int64   `json:"certificate_expires"` // Unix milliseconds
	ActiveSessions     int     `json:"active_sessions"`
	BlacklistedPeers   int     `json:"blacklisted_peers"`
	RecentCritical     int     `json:"recent_critical_events"`
	RecentHigh         int     `json:"recent_high_events"`
	TotalEvents        int     `json:"total_security_events"`
}

// Marshal serialises a message to JSON bytes.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal deserialises JSON bytes into the target struct.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// ToPayload flattens v into the string-keyed map that gets signed. Numbers
// become float64 so the map matches what a decoder on the other end sees.
func ToPayload(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// FromPayload fills v from a verified payload map.
func FromPayload(m map[string]any, v any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// --- MQTT topic helpers ---

const (
	topicPrefix = "v1/vehicle"
	v2xPrefix   = "v1/v2x"
)

// BSMTopic returns the signed basic safety message topic for a vehicle.
//
//	v1/v2x/{id}/bsm
func BSMTopic(vehicleID string) string {
	return fmt.Sprintf("%s/%s/bsm", v2xPrefix, vehicleID)
}

// ControlTopic returns the command subscribe topic for a vehicle.
//
//	v1/vehicle/{id}/control
func ControlTopic(vehicleID string) string {
	return fmt.Sprintf("%s/%s/control", topicPrefix, vehicleID)
}

// SecurityTopic returns the security alert topic for a vehicle.
//
//	v1/vehicle/{id}/security
func SecurityTopic(vehicleID string) string {
	return fmt.Sprintf("%s/%s/security", topicPrefix, vehicleID)
}

// StatusTopic returns the security status topic for a vehicle.
//
//	v1/vehicle/{id}/security/status
func StatusTopic(vehicleID string) string {
	return fmt.Sprintf("%s/%s/security/status", topicPrefix, vehicleID)
}

// WildcardBSMTopic matches every vehicle's BSM topic.
func WildcardBSMTopic() string {
	return fmt.Sprintf("%s/+/bsm", v2xPrefix)
}

// WildcardSecurityTopic matches every vehicle's security alert topic.
func WildcardSecurityTopic() string {
	return fmt.Sprintf("%s/+/security", topicPrefix)
}

// WildcardStatusTopic matches every vehicle's security status topic.
func WildcardStatusTopic() string {
	return fmt.Sprintf("%s/+/security/status", topicPrefix)
}

// VehicleFromTopic extracts the {id} segment of any topic built above.
func VehicleFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[2] == "" {
		return "", false
	}
	if parts[1] != "vehicle" && parts[1] != "v2x" {
		return "", false
	}
	return parts[2], true
}
