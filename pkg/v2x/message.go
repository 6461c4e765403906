package v2x

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Protocol fields added to a payload at sign time.
const (
	FieldTimestamp   = "timestamp"
	FieldNonce       = "nonce"
	FieldSignature   = "signature"
	FieldCertificate = "certificate"
)

// Payload is an application message: string keys mapped to primitive
// values (numbers, strings, booleans).
type Payload map[string]any

// SignedMessage is a Payload plus the four protocol fields. It is the exact
// shape that travels on the wire.
type SignedMessage map[string]any

// reservedField reports whether key is owned by the protocol.
func reservedField(key string) bool {
	switch key {
	case FieldTimestamp, FieldNonce, FieldSignature, FieldCertificate:
		return true
	}
	return false
}

// Payload returns the application fields of m.
func (m SignedMessage) Payload() Payload {
	p := make(Payload, len(m))
	for k, v := range m {
		if !reservedField(k) {
			p[k] = v
		}
	}
	return p
}

// Clone returns a shallow copy of m.
func (m SignedMessage) Clone() SignedMessage {
	out := make(SignedMessage, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Timestamp returns the signing time carried by m.
func (m SignedMessage) Timestamp() (time.Time, bool) {
	secs, ok := number(m[FieldTimestamp])
	if !ok || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, false
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)), true
}

// Nonce returns the nonce carried by m, if any.
func (m SignedMessage) Nonce() (string, bool) {
	s, ok := m[FieldNonce].(string)
	return s, ok && s != ""
}

func (m SignedMessage) str(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok && s != ""
}

// canonical is the signed representation of m: compact JSON with sorted
// keys over every field except signature and certificate.
func canonical(m SignedMessage) ([]byte, error) {
	body := make(map[string]any, len(m))
	for k, v := range m {
		if k == FieldSignature || k == FieldCertificate {
			continue
		}
		body[k] = v
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding: %w", err)
	}
	return b, nil
}

func digest(m SignedMessage) ([]byte, error) {
	b, err := canonical(m)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// unixSeconds renders t the way the timestamp field carries it.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// number converts the numeric types produced by the wire codecs.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
