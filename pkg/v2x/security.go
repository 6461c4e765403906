// Package v2x signs outgoing vehicle-to-everything messages and verifies
// incoming ones, rejecting stale, duplicated and badly signed traffic.
package v2x

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/daohu527/vlink/pkg/identity"
	"github.com/daohu527/vlink/pkg/security"
)

const (
	DefaultFreshness      = 5 * time.Second
	DefaultNonceCacheSize = 1000
	// NonceBytes is the amount of randomness behind each hex nonce.
	NonceBytes = 8
)

// Identity is the signing identity and trust anchor. *identity.Manager
// implements it.
type Identity interface {
	LeafKey() *rsa.PrivateKey
	LeafPEM() []byte
	VerifyCertificate(cert *x509.Certificate) error
}

// Config tunes verification.
type Config struct {
	Freshness      time.Duration
	NonceCacheSize int
}

func (c *Config) applyDefaults() {
	if c.Freshness <= 0 {
		c.Freshness = DefaultFreshness
	}
	if c.NonceCacheSize <= 0 {
		c.NonceCacheSize = DefaultNonceCacheSize
	}
}

// Option customises Security.
type Option func(*Security)

// WithClock injects the time source for stamping and freshness checks.
func WithClock(c clock.Clock) Option { return func(s *Security) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(s *Security) { s.log = l } }

// Security signs and verifies V2X messages.
type Security struct {
	id     Identity
	cfg    Config
	clock  clock.Clock
	log    *zap.SugaredLogger
	nonces *lru.Cache[string, struct{}]
}

// New returns a Security bound to id.
func New(id Identity, cfg Config, opts ...Option) (*Security, error) {
	if id == nil {
		return nil, fmt.Errorf("v2x: identity is required")
	}
	cfg.applyDefaults()

	cache, err := lru.New[string, struct{}](cfg.NonceCacheSize)
	if err != nil {
		return nil, fmt.Errorf("v2x: nonce cache: %w", err)
	}

	s := &Security{
		id:     id,
		cfg:    cfg,
		clock:  clock.New(),
		log:    zap.NewNop().Sugar(),
		nonces: cache,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Sign stamps payload with the current time and a fresh nonce, signs it
// with RSA-PSS over SHA-256 and attaches the signature and certificate.
// The payload is not modified.
func (s *Security) Sign(payload Payload) (SignedMessage, error) {
	msg := make(SignedMessage, len(payload)+4)
	for k, v := range payload {
		if reservedField(k) {
			return nil, security.NewError(security.KindProtocol,
				fmt.Sprintf("payload field %q is reserved", k))
		}
		msg[k] = v
	}

	nonce := make([]byte, NonceBytes)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, security.WrapError(security.KindCrypto, "read nonce", err)
	}
	msg[FieldTimestamp] = unixSeconds(s.clock.Now())
	msg[FieldNonce] = hex.EncodeToString(nonce)

	sum, err := digest(msg)
	if err != nil {
		return nil, security.WrapError(security.KindProtocol, "sign", err)
	}
	sig, err := rsa.SignPSS(rand.Reader, s.id.LeafKey(), crypto.SHA256, sum,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto})
	if err != nil {
		return nil, security.WrapError(security.KindCrypto, "sign", err)
	}

	msg[FieldSignature] = hex.EncodeToString(sig)
	msg[FieldCertificate] = string(s.id.LeafPEM())
	return msg, nil
}

// Verify reports whether msg is authentic, fresh and not yet seen, and
// returns the sender id on success. Rejections are logged, never returned.
func (s *Security) Verify(msg SignedMessage) (string, bool) {
	sender, err := s.Check(msg)
	if err != nil {
		if security.IsKind(err, security.KindReplay) {
			s.log.Warnf("v2x replay: %v", err)
		} else {
			s.log.Infof("v2x reject: %v", err)
		}
		return "", false
	}
	return sender, true
}

// Check is Verify with the rejection reason. Checks run cheapest first:
// required fields, freshness, duplicate nonce, certificate trust, then the
// signature. A stale or duplicate message is never signature-checked.
func (s *Security) Check(msg SignedMessage) (string, error) {
	sigHex, okSig := msg.str(FieldSignature)
	certPEM, okCert := msg.str(FieldCertificate)
	nonce, okNonce := msg.Nonce()
	ts, okTS := msg.Timestamp()
	if !okSig || !okCert || !okNonce || !okTS {
		return "", security.NewError(security.KindProtocol, "missing required fields")
	}

	age := s.clock.Now().Sub(ts)
	if age < 0 {
		age = -age
	}
	if age > s.cfg.Freshness {
		return "", security.NewError(security.KindReplay,
			fmt.Sprintf("stale message: skew %s exceeds %s", age, s.cfg.Freshness))
	}

	if s.nonces.Contains(nonce) {
		return "", security.NewError(security.KindReplay, "duplicate nonce "+nonce)
	}

	cert, err := identity.ParseCertificate([]byte(certPEM))
	if err != nil {
		return "", security.WrapError(security.KindCertificate, "parse sender certificate", err)
	}
	if err := s.id.VerifyCertificate(cert); err != nil {
		return "", err
	}
	sender := cert.Subject.CommonName
	if sender == "" {
		return "", security.NewError(security.KindCertificate, "sender certificate has no common name")
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return "", security.NewError(security.KindCrypto, "sender key is not RSA")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", security.WrapError(security.KindCrypto, "decode signature", err)
	}
	sum, err := digest(msg)
	if err != nil {
		return "", security.WrapError(security.KindProtocol, "verify", err)
	}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, sum, sig,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto}); err != nil {
		return "", security.WrapError(security.KindCrypto, "bad signature from "+sender, err)
	}

	// Two concurrent verifications of the same message can both get here;
	// only the first to record the nonce wins.
	if seen, _ := s.nonces.ContainsOrAdd(nonce, struct{}{}); seen {
		return "", security.NewError(security.KindReplay, "duplicate nonce "+nonce)
	}
	return sender, nil
}

// SeenNonces is the number of nonces currently held for replay detection.
func (s *Security) SeenNonces() int { return s.nonces.Len() }
