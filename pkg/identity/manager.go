// Package identity is the vehicle's certificate authority: it owns a
// self-signed root, issues or loads the vehicle's leaf identity, and decides
// whether certificates presented by peers are trusted.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/daohu527/vlink/pkg/security"
)

const (
	DefaultKeyBits      = 2048
	DefaultRootValidity = 10 * 365 * 24 * time.Hour
	DefaultLeafValidity = 365 * 24 * time.Hour

	organization = "SDV Project"
	rootCN       = "SDV CA"
)

// Config controls where identity material lives and how it is issued.
type Config struct {
	// Dir holds certs/ and keys/ subdirectories.
	Dir string
	// VehicleID becomes the leaf Common Name and DNS SAN.
	VehicleID string
	KeyBits   int

	RootValidity time.Duration
	LeafValidity time.Duration

	// AllowSelfSigned accepts certificates signed by their own key when
	// they do not chain to the root. Off unless explicitly enabled.
	AllowSelfSigned bool
}

// RevocationStore persists revoked serial numbers (hex) across restarts.
type RevocationStore interface {
	SaveRevocation(serial string, at time.Time) error
	Revocations() ([]string, error)
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock injects the time source used for issuance and validity checks.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(m *Manager) { m.log = l } }

// WithRevocationStore makes revocations durable.
func WithRevocationStore(s RevocationStore) Option { return func(m *Manager) { m.store = s } }

// Manager issues, loads, verifies and revokes certificates.
type Manager struct {
	cfg   Config
	clock clock.Clock
	log   *zap.SugaredLogger
	store RevocationStore

	mu      sync.RWMutex
	root    *x509.Certificate
	rootKey *rsa.PrivateKey
	leaf    *x509.Certificate
	leafKey *rsa.PrivateKey
	revoked map[string]struct{}
}

// New loads (or generates on first run) the root and the leaf for
// cfg.VehicleID. Generation is a one-time cost of a few hundred ms.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("identity: empty directory")
	}
	if cfg.VehicleID == "" {
		return nil, errors.New("identity: empty vehicle id")
	}
	if cfg.KeyBits == 0 {
		cfg.KeyBits = DefaultKeyBits
	}
	if cfg.KeyBits < DefaultKeyBits {
		return nil, fmt.Errorf("identity: key size %d below %d bits", cfg.KeyBits, DefaultKeyBits)
	}
	if cfg.RootValidity <= 0 {
		cfg.RootValidity = DefaultRootValidity
	}
	if cfg.LeafValidity <= 0 {
		cfg.LeafValidity = DefaultLeafValidity
	}

	m := &Manager{
		cfg:     cfg,
		clock:   clock.New(),
		log:     zap.NewNop().Sugar(),
		revoked: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(m)
	}

	if m.store != nil {
		serials, err := m.store.Revocations()
		if err != nil {
			return nil, security.WrapError(security.KindStorage, "load revocations", err)
		}
		for _, s := range serials {
			m.revoked[s] = struct{}{}
		}
	}

	if _, _, err := m.IssueOrLoadRoot(); err != nil {
		return nil, fmt.Errorf("identity root: %w", err)
	}
	if _, _, err := m.IssueOrLoadLeaf(cfg.VehicleID); err != nil {
		return nil, fmt.Errorf("identity leaf: %w", err)
	}

	m.log.Infof("identity %s: certificates in %s, leaf expires %s",
		cfg.VehicleID, cfg.Dir, m.LeafExpiry().Format(time.RFC3339))
	return m, nil
}

// IssueOrLoadRoot returns the persisted root pair, generating and
// persisting a new self-signed root when none exists.
func (m *Manager) IssueOrLoadRoot() (*x509.Certificate, *rsa.PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := rootPaths(m.cfg.Dir)
	cert, key, err := loadPair(paths)
	switch {
	case err == nil:
		if !cert.IsCA {
			return nil, nil, security.NewError(security.KindCertificate, paths.cert+" is not a CA certificate")
		}
	case errors.Is(err, errPairAbsent):
		m.log.Warnf("identity %s: root certificate not found, generating self-signed CA", m.cfg.VehicleID)
		cert, key, err = m.generateRoot()
		if err != nil {
			return nil, nil, err
		}
		if err := storePair(paths, cert, key); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, err
	}

	m.root, m.rootKey = cert, key
	return cert, key, nil
}

// IssueOrLoadLeaf returns the persisted leaf for vehicleID, issuing one
// signed by the root when none exists. The root must be loaded first.
func (m *Manager) IssueOrLoadLeaf(vehicleID string) (*x509.Certificate, *rsa.PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root == nil {
		return nil, nil, security.NewError(security.KindCertificate, "root not loaded")
	}

	paths := leafPaths(m.cfg.Dir)
	cert, key, err := loadPair(paths)
	switch {
	case err == nil:
		if cert.Subject.CommonName != vehicleID {
			return nil, nil, security.NewError(security.KindCertificate,
				fmt.Sprintf("%s subject %q does not match vehicle id %q", paths.cert, cert.Subject.CommonName, vehicleID))
		}
	case errors.Is(err, errPairAbsent):
		m.log.Warnf("identity %s: vehicle certificate not found, issuing", vehicleID)
		cert, key, err = m.issueLeaf(vehicleID)
		if err != nil {
			return nil, nil, err
		}
		if err := storePair(paths, cert, key); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, err
	}

	m.leaf, m.leafKey = cert, key
	return cert, key, nil
}

// ReissueLeaf replaces the vehicle's leaf with a freshly issued one, both
// in memory and on disk. This is the manual re-issuance path.
func (m *Manager) ReissueLeaf() (*x509.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cert, key, err := m.issueLeaf(m.cfg.VehicleID)
	if err != nil {
		return nil, err
	}
	if err := storePair(leafPaths(m.cfg.Dir), cert, key); err != nil {
		return nil, err
	}
	m.leaf, m.leafKey = cert, key
	m.log.Infof("identity %s: leaf re-issued, serial %s", m.cfg.VehicleID, cert.SerialNumber.Text(16))
	return cert, nil
}

// Verify reports whether certPEM is a currently trusted certificate. It
// fails closed: any parse or validation problem returns false.
func (m *Manager) Verify(certPEM []byte) bool {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		m.log.Warnf("identity %s: unparseable certificate: %v", m.cfg.VehicleID, err)
		return false
	}
	if err := m.VerifyCertificate(cert); err != nil {
		m.log.Warnf("identity %s: %v", m.cfg.VehicleID, err)
		return false
	}
	return true
}

// VerifyCertificate checks revocation, the validity window and the
// issuer signature, returning a KindCertificate error naming the failure.
func (m *Manager) VerifyCertificate(cert *x509.Certificate) error {
	m.mu.RLock()
	root := m.root
	_, revoked := m.revoked[serialKey(cert.SerialNumber)]
	m.mu.RUnlock()

	if revoked {
		return security.NewError(security.KindCertificate,
			fmt.Sprintf("certificate %s is revoked", serialKey(cert.SerialNumber)))
	}

	now := m.clock.Now()
	if now.Before(cert.NotBefore) {
		return security.NewError(security.KindCertificate, "certificate not yet valid")
	}
	if now.After(cert.NotAfter) {
		return security.NewError(security.KindCertificate, "certificate expired")
	}

	if root == nil {
		return security.NewError(security.KindCertificate, "root not loaded")
	}
	caErr := cert.CheckSignatureFrom(root)
	if caErr == nil {
		return nil
	}
	if m.cfg.AllowSelfSigned {
		if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err == nil {
			m.log.Debugf("identity %s: accepted self-signed certificate %q", m.cfg.VehicleID, cert.Subject.CommonName)
			return nil
		}
	}
	return security.WrapError(security.KindCertificate, "signature not from trusted root", caErr)
}

// ExtractSubjectID returns the Common Name of certPEM.
func (m *Manager) ExtractSubjectID(certPEM []byte) (string, bool) {
	return SubjectID(certPEM)
}

// SubjectID returns the Common Name of a PEM or DER certificate.
func SubjectID(certPEM []byte) (string, bool) {
	cert, err := ParseCertificate(certPEM)
	if err != nil || cert.Subject.CommonName == "" {
		return "", false
	}
	return cert.Subject.CommonName, true
}

// Revoke marks serial as revoked. It takes effect for the next Verify.
func (m *Manager) Revoke(serial *big.Int) error {
	if serial == nil {
		return errors.New("identity: nil serial")
	}
	key := serialKey(serial)

	m.mu.Lock()
	m.revoked[key] = struct{}{}
	m.mu.Unlock()

	m.log.Warnf("identity %s: certificate %s revoked", m.cfg.VehicleID, key)
	if m.store != nil {
		if err := m.store.SaveRevocation(key, m.clock.Now()); err != nil {
			return security.WrapError(security.KindStorage, "persist revocation", err)
		}
	}
	return nil
}

// IsRevoked reports whether serial has been revoked.
func (m *Manager) IsRevoked(serial *big.Int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[serialKey(serial)]
	return ok
}

// VehicleID returns the identity this manager was created for.
func (m *Manager) VehicleID() string { return m.cfg.VehicleID }

// Root returns the root certificate.
func (m *Manager) Root() *x509.Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root
}

// Leaf returns the vehicle's leaf certificate.
func (m *Manager) Leaf() *x509.Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leaf
}

// LeafKey returns the vehicle's private key.
func (m *Manager) LeafKey() *rsa.PrivateKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leafKey
}

// LeafPEM returns the PEM encoding of the leaf certificate.
func (m *Manager) LeafPEM() []byte { return EncodeCertificate(m.Leaf()) }

// RootPEM returns the PEM encoding of the root certificate.
func (m *Manager) RootPEM() []byte { return EncodeCertificate(m.Root()) }

// LeafExpiry returns the leaf's NotAfter.
func (m *Manager) LeafExpiry() time.Time { return m.Leaf().NotAfter }

func (m *Manager) generateRoot() (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, m.cfg.KeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate root key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := m.clock.Now()
	name := pkix.Name{
		Country:      []string{"EG"},
		Province:     []string{"Cairo"},
		Organization: []string{organization},
		CommonName:   rootCN,
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		Issuer:                name,
		NotBefore:             now,
		NotAfter:              now.Add(m.cfg.RootValidity),
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root certificate: %w", err)
	}
	return cert, key, nil
}

// issueLeaf must be called with m.mu held.
func (m *Manager) issueLeaf(vehicleID string) (*x509.Certificate, *rsa.PrivateKey, error) {
	if m.root == nil || m.rootKey == nil {
		return nil, nil, security.NewError(security.KindCertificate, "root not loaded")
	}

	key, err := rsa.GenerateKey(rand.Reader, m.cfg.KeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := m.clock.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Country:      []string{"EG"},
			Organization: []string{organization},
			CommonName:   vehicleID,
		},
		NotBefore:   now,
		NotAfter:    now.Add(m.cfg.LeafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{vehicleID},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, m.root, &key.PublicKey, m.rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create leaf certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse leaf certificate: %w", err)
	}
	return cert, key, nil
}

// IssuePeer issues a leaf for another vehicle signed by this root. It is
// how a fleet operator provisions peers that should be trusted; the
// material is returned, not persisted.
func (m *Manager) IssuePeer(vehicleID string) (*x509.Certificate, *rsa.PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issueLeaf(vehicleID)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

func serialKey(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	return serial.Text(16)
}
