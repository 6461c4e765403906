package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/daohu527/vlink/pkg/security"
)

func newMockClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return c
}

func newTestManager(t *testing.T, dir string, clk clock.Clock, mutate ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{Dir: dir, VehicleID: "SDV_001"}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := New(cfg, WithClock(clk), WithLogger(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	return m
}

func selfSignedPEM(t *testing.T, cn string, notBefore, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return EncodeCertificate(cert)
}

func TestNewGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, newMockClock())

	root := m.Root()
	require.True(t, root.IsCA)
	assert.True(t, root.MaxPathLenZero)
	assert.Equal(t, "SDV CA", root.Subject.CommonName)

	leaf := m.Leaf()
	assert.Equal(t, "SDV_001", leaf.Subject.CommonName)
	assert.Equal(t, []string{"SDV_001"}, leaf.DNSNames)
	assert.Equal(t, root.Subject.String(), leaf.Issuer.String())
	assert.GreaterOrEqual(t, m.LeafKey().N.BitLen(), DefaultKeyBits)

	for _, p := range []pairPaths{rootPaths(dir), leafPaths(dir)} {
		_, err := os.Stat(p.cert)
		assert.NoError(t, err)
		info, err := os.Stat(p.key)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), p.key)
	}
}

func TestNewReloadsExisting(t *testing.T) {
	dir := t.TempDir()
	clk := newMockClock()
	first := newTestManager(t, dir, clk)
	second := newTestManager(t, dir, clk)

	assert.Equal(t, first.Root().SerialNumber, second.Root().SerialNumber)
	assert.Equal(t, first.Leaf().SerialNumber, second.Leaf().SerialNumber)
	assert.True(t, first.LeafKey().Equal(second.LeafKey()))
}

func TestVerifyLeafUntilExpiry(t *testing.T) {
	clk := newMockClock()
	m := newTestManager(t, t.TempDir(), clk)

	assert.True(t, m.Verify(m.LeafPEM()))

	clk.Set(m.Leaf().NotAfter.Add(time.Second))
	assert.False(t, m.Verify(m.LeafPEM()))
}

func TestVerifyNotYetValid(t *testing.T) {
	clk := newMockClock()
	m := newTestManager(t, t.TempDir(), clk)

	clk.Set(m.Leaf().NotBefore.Add(-time.Hour))
	err := m.VerifyCertificate(m.Leaf())
	assert.True(t, security.IsKind(err, security.KindCertificate))
}

func TestVerifyRootUnderOwnKey(t *testing.T) {
	m := newTestManager(t, t.TempDir(), newMockClock())
	assert.True(t, m.Verify(m.RootPEM()))
}

func TestVerifyRejectsForeignRoot(t *testing.T) {
	clk := newMockClock()
	ours := newTestManager(t, t.TempDir(), clk)
	theirs := newTestManager(t, t.TempDir(), clk, func(c *Config) { c.VehicleID = "SDV_666" })

	assert.False(t, ours.Verify(theirs.LeafPEM()))
}

func TestIssuePeerIsTrusted(t *testing.T) {
	m := newTestManager(t, t.TempDir(), newMockClock())

	peer, _, err := m.IssuePeer("SDV_002")
	require.NoError(t, err)
	assert.True(t, m.Verify(EncodeCertificate(peer)))

	id, ok := m.ExtractSubjectID(EncodeCertificate(peer))
	require.True(t, ok)
	assert.Equal(t, "SDV_002", id)
}

func TestSelfSignedRequiresOptIn(t *testing.T) {
	clk := newMockClock()
	now := clk.Now()
	pemBytes := selfSignedPEM(t, "ROGUE", now.Add(-time.Hour), now.Add(time.Hour))

	strict := newTestManager(t, t.TempDir(), clk)
	assert.False(t, strict.Verify(pemBytes))

	lenient := newTestManager(t, t.TempDir(), clk, func(c *Config) { c.AllowSelfSigned = true })
	assert.True(t, lenient.Verify(pemBytes))
}

func TestRevoke(t *testing.T) {
	m := newTestManager(t, t.TempDir(), newMockClock())
	peer, _, err := m.IssuePeer("SDV_002")
	require.NoError(t, err)
	peerPEM := EncodeCertificate(peer)

	require.True(t, m.Verify(peerPEM))
	require.NoError(t, m.Revoke(peer.SerialNumber))

	assert.True(t, m.IsRevoked(peer.SerialNumber))
	assert.False(t, m.Verify(peerPEM))
	assert.True(t, m.Verify(m.LeafPEM()), "revoking a peer must not affect the own leaf")
}

func TestExtractSubjectIDGarbage(t *testing.T) {
	m := newTestManager(t, t.TempDir(), newMockClock())

	_, ok := m.ExtractSubjectID([]byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"))
	assert.False(t, ok)
	_, ok = m.ExtractSubjectID(nil)
	assert.False(t, ok)
	assert.False(t, m.Verify([]byte("garbage")))
}

func TestCorruptCertificateIsNotRegenerated(t *testing.T) {
	dir := t.TempDir()
	newTestManager(t, dir, newMockClock())

	path := leafPaths(dir).cert
	require.NoError(t, os.WriteFile(path, []byte("corrupted"), 0o644))

	_, err := New(Config{Dir: dir, VehicleID: "SDV_001"}, WithClock(newMockClock()))
	require.Error(t, err)
	assert.True(t, security.IsKind(err, security.KindCertificate), "err = %v", err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "corrupted", string(data), "existing file must be left untouched")
}

func TestIncompletePair(t *testing.T) {
	dir := t.TempDir()
	newTestManager(t, dir, newMockClock())
	require.NoError(t, os.Remove(rootPaths(dir).key))

	_, err := New(Config{Dir: dir, VehicleID: "SDV_001"}, WithClock(newMockClock()))
	assert.True(t, security.IsKind(err, security.KindCertificate), "err = %v", err)
}

func TestLeafForOtherVehicleRejected(t *testing.T) {
	dir := t.TempDir()
	newTestManager(t, dir, newMockClock())

	_, err := New(Config{Dir: dir, VehicleID: "SDV_999"}, WithClock(newMockClock()))
	assert.True(t, security.IsKind(err, security.KindCertificate), "err = %v", err)
}

func TestUnwritableDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	_, err := New(Config{Dir: file, VehicleID: "SDV_001"}, WithClock(newMockClock()))
	assert.True(t, security.IsKind(err, security.KindStorage), "err = %v", err)
}

func TestReissueLeaf(t *testing.T) {
	dir := t.TempDir()
	clk := newMockClock()
	m := newTestManager(t, dir, clk)
	old := m.Leaf()

	clk.Add(24 * time.Hour)
	fresh, err := m.ReissueLeaf()
	require.NoError(t, err)
	assert.NotEqual(t, old.SerialNumber, fresh.SerialNumber)
	assert.True(t, fresh.NotAfter.After(old.NotAfter))

	reloaded := newTestManager(t, dir, clk)
	assert.Equal(t, fresh.SerialNumber, reloaded.Leaf().SerialNumber)
}

type memRevocations struct {
	mu      sync.Mutex
	serials []string
}

func (s *memRevocations) SaveRevocation(serial string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serials = append(s.serials, serial)
	return nil
}

func (s *memRevocations) Revocations() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.serials...), nil
}

func TestRevocationsSurviveRestartWithStore(t *testing.T) {
	dir := t.TempDir()
	clk := newMockClock()
	store := &memRevocations{}

	m, err := New(Config{Dir: dir, VehicleID: "SDV_001"}, WithClock(clk), WithRevocationStore(store))
	require.NoError(t, err)
	peer, _, err := m.IssuePeer("SDV_002")
	require.NoError(t, err)
	require.NoError(t, m.Revoke(peer.SerialNumber))

	restarted, err := New(Config{Dir: dir, VehicleID: "SDV_001"}, WithClock(clk), WithRevocationStore(store))
	require.NoError(t, err)
	assert.True(t, restarted.IsRevoked(peer.SerialNumber))

	volatile := newTestManager(t, dir, clk)
	assert.False(t, volatile.IsRevoked(peer.SerialNumber))
}
