package v2x

import (
	"crypto/rsa"
	"crypto/x509"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/daohu527/vlink/pkg/identity"
	"github.com/daohu527/vlink/pkg/security"
)

type fixture struct {
	clk *clock.Mock
	ca  *identity.Manager
	sec *Security
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	ca, err := identity.New(identity.Config{Dir: t.TempDir(), VehicleID: "SDV_001"}, identity.WithClock(clk))
	require.NoError(t, err)

	sec, err := New(ca, cfg, WithClock(clk), WithLogger(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	return &fixture{clk: clk, ca: ca, sec: sec}
}

// peer signs with a certificate issued elsewhere but trusts the same root
// as the fixture.
type peer struct {
	key   *rsa.PrivateKey
	pem   []byte
	trust *identity.Manager
}

func (p peer) LeafKey() *rsa.PrivateKey                    { return p.key }
func (p peer) LeafPEM() []byte                             { return p.pem }
func (p peer) VerifyCertificate(c *x509.Certificate) error { return p.trust.VerifyCertificate(c) }

func (f *fixture) peerSigner(t *testing.T, id string) *Security {
	t.Helper()
	cert, key, err := f.ca.IssuePeer(id)
	require.NoError(t, err)
	s, err := New(peer{key: key, pem: identity.EncodeCertificate(cert), trust: f.ca}, Config{}, WithClock(f.clk))
	require.NoError(t, err)
	return s
}

func bsm() Payload {
	return Payload{"vehicle_id": "SDV_001", "lat": 30.0444, "lon": 31.2357, "speed": 13.9, "heading": 270}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	f := newFixture(t, Config{})
	p := bsm()

	msg, err := f.sec.Sign(p)
	require.NoError(t, err)
	for _, k := range []string{FieldTimestamp, FieldNonce, FieldSignature, FieldCertificate} {
		assert.Contains(t, msg, k)
	}
	assert.NotContains(t, p, FieldNonce, "payload must not be modified")
	nonce, _ := msg.Nonce()
	assert.Len(t, nonce, 2*NonceBytes)
	assert.Equal(t, p, msg.Payload())

	sender, ok := f.sec.Verify(msg)
	assert.True(t, ok)
	assert.Equal(t, "SDV_001", sender)
}

func TestSignaturesDiffer(t *testing.T) {
	f := newFixture(t, Config{})
	a, err := f.sec.Sign(bsm())
	require.NoError(t, err)
	b, err := f.sec.Sign(bsm())
	require.NoError(t, err)

	assert.NotEqual(t, a[FieldSignature], b[FieldSignature])
	assert.NotEqual(t, a[FieldNonce], b[FieldNonce])
}

func TestTamperedPayloadRejected(t *testing.T) {
	f := newFixture(t, Config{})
	mutations := map[string]func(SignedMessage){
		"speed":     func(m SignedMessage) { m["speed"] = 99.9 },
		"id":        func(m SignedMessage) { m["vehicle_id"] = "SDV_002" },
		"added":     func(m SignedMessage) { m["brake"] = true },
		"removed":   func(m SignedMessage) { delete(m, "heading") },
		"timestamp": func(m SignedMessage) { m[FieldTimestamp] = m[FieldTimestamp].(float64) + 1 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			msg, err := f.sec.Sign(bsm())
			require.NoError(t, err)
			mutate(msg)

			_, err = f.sec.Check(msg)
			assert.True(t, security.IsKind(err, security.KindCrypto), "err = %v", err)
		})
	}
}

func TestReplayRejected(t *testing.T) {
	f := newFixture(t, Config{})
	msg, err := f.sec.Sign(bsm())
	require.NoError(t, err)

	sender, ok := f.sec.Verify(msg)
	require.True(t, ok)
	assert.Equal(t, "SDV_001", sender)

	sender, ok = f.sec.Verify(msg)
	assert.False(t, ok)
	assert.Empty(t, sender)

	_, err = f.sec.Check(msg)
	assert.True(t, security.IsKind(err, security.KindReplay))
}

func TestStaleRejected(t *testing.T) {
	f := newFixture(t, Config{})
	msg, err := f.sec.Sign(bsm())
	require.NoError(t, err)

	f.clk.Add(DefaultFreshness + time.Second)
	_, err = f.sec.Check(msg)
	assert.True(t, security.IsKind(err, security.KindReplay), "err = %v", err)
}

func TestFutureDatedRejected(t *testing.T) {
	f := newFixture(t, Config{})
	msg, err := f.sec.Sign(bsm())
	require.NoError(t, err)

	f.clk.Add(-(DefaultFreshness + time.Second))
	_, err = f.sec.Check(msg)
	assert.True(t, security.IsKind(err, security.KindReplay))
}

func TestWithinFreshnessAccepted(t *testing.T) {
	f := newFixture(t, Config{})
	msg, err := f.sec.Sign(bsm())
	require.NoError(t, err)

	f.clk.Add(DefaultFreshness - 100*time.Millisecond)
	_, ok := f.sec.Verify(msg)
	assert.True(t, ok)
}

func TestStaleIsNotSignatureChecked(t *testing.T) {
	f := newFixture(t, Config{})
	msg, err := f.sec.Sign(bsm())
	require.NoError(t, err)
	msg[FieldSignature] = "not-hex"

	f.clk.Add(time.Minute)
	_, err = f.sec.Check(msg)
	assert.True(t, security.IsKind(err, security.KindReplay), "err = %v", err)
}

func TestMissingFields(t *testing.T) {
	f := newFixture(t, Config{})
	for _, field := range []string{FieldTimestamp, FieldNonce, FieldSignature, FieldCertificate} {
		msg, err := f.sec.Sign(bsm())
		require.NoError(t, err)
		delete(msg, field)

		_, err = f.sec.Check(msg)
		assert.True(t, security.IsKind(err, security.KindProtocol), "%s: err = %v", field, err)
	}

	_, err := f.sec.Check(SignedMessage{FieldTimestamp: "yesterday", FieldNonce: "ab", FieldSignature: "00", FieldCertificate: "x"})
	assert.True(t, security.IsKind(err, security.KindProtocol))
}

func TestReservedPayloadField(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.sec.Sign(Payload{"nonce": "mine"})
	assert.True(t, security.IsKind(err, security.KindProtocol))
}

func TestPeerSignedAccepted(t *testing.T) {
	f := newFixture(t, Config{})
	remote := f.peerSigner(t, "SDV_002")

	msg, err := remote.Sign(bsm())
	require.NoError(t, err)

	sender, ok := f.sec.Verify(msg)
	assert.True(t, ok)
	assert.Equal(t, "SDV_002", sender)
}

func TestRevokedSignerRejected(t *testing.T) {
	f := newFixture(t, Config{})
	cert, key, err := f.ca.IssuePeer("SDV_002")
	require.NoError(t, err)
	remote, err := New(peer{key: key, pem: identity.EncodeCertificate(cert), trust: f.ca}, Config{}, WithClock(f.clk))
	require.NoError(t, err)

	require.NoError(t, f.ca.Revoke(cert.SerialNumber))
	msg, err := remote.Sign(bsm())
	require.NoError(t, err)

	_, err = f.sec.Check(msg)
	assert.True(t, security.IsKind(err, security.KindCertificate), "err = %v", err)
}

func TestForeignRootRejected(t *testing.T) {
	f := newFixture(t, Config{})
	other, err := identity.New(identity.Config{Dir: t.TempDir(), VehicleID: "ROGUE"}, identity.WithClock(f.clk))
	require.NoError(t, err)
	rogue, err := New(other, Config{}, WithClock(f.clk))
	require.NoError(t, err)

	msg, err := rogue.Sign(bsm())
	require.NoError(t, err)

	_, err = f.sec.Check(msg)
	assert.True(t, security.IsKind(err, security.KindCertificate), "err = %v", err)
}

func TestCodecRoundTripThenVerify(t *testing.T) {
	for _, c := range []Codec{JSON, CBOR} {
		t.Run(c.Name(), func(t *testing.T) {
			f := newFixture(t, Config{})
			msg, err := f.sec.Sign(bsm())
			require.NoError(t, err)

			wire, err := c.Encode(msg)
			require.NoError(t, err)
			decoded, err := c.Decode(wire)
			require.NoError(t, err)

			sender, ok := f.sec.Verify(decoded)
			assert.True(t, ok)
			assert.Equal(t, "SDV_001", sender)
		})
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	for _, c := range []Codec{JSON, CBOR} {
		_, err := c.Decode([]byte{0xff, 0x00, 0x13})
		assert.True(t, security.IsKind(err, security.KindProtocol), c.Name())
	}

	_, err := CodecByName("xml")
	assert.Error(t, err)
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())
}

func TestNonceCacheBounded(t *testing.T) {
	f := newFixture(t, Config{NonceCacheSize: 3})
	for i := 0; i < 5; i++ {
		msg, err := f.sec.Sign(bsm())
		require.NoError(t, err)
		_, ok := f.sec.Verify(msg)
		require.True(t, ok)
	}
	assert.Equal(t, 3, f.sec.SeenNonces())
}
