// Package session encrypts opaque payloads between two peers that already
// know each other, using one short-lived symmetric key per peer.
//
// There is no key agreement here. EstablishSessionKey generates key
// material locally; the peer must receive it over an already authenticated
// channel (for example the mutual-TLS link) and load it with
// InstallSessionKey.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/daohu527/vlink/pkg/security"
)

// DefaultRotation is how long a session key stays valid.
const DefaultRotation = time.Hour

// ErrNoSession is returned when a peer has no session key. Encrypt does
// not create one implicitly; call EstablishSessionKey first.
var ErrNoSession = errors.New("session: no session key for peer")

// Key is the session key held for one peer.
type Key struct {
	ID        string
	PeerID    string
	Material  [KeySize]byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the key is past its rotation deadline at now.
func (k Key) Expired(now time.Time) bool { return now.After(k.ExpiresAt) }

// Option customises a Channel.
type Option func(*Channel)

// WithClock injects the time source used for creation and expiry.
func WithClock(c clock.Clock) Option { return func(ch *Channel) { ch.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(ch *Channel) { ch.log = l } }

// WithRotation overrides DefaultRotation.
func WithRotation(d time.Duration) Option { return func(ch *Channel) { ch.rotation = d } }

// WithCipher selects the AEAD.
func WithCipher(c Cipher) Option { return func(ch *Channel) { ch.cipher = c } }

// WithRandom replaces crypto/rand as the entropy source (tests only).
func WithRandom(r io.Reader) Option { return func(ch *Channel) { ch.rand = r } }

// Channel owns the per-peer session key map.
type Channel struct {
	clock    clock.Clock
	log      *zap.SugaredLogger
	rotation time.Duration
	cipher   Cipher
	rand     io.Reader

	mu   sync.Mutex
	keys map[string]Key
}

// New creates a Channel with no sessions.
func New(opts ...Option) (*Channel, error) {
	ch := &Channel{
		clock:    clock.New(),
		log:      zap.NewNop().Sugar(),
		rotation: DefaultRotation,
		cipher:   CipherAESGCM,
		rand:     rand.Reader,
		keys:     make(map[string]Key),
	}
	for _, o := range opts {
		o(ch)
	}
	if ch.rotation <= 0 {
		return nil, fmt.Errorf("session: rotation must be > 0, got %s", ch.rotation)
	}
	if _, err := ParseCipher(string(ch.cipher)); err != nil {
		return nil, err
	}
	return ch, nil
}

// EstablishSessionKey generates a fresh key for peerID, replacing any
// previous one. Ciphertext sealed under the old key no longer decrypts.
func (ch *Channel) EstablishSessionKey(peerID string) (Key, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.establishLocked(peerID)
}

// InstallSessionKey loads key material received from peerID.
func (ch *Channel) InstallSessionKey(peerID string, material []byte) (Key, error) {
	if len(material) != KeySize {
		return Key{}, security.NewError(security.KindCrypto,
			fmt.Sprintf("session key must be %d bytes, got %d", KeySize, len(material)))
	}
	var m [KeySize]byte
	copy(m[:], material)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	k := ch.newKeyLocked(peerID, m)
	ch.log.Infof("session %s: key %s installed", peerID, k.ID)
	return k, nil
}

// Encrypt seals plaintext for peerID. An expired key is replaced before
// use. The output is nonce(12) || tag(16) || ciphertext.
func (ch *Channel) Encrypt(plaintext []byte, peerID string) ([]byte, error) {
	ch.mu.Lock()
	k, ok := ch.keys[peerID]
	if !ok {
		ch.mu.Unlock()
		return nil, ErrNoSession
	}
	if k.Expired(ch.clock.Now()) {
		ch.log.Warnf("session %s: key %s expired, rotating", peerID, k.ID)
		var err error
		if k, err = ch.establishLocked(peerID); err != nil {
			ch.mu.Unlock()
			return nil, err
		}
	}
	ch.mu.Unlock()

	aead, err := newAEAD(ch.cipher, k.Material)
	if err != nil {
		return nil, security.WrapError(security.KindCrypto, "init aead", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(ch.rand, nonce); err != nil {
		return nil, security.WrapError(security.KindCrypto, "read nonce", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, NonceSize+TagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt opens a blob produced by Encrypt. A tampered blob or a blob
// sealed under another key is a KindCrypto error, never a panic.
func (ch *Channel) Decrypt(blob []byte, peerID string) ([]byte, error) {
	ch.mu.Lock()
	k, ok := ch.keys[peerID]
	ch.mu.Unlock()
	if !ok {
		return nil, ErrNoSession
	}

	if len(blob) < NonceSize+TagSize {
		return nil, security.NewError(security.KindCrypto, "ciphertext too short")
	}

	aead, err := newAEAD(ch.cipher, k.Material)
	if err != nil {
		return nil, security.WrapError(security.KindCrypto, "init aead", err)
	}

	nonce := blob[:NonceSize]
	tag := blob[NonceSize : NonceSize+TagSize]
	ct := blob[NonceSize+TagSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	pt, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		ch.log.Warnf("session %s: decrypt failed", peerID)
		return nil, security.WrapError(security.KindCrypto, "authentication failed", err)
	}
	return pt, nil
}

// Session returns the current key for peerID.
func (ch *Channel) Session(peerID string) (Key, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	k, ok := ch.keys[peerID]
	return k, ok
}

// Sessions returns every tracked key ordered by peer id.
func (ch *Channel) Sessions() []Key {
	ch.mu.Lock()
	out := make([]Key, 0, len(ch.keys))
	for _, k := range ch.keys {
		out = append(out, k)
	}
	ch.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// ActiveCount is the number of peers with a session key, expired or not.
func (ch *Channel) ActiveCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.keys)
}

// ExpiredCount is the number of tracked keys past their deadline.
func (ch *Channel) ExpiredCount() int {
	now := ch.clock.Now()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	n := 0
	for _, k := range ch.keys {
		if k.Expired(now) {
			n++
		}
	}
	return n
}

// Remove forgets the session for peerID.
func (ch *Channel) Remove(peerID string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.keys, peerID)
}

func (ch *Channel) establishLocked(peerID string) (Key, error) {
	seed := make([]byte, KeySize)
	if _, err := io.ReadFull(ch.rand, seed); err != nil {
		return Key{}, security.WrapError(security.KindCrypto, "read key seed", err)
	}
	material, err := expandKey(seed, peerID)
	if err != nil {
		return Key{}, security.WrapError(security.KindCrypto, "expand key", err)
	}
	k := ch.newKeyLocked(peerID, material)
	ch.log.Infof("session %s: key %s established, expires %s", peerID, k.ID, k.ExpiresAt.Format(time.RFC3339))
	return k, nil
}

func (ch *Channel) newKeyLocked(peerID string, material [KeySize]byte) Key {
	now := ch.clock.Now()
	k := Key{
		ID:        keyID(material),
		PeerID:    peerID,
		Material:  material,
		CreatedAt: now,
		ExpiresAt: now.Add(ch.rotation),
	}
	ch.keys[peerID] = k
	return k
}
