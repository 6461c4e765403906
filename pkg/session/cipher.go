package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cipher names the AEAD used for session traffic.
type Cipher string

const (
	CipherAESGCM   Cipher = "aes-256-gcm"
	CipherChaCha20 Cipher = "chacha20-poly1305"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

// ParseCipher maps a configuration string to a Cipher.
func ParseCipher(s string) (Cipher, error) {
	switch Cipher(s) {
	case "", CipherAESGCM:
		return CipherAESGCM, nil
	case CipherChaCha20:
		return CipherChaCha20, nil
	default:
		return "", fmt.Errorf("session: unsupported cipher %q", s)
	}
}

func newAEAD(c Cipher, key [KeySize]byte) (cipher.AEAD, error) {
	switch c {
	case CipherChaCha20:
		return chacha20poly1305.New(key[:])
	case CipherAESGCM:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("session: unsupported cipher %q", c)
	}
}

// expandKey turns random seed material into a session key bound to peerID.
func expandKey(seed []byte, peerID string) ([KeySize]byte, error) {
	var out [KeySize]byte
	r := hkdf.New(sha256.New, seed, nil, []byte("vlink-session:"+peerID))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return [KeySize]byte{}, fmt.Errorf("session: hkdf: %w", err)
	}
	return out, nil
}

// keyID identifies key material without revealing it.
func keyID(material [KeySize]byte) string {
	sum := sha256.Sum256(material[:])
	return hex.EncodeToString(sum[:8])
}
