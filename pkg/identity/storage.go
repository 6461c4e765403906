package identity

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/daohu527/vlink/pkg/security"
)

const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypePrivateKey  = "PRIVATE KEY"
	pemTypeRSAKey      = "RSA PRIVATE KEY"
)

// errPairAbsent means neither file of a certificate/key pair exists yet.
var errPairAbsent = errors.New("identity: pair absent")

// pairPaths locates one certificate and its private key on disk.
type pairPaths struct {
	cert string
	key  string
}

func rootPaths(dir string) pairPaths {
	return pairPaths{
		cert: filepath.Join(dir, "certs", "ca_cert.pem"),
		key:  filepath.Join(dir, "keys", "ca_key.pem"),
	}
}

func leafPaths(dir string) pairPaths {
	return pairPaths{
		cert: filepath.Join(dir, "certs", "vehicle_cert.pem"),
		key:  filepath.Join(dir, "keys", "vehicle_key.pem"),
	}
}

// loadPair reads a PEM certificate and its RSA key. Missing both files
// yields errPairAbsent; anything else that is wrong with existing files is
// an error so that intentional material is never silently replaced.
func loadPair(p pairPaths) (*x509.Certificate, *rsa.PrivateKey, error) {
	certOK, err := exists(p.cert)
	if err != nil {
		return nil, nil, err
	}
	keyOK, err := exists(p.key)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case !certOK && !keyOK:
		return nil, nil, errPairAbsent
	case !certOK:
		return nil, nil, security.NewError(security.KindCertificate,
			fmt.Sprintf("key %s present without certificate %s", p.key, p.cert))
	case !keyOK:
		return nil, nil, security.NewError(security.KindCertificate,
			fmt.Sprintf("certificate %s present without key %s", p.cert, p.key))
	}

	certPEM, err := os.ReadFile(p.cert) // #nosec G304 – configured directory
	if err != nil {
		return nil, nil, security.WrapError(security.KindStorage, "read "+p.cert, err)
	}
	keyPEM, err := os.ReadFile(p.key) // #nosec G304 – configured directory
	if err != nil {
		return nil, nil, security.WrapError(security.KindStorage, "read "+p.key, err)
	}

	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, nil, security.WrapError(security.KindCertificate, p.cert, err)
	}
	key, err := parseRSAKey(keyPEM)
	if err != nil {
		return nil, nil, security.WrapError(security.KindCertificate, p.key, err)
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(key.Public()) {
		return nil, nil, security.NewError(security.KindCertificate,
			fmt.Sprintf("%s does not match key %s", p.cert, p.key))
	}
	return cert, key, nil
}

// storePair writes cert and key as PEM, keys with owner-only permissions.
func storePair(p pairPaths, cert *x509.Certificate, key *rsa.PrivateKey) error {
	for _, dir := range []string{filepath.Dir(p.cert), filepath.Dir(p.key)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return security.WrapError(security.KindStorage, "create "+dir, err)
		}
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return security.WrapError(security.KindStorage, "marshal private key", err)
	}

	if err := os.WriteFile(p.cert, EncodeCertificate(cert), 0o644); err != nil {
		return security.WrapError(security.KindStorage, "write "+p.cert, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: keyDER})
	if err := os.WriteFile(p.key, keyPEM, 0o600); err != nil {
		return security.WrapError(security.KindStorage, "write "+p.key, err)
	}
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, security.WrapError(security.KindStorage, "stat "+path, err)
	}
}

// ParseCertificate accepts a PEM CERTIFICATE block or raw DER.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return x509.ParseCertificate(data)
	}
	if block.Type != pemTypeCertificate {
		return nil, fmt.Errorf("unexpected PEM type %q", block.Type)
	}
	return x509.ParseCertificate(block.Bytes)
}

// EncodeCertificate returns the PEM encoding of cert.
func EncodeCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: cert.Raw})
}

func parseRSAKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	var parsed crypto.PrivateKey
	var err error
	switch block.Type {
	case pemTypePrivateKey:
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case pemTypeRSAKey:
		parsed, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM type %q", block.Type)
	}
	if err != nil {
		return nil, err
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}
