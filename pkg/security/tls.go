// Package security holds the error taxonomy shared by the vehicle security
// core and the TLS 1.3 mutual-authentication policy used by every link
// between vehicles and the control center.
package security

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// aeadCipherSuites is the allow-list applied to any link that could ever
// negotiate below TLS 1.3. TLS 1.3 suites are AEAD-only and not
// configurable in crypto/tls.
var aeadCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// AEADCipherSuites returns a copy of the cipher suite allow-list.
func AEADCipherSuites() []uint16 {
	out := make([]uint16, len(aeadCipherSuites))
	copy(out, aeadCipherSuites)
	return out
}

// BuildTransportConfig builds the mutual-TLS configuration handed to the
// socket layer from in-memory identity material. The root certificate is
// trusted in both directions and the peer must present a certificate.
func BuildTransportConfig(root, leaf *x509.Certificate, leafKey crypto.Signer) (*tls.Config, error) {
	if root == nil || leaf == nil || leafKey == nil {
		return nil, NewError(KindCertificate, "transport config: missing identity material")
	}

	pool := x509.NewCertPool()
	pool.AddCert(root)

	cert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  leafKey,
		Leaf:        leaf,
	}

	return newPolicyConfig(cert, pool), nil
}

// TLSConfig builds a crypto/tls.Config that enforces TLS 1.3 with
// mutual authentication (mTLS).
//
// Parameters:
//   - certFile: path to the PEM-encoded certificate of this endpoint.
//   - keyFile:  path to the PEM-encoded private key of this endpoint.
//   - caFile:   path to the PEM-encoded CA certificate used to verify the peer.
//
// Both the vehicle agent and the control center call this with their own
// key pair and the shared CA certificate.
func TLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, WrapError(KindStorage, "load key pair", err)
	}

	caPEM, err := os.ReadFile(caFile) // #nosec G304 – caller-controlled path
	if err != nil {
		return nil, WrapError(KindStorage, "read CA certificate", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, WrapError(KindCertificate, "parse CA certificate", errors.New("no certificate in PEM"))
	}

	return newPolicyConfig(cert, caPool), nil
}

// ServerTLSConfig creates a TLS config for the listening side.
// It requires the connecting client to present a valid certificate signed by caFile.
func ServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cfg, err := TLSConfig(certFile, keyFile, caFile)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

// ClientTLSConfig creates a TLS config for the dialing side (vehicle agent).
// It presents its own certificate and verifies the server certificate against caFile.
func ClientTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cfg, err := TLSConfig(certFile, keyFile, caFile)
	if err != nil {
		return nil, fmt.Errorf("client tls: %w", err)
	}
	// ClientAuth is server-side only.
	cfg.ClientAuth = tls.NoClientCert
	return cfg, nil
}

func newPolicyConfig(cert tls.Certificate, pool *x509.CertPool) *tls.Config {
	return &tls.Config{
		MinVersion:       tls.VersionTLS13,
		Certificates:     []tls.Certificate{cert},
		RootCAs:          pool,
		ClientCAs:        pool,
		ClientAuth:       tls.RequireAndVerifyClientCert,
		CipherSuites:     AEADCipherSuites(),
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
	}
}
