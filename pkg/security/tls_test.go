package security

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// writeTestFiles writes the PKI as PEM files and returns (certFile, keyFile, caFile).
func writeTestFiles(t *testing.T, p *testPKI) (certFile, keyFile, caFile string) {
	t.Helper()

	dir := t.TempDir()
	caFile = filepath.Join(dir, "ca.pem")
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	keyDER, err := x509.MarshalPKCS8PrivateKey(p.leafKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	writePEM(t, caFile, "CERTIFICATE", p.ca.Raw)
	writePEM(t, certFile, "CERTIFICATE", p.leaf.Raw)
	writePEM(t, keyFile, "PRIVATE KEY", keyDER)
	return certFile, keyFile, caFile
}

func writePEM(t *testing.T, path, blockType string, data []byte) {
	t.Helper()
	out := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: data})
	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestBuildTransportConfigPolicy(t *testing.T) {
	p := newTestPKI(t, "SDV_001")

	cfg, err := BuildTransportConfig(p.ca, p.leaf, p.leafKey)
	if err != nil {
		t.Fatalf("BuildTransportConfig: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %d, want TLS 1.3 (%d)", cfg.MinVersion, tls.VersionTLS13)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert", cfg.ClientAuth)
	}
	if len(cfg.Certificates) != 1 || cfg.Certificates[0].Leaf != p.leaf {
		t.Errorf("Certificates not populated from leaf")
	}
	if cfg.RootCAs == nil || cfg.ClientCAs == nil {
		t.Fatal("root pool not installed")
	}
	if _, err := p.leaf.Verify(x509.VerifyOptions{Roots: cfg.RootCAs}); err != nil {
		t.Errorf("leaf does not chain to configured roots: %v", err)
	}
}

func TestBuildTransportConfigAEADOnly(t *testing.T) {
	p := newTestPKI(t, "SDV_001")

	cfg, err := BuildTransportConfig(p.ca, p.leaf, p.leafKey)
	if err != nil {
		t.Fatalf("BuildTransportConfig: %v", err)
	}
	insecure := map[uint16]bool{}
	for _, s := range tls.InsecureCipherSuites() {
		insecure[s.ID] = true
	}
	for _, id := range cfg.CipherSuites {
		if insecure[id] {
			t.Errorf("cipher suite %s is in the insecure list", tls.CipherSuiteName(id))
		}
	}
	if len(cfg.CipherSuites) == 0 {
		t.Error("CipherSuites is empty, want an explicit allow-list")
	}
}

func TestBuildTransportConfigMissingMaterial(t *testing.T) {
	p := newTestPKI(t, "SDV_001")

	_, err := BuildTransportConfig(p.ca, nil, p.leafKey)
	if !IsKind(err, KindCertificate) {
		t.Errorf("err = %v, want certificate error", err)
	}
}

func TestTLSConfigMinVersion(t *testing.T) {
	certFile, keyFile, caFile := writeTestFiles(t, newTestPKI(t, "SDV_001"))

	cfg, err := TLSConfig(certFile, keyFile, caFile)
	if err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %d, want TLS 1.3 (%d)", cfg.MinVersion, tls.VersionTLS13)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("len(Certificates) = %d, want 1", len(cfg.Certificates))
	}
}

func TestTLSConfigMissingFiles(t *testing.T) {
	_, err := TLSConfig("/no/such/cert.pem", "/no/such/key.pem", "/no/such/ca.pem")
	if !IsKind(err, KindStorage) {
		t.Errorf("err = %v, want storage error", err)
	}
}

func TestTLSConfigBadCA(t *testing.T) {
	certFile, keyFile, _ := writeTestFiles(t, newTestPKI(t, "SDV_001"))
	bad := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := TLSConfig(certFile, keyFile, bad)
	if !IsKind(err, KindCertificate) {
		t.Errorf("err = %v, want certificate error", err)
	}
}

func TestServerTLSConfigRequiresClientCert(t *testing.T) {
	certFile, keyFile, caFile := writeTestFiles(t, newTestPKI(t, "cc"))

	cfg, err := ServerTLSConfig(certFile, keyFile, caFile)
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert", cfg.ClientAuth)
	}
}

func TestClientTLSConfigNoClientAuth(t *testing.T) {
	certFile, keyFile, caFile := writeTestFiles(t, newTestPKI(t, "SDV_001"))

	cfg, err := ClientTLSConfig(certFile, keyFile, caFile)
	if err != nil {
		t.Fatalf("ClientTLSConfig: %v", err)
	}
	if cfg.ClientAuth != tls.NoClientCert {
		t.Errorf("ClientAuth = %v, want NoClientCert", cfg.ClientAuth)
	}
}

func TestErrorKinds(t *testing.T) {
	inner := errors.New("disk full")
	err := fmt.Errorf("startup: %w", WrapError(KindStorage, "write root key", inner))

	if !IsKind(err, KindStorage) {
		t.Error("IsKind(storage) = false through fmt wrapping")
	}
	if IsKind(err, KindCrypto) {
		t.Error("IsKind(crypto) = true, want false")
	}
	if !errors.Is(err, inner) {
		t.Error("inner error not reachable via errors.Is")
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Error("KindOf(plain) != 0")
	}
	if got, want := NewError(KindReplay, "duplicate nonce").Error(), "replay: duplicate nonce"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
