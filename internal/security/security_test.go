package security

import (
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func TestGenerateSelfSigned(t *testing.T) {
	dir := t.TempDir()

	paths, err := GenerateSelfSigned(dir, "cowork", []string{"cowork.local", "10.0.0.5", "localhost"}, 30)
	if err != nil {
		t.Fatalf("GenerateSelfSigned failed: %v", err)
	}

	certPEM, err := os.ReadFile(paths.CertFile)
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	if cert.Subject.CommonName != "cowork" {
		t.Errorf("unexpected CN %q", cert.Subject.CommonName)
	}
	if len(cert.DNSNames) != 2 {
		t.Errorf("expected cowork.local and localhost once each, got %v", cert.DNSNames)
	}
	if len(cert.IPAddresses) != 3 {
		t.Errorf("expected three IP SANs, got %v", cert.IPAddresses)
	}

	info, err := os.Stat(paths.KeyFile)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %o, want 600", info.Mode().Perm())
	}
}

func TestServerAndClientTLS(t *testing.T) {
	paths, err := GenerateSelfSigned(t.TempDir(), "", nil, 0)
	if err != nil {
		t.Fatalf("GenerateSelfSigned failed: %v", err)
	}

	serverCfg, err := LoadServerTLS(paths.CertFile, paths.KeyFile)
	if err != nil {
		t.Fatalf("LoadServerTLS failed: %v", err)
	}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	clientCfg, err := LoadClientTLS(paths.CertFile)
	if err != nil {
		t.Fatalf("LoadClientTLS failed: %v", err)
	}
	hc := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}
	resp, err := hc.Get(srv.URL)
	if err != nil {
		t.Fatalf("request with pinned CA failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}

	// Without the CA file the self-signed certificate is rejected.
	if _, err := http.Get(srv.URL); err == nil {
		t.Error("expected verification failure with system roots")
	}
}

func TestLoadTLS_Errors(t *testing.T) {
	if cfg, err := LoadClientTLS(""); cfg != nil || err != nil {
		t.Errorf("empty CA file should mean system roots, got %v %v", cfg, err)
	}
	if _, err := LoadClientTLS("/nonexistent/ca.crt"); err == nil {
		t.Error("expected error for missing CA file")
	}

	bogus := t.TempDir() + "/bogus.crt"
	if err := os.WriteFile(bogus, []byte("not pem"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadClientTLS(bogus); err == nil {
		t.Error("expected error for CA file without certificates")
	}
	if _, err := LoadServerTLS(bogus, bogus); err == nil {
		t.Error("expected error for invalid key pair")
	}
}
