// Package security manages TLS material for the HTTP listener and clients.
package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultCertValidDays is the default certificate validity (1 year).
	DefaultCertValidDays = 365
	// KeySize is the RSA key size in bits.
	KeySize = 2048
)

// CertPaths are the files written by GenerateSelfSigned.
type CertPaths struct {
	CertFile string
	KeyFile  string
}

// GenerateSelfSigned writes name.crt and name.key to outputDir. The
// certificate is its own CA so clients can pin it with a CA file. localhost
// and the loopback addresses are always in the SAN.
func GenerateSelfSigned(outputDir, name string, hosts []string, validDays int) (*CertPaths, error) {
	if validDays <= 0 {
		validDays = DefaultCertValidDays
	}
	if name == "" {
		name = "server"
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Cowork"},
			CommonName:   name,
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(0, 0, validDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	for _, h := range appendUnique(hosts, "localhost", "127.0.0.1", "::1") {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	paths := &CertPaths{
		CertFile: filepath.Join(outputDir, name+".crt"),
		KeyFile:  filepath.Join(outputDir, name+".key"),
	}
	if err := writePEM(paths.CertFile, 0o644, "CERTIFICATE", certDER); err != nil {
		return nil, err
	}
	if err := writePEM(paths.KeyFile, 0o600, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(privateKey)); err != nil {
		return nil, err
	}
	return paths, nil
}

func writePEM(path string, perm os.FileMode, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func appendUnique(slice []string, items ...string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(slice)+len(items))
	for _, s := range append(slice, items...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
