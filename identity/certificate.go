package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strings"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "PRIVATE KEY"

	// certificateValidity is the self-signed certificate lifetime.
	certificateValidity = 10 * 365 * 24 * time.Hour
)

// Identity is the local TLS certificate plus its derived fingerprint.
type Identity struct {
	Certificate tls.Certificate
	Fingerprint string
}

// EnsureCertificate loads the local certificate and key from disk, generating
// a self-signed pair on first run. The fingerprint is stable across restarts
// as long as the certificate files are kept.
func EnsureCertificate(certPath, keyPath, commonName string) (*Identity, error) {
	identity, err := LoadCertificate(certPath, keyPath)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if strings.TrimSpace(commonName) == "" {
		return nil, errors.New("certificate common name is required")
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certificateValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, publicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("create self-signed certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	if err := writePEM(certPath, certificatePEMType, der, 0o644); err != nil {
		return nil, err
	}
	if err := writePEM(keyPath, privateKeyPEMType, keyDER, 0o600); err != nil {
		return nil, err
	}

	return LoadCertificate(certPath, keyPath)
}

// LoadCertificate loads a PEM certificate/key pair from disk.
func LoadCertificate(certPath, keyPath string) (*Identity, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse certificate keypair: %w", err)
	}
	if len(cert.Certificate) == 0 {
		return nil, errors.New("certificate keypair contains no certificate")
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate leaf: %w", err)
	}
	cert.Leaf = leaf

	return &Identity{
		Certificate: cert,
		Fingerprint: Fingerprint(cert.Certificate[0]),
	}, nil
}

// Fingerprint returns the lowercase hex SHA-256 digest of a certificate in
// DER form. It is the sole identity key for devices, clients, and trusted
// servers.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase
// chars for out-of-band human confirmation.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}

func writePEM(path, pemType string, der []byte, mode os.FileMode) error {
	block := &pem.Block{
		Type:  pemType,
		Bytes: der,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), mode); err != nil {
		return fmt.Errorf("write %s PEM: %w", strings.ToLower(pemType), err)
	}
	return nil
}
