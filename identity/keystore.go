package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	ecPrivatePEMType   = "EC PRIVATE KEY"
	certificatePEMType = "CERTIFICATE"

	// CertificateValidity is the lifetime of the self-signed device certificate.
	CertificateValidity = 10 * 365 * 24 * time.Hour
)

var (
	// ErrCryptoUnavailable indicates the backing key store cannot be opened.
	ErrCryptoUnavailable = errors.New("identity: key store unavailable")
	// ErrNoIdentity indicates no identity has been generated yet.
	ErrNoIdentity = errors.New("identity: no stored identity")
)

// Identity couples the device certificate with its signing key.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

// CertificateDER returns the raw DER encoding of the device certificate.
func (id *Identity) CertificateDER() []byte {
	return id.Certificate.Raw
}

// TLSCertificate adapts the identity for use in a tls.Config.
func (id *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.Certificate.Raw},
		PrivateKey:  id.PrivateKey,
		Leaf:        id.Certificate,
	}
}

// KeyStore abstracts identity key material storage so a platform-managed
// secure store can replace the on-disk backend without changing callers.
type KeyStore interface {
	GenerateIdentity() (*Identity, error)
	LoadIdentity() (*Identity, error)
	Sign(digest []byte) ([]byte, error)
}

// DiskKeyStore stores the private key and certificate as PEM files.
type DiskKeyStore struct {
	PrivateKeyPath  string
	CertificatePath string
	CommonName      string
}

// GenerateIdentity creates a new ECDSA P-256 keypair and self-signed
// certificate and persists both.
func (s *DiskKeyStore) GenerateIdentity() (*Identity, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ECDSA private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	commonName := s.CommonName
	if commonName == "" {
		commonName = "airlink-device"
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"airlink"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(CertificateValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse created certificate: %w", err)
	}

	if err := s.save(privateKey, certDER); err != nil {
		return nil, err
	}

	return &Identity{Certificate: cert, PrivateKey: privateKey}, nil
}

// LoadIdentity reads the stored keypair and certificate.
// Returns ErrNoIdentity when nothing has been generated yet.
func (s *DiskKeyStore) LoadIdentity() (*Identity, error) {
	keyRaw, err := os.ReadFile(s.PrivateKeyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoIdentity
		}
		return nil, fmt.Errorf("%w: read private key: %v", ErrCryptoUnavailable, err)
	}

	keyBlock, _ := pem.Decode(keyRaw)
	if keyBlock == nil || keyBlock.Type != ecPrivatePEMType {
		return nil, fmt.Errorf("%w: private key PEM is malformed", ErrCryptoUnavailable)
	}
	privateKey, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrCryptoUnavailable, err)
	}

	certRaw, err := os.ReadFile(s.CertificatePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoIdentity
		}
		return nil, fmt.Errorf("%w: read certificate: %v", ErrCryptoUnavailable, err)
	}

	certBlock, _ := pem.Decode(certRaw)
	if certBlock == nil || certBlock.Type != certificatePEMType {
		return nil, fmt.Errorf("%w: certificate PEM is malformed", ErrCryptoUnavailable)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse certificate: %v", ErrCryptoUnavailable, err)
	}

	return &Identity{Certificate: cert, PrivateKey: privateKey}, nil
}

// Sign signs a digest with the stored private key.
func (s *DiskKeyStore) Sign(digest []byte) ([]byte, error) {
	id, err := s.LoadIdentity()
	if err != nil {
		return nil, err
	}
	signature, err := ecdsa.SignASN1(rand.Reader, id.PrivateKey, digest)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return signature, nil
}

func (s *DiskKeyStore) save(privateKey *ecdsa.PrivateKey, certDER []byte) error {
	for _, dir := range []string{filepath.Dir(s.PrivateKeyPath), filepath.Dir(s.CertificatePath)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("%w: create key directory: %v", ErrCryptoUnavailable, err)
		}
	}

	keyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return fmt.Errorf("marshal ECDSA private key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: ecPrivatePEMType, Bytes: keyBytes})
	if err := os.WriteFile(s.PrivateKeyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("%w: write private key: %v", ErrCryptoUnavailable, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: certDER})
	if err := os.WriteFile(s.CertificatePath, certPEM, 0o644); err != nil {
		return fmt.Errorf("%w: write certificate: %v", ErrCryptoUnavailable, err)
	}

	return nil
}
