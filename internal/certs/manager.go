package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // RFC 5280 key identifier method 1, not a security primitive.
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultKeyBits      = 4096
	DefaultValidityDays = 365

	DefaultCountry            = "MG"
	DefaultAuthorityOrg       = "ShadowLANProxy"
	DefaultLeafOrg            = "ShadowLAN"
	DefaultAuthorityName      = "ShadowLAN Root CA"
	DefaultServerName         = "ShadowLAN Proxy Server"
	DefaultClientName         = "ShadowLAN Proxy Client"
	DefaultAuthorityFileName  = "ca.pem"
	DefaultServerCertFileName = "server.pem"
	DefaultClientCertFileName = "client.pem"
)

// ErrCertificateGeneration wraps any failure to create, sign or persist
// certificate material.
var ErrCertificateGeneration = errors.New("certificate generation")

// Manager creates the root authority and the leaf identities it signs.
//
// The zero value is usable: it generates 4096-bit RSA keys, 365-day leaves
// and a 730-day authority.
type Manager struct {
	// KeyBits is the RSA modulus size. Zero means DefaultKeyBits.
	KeyBits int
	// ValidityDays is the leaf lifetime; the authority lives twice as long.
	// Zero means DefaultValidityDays.
	ValidityDays int

	Country      string
	AuthorityOrg string
	LeafOrg      string

	// Now returns the start of the validity window. Nil means time.Now.
	Now func() time.Time
}

func (m *Manager) keyBits() int {
	if m.KeyBits > 0 {
		return m.KeyBits
	}
	return DefaultKeyBits
}

func (m *Manager) validity() time.Duration {
	days := m.ValidityDays
	if days <= 0 {
		days = DefaultValidityDays
	}
	return time.Duration(days) * 24 * time.Hour
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Manager) name(org, commonName string) pkix.Name {
	country := m.Country
	if country == "" {
		country = DefaultCountry
	}
	return pkix.Name{
		Country:      []string{country},
		Organization: []string{org},
		CommonName:   commonName,
	}
}

// CreateAuthority generates a self-signed root authority named commonName and
// writes it to path.
func (m *Manager) CreateAuthority(commonName, path string) (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, m.keyBits())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: authority key: %w", ErrCertificateGeneration, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	org := m.AuthorityOrg
	if org == "" {
		org = DefaultAuthorityOrg
	}
	subject := m.name(org, commonName)
	notBefore := m.now()

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(2 * m.validity()),
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          keyID(&key.PublicKey),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	cert, err := sign(tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}

	if err := writePEM(path, cert, key); err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// IssueLeaf generates a key pair for commonName, signs it with the authority
// and writes it to path.
func (m *Manager) IssueLeaf(commonName string, caCert *x509.Certificate, caKey *rsa.PrivateKey, path string) (*x509.Certificate, error) {
	if caCert == nil || caKey == nil {
		return nil, fmt.Errorf("%w: missing authority", ErrCertificateGeneration)
	}

	key, err := rsa.GenerateKey(rand.Reader, m.keyBits())
	if err != nil {
		return nil, fmt.Errorf("%w: leaf key: %w", ErrCertificateGeneration, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	org := m.LeafOrg
	if org == "" {
		org = DefaultLeafOrg
	}
	notBefore := m.now()

	akid := caCert.SubjectKeyId
	if len(akid) == 0 {
		akid = keyID(&caKey.PublicKey)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               m.name(org, commonName),
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(m.validity()),
		BasicConstraintsValid: true,
		IsCA:                  false,
		AuthorityKeyId:        akid,
	}

	cert, err := sign(tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, err
	}

	if err := writePEM(path, cert, key); err != nil {
		return nil, err
	}
	return cert, nil
}

// Files names the three identity files under a directory.
type Files struct {
	Dir       string
	Authority string
	Server    string
	Client    string
}

// Path joins name onto f.Dir.
func (f Files) Path(name string) string {
	return filepath.Join(f.Dir, name)
}

// GenerateAll creates the authority and both leaf identities under f.Dir.
//
// An existing authority file is reused to sign fresh leaves unless force is
// set, in which case the authority is regenerated too.
func (m *Manager) GenerateAll(f Files, force bool) error {
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return fmt.Errorf("%w: %w", ErrCertificateGeneration, err)
	}

	caPath := f.Path(f.Authority)

	var (
		caCert *x509.Certificate
		caKey  *rsa.PrivateKey
		err    error
	)
	if _, statErr := os.Stat(caPath); statErr == nil && !force {
		caCert, caKey, err = LoadAuthority(caPath)
	} else {
		caCert, caKey, err = m.CreateAuthority(DefaultAuthorityName, caPath)
	}
	if err != nil {
		return err
	}

	if _, err := m.IssueLeaf(DefaultServerName, caCert, caKey, f.Path(f.Server)); err != nil {
		return err
	}
	if _, err := m.IssueLeaf(DefaultClientName, caCert, caKey, f.Path(f.Client)); err != nil {
		return err
	}
	return nil
}

func sign(tmpl, parent *x509.Certificate, pub *rsa.PublicKey, signer *rsa.PrivateKey) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %w", ErrCertificateGeneration, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse signed: %w", ErrCertificateGeneration, err)
	}
	return cert, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: serial: %w", ErrCertificateGeneration, err)
	}
	return n, nil
}

// keyID is the SHA-1 of the PKCS#1 public key, RFC 5280 section 4.2.1.2.
func keyID(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(pub)) //nolint:gosec // See import.
	return sum[:]
}
