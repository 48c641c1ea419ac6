package certs

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const (
	pemCertificate   = "CERTIFICATE"
	pemRSAPrivateKey = "RSA PRIVATE KEY"
	pemPrivateKey    = "PRIVATE KEY"
)

func writePEM(path string, cert *x509.Certificate, key *rsa.PrivateKey) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // Path is from operator config.
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCertificateGeneration, err)
	}

	if err := pem.Encode(f, &pem.Block{Type: pemCertificate, Bytes: cert.Raw}); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write %s: %w", ErrCertificateGeneration, path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: pemRSAPrivateKey, Bytes: x509.MarshalPKCS1PrivateKey(key)}); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write %s: %w", ErrCertificateGeneration, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrCertificateGeneration, path, err)
	}
	return nil
}

// LoadAuthority reads an authority PEM file written by CreateAuthority.
func LoadAuthority(path string) (*x509.Certificate, *rsa.PrivateKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from operator config.
	if err != nil {
		return nil, nil, fmt.Errorf("reading authority: %w", err)
	}

	var (
		cert *x509.Certificate
		key  *rsa.PrivateKey
	)
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case pemCertificate:
			if cert != nil {
				continue
			}
			if cert, err = x509.ParseCertificate(block.Bytes); err != nil {
				return nil, nil, fmt.Errorf("parsing authority certificate: %w", err)
			}
		case pemRSAPrivateKey:
			if key, err = x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
				return nil, nil, fmt.Errorf("parsing authority key: %w", err)
			}
		case pemPrivateKey:
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, fmt.Errorf("parsing authority key: %w", err)
			}
			rk, ok := k.(*rsa.PrivateKey)
			if !ok {
				return nil, nil, errors.New("authority key is not RSA")
			}
			key = rk
		}
	}

	if cert == nil {
		return nil, nil, fmt.Errorf("no certificate in %s", path)
	}
	if key == nil {
		return nil, nil, fmt.Errorf("no private key in %s", path)
	}
	if !cert.IsCA {
		return nil, nil, fmt.Errorf("%s is not a certificate authority", path)
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		return nil, nil, fmt.Errorf("%s: private key does not match certificate", path)
	}
	return cert, key, nil
}

// LoadKeyPair reads a combined certificate+key PEM file.
func LoadKeyPair(path string) (tls.Certificate, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from operator config.
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading key pair: %w", err)
	}
	cert, err := tls.X509KeyPair(data, data)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parsing key pair %s: %w", path, err)
	}
	return cert, nil
}

// LoadCertPool reads the certificates in path into a pool. Key blocks are
// ignored, so the authority's combined PEM file can be used as is.
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from operator config.
	if err != nil {
		return nil, fmt.Errorf("reading authority: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}
