package certs

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Small keys keep the tests fast; the default stays 4096.
func testManager() *Manager {
	now := time.Now().UTC().Truncate(time.Second)
	return &Manager{KeyBits: 2048, Now: func() time.Time { return now }}
}

func TestCreateAuthority(t *testing.T) {
	t.Parallel()

	m := testManager()
	path := filepath.Join(t.TempDir(), "ca.pem")

	ca, key, err := m.CreateAuthority("Test Root", path)
	if err != nil {
		t.Fatalf("CreateAuthority: %v", err)
	}

	if !ca.IsCA || !ca.BasicConstraintsValid {
		t.Fatal("authority must have CA=true")
	}
	if ca.KeyUsage != x509.KeyUsageCertSign|x509.KeyUsageCRLSign {
		t.Fatalf("unexpected key usage %b", ca.KeyUsage)
	}
	if len(ca.SubjectKeyId) == 0 {
		t.Fatal("missing subject key identifier")
	}
	if ca.Subject.String() != ca.Issuer.String() {
		t.Fatalf("subject %q != issuer %q", ca.Subject, ca.Issuer)
	}
	if ca.Subject.CommonName != "Test Root" {
		t.Fatalf("common name %q", ca.Subject.CommonName)
	}
	if got, want := ca.NotAfter.Sub(ca.NotBefore), 730*24*time.Hour; got != want {
		t.Fatalf("validity %v, want %v", got, want)
	}
	if err := ca.CheckSignatureFrom(ca); err != nil {
		t.Fatalf("not self-signed: %v", err)
	}
	if key.N.BitLen() != 2048 {
		t.Fatalf("key size %d", key.N.BitLen())
	}

	for _, ext := range ca.Extensions {
		switch {
		case ext.Id.Equal([]int{2, 5, 29, 19}), ext.Id.Equal([]int{2, 5, 29, 15}):
			if !ext.Critical {
				t.Errorf("extension %v must be critical", ext.Id)
			}
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected file mode 0600, got %o", info.Mode().Perm())
	}

	assertPEMOrder(t, path)
}

func TestIssueLeaf(t *testing.T) {
	t.Parallel()

	m := testManager()
	dir := t.TempDir()

	ca, caKey, err := m.CreateAuthority(DefaultAuthorityName, filepath.Join(dir, "ca.pem"))
	if err != nil {
		t.Fatal(err)
	}

	server, err := m.IssueLeaf(DefaultServerName, ca, caKey, filepath.Join(dir, "server.pem"))
	if err != nil {
		t.Fatalf("IssueLeaf server: %v", err)
	}
	client, err := m.IssueLeaf(DefaultClientName, ca, caKey, filepath.Join(dir, "client.pem"))
	if err != nil {
		t.Fatalf("IssueLeaf client: %v", err)
	}

	for _, leaf := range []*x509.Certificate{server, client} {
		if leaf.IsCA {
			t.Errorf("%s: leaf must have CA=false", leaf.Subject.CommonName)
		}
		if !bytes.Equal(leaf.RawIssuer, ca.RawSubject) {
			t.Errorf("%s: issuer %q != authority subject %q", leaf.Subject.CommonName, leaf.Issuer, ca.Subject)
		}
		if !bytes.Equal(leaf.AuthorityKeyId, ca.SubjectKeyId) {
			t.Errorf("%s: authority key id mismatch", leaf.Subject.CommonName)
		}
		if got, want := leaf.NotAfter.Sub(leaf.NotBefore), 365*24*time.Hour; got != want {
			t.Errorf("%s: validity %v, want %v", leaf.Subject.CommonName, got, want)
		}
		if err := leaf.CheckSignatureFrom(ca); err != nil {
			t.Errorf("%s: not signed by authority: %v", leaf.Subject.CommonName, err)
		}
	}

	if server.SerialNumber.Cmp(client.SerialNumber) == 0 {
		t.Fatal("leaves share a serial number")
	}
	if server.PublicKey.(*rsa.PublicKey).Equal(client.PublicKey) {
		t.Fatal("leaves share a key pair")
	}

	pair, err := LoadKeyPair(filepath.Join(dir, "client.pem"))
	if err != nil {
		t.Fatalf("LoadKeyPair: %v", err)
	}
	if len(pair.Certificate) != 1 {
		t.Fatalf("expected one certificate, got %d", len(pair.Certificate))
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)
	if _, err := client.Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}}); err != nil {
		t.Fatalf("client leaf does not verify: %v", err)
	}
}

func TestIssueLeafWithoutAuthority(t *testing.T) {
	t.Parallel()

	_, err := testManager().IssueLeaf("x", nil, nil, filepath.Join(t.TempDir(), "x.pem"))
	if !errors.Is(err, ErrCertificateGeneration) {
		t.Fatalf("expected ErrCertificateGeneration, got %v", err)
	}
}

func TestCreateAuthorityUnwritable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing", "ca.pem")
	_, _, err := testManager().CreateAuthority("x", path)
	if !errors.Is(err, ErrCertificateGeneration) {
		t.Fatalf("expected ErrCertificateGeneration, got %v", err)
	}
}

func TestGenerateAll(t *testing.T) {
	t.Parallel()

	m := testManager()
	f := Files{
		Dir:       filepath.Join(t.TempDir(), "certs"),
		Authority: DefaultAuthorityFileName,
		Server:    DefaultServerCertFileName,
		Client:    DefaultClientCertFileName,
	}

	if err := m.GenerateAll(f, false); err != nil {
		t.Fatalf("GenerateAll: %v", err)
	}

	ca, _, err := LoadAuthority(f.Path(f.Authority))
	if err != nil {
		t.Fatalf("LoadAuthority: %v", err)
	}

	// A second run without force keeps the authority and reissues leaves.
	if err := m.GenerateAll(f, false); err != nil {
		t.Fatalf("GenerateAll again: %v", err)
	}
	ca2, _, err := LoadAuthority(f.Path(f.Authority))
	if err != nil {
		t.Fatal(err)
	}
	if ca.SerialNumber.Cmp(ca2.SerialNumber) != 0 {
		t.Fatal("authority regenerated without force")
	}

	pool, err := LoadCertPool(f.Path(f.Authority))
	if err != nil {
		t.Fatalf("LoadCertPool: %v", err)
	}
	for _, name := range []string{f.Server, f.Client} {
		pair, err := LoadKeyPair(f.Path(name))
		if err != nil {
			t.Fatalf("LoadKeyPair %s: %v", name, err)
		}
		leaf, err := x509.ParseCertificate(pair.Certificate[0])
		if err != nil {
			t.Fatal(err)
		}
		if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
			t.Fatalf("%s does not chain to the authority: %v", name, err)
		}
	}

	if err := m.GenerateAll(f, true); err != nil {
		t.Fatalf("GenerateAll force: %v", err)
	}
	ca3, _, err := LoadAuthority(f.Path(f.Authority))
	if err != nil {
		t.Fatal(err)
	}
	if ca.SerialNumber.Cmp(ca3.SerialNumber) == 0 {
		t.Fatal("force did not regenerate the authority")
	}
}

func TestLoadAuthorityRejectsLeaf(t *testing.T) {
	t.Parallel()

	m := testManager()
	dir := t.TempDir()
	ca, caKey, err := m.CreateAuthority("root", filepath.Join(dir, "ca.pem"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.IssueLeaf("leaf", ca, caKey, filepath.Join(dir, "leaf.pem")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadAuthority(filepath.Join(dir, "leaf.pem")); err == nil {
		t.Fatal("expected leaf to be rejected as authority")
	}
}

func assertPEMOrder(t *testing.T, path string) {
	t.Helper()

	data, err := os.ReadFile(path) //nolint:gosec // Test path from t.TempDir().
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		types = append(types, block.Type)
	}
	if len(types) != 2 || types[0] != "CERTIFICATE" || types[1] != "RSA PRIVATE KEY" {
		t.Fatalf("unexpected PEM blocks %v", types)
	}
}
