package testutil

import (
	"path/filepath"
	"testing"

	"github.com/die-net/shadowlan/internal/certs"
)

// Certs holds paths to a test authority and its identities, plus an identity
// from an unrelated authority.
type Certs struct {
	CA     string
	Server string
	Client string

	RogueCA     string
	RogueClient string
}

// NewCerts generates test certificate material with small keys under
// t.TempDir().
func NewCerts(t *testing.T) Certs {
	t.Helper()

	dir := t.TempDir()
	m := &certs.Manager{KeyBits: 2048}

	f := certs.Files{
		Dir:       dir,
		Authority: certs.DefaultAuthorityFileName,
		Server:    certs.DefaultServerCertFileName,
		Client:    certs.DefaultClientCertFileName,
	}
	if err := m.GenerateAll(f, false); err != nil {
		t.Fatal(err)
	}

	c := Certs{
		CA:          f.Path(f.Authority),
		Server:      f.Path(f.Server),
		Client:      f.Path(f.Client),
		RogueCA:     filepath.Join(dir, "rogue-ca.pem"),
		RogueClient: filepath.Join(dir, "rogue-client.pem"),
	}

	rogueCA, rogueKey, err := m.CreateAuthority("Rogue CA", c.RogueCA)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.IssueLeaf("Rogue Client", rogueCA, rogueKey, c.RogueClient); err != nil {
		t.Fatal(err)
	}

	return c
}
