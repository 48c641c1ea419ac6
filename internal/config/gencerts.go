package config

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/die-net/shadowlan/internal/certs"
)

// GenCerts holds the certificate issuing settings.
type GenCerts struct {
	Sources      Sources
	Certs        certs.Files
	KeyBits      int
	ValidityDays int
	Force        bool
}

// ParseGenCerts resolves the gencerts settings. It reads no YAML file.
func ParseGenCerts(args []string, lookup LookupFunc) (*GenCerts, error) {
	g := &GenCerts{
		Certs:        defaultFiles(),
		KeyBits:      certs.DefaultKeyBits,
		ValidityDays: certs.DefaultValidityDays,
	}

	fs := pflag.NewFlagSet("gencerts", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.StringVar(&g.Sources.EnvFile, "env", DefaultEnvFile, ".env file with certificate settings")
	addCertsFlags(fs, &g.Certs)
	fs.IntVar(&g.KeyBits, "key-bits", g.KeyBits, "RSA key size")
	fs.IntVar(&g.ValidityDays, "days", g.ValidityDays, "Leaf validity in days; the authority gets twice this")
	fs.BoolVar(&g.Force, "force", g.Force, "Replace an existing authority instead of reusing it")

	if err := parse(fs, args, &g.Sources, g, lookup); err != nil {
		return nil, err
	}
	if g.KeyBits < 2048 {
		return nil, fmt.Errorf("--key-bits: %d is below 2048", g.KeyBits)
	}
	if g.ValidityDays <= 0 {
		return nil, fmt.Errorf("--days: must be > 0")
	}
	return g, nil
}

func (g *GenCerts) applyEnv(env Env) error {
	applyCertsEnv(env, &g.Certs)
	return nil
}
