// Package config resolves settings for each subcommand from, in increasing
// precedence: built-in defaults, a YAML file, a .env file, the process
// environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/die-net/shadowlan/internal/certs"
	"github.com/die-net/shadowlan/internal/logging"
)

// Environment variable names.
const (
	EnvCertsDir       = "CERTS_DIR"
	EnvCACertName     = "CA_CERT_NAME"
	EnvClientCertName = "CLIENT_CERT_NAME"
	EnvServerCertName = "SERVER_CERT_NAME"
	EnvLogLevel       = "LOG_LEVEL"
	EnvLogDir         = "LOG_DIR"
	EnvLogMaxSizeMB   = "LOG_MAX_SIZE_MB"
	EnvLogBackupCount = "LOG_BACKUP_COUNT"
)

const (
	DefaultCertsDir = "certs"
	DefaultEnvFile  = "config/.env"
)

// LookupFunc is os.LookupEnv or a test substitute.
type LookupFunc func(key string) (string, bool)

// Env answers lookups from the process environment first and the .env file
// second. The process environment is never modified.
type Env struct {
	lookup LookupFunc
	file   map[string]string
}

// LoadEnv reads the .env file at path. A missing file is only an error when
// required is set.
func LoadEnv(path string, required bool, lookup LookupFunc) (Env, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	e := Env{lookup: lookup}
	if path == "" {
		return e, nil
	}

	m, err := godotenv.Read(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return e, nil
		}
		return e, fmt.Errorf("env file %s: %w", path, err)
	}
	e.file = m
	return e, nil
}

func (e Env) Lookup(key string) (string, bool) {
	if e.lookup != nil {
		if v, ok := e.lookup(key); ok {
			return v, true
		}
	}
	v, ok := e.file[key]
	return v, ok
}

func (e Env) setString(key string, dst *string) {
	if v, ok := e.Lookup(key); ok && v != "" {
		*dst = v
	}
}

func (e Env) setInt(key string, dst *int) error {
	v, ok := e.Lookup(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

// Sources names the files a subcommand reads.
type Sources struct {
	ConfigFile string
	EnvFile    string
}

func (s *Sources) addFlags(fs *pflag.FlagSet, defaultConfig string) {
	fs.StringVar(&s.ConfigFile, "config", defaultConfig, "YAML configuration file")
	fs.StringVar(&s.EnvFile, "env", DefaultEnvFile, ".env file with certificate and log settings")
}

// envApplier is implemented by each subcommand's settings.
type envApplier interface {
	applyEnv(Env) error
}

// parse parses args into fs, whose flags are bound to fields of dst, then
// layers the YAML file and environment under the flags the user set.
func parse(fs *pflag.FlagSet, args []string, src *Sources, dst envApplier, lookup LookupFunc) error {
	if err := fs.Parse(args); err != nil {
		return err
	}

	type setFlag struct{ name, value string }
	var set []setFlag
	fs.Visit(func(f *pflag.Flag) {
		set = append(set, setFlag{f.Name, f.Value.String()})
	})

	if src.ConfigFile != "" {
		if err := readYAML(src.ConfigFile, fs.Changed("config"), dst); err != nil {
			return err
		}
	}

	env, err := LoadEnv(src.EnvFile, fs.Changed("env"), lookup)
	if err != nil {
		return err
	}
	if err := dst.applyEnv(env); err != nil {
		return err
	}

	for _, f := range set {
		if err := fs.Set(f.name, f.value); err != nil {
			return fmt.Errorf("--%s: %w", f.name, err)
		}
	}
	return nil
}

func readYAML(path string, required bool, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config file: %w", err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func defaultFiles() certs.Files {
	return certs.Files{
		Dir:       DefaultCertsDir,
		Authority: certs.DefaultAuthorityFileName,
		Server:    certs.DefaultServerCertFileName,
		Client:    certs.DefaultClientCertFileName,
	}
}

func applyCertsEnv(env Env, f *certs.Files) {
	env.setString(EnvCertsDir, &f.Dir)
	env.setString(EnvCACertName, &f.Authority)
	env.setString(EnvClientCertName, &f.Client)
	env.setString(EnvServerCertName, &f.Server)
}

func applyLogEnv(env Env, l *logging.Config) error {
	env.setString(EnvLogLevel, &l.Level)
	env.setString(EnvLogDir, &l.Dir)
	if err := env.setInt(EnvLogMaxSizeMB, &l.MaxSizeMB); err != nil {
		return err
	}
	return env.setInt(EnvLogBackupCount, &l.MaxBackups)
}

func defaultLog(fileName string) logging.Config {
	return logging.Config{
		FileName:   fileName,
		MaxSizeMB:  logging.DefaultMaxSizeMB,
		MaxBackups: logging.DefaultMaxBackups,
	}
}

func addCertsFlags(fs *pflag.FlagSet, f *certs.Files) {
	fs.StringVar(&f.Dir, "certs-dir", f.Dir, "Directory holding the certificate files (env "+EnvCertsDir+")")
}

func addLogFlags(fs *pflag.FlagSet, l *logging.Config) {
	fs.StringVar(&l.Level, "log-level", l.Level, "Log level: debug|info|warning|error|critical (env "+EnvLogLevel+")")
	fs.StringVar(&l.Dir, "log-dir", l.Dir, "Directory for rotated log files; empty logs to stderr only (env "+EnvLogDir+")")
}

func validPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s: port %d out of range", name, port)
	}
	return nil
}
