package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/die-net/shadowlan/internal/certs"
	"github.com/die-net/shadowlan/internal/logging"
)

const DefaultServerConfigFile = "config/server_config.yaml"

type ServerListen struct {
	ListenHost         string        `yaml:"listen_host"`
	ListenPort         int           `yaml:"listen_port"`
	Upstream           string        `yaml:"upstream"`
	DNSServer          string        `yaml:"dns_server"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	MaxSessions        int           `yaml:"max_sessions"`
	TCPKeepAlive       string        `yaml:"tcp_keepalive"`
}

// Server holds the egress settings.
type Server struct {
	Sources Sources      `yaml:"-"`
	Server  ServerListen `yaml:"server"`

	DebugListen string `yaml:"debug_listen"`

	Certs certs.Files    `yaml:"-"`
	Log   logging.Config `yaml:"-"`
}

func DefaultServer() *Server {
	return &Server{
		Server: ServerListen{
			ListenHost:   "0.0.0.0",
			ListenPort:   8443,
			Upstream:     "direct://",
			DialTimeout:  10 * time.Second,
			TCPKeepAlive: DefaultTCPKeepAlive,
		},
		Certs: defaultFiles(),
		Log:   defaultLog("server.log"),
	}
}

// ParseServer resolves the server settings from args and the environment.
func ParseServer(args []string, lookup LookupFunc) (*Server, error) {
	s := DefaultServer()

	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	fs.SortFlags = false
	s.Sources.addFlags(fs, DefaultServerConfigFile)
	fs.StringVar(&s.Server.ListenHost, "listen-host", s.Server.ListenHost, "Tunnel listen host (server.listen_host)")
	fs.IntVar(&s.Server.ListenPort, "listen-port", s.Server.ListenPort, "Tunnel listen port (server.listen_port)")
	fs.StringVar(&s.Server.Upstream, "upstream", s.Server.Upstream, "Destination dialer: direct:// | http://host:port | https://host:port | socks5://host:port (server.upstream, env ALL_PROXY)")
	fs.StringVar(&s.Server.DNSServer, "dns-server", s.Server.DNSServer, "DNS server for destination names, e.g. 1.1.1.1:53; empty uses the system resolver")
	fs.DurationVar(&s.Server.DialTimeout, "dial-timeout", s.Server.DialTimeout, "Timeout for destination DNS lookup and TCP connect")
	fs.DurationVar(&s.Server.NegotiationTimeout, "negotiation-timeout", s.Server.NegotiationTimeout, "Timeout for the tunnel TLS handshake and upstream proxy negotiation; 0 disables")
	fs.IntVar(&s.Server.MaxSessions, "max-sessions", s.Server.MaxSessions, "Maximum concurrent sessions; 0 is unlimited")
	fs.StringVar(&s.Server.TCPKeepAlive, "tcp-keepalive", s.Server.TCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.StringVar(&s.DebugListen, "debug-listen", s.DebugListen, "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
	addCertsFlags(fs, &s.Certs)
	addLogFlags(fs, &s.Log)

	if err := parse(fs, args, &s.Sources, s, lookup); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) applyEnv(env Env) error {
	applyCertsEnv(env, &s.Certs)
	for _, key := range []string{"ALL_PROXY", "all_proxy"} {
		if v, ok := env.Lookup(key); ok && v != "" {
			s.Server.Upstream = v
			break
		}
	}
	return applyLogEnv(env, &s.Log)
}

// Validate reports the first invalid setting.
func (s *Server) Validate() error {
	if err := validPort("server.listen_port", s.Server.ListenPort); err != nil {
		return err
	}
	if s.Server.Upstream == "" {
		return fmt.Errorf("server.upstream: missing upstream")
	}
	if s.Server.MaxSessions < 0 {
		return fmt.Errorf("server.max_sessions: must be >= 0")
	}
	if _, err := ParseTCPKeepAlive(s.Server.TCPKeepAlive); err != nil {
		return fmt.Errorf("server.tcp_keepalive: %w", err)
	}
	return nil
}

// ListenAddr is the tunnel listen address.
func (s *Server) ListenAddr() string {
	return net.JoinHostPort(s.Server.ListenHost, strconv.Itoa(s.Server.ListenPort))
}
