package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/die-net/shadowlan/internal/certs"
	"github.com/die-net/shadowlan/internal/logging"
)

const DefaultClientConfigFile = "config/client_config.yaml"

// Proxy types accepted by the ingress.
const (
	ProxyTypeSOCKS5      = "socks5"
	ProxyTypeHTTP        = "http"
	ProxyTypeTransparent = "tproxy"
)

type ClientTunnel struct {
	RemoteHost       string        `yaml:"remote_host"`
	RemotePort       int           `yaml:"remote_port"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type ClientProxy struct {
	Type               string        `yaml:"type"`
	ListenHost         string        `yaml:"listen_host"`
	ListenPort         int           `yaml:"listen_port"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	HTTPIdleTimeout    time.Duration `yaml:"http_idle_timeout"`
	MaxSessions        int           `yaml:"max_sessions"`
	RFCReplies         bool          `yaml:"rfc_replies"`
	TCPKeepAlive       string        `yaml:"tcp_keepalive"`
}

// Client holds the ingress settings.
type Client struct {
	Sources Sources      `yaml:"-"`
	Tunnel  ClientTunnel `yaml:"tunnel"`
	Proxy   ClientProxy  `yaml:"proxy"`

	DebugListen string `yaml:"debug_listen"`

	Certs certs.Files    `yaml:"-"`
	Log   logging.Config `yaml:"-"`
}

func DefaultClient() *Client {
	return &Client{
		Tunnel: ClientTunnel{
			RemotePort:       8443,
			DialTimeout:      10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Proxy: ClientProxy{
			Type:            ProxyTypeSOCKS5,
			ListenHost:      "127.0.0.1",
			ListenPort:      1080,
			HTTPIdleTimeout: 4 * time.Minute,
			TCPKeepAlive:    DefaultTCPKeepAlive,
		},
		Certs: defaultFiles(),
		Log:   defaultLog("client.log"),
	}
}

// ParseClient resolves the client settings from args and the environment.
func ParseClient(args []string, lookup LookupFunc) (*Client, error) {
	c := DefaultClient()

	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	fs.SortFlags = false
	c.Sources.addFlags(fs, DefaultClientConfigFile)
	fs.StringVar(&c.Tunnel.RemoteHost, "remote-host", c.Tunnel.RemoteHost, "Egress server host (tunnel.remote_host)")
	fs.IntVar(&c.Tunnel.RemotePort, "remote-port", c.Tunnel.RemotePort, "Egress server port (tunnel.remote_port)")
	fs.StringVar(&c.Proxy.Type, "proxy-type", c.Proxy.Type, "Local proxy protocol: socks5|http|tproxy (proxy.type)")
	fs.StringVar(&c.Proxy.ListenHost, "listen-host", c.Proxy.ListenHost, "Local proxy listen host (proxy.listen_host)")
	fs.IntVar(&c.Proxy.ListenPort, "listen-port", c.Proxy.ListenPort, "Local proxy listen port (proxy.listen_port)")
	fs.DurationVar(&c.Tunnel.DialTimeout, "dial-timeout", c.Tunnel.DialTimeout, "Timeout for the TCP connect to the egress")
	fs.DurationVar(&c.Tunnel.HandshakeTimeout, "handshake-timeout", c.Tunnel.HandshakeTimeout, "Timeout for the tunnel TLS handshake")
	fs.DurationVar(&c.Proxy.NegotiationTimeout, "negotiation-timeout", c.Proxy.NegotiationTimeout, "Timeout for the SOCKS5 handshake or HTTP request headers; 0 disables")
	fs.DurationVar(&c.Proxy.HTTPIdleTimeout, "http-idle-timeout", c.Proxy.HTTPIdleTimeout, "Timeout for idle HTTP proxy connections")
	fs.IntVar(&c.Proxy.MaxSessions, "max-sessions", c.Proxy.MaxSessions, "Maximum concurrent sessions; 0 is unlimited")
	fs.BoolVar(&c.Proxy.RFCReplies, "rfc-replies", c.Proxy.RFCReplies, "Answer SOCKS5 failures with RFC 1928 error replies instead of closing")
	fs.StringVar(&c.Proxy.TCPKeepAlive, "tcp-keepalive", c.Proxy.TCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.StringVar(&c.DebugListen, "debug-listen", c.DebugListen, "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
	addCertsFlags(fs, &c.Certs)
	addLogFlags(fs, &c.Log)

	if err := parse(fs, args, &c.Sources, c, lookup); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) applyEnv(env Env) error {
	applyCertsEnv(env, &c.Certs)
	return applyLogEnv(env, &c.Log)
}

// Validate reports the first invalid setting.
func (c *Client) Validate() error {
	if strings.TrimSpace(c.Tunnel.RemoteHost) == "" {
		return fmt.Errorf("tunnel.remote_host: missing egress server host")
	}
	if err := validPort("tunnel.remote_port", c.Tunnel.RemotePort); err != nil {
		return err
	}
	switch c.Proxy.Type {
	case ProxyTypeSOCKS5, ProxyTypeHTTP, ProxyTypeTransparent:
	default:
		return fmt.Errorf("proxy.type: unsupported proxy type %q", c.Proxy.Type)
	}
	if err := validPort("proxy.listen_port", c.Proxy.ListenPort); err != nil {
		return err
	}
	if c.Proxy.MaxSessions < 0 {
		return fmt.Errorf("proxy.max_sessions: must be >= 0")
	}
	if _, err := ParseTCPKeepAlive(c.Proxy.TCPKeepAlive); err != nil {
		return fmt.Errorf("proxy.tcp_keepalive: %w", err)
	}
	return nil
}

// TunnelAddr is the egress address.
func (c *Client) TunnelAddr() string {
	return net.JoinHostPort(c.Tunnel.RemoteHost, strconv.Itoa(c.Tunnel.RemotePort))
}

// ListenAddr is the local proxy address.
func (c *Client) ListenAddr() string {
	return net.JoinHostPort(c.Proxy.ListenHost, strconv.Itoa(c.Proxy.ListenPort))
}
