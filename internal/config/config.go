package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"obfsbridge/internal/conn"
	"obfsbridge/internal/logging"
	"obfsbridge/internal/obfs"
	"obfsbridge/internal/tlsutil"
)

type Config struct {
	Endpoint    Endpoint       `yaml:"endpoint"`
	Transport   Transport      `yaml:"transport"`
	Obfuscation obfs.Config    `yaml:"obfuscation"`
	Packet      Packet         `yaml:"packet"`
	Dialer      Dialer         `yaml:"dialer"`
	Logging     logging.Config `yaml:"logging"`
	Metrics     Metrics        `yaml:"metrics"`
}

// Endpoint names the peer and how to reach it.
type Endpoint struct {
	Target      string `yaml:"target"`
	Address     string `yaml:"address"`
	Kind        string `yaml:"kind"` // tcp | tls | ws | wss | kcp | quic
	Path        string `yaml:"path"` // ws/wss only
	SNI         string `yaml:"sni"`
	Fingerprint string `yaml:"fingerprint"`
	Insecure    bool   `yaml:"insecure"`
	KCPKey      string `yaml:"kcp_key"`
	// ALPN overrides the protocols offered in the QUIC handshake.
	ALPN []string `yaml:"alpn"`
}

type Transport struct {
	RetryTimeout  string `yaml:"retry_timeout"`
	LogScope      string `yaml:"log_scope"`
	AutoReconnect *bool  `yaml:"auto_reconnect"` // default true
}

type Packet struct {
	Codec       string `yaml:"codec"`       // abridged | intermediate | padded
	Compression string `yaml:"compression"` // none | lz4 | zstd
}

type Dialer struct {
	Timeout      string `yaml:"timeout"`
	WriteTimeout string `yaml:"write_timeout"`
	DNSServer    string `yaml:"dns_server"`
	SOCKS        SOCKS  `yaml:"socks"`
}

type SOCKS struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Metrics struct {
	Listen string `yaml:"listen"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Endpoint.Kind == "" {
		c.Endpoint.Kind = string(conn.KindTCP)
	}
	if c.Endpoint.Target == "" {
		c.Endpoint.Target = "default"
	}
	if (c.Endpoint.Kind == string(conn.KindWS) || c.Endpoint.Kind == string(conn.KindWSS)) && c.Endpoint.Path == "" {
		c.Endpoint.Path = "/apiws"
	}
	if c.Transport.RetryTimeout == "" {
		c.Transport.RetryTimeout = "1s"
	}
	if c.Transport.AutoReconnect == nil {
		on := true
		c.Transport.AutoReconnect = &on
	}
	if c.Obfuscation.Type == "" {
		c.Obfuscation.Type = obfs.TypeObfuscated2
	}
	if c.Packet.Codec == "" {
		c.Packet.Codec = "intermediate"
	}
	if c.Dialer.Timeout == "" {
		c.Dialer.Timeout = "10s"
	}
	if c.Dialer.WriteTimeout == "" {
		c.Dialer.WriteTimeout = "10s"
	}
}

func (c *Config) validate() error {
	var allErrors []error

	if err := validateAddr(c.Endpoint.Address); err != nil {
		allErrors = append(allErrors, fmt.Errorf("endpoint.address: %w", err))
	}
	switch conn.Kind(strings.ToLower(c.Endpoint.Kind)) {
	case conn.KindTCP, conn.KindTLS, conn.KindWS, conn.KindWSS:
	case conn.KindKCP, conn.KindQUIC:
		if c.Dialer.SOCKS.Address != "" {
			allErrors = append(allErrors, fmt.Errorf("dialer.socks cannot be used with endpoint.kind=%s", c.Endpoint.Kind))
		}
	default:
		allErrors = append(allErrors, fmt.Errorf("endpoint.kind must be one of tcp, tls, ws, wss, kcp, quic"))
	}
	if c.Endpoint.Path != "" && !strings.HasPrefix(c.Endpoint.Path, "/") {
		allErrors = append(allErrors, fmt.Errorf("endpoint.path must start with /"))
	}
	if c.Endpoint.Fingerprint != "" && !tlsutil.KnownFingerprint(c.Endpoint.Fingerprint) {
		allErrors = append(allErrors, fmt.Errorf("endpoint.fingerprint %q is not a known preset", c.Endpoint.Fingerprint))
	}

	if d, err := time.ParseDuration(c.Transport.RetryTimeout); err != nil {
		allErrors = append(allErrors, fmt.Errorf("transport.retry_timeout invalid: %w", err))
	} else if d <= 0 {
		allErrors = append(allErrors, fmt.Errorf("transport.retry_timeout must be > 0"))
	}
	if d, err := time.ParseDuration(c.Dialer.Timeout); err != nil || d <= 0 {
		allErrors = append(allErrors, fmt.Errorf("dialer.timeout must be a positive duration"))
	}
	if d, err := time.ParseDuration(c.Dialer.WriteTimeout); err != nil || d <= 0 {
		allErrors = append(allErrors, fmt.Errorf("dialer.write_timeout must be a positive duration"))
	}

	if _, err := obfs.NewFactory(c.Obfuscation); err != nil {
		allErrors = append(allErrors, fmt.Errorf("obfuscation: %w", err))
	}
	if _, err := c.PacketCodec(); err != nil {
		allErrors = append(allErrors, fmt.Errorf("packet: %w", err))
	}

	if s := c.Dialer.SOCKS; s.Address != "" {
		if err := validateAddr(s.Address); err != nil {
			allErrors = append(allErrors, fmt.Errorf("dialer.socks.address: %w", err))
		}
		if s.Username != "" && s.Password == "" {
			allErrors = append(allErrors, fmt.Errorf("dialer.socks.username requires password"))
		}
		if s.Password != "" && s.Username == "" {
			allErrors = append(allErrors, fmt.Errorf("dialer.socks.password requires username"))
		}
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			allErrors = append(allErrors, fmt.Errorf("metrics.listen invalid: %w", err))
		}
	}
	if c.Logging.Level != "" {
		if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
			allErrors = append(allErrors, fmt.Errorf("logging.level %q is not a known level", c.Logging.Level))
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		allErrors = append(allErrors, fmt.Errorf("logging.format must be console or json"))
	}

	return writeErr(allErrors)
}

func validateAddr(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("is required")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port: %w", err)
	}
	if host == "" || port == "" || port == "0" {
		return fmt.Errorf("must have a non-empty host and port")
	}
	return nil
}

func (c *Config) RetryTimeout() time.Duration {
	return parseDurationOr(c.Transport.RetryTimeout, time.Second)
}

func (c *Config) DialTimeout() time.Duration {
	return parseDurationOr(c.Dialer.Timeout, 10*time.Second)
}

func (c *Config) WriteTimeout() time.Duration {
	return parseDurationOr(c.Dialer.WriteTimeout, 10*time.Second)
}

func (c *Config) AutoReconnect() bool {
	return c.Transport.AutoReconnect == nil || *c.Transport.AutoReconnect
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}

func writeErr(allErrors []error) error {
	if len(allErrors) == 0 {
		return nil
	}
	messages := make([]string, 0, len(allErrors))
	for _, err := range allErrors {
		messages = append(messages, err.Error())
	}
	return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}
