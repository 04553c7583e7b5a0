package conn

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"obfsbridge/internal/resolve"
)

// Kind selects the carrier of the byte stream.
type Kind string

const (
	KindTCP  Kind = "tcp"
	KindTLS  Kind = "tls"
	KindWS   Kind = "ws"
	KindWSS  Kind = "wss"
	KindKCP  Kind = "kcp"
	KindQUIC Kind = "quic"
)

// SOCKSConfig routes TCP-based kinds through a SOCKS5 proxy.
type SOCKSConfig struct {
	Address  string
	Username string
	Password string
}

// Options configures a Factory.
type Options struct {
	Kind         Kind
	Path         string // ws/wss request path
	SNI          string
	Fingerprint  string // uTLS ClientHello preset
	Insecure     bool
	ALPN         []string // quic
	KCPKey       string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	SOCKS        *SOCKSConfig
	Resolver     *resolve.Resolver
}

// NewFactory validates opts and returns a Factory producing connections of
// the configured kind.
func NewFactory(opts Options) (Factory, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}

	base, err := tcpDialer(opts)
	if err != nil {
		return nil, err
	}

	var dial DialFunc
	switch Kind(strings.ToLower(string(opts.Kind))) {
	case KindTCP, "":
		dial = base
	case KindTLS:
		dial = tlsDialer(opts, base)
	case KindWS:
		dial = wsDialer(opts, base, false)
	case KindWSS:
		dial = wsDialer(opts, base, true)
	case KindKCP:
		if opts.SOCKS != nil {
			return nil, fmt.Errorf("kcp cannot be used through a socks proxy")
		}
		dial, err = kcpDialer(opts)
		if err != nil {
			return nil, err
		}
	case KindQUIC:
		if opts.SOCKS != nil {
			return nil, fmt.Errorf("quic cannot be used through a socks proxy")
		}
		dial = quicDialer(opts)
	default:
		return nil, fmt.Errorf("unknown connection kind: %s", opts.Kind)
	}

	timeout := opts.DialTimeout
	withTimeout := func(ctx context.Context, addr string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return dial(ctx, addr)
	}
	return func(ep Endpoint) Conn {
		return NewStream(ep, withTimeout, opts.WriteTimeout)
	}, nil
}

func tcpDialer(opts Options) (DialFunc, error) {
	nd := &net.Dialer{KeepAlive: 30 * time.Second}
	if opts.SOCKS == nil {
		return func(ctx context.Context, addr string) (net.Conn, error) {
			addr, err := opts.Resolver.ResolveAddr(ctx, addr)
			if err != nil {
				return nil, err
			}
			return nd.DialContext(ctx, "tcp", addr)
		}, nil
	}

	if opts.SOCKS.Address == "" {
		return nil, fmt.Errorf("SOCKS5 address is required")
	}
	var auth *proxy.Auth
	if opts.SOCKS.Username != "" || opts.SOCKS.Password != "" {
		auth = &proxy.Auth{User: opts.SOCKS.Username, Password: opts.SOCKS.Password}
	}
	d, err := proxy.SOCKS5("tcp", opts.SOCKS.Address, auth, nd)
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
	}
	// Names are resolved by the proxy.
	return func(ctx context.Context, addr string) (net.Conn, error) {
		c, err := cd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("SOCKS5 dial: %w", err)
		}
		return c, nil
	}, nil
}
