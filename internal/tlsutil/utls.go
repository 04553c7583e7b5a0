// Package tlsutil performs client TLS handshakes that present a browser
// ClientHello fingerprint instead of the Go default.
package tlsutil

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// WrapUTLS performs a uTLS handshake over an existing connection.
func WrapUTLS(ctx context.Context, conn net.Conn, cfg *tls.Config, fingerprint string) (net.Conn, error) {
	uCfg := &utls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		RootCAs:            cfg.RootCAs,
		NextProtos:         cfg.NextProtos,
		MinVersion:         cfg.MinVersion,
		MaxVersion:         cfg.MaxVersion,
	}

	uconn := utls.UClient(conn, uCfg, helloID(fingerprint))
	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("utls handshake: %w", err)
	}
	return uconn, nil
}

// fingerprints maps configuration names to ClientHello presets.
var fingerprints = map[string]utls.ClientHelloID{
	"chrome":     utls.HelloChrome_Auto,
	"chrome_120": utls.HelloChrome_120,
	"firefox":    utls.HelloFirefox_Auto,
	"safari":     utls.HelloSafari_Auto,
	"ios":        utls.HelloIOS_Auto,
	"edge":       utls.HelloEdge_Auto,
	"360":        utls.Hello360_Auto,
	"qq":         utls.HelloQQ_Auto,
	"random":     utls.HelloRandomized,
	"golang":     utls.HelloGolang,
}

func helloID(name string) utls.ClientHelloID {
	if id, ok := fingerprints[strings.ToLower(strings.TrimSpace(name))]; ok {
		return id
	}
	return utls.HelloChrome_Auto
}

// KnownFingerprint reports whether name selects a preset. The empty name
// selects the Chrome default.
func KnownFingerprint(name string) bool {
	if strings.TrimSpace(name) == "" {
		return true
	}
	_, ok := fingerprints[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// EnsureServerName fills ServerName from addr when it is empty.
func EnsureServerName(cfg *tls.Config, addr string) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName != "" {
		return cfg
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" {
		return cfg
	}
	copyCfg := cfg.Clone()
	copyCfg.ServerName = host
	return copyCfg
}
