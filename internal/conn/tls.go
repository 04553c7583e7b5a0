package conn

import (
	"context"
	"crypto/tls"
	"net"

	"obfsbridge/internal/tlsutil"
)

func clientTLSConfig(opts Options, addr string, alpn []string) *tls.Config {
	cfg := &tls.Config{
		ServerName:         opts.SNI,
		InsecureSkipVerify: opts.Insecure,
		NextProtos:         alpn,
		MinVersion:         tls.VersionTLS12,
	}
	return tlsutil.EnsureServerName(cfg, addr)
}

func tlsDialer(opts Options, base DialFunc) DialFunc {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		cfg := clientTLSConfig(opts, addr, nil)
		raw, err := base(ctx, addr)
		if err != nil {
			return nil, err
		}
		return tlsutil.WrapUTLS(ctx, raw, cfg, opts.Fingerprint)
	}
}
