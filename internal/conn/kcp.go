package conn

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net"

	"github.com/xtaci/kcp-go/v5"
)

func kcpBlock(key string) (kcp.BlockCrypt, error) {
	if key == "" {
		return nil, nil
	}
	hash := sha256.Sum256([]byte(key))
	return kcp.NewAESBlockCrypt(hash[:32])
}

// kcpDialer runs the stream over a KCP session in stream mode.
func kcpDialer(opts Options) (DialFunc, error) {
	block, err := kcpBlock(opts.KCPKey)
	if err != nil {
		return nil, fmt.Errorf("create block crypt: %w", err)
	}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		addr, err := opts.Resolver.ResolveAddr(ctx, addr)
		if err != nil {
			return nil, err
		}
		raddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("resolve addr: %w", err)
		}
		sess, err := kcp.DialWithOptions(raddr.String(), block, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("kcp dial: %w", err)
		}
		sess.SetWindowSize(128, 128)
		sess.SetNoDelay(0, 40, 0, 0)
		sess.SetStreamMode(true)
		return sess, nil
	}, nil
}
