package conn

import (
	"context"
	"fmt"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
)

const defaultQUICALPN = "obfsbridge"

func quicDialer(opts Options) DialFunc {
	alpn := opts.ALPN
	if len(alpn) == 0 {
		alpn = []string{defaultQUICALPN}
	}
	qcfg := &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		tlsConf := clientTLSConfig(opts, addr, alpn)
		addr, err := opts.Resolver.ResolveAddr(ctx, addr)
		if err != nil {
			return nil, err
		}
		qc, err := quic.DialAddr(ctx, addr, tlsConf, qcfg)
		if err != nil {
			return nil, fmt.Errorf("quic dial: %w", err)
		}
		stream, err := qc.OpenStreamSync(ctx)
		if err != nil {
			_ = qc.CloseWithError(0, "open")
			return nil, fmt.Errorf("quic open stream: %w", err)
		}
		return &quicStreamConn{stream: stream, conn: qc}, nil
	}
}

// quicStreamConn adapts one QUIC stream to net.Conn. Closing it closes the
// whole QUIC connection.
type quicStreamConn struct {
	stream *quic.Stream
	conn   *quic.Conn
}

func (c *quicStreamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicStreamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *quicStreamConn) Close() error {
	c.stream.CancelRead(0)
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "")
}
func (c *quicStreamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicStreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *quicStreamConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}
func (c *quicStreamConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicStreamConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

var _ net.Conn = (*quicStreamConn)(nil)
