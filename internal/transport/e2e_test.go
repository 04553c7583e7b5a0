package transport

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obfsbridge/internal/conn"
	"obfsbridge/internal/obfs"
	"obfsbridge/internal/packet"
)

const e2eSecret = "0123456789abcdef0123456789abcdef"

// echoPeer answers every packet with "echo:" + payload over an obfuscated2
// stream. After hangupAfter replies on a connection it hangs up.
type echoPeer struct {
	ln          net.Listener
	hangupAfter int
	accepted    atomic.Int32
}

func startEchoPeer(t *testing.T, hangupAfter int) *echoPeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &echoPeer{ln: ln, hangupAfter: hangupAfter}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			p.accepted.Add(1)
			go p.serve(c)
		}
	}()
	return p
}

func (p *echoPeer) serve(c net.Conn) {
	defer c.Close()
	secret, _ := obfs.ParseSecret(e2eSecret)

	preamble := make([]byte, obfs.PreambleSize)
	if _, err := io.ReadFull(c, preamble); err != nil {
		return
	}
	codec, tag, err := obfs.AcceptObfuscated2(preamble, secret)
	if err != nil || tag != (packet.Intermediate{}).Tag() {
		return
	}

	var (
		framing packet.Intermediate
		inbound []byte
		replies int
	)
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		inbound = append(inbound, codec.Decode(buf[:n])...)
		for {
			payload, used, err := framing.ReadPacket(inbound)
			if err != nil {
				break
			}
			inbound = inbound[used:]
			out, _ := framing.EncodePacket(append([]byte("echo:"), payload...))
			if _, err := c.Write(codec.Encode(out)); err != nil {
				return
			}
			replies++
			if p.hangupAfter > 0 && replies >= p.hangupAfter {
				return
			}
		}
	}
}

func TestEndToEndOverObfuscatedTCP(t *testing.T) {
	peer := startEchoPeer(t, 2)

	connFactory, err := conn.NewFactory(conn.Options{Kind: conn.KindTCP, DialTimeout: 2 * time.Second})
	require.NoError(t, err)
	obfsFactory, err := obfs.NewFactory(obfs.Config{Type: obfs.TypeObfuscated2, Secret: e2eSecret})
	require.NoError(t, err)

	tr, err := New(Config{
		Target:       "local",
		Address:      peer.ln.Addr().String(),
		RetryTimeout: 50 * time.Millisecond,
		ConnFactory:  connFactory,
		Obfuscation:  obfsFactory,
		Packets:      packet.Intermediate{},
	}, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer func() {
		tr.Destroy()
		<-tr.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The peer hangs up after two replies; the third request is retried on
	// a fresh connection.
	reqs := []*Request{
		tr.Send([]byte("alpha")),
		tr.Send([]byte("bravo")),
	}
	for i, want := range []string{"echo:alpha", "echo:bravo"} {
		resp, err := reqs[i].Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(resp))
	}

	resp, err := tr.Send([]byte("charlie")).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo:charlie", string(resp))
	assert.GreaterOrEqual(t, peer.accepted.Load(), int32(2))
}
