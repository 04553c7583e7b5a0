// Package conn provides the event-driven byte-stream connections used by the
// transport. A Conn is started once, announces open, delivers inbound chunks
// in arrival order, and announces close exactly once.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"obfsbridge/internal/event"
)

// ErrNotOpen is returned by Send before open or after close.
var ErrNotOpen = errors.New("conn: not open")

const readBufferSize = 32 << 10

// Endpoint names the remote side of a connection.
type Endpoint struct {
	// Target is a logical label, e.g. a datacenter name. Used for logging.
	Target string
	// Address is "host:port".
	Address string
}

func (e Endpoint) String() string {
	if e.Target == "" {
		return e.Address
	}
	return e.Target + "/" + e.Address
}

// Conn is a single physical connection attempt.
type Conn interface {
	// Start begins connecting. Subscriptions registered before Start never
	// miss the open notification. Later calls are no-ops.
	Start(ctx context.Context)
	// Send writes b to the connection.
	Send(b []byte) error
	// Close tears the connection down and emits close if it has not been
	// emitted yet.
	Close() error
	OnOpen(fn func()) *event.Subscription
	// OnClose receives the error that ended the connection, nil after Close.
	OnClose(fn func(error)) *event.Subscription
	// OnMessage receives inbound chunks. Chunk boundaries carry no meaning.
	OnMessage(fn func([]byte)) *event.Subscription
}

// Factory builds a fresh, unstarted Conn for ep.
type Factory func(ep Endpoint) Conn

// DialFunc establishes the underlying stream.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

type stream struct {
	ep           Endpoint
	dial         DialFunc
	writeTimeout time.Duration

	opened   event.Emitter[struct{}]
	closed   event.Emitter[error]
	messages event.Emitter[[]byte]

	mu      sync.Mutex
	nc      net.Conn
	started bool
	done    bool
	cancel  context.CancelFunc

	wmu       sync.Mutex
	closeOnce sync.Once
}

// NewStream adapts a dial function to the Conn contract.
func NewStream(ep Endpoint, dial DialFunc, writeTimeout time.Duration) Conn {
	return &stream{ep: ep, dial: dial, writeTimeout: writeTimeout}
}

func (s *stream) OnOpen(fn func()) *event.Subscription {
	return s.opened.Subscribe(func(struct{}) { fn() })
}

func (s *stream) OnClose(fn func(error)) *event.Subscription {
	return s.closed.Subscribe(fn)
}

func (s *stream) OnMessage(fn func([]byte)) *event.Subscription {
	return s.messages.Subscribe(fn)
}

func (s *stream) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.done {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *stream) run(ctx context.Context) {
	nc, err := s.dial(ctx, s.ep.Address)
	if err != nil {
		s.finish(fmt.Errorf("dial %s: %w", s.ep, err))
		return
	}

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		_ = nc.Close()
		return
	}
	s.nc = nc
	s.mu.Unlock()

	s.opened.Emit(struct{}{})

	buf := make([]byte, readBufferSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.messages.Emit(chunk)
		}
		if err != nil {
			s.finish(err)
			return
		}
	}
}

func (s *stream) Send(b []byte) error {
	s.mu.Lock()
	nc, done := s.nc, s.done
	s.mu.Unlock()
	if nc == nil || done {
		return ErrNotOpen
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeTimeout > 0 {
		_ = nc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := nc.Write(b); err != nil {
		s.finish(err)
		return fmt.Errorf("write %s: %w", s.ep, err)
	}
	return nil
}

func (s *stream) Close() error {
	s.finish(nil)
	return nil
}

func (s *stream) finish(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.done = true
		nc, cancel := s.nc, s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if nc != nil {
			_ = nc.Close()
		}
		s.closed.Emit(err)
	})
}
