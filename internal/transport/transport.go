// Package transport keeps one obfuscated, framed byte-stream connection alive
// on behalf of a session owner.
//
// Before an owner attaches (bootstrap mode) every Send is a request whose
// Request resolves with the next inbound payload in send order; queued
// requests survive reconnects and are retransmitted. After Attach every
// inbound payload goes to the owner and sends are fire-and-forget; the owner
// decides what to resend after a reconnect.
//
// All state is owned by a single event-loop goroutine. Public methods post
// work to it and return without waiting.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"obfsbridge/internal/conn"
	"obfsbridge/internal/logging"
	"obfsbridge/internal/metrics"
	"obfsbridge/internal/obfs"
	"obfsbridge/internal/packet"
)

// DefaultRetryTimeout is the minimum spacing between connection attempts
// when Config.RetryTimeout is zero.
const DefaultRetryTimeout = time.Second

var (
	// ErrDestroyed fails requests still queued when the transport is destroyed.
	ErrDestroyed = errors.New("transport: destroyed")
	// ErrSuperseded fails bootstrap requests discarded because a session
	// owner attached.
	ErrSuperseded = errors.New("transport: superseded by session owner")
)

// Config is the construction-time configuration.
type Config struct {
	// Target labels the remote side, e.g. a datacenter id.
	Target string
	// Address is "host:port".
	Address string
	// LogScope is appended to the logger scope.
	LogScope string
	// RetryTimeout is the minimum spacing between connection attempts.
	RetryTimeout time.Duration
	// ConnFactory builds a new connection for each attempt.
	ConnFactory conn.Factory
	// Obfuscation builds the per-connection stream codec.
	Obfuscation obfs.Factory
	// Packets frames payloads.
	Packets packet.Codec
}

func (c Config) validate() error {
	var errs []error
	if c.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if c.ConnFactory == nil {
		errs = append(errs, errors.New("connection factory is required"))
	}
	if c.Obfuscation == nil {
		errs = append(errs, errors.New("obfuscation factory is required"))
	}
	if c.Packets == nil {
		errs = append(errs, errors.New("packet codec is required"))
	}
	if c.RetryTimeout < 0 {
		errs = append(errs, fmt.Errorf("retry timeout must not be negative: %s", c.RetryTimeout))
	}
	return errors.Join(errs...)
}

// Option customizes a Transport.
type Option func(*Transport)

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// WithAutoReconnect sets the initial auto-reconnect policy. It defaults to on.
func WithAutoReconnect(on bool) Option {
	return func(t *Transport) { t.autoReconnect = on }
}

// Transport is the connection manager. Construct it with New.
type Transport struct {
	cfg   Config
	log   zerolog.Logger
	clock Clock
	loop  *loop

	ctx    context.Context
	cancel context.CancelFunc

	isConnected atomic.Bool
	isAttached  atomic.Bool
	destroyOnce sync.Once

	// Loop-owned state.
	mode          mode
	link          *link
	pending       []*pendingEntry
	autoReconnect bool
	destroyed     bool
	lastClose     time.Time
	timer         Timer
	timerGen      uint64
}

// New validates cfg and starts connecting in the background. Configuration
// errors are the only errors it reports; connection failures are retried.
func New(cfg Config, opts ...Option) (*Transport, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("transport config: %w", err)
	}
	if cfg.RetryTimeout == 0 {
		cfg.RetryTimeout = DefaultRetryTimeout
	}

	t := &Transport{
		cfg:           cfg,
		log:           log.Logger,
		clock:         systemClock{},
		loop:          newLoop(),
		mode:          bootstrapMode{},
		autoReconnect: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	scoped := logging.Scoped(t.log, "transport"+cfg.LogScope)
	t.log = scoped.With().
		Str("target", cfg.Target).
		Str("addr", cfg.Address).
		Logger()
	t.ctx, t.cancel = context.WithCancel(context.Background())

	go t.loop.run()
	t.loop.post(t.connect)
	return t, nil
}

// Connected reports whether a connection is open.
func (t *Transport) Connected() bool {
	return t.isConnected.Load()
}

// Attached reports whether a session owner has attached.
func (t *Transport) Attached() bool {
	return t.isAttached.Load()
}

// Done is closed once Destroy has completed.
func (t *Transport) Done() <-chan struct{} {
	return t.loop.done
}

// Send queues payload for transmission. In bootstrap mode it returns the
// Request that resolves with the matching response; once attached it returns
// nil. The transport takes ownership of payload.
func (t *Transport) Send(payload []byte) *Request {
	// isAttached is only set after the loop switched modes, so a send posted
	// from here is always processed in attached mode.
	if t.isAttached.Load() {
		t.loop.post(func() { t.send(payload, nil) })
		return nil
	}
	req := newRequest()
	if !t.loop.post(func() { t.send(payload, req) }) {
		req.reject(ErrDestroyed)
	}
	return req
}

// Attach switches to attached mode. The switch is permanent; a second owner
// is ignored. Attached reports true once the loop has made the switch.
func (t *Transport) Attach(owner SessionOwner) {
	if owner == nil {
		return
	}
	t.loop.post(func() {
		if _, ok := t.attachedOwner(); ok {
			return
		}
		prev := t.mode.modeName()
		t.mode = attachedMode{owner: owner}
		t.isAttached.Store(true)
		t.log.Debug().Str("from", prev).Str("to", t.mode.modeName()).Msg("session owner attached")
	})
}

// Close closes the current connection without scheduling a reconnect.
func (t *Transport) Close() {
	t.loop.post(func() {
		t.stopTimer()
		t.close()
	})
}

// ForceReconnect abandons the current connection and connects again
// immediately, ignoring the retry spacing.
func (t *Transport) ForceReconnect() {
	t.loop.post(func() {
		if t.destroyed {
			return
		}
		t.close()
		t.reconnect()
	})
}

// SetAutoReconnect enables or disables automatic reconnects. Disabling
// cancels a scheduled attempt but keeps an open connection. Enabling while
// disconnected reconnects at once. It has no effect after Destroy.
func (t *Transport) SetAutoReconnect(on bool) {
	t.loop.post(func() {
		if t.destroyed {
			return
		}
		t.autoReconnect = on
		if !on {
			t.stopTimer()
			return
		}
		if t.link == nil && t.timer == nil {
			t.reconnect()
		}
	})
}

// Destroy permanently shuts the transport down. Queued requests fail with
// ErrDestroyed.
func (t *Transport) Destroy() {
	t.destroyOnce.Do(func() {
		t.loop.post(t.destroy)
	})
}

func (t *Transport) destroy() {
	t.destroyed = true
	t.autoReconnect = false
	t.stopTimer()
	t.close()
	t.dropPending(ErrDestroyed)
	t.cancel()
	t.loop.stop()
	t.log.Debug().Msg("destroyed")
}

func (t *Transport) attachedOwner() (SessionOwner, bool) {
	if m, ok := t.mode.(attachedMode); ok {
		return m.owner, true
	}
	return nil, false
}

// callOwner runs a session owner callback. Panics and errors are logged.
func (t *Transport) callOwner(what string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncDispatchErrors("panic")
			t.log.Error().Str("call", what).Interface("panic", r).Msg("session owner panicked")
		}
	}()
	if err := fn(); err != nil {
		metrics.IncDispatchErrors(what)
		t.log.Warn().Str("call", what).Err(err).Msg("session owner call failed")
	}
}
