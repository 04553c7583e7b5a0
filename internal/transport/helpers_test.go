package transport

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"obfsbridge/internal/conn"
	"obfsbridge/internal/event"
	"obfsbridge/internal/obfs"
	"obfsbridge/internal/packet"
)

var epoch = time.Unix(1_700_000_000, 0)

// tester is satisfied by *testing.T and *rapid.T.
type tester interface {
	Helper()
	Errorf(format string, args ...any)
	FailNow()
	Fatal(args ...any)
}

// fakeConn is a scripted connection. The test drives its notifications.
type fakeConn struct {
	ep       conn.Endpoint
	opened   event.Emitter[struct{}]
	closed   event.Emitter[error]
	messages event.Emitter[[]byte]

	mu         sync.Mutex
	started    bool
	closeCalls int
	sent       [][]byte
	failSends  bool
}

func (c *fakeConn) Start(context.Context) {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
}

func (c *fakeConn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSends {
		return errors.New("broken pipe")
	}
	c.sent = append(c.sent, bytes.Clone(b))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.closed.Emit(nil)
	return nil
}

func (c *fakeConn) OnOpen(fn func()) *event.Subscription {
	return c.opened.Subscribe(func(struct{}) { fn() })
}

func (c *fakeConn) OnClose(fn func(error)) *event.Subscription {
	return c.closed.Subscribe(fn)
}

func (c *fakeConn) OnMessage(fn func([]byte)) *event.Subscription {
	return c.messages.Subscribe(fn)
}

func (c *fakeConn) open()              { c.opened.Emit(struct{}{}) }
func (c *fakeConn) drop(err error)     { c.closed.Emit(err) }
func (c *fakeConn) deliver(raw []byte) { c.messages.Emit(raw) }

func (c *fakeConn) sentCopy() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// key returns the xor key announced in the preamble.
func (c *fakeConn) key() byte {
	sent := c.sentCopy()
	if len(sent) == 0 {
		return 0
	}
	return sent[0][1]
}

// payloads returns the deobfuscated writes after the preamble.
func (c *fakeConn) payloads() [][]byte {
	sent := c.sentCopy()
	if len(sent) == 0 {
		return nil
	}
	key := sent[0][1]
	out := make([][]byte, 0, len(sent)-1)
	for _, b := range sent[1:] {
		out = append(out, xor(b, key))
	}
	return out
}

// reply delivers payload obfuscated the way the peer would.
func (c *fakeConn) reply(payload []byte) {
	c.deliver(xor(payload, c.key()))
}

func (c *fakeConn) subscribers() int {
	return c.opened.Len() + c.closed.Len() + c.messages.Len()
}

// xorCodec obfuscates by xoring with a per-connection key, so writes encoded
// for one connection are distinguishable from those for the next.
type xorCodec struct{ key byte }

func (x *xorCodec) Type() obfs.Type { return "xor" }

func (x *xorCodec) InitHandshake(packet.Codec) ([]byte, error) {
	return []byte{'H', x.key}, nil
}

func (x *xorCodec) Encode(b []byte) []byte { return xor(b, x.key) }
func (x *xorCodec) Decode(b []byte) []byte { return xor(b, x.key) }

func xor(b []byte, key byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ key
	}
	return out
}

// rawPackets treats every chunk as exactly one payload.
type rawPackets struct{}

func (rawPackets) Name() string  { return "raw" }
func (rawPackets) Tag() [4]byte  { return [4]byte{1, 2, 3, 4} }
func (rawPackets) EncodePacket(p []byte) ([]byte, error) {
	if len(p) > 1024 {
		return nil, packet.ErrPacketTooLarge
	}
	return bytes.Clone(p), nil
}
func (rawPackets) ReadPacket(buf []byte) ([]byte, int, error) {
	if len(buf) == 0 {
		return nil, 0, packet.ErrShortPacket
	}
	return bytes.Clone(buf), len(buf), nil
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeOwner struct {
	mu        sync.Mutex
	statuses  []Status
	retryAt   []time.Time
	cleanups  int
	resends   int
	onResend  func()
	processed chan Message
}

func newFakeOwner() *fakeOwner {
	return &fakeOwner{processed: make(chan Message, 64)}
}

func (o *fakeOwner) NotifyConnectionStatus(s Status, retryAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, s)
	o.retryAt = append(o.retryAt, retryAt)
}

func (o *fakeOwner) CleanupSentState() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleanups++
}

func (o *fakeOwner) ResendPending() {
	o.mu.Lock()
	o.resends++
	fn := o.onResend
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (o *fakeOwner) Parse(_ context.Context, payload []byte) (Message, error) {
	if bytes.HasPrefix(payload, []byte("bad")) {
		return Message{}, errors.New("malformed")
	}
	return Message{Body: string(payload), MessageID: int64(len(payload))}, nil
}

func (o *fakeOwner) ProcessMessage(m Message) error {
	switch m.Body {
	case "panic":
		panic("owner bug")
	case "fail":
		return errors.New("cannot process")
	}
	o.processed <- m
	return nil
}

func (o *fakeOwner) snapshot() ([]Status, []time.Time, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Status(nil), o.statuses...), append([]time.Time(nil), o.retryAt...), o.cleanups, o.resends
}

// env wires a Transport to fakes.
type env struct {
	tb    tester
	tr    *Transport
	clock *fakeClock

	mu    sync.Mutex
	conns []*fakeConn
	keys  byte
}

type envConfig struct {
	retry   time.Duration
	packets packet.Codec
	opts    []Option
}

func newEnv(tb tester, cfg envConfig) *env {
	tb.Helper()
	e := &env{tb: tb, clock: newFakeClock()}
	if cfg.retry == 0 {
		cfg.retry = time.Second
	}
	if cfg.packets == nil {
		cfg.packets = rawPackets{}
	}
	opts := append([]Option{WithClock(e.clock), WithLogger(zerolog.Nop())}, cfg.opts...)
	tr, err := New(Config{
		Target:       "dc2",
		Address:      "149.154.167.51:443",
		RetryTimeout: cfg.retry,
		ConnFactory:  e.newConn,
		Obfuscation:  e.newCodec,
		Packets:      cfg.packets,
	}, opts...)
	require.NoError(tb, err)
	e.tr = tr
	if c, ok := tb.(interface{ Cleanup(func()) }); ok {
		c.Cleanup(tr.Destroy)
	}
	e.settle()
	return e
}

func (e *env) newConn(ep conn.Endpoint) conn.Conn {
	c := &fakeConn{ep: ep}
	e.mu.Lock()
	e.conns = append(e.conns, c)
	e.mu.Unlock()
	return c
}

func (e *env) newCodec() (obfs.Codec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys++
	return &xorCodec{key: 0x40 + e.keys}, nil
}

func (e *env) connCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

func (e *env) codecCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int(e.keys)
}

func (e *env) last() *fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(e.tb, e.conns)
	return e.conns[len(e.conns)-1]
}

func (e *env) conn(i int) *fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[i]
}

// settle runs the event loop until it has no queued work.
func (e *env) settle() {
	e.tb.Helper()
	for i := 0; i < 1000; i++ {
		idle := make(chan bool, 1)
		if !e.tr.loop.post(func() { idle <- e.tr.loop.pending() == 0 }) {
			<-e.tr.Done()
			return
		}
		if <-idle {
			return
		}
	}
	e.tb.Fatal("event loop did not settle")
}

// inLoop runs fn on the event loop and waits for it.
func (e *env) inLoop(fn func()) {
	done := make(chan struct{})
	if !e.tr.loop.post(func() { fn(); close(done) }) {
		return
	}
	<-done
}

func (e *env) pendingLen() int {
	var n int
	e.inLoop(func() { n = len(e.tr.pending) })
	return n
}

func (e *env) openLast() *fakeConn {
	c := e.last()
	c.open()
	e.settle()
	return c
}

func (e *env) advance(d time.Duration) {
	e.clock.Advance(d)
	e.settle()
}

func waitResponse(tb tester, r *Request) ([]byte, error) {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Wait(ctx)
}
