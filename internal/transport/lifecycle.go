package transport

import (
	"time"

	"obfsbridge/internal/conn"
	"obfsbridge/internal/event"
	"obfsbridge/internal/metrics"
	"obfsbridge/internal/obfs"
)

// link is one connection attempt together with everything scoped to it.
type link struct {
	conn     conn.Conn
	openSub  *event.Subscription
	closeSub *event.Subscription
	msgSub   *event.Subscription

	open bool
	// draining is set between close() and the release of msgSub, so a
	// message that arrived in the same tick as the close is still handled.
	draining bool
	codec    obfs.Codec
	inbound  []byte
}

func (l *link) release() {
	l.openSub.Close()
	l.closeSub.Close()
	l.msgSub.Close()
}

func (t *Transport) connect() {
	if t.destroyed {
		return
	}
	if t.link != nil {
		t.close()
	}

	c := t.cfg.ConnFactory(conn.Endpoint{Target: t.cfg.Target, Address: t.cfg.Address})
	l := &link{conn: c}
	l.openSub = c.OnOpen(func() {
		t.loop.post(func() { t.onOpen(l) })
	})
	l.closeSub = c.OnClose(func(err error) {
		t.loop.post(func() { t.onClose(l, err) })
	})
	l.msgSub = c.OnMessage(func(b []byte) {
		t.loop.post(func() { t.onMessage(l, b) })
	})
	t.link = l

	metrics.IncConnectAttempts(t.cfg.Target)
	t.log.Debug().Msg("connecting")
	c.Start(t.ctx)
}

func (t *Transport) onOpen(l *link) {
	if l != t.link {
		return
	}

	codec, err := t.cfg.Obfuscation()
	if err != nil {
		t.log.Error().Err(err).Msg("create obfuscation codec")
		t.fail(l)
		return
	}
	preamble, err := codec.InitHandshake(t.cfg.Packets)
	if err != nil {
		t.log.Error().Err(err).Msg("obfuscation handshake")
		t.fail(l)
		return
	}
	l.codec = codec
	l.open = true
	t.isConnected.Store(true)
	metrics.IncOpens(t.cfg.Target)
	metrics.SetConnected(t.cfg.Target, true)
	t.log.Info().Str("obfuscation", string(codec.Type())).Msg("connected")

	if err := l.conn.Send(preamble); err != nil {
		// The connection reports its own close.
		t.log.Warn().Err(err).Msg("send handshake")
		return
	}
	metrics.AddBytesOut(len(preamble))

	if owner, ok := t.attachedOwner(); ok {
		t.dropPending(ErrSuperseded)
		t.callOwner("notify", func() error {
			owner.NotifyConnectionStatus(StatusConnected, time.Time{})
			return nil
		})
		t.callOwner("cleanup", func() error {
			owner.CleanupSentState()
			return nil
		})
		t.callOwner("resend", func() error {
			owner.ResendPending()
			return nil
		})
	} else {
		// Cached encodings belong to the previous keystream.
		for _, e := range t.pending {
			e.encoded = nil
		}
	}

	t.loop.post(t.releasePending)
}

func (t *Transport) onClose(l *link, err error) {
	if l != t.link {
		return
	}
	if err != nil {
		t.log.Warn().Err(err).Msg("connection closed")
	} else {
		t.log.Info().Msg("connection closed")
	}
	t.teardown(l)
	t.afterClose()
}

// fail abandons l after a local fault and runs the normal close handling.
func (t *Transport) fail(l *link) {
	t.teardown(l)
	_ = l.conn.Close()
	t.afterClose()
}

func (t *Transport) teardown(l *link) {
	l.release()
	t.link = nil
	if l.open {
		l.open = false
		t.isConnected.Store(false)
		metrics.SetConnected(t.cfg.Target, false)
	}
	metrics.IncCloses(t.cfg.Target)
}

// afterClose computes the retry delay, informs the owner, and schedules the
// next attempt.
func (t *Transport) afterClose() {
	now := t.clock.Now()
	delay := time.Duration(0)
	if elapsed := now.Sub(t.lastClose); elapsed < t.cfg.RetryTimeout {
		delay = t.cfg.RetryTimeout - elapsed
	}

	var retryAt time.Time
	if t.autoReconnect && !t.destroyed {
		retryAt = now.Add(delay)
	}

	if owner, ok := t.attachedOwner(); ok {
		t.callOwner("notify", func() error {
			owner.NotifyConnectionStatus(StatusClosed, retryAt)
			return nil
		})
		t.dropPending(ErrSuperseded)
	}

	if retryAt.IsZero() {
		return
	}
	metrics.ObserveReconnectDelay(delay)
	t.log.Debug().Dur("delay", delay).Msg("reconnect scheduled")
	t.schedule(delay)
}

// close releases the current link. A link that was open keeps its message
// subscription until the next tick.
func (t *Transport) close() {
	l := t.link
	if l == nil {
		return
	}
	t.link = nil
	l.openSub.Close()
	l.closeSub.Close()

	if l.open {
		l.open = false
		l.draining = true
		t.isConnected.Store(false)
		metrics.SetConnected(t.cfg.Target, false)
		release := func() {
			l.draining = false
			l.msgSub.Close()
		}
		if !t.loop.post(release) {
			release()
		}
	} else {
		l.msgSub.Close()
	}
	metrics.IncCloses(t.cfg.Target)
	_ = l.conn.Close()
}

func (t *Transport) reconnect() {
	if t.link != nil || t.destroyed {
		return
	}
	t.stopTimer()
	t.lastClose = t.clock.Now()

	owner, attached := t.attachedOwner()
	if !attached {
		for _, e := range t.pending {
			e.sent = false
		}
	} else {
		t.callOwner("notify", func() error {
			owner.NotifyConnectionStatus(StatusConnecting, time.Time{})
			return nil
		})
	}
	t.connect()
}

func (t *Transport) schedule(delay time.Duration) {
	t.stopTimer()
	t.timerGen++
	gen := t.timerGen
	t.timer = t.clock.AfterFunc(delay, func() {
		t.loop.post(func() {
			if gen != t.timerGen || t.timer == nil {
				return
			}
			t.timer = nil
			t.reconnect()
		})
	})
}

func (t *Transport) stopTimer() {
	if t.timer == nil {
		return
	}
	t.timer.Stop()
	t.timer = nil
	t.timerGen++
}
