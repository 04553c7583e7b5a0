package transport

import (
	"fmt"

	"obfsbridge/internal/metrics"
)

// pendingEntry is one queued payload. req is nil for fire-and-forget sends.
type pendingEntry struct {
	body    []byte
	encoded []byte
	sent    bool
	req     *Request
	failed  bool
}

func (t *Transport) send(payload []byte, req *Request) {
	if t.destroyed {
		if req != nil {
			req.reject(ErrDestroyed)
		}
		return
	}
	if req != nil {
		if _, ok := t.attachedOwner(); ok {
			// Attach won the race with this Send; the response now belongs
			// to the owner.
			req.reject(ErrSuperseded)
			req = nil
		}
	}

	e := &pendingEntry{body: payload, req: req}
	if l := t.link; l != nil && l.open && t.encodedUpToTail() {
		if err := t.encode(l, e); err != nil {
			t.log.Warn().Err(err).Msg("encode payload")
			e.fail(err)
			return
		}
	}
	t.pending = append(t.pending, e)
	metrics.SetPending(len(t.pending))
	t.releasePending()
}

// encodedUpToTail reports whether every unsent queued entry already holds an
// encoding. Encoding advances the connection keystream, so entries must be
// encoded in the order they will be written.
func (t *Transport) encodedUpToTail() bool {
	for _, e := range t.pending {
		if !e.sent && e.encoded == nil {
			return false
		}
	}
	return true
}

func (t *Transport) encode(l *link, e *pendingEntry) error {
	framed, err := t.cfg.Packets.EncodePacket(e.body)
	if err != nil {
		return fmt.Errorf("frame payload: %w", err)
	}
	e.encoded = l.codec.Encode(framed)
	return nil
}

func (e *pendingEntry) fail(err error) {
	e.failed = true
	if e.req != nil {
		e.req.reject(err)
	}
}

// releasePending writes every unsent entry in queue order, then drops the
// entries that need no response. A write error stops the pass; the rest
// stay queued for the next connection.
func (t *Transport) releasePending() {
	l := t.link
	if l == nil || !l.open {
		return
	}

	for _, e := range t.pending {
		if e.sent || e.failed {
			continue
		}
		if e.encoded == nil {
			if err := t.encode(l, e); err != nil {
				t.log.Warn().Err(err).Msg("encode payload")
				e.fail(err)
				continue
			}
		}
		if err := l.conn.Send(e.encoded); err != nil {
			t.log.Warn().Err(err).Int("queued", len(t.pending)).Msg("flush interrupted")
			break
		}
		e.sent = true
		metrics.IncPayloadsSent()
		metrics.AddBytesOut(len(e.encoded))
	}

	kept := t.pending[:0]
	for _, e := range t.pending {
		if e.failed || (e.sent && e.req == nil) {
			continue
		}
		kept = append(kept, e)
	}
	clear(t.pending[len(kept):])
	t.pending = kept
	metrics.SetPending(len(t.pending))
}

// dropPending empties the queue, failing correlated requests with err.
func (t *Transport) dropPending(err error) {
	for _, e := range t.pending {
		if e.req != nil {
			e.req.reject(err)
		}
	}
	t.pending = nil
	metrics.SetPending(0)
}

// oldestRequest removes and returns the oldest correlated entry.
func (t *Transport) oldestRequest() *pendingEntry {
	for i, e := range t.pending {
		if e.req == nil {
			continue
		}
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
		metrics.SetPending(len(t.pending))
		return e
	}
	return nil
}
