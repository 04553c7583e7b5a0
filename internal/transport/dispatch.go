package transport

import (
	"errors"

	"obfsbridge/internal/metrics"
	"obfsbridge/internal/packet"
)

// onMessage deobfuscates a chunk from l and dispatches every complete packet
// it completes.
func (t *Transport) onMessage(l *link, chunk []byte) {
	if l != t.link && !l.draining {
		return
	}
	if l.codec == nil {
		metrics.IncPayloadsDropped("before_handshake")
		t.log.Warn().Int("len", len(chunk)).Msg("data before handshake dropped")
		return
	}
	metrics.AddBytesIn(len(chunk))

	l.inbound = append(l.inbound, l.codec.Decode(chunk)...)
	for len(l.inbound) > 0 {
		payload, n, err := t.cfg.Packets.ReadPacket(l.inbound)
		if errors.Is(err, packet.ErrShortPacket) {
			break
		}
		if err != nil {
			metrics.IncPayloadsDropped("framing")
			if n > 0 {
				t.log.Warn().Err(err).Int("len", n).Msg("skipping undecodable packet")
				l.inbound = l.inbound[n:]
				continue
			}
			// Packet boundaries are lost; only a fresh connection resyncs.
			t.log.Error().Err(err).Int("buffered", len(l.inbound)).Msg("inbound stream out of sync")
			l.inbound = nil
			if l == t.link {
				t.fail(l)
			}
			return
		}
		l.inbound = l.inbound[n:]
		t.dispatch(payload)
	}
	if len(l.inbound) == 0 {
		l.inbound = nil
	}
}

func (t *Transport) dispatch(payload []byte) {
	owner, attached := t.attachedOwner()

	if te, ok := packet.TransportErrorCode(payload); ok {
		if attached {
			metrics.IncPayloadsDropped("transport_error")
			t.log.Warn().Int32("code", te.Code).Msg("transport error from peer")
			return
		}
		e := t.oldestRequest()
		if e == nil {
			metrics.IncPayloadsDropped("transport_error")
			t.log.Warn().Int32("code", te.Code).Msg("transport error with no request waiting")
			return
		}
		e.req.reject(te)
		return
	}

	if !attached {
		e := t.oldestRequest()
		if e == nil {
			metrics.IncPayloadsDropped("unmatched")
			t.log.Warn().Int("len", len(payload)).Msg("response with no request waiting")
			return
		}
		e.req.resolve(payload)
		return
	}

	go t.parse(owner, payload)
}

// parse runs the owner's Parse off the loop and hands the result back to it.
func (t *Transport) parse(owner SessionOwner, payload []byte) {
	var (
		msg    Message
		parsed bool
	)
	t.callOwner("parse", func() error {
		m, err := owner.Parse(t.ctx, payload)
		if err != nil {
			return err
		}
		msg, parsed = m, true
		return nil
	})
	if !parsed {
		return
	}
	t.loop.post(func() {
		if t.destroyed {
			return
		}
		t.callOwner("process", func() error {
			return owner.ProcessMessage(msg)
		})
	})
}
