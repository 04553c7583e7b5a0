package packet

import "fmt"

const abridgedLongMarker = 0x7f

// Abridged frames payloads with a length counted in 4-byte words.
type Abridged struct{}

func (Abridged) Name() string { return NameAbridged }

func (Abridged) Tag() [4]byte { return [4]byte{0xef, 0xef, 0xef, 0xef} }

func (Abridged) EncodePacket(payload []byte) ([]byte, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrUnaligned, len(payload))
	}
	if len(payload) > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(payload))
	}
	words := len(payload) / 4
	if words < abridgedLongMarker {
		out := make([]byte, 1+len(payload))
		out[0] = byte(words)
		copy(out[1:], payload)
		return out, nil
	}
	out := make([]byte, 4+len(payload))
	out[0] = abridgedLongMarker
	out[1] = byte(words)
	out[2] = byte(words >> 8)
	out[3] = byte(words >> 16)
	copy(out[4:], payload)
	return out, nil
}

func (Abridged) ReadPacket(buf []byte) ([]byte, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrShortPacket
	}
	// The high bit flags a quick acknowledgement; the length is in the rest.
	words := int(buf[0] &^ 0x80)
	hdr := 1
	if words == abridgedLongMarker {
		if len(buf) < 4 {
			return nil, 0, ErrShortPacket
		}
		words = int(buf[1]) | int(buf[2])<<8 | int(buf[3])<<16
		hdr = 4
	}
	size := words * 4
	if size > MaxPacketSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, size)
	}
	if len(buf) < hdr+size {
		return nil, 0, ErrShortPacket
	}
	payload := make([]byte, size)
	copy(payload, buf[hdr:hdr+size])
	return payload, hdr + size, nil
}
