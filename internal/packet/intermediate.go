package packet

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Intermediate frames payloads with a 32-bit little-endian byte length.
type Intermediate struct{}

func (Intermediate) Name() string { return NameIntermediate }

func (Intermediate) Tag() [4]byte { return [4]byte{0xee, 0xee, 0xee, 0xee} }

func (Intermediate) EncodePacket(payload []byte) ([]byte, error) {
	return encodeLengthPrefixed(payload, 0)
}

func (Intermediate) ReadPacket(buf []byte) ([]byte, int, error) {
	return readLengthPrefixed(buf)
}

// Padded is Intermediate with 0 to 15 random trailing bytes per packet. The
// padding is counted in the length prefix and is returned with the payload;
// the upper protocol carries its own length.
type Padded struct{}

func (Padded) Name() string { return NamePadded }

func (Padded) Tag() [4]byte { return [4]byte{0xdd, 0xdd, 0xdd, 0xdd} }

func (Padded) EncodePacket(payload []byte) ([]byte, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("padding length: %w", err)
	}
	return encodeLengthPrefixed(payload, int(b[0]&0x0f))
}

func (Padded) ReadPacket(buf []byte) ([]byte, int, error) {
	return readLengthPrefixed(buf)
}

func encodeLengthPrefixed(payload []byte, padding int) ([]byte, error) {
	size := len(payload) + padding
	if size > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, size)
	}
	out := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(out[:4], uint32(size))
	copy(out[4:], payload)
	if padding > 0 {
		if _, err := rand.Read(out[4+len(payload):]); err != nil {
			return nil, fmt.Errorf("padding bytes: %w", err)
		}
	}
	return out, nil
}

func readLengthPrefixed(buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrShortPacket
	}
	// Bit 31 flags a quick acknowledgement.
	size := int(binary.LittleEndian.Uint32(buf[:4]) &^ 0x80000000)
	if size > MaxPacketSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, size)
	}
	if len(buf) < 4+size {
		return nil, 0, ErrShortPacket
	}
	payload := make([]byte, size)
	copy(payload, buf[4:4+size])
	return payload, 4 + size, nil
}
