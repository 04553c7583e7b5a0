// Package packet implements the framing envelopes that wrap application
// payloads before obfuscation.
//
// Three envelopes are supported. Each one is announced to the peer through a
// 4-byte tag carried inside the obfuscation preamble:
//
//	abridged      tag ef ef ef ef
//	  +--------+---------------------+
//	  | len/4  | payload             |   len/4 < 0x7f
//	  +--------+---------------------+
//	  +------+-----------------+-------------+
//	  | 0x7f | len/4 (24 bit LE) | payload   |   len/4 >= 0x7f
//	  +------+-----------------+-------------+
//
//	intermediate  tag ee ee ee ee
//	  +----------------------+-------------+
//	  | len (32 bit LE)      | payload     |
//	  +----------------------+-------------+
//
//	padded        tag dd dd dd dd
//	  +----------------------+-------------+-----------------+
//	  | len (32 bit LE)      | payload     | padding (0..15) |
//	  +----------------------+-------------+-----------------+
//
// A 4-byte payload holding a negative little-endian int32 is a transport-level
// error code sent by the peer instead of a response.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxPacketSize bounds a single decoded payload.
	MaxPacketSize = 16 << 20

	NameAbridged     = "abridged"
	NameIntermediate = "intermediate"
	NamePadded       = "padded"
)

var (
	// ErrShortPacket reports that the buffer does not yet hold a whole packet.
	ErrShortPacket = errors.New("packet: short buffer")
	// ErrPacketTooLarge reports a length prefix beyond MaxPacketSize.
	ErrPacketTooLarge = errors.New("packet: packet too large")
	// ErrUnaligned reports an abridged payload that is not a multiple of 4.
	ErrUnaligned = errors.New("packet: payload length not a multiple of 4")
)

// Codec wraps and unwraps payloads with a framing envelope. Implementations
// are stateless and safe for concurrent use.
type Codec interface {
	// Name returns the configuration name of the codec.
	Name() string
	// Tag returns the 4-byte marker announcing the codec in a preamble.
	Tag() [4]byte
	// EncodePacket frames one payload.
	EncodePacket(payload []byte) ([]byte, error)
	// ReadPacket deframes the first packet in buf and reports how many bytes
	// it consumed. It returns ErrShortPacket when buf holds an incomplete
	// packet.
	ReadPacket(buf []byte) (payload []byte, n int, err error)
}

// TransportError is a negative status code sent by the peer in place of a
// payload.
type TransportError struct {
	Code int32
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("packet: transport error code %d", e.Code)
}

// TransportErrorCode reports whether payload is a transport error code.
func TransportErrorCode(payload []byte) (*TransportError, bool) {
	if len(payload) != 4 {
		return nil, false
	}
	code := int32(binary.LittleEndian.Uint32(payload))
	if code >= 0 {
		return nil, false
	}
	return &TransportError{Code: code}, true
}

// New returns the codec registered under name.
func New(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameAbridged:
		return Abridged{}, nil
	case NameIntermediate, "":
		return Intermediate{}, nil
	case NamePadded, "padded_intermediate":
		return Padded{}, nil
	default:
		return nil, fmt.Errorf("unknown packet codec: %s", name)
	}
}
