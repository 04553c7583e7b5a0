// Package compression layers optional payload compression under a packet
// codec. Every compressed payload is self-describing:
//
//	+--------+----------------------+----------------------+-----------+
//	| method | original len (LE32)  | body len (LE32)      | body      |
//	+--------+----------------------+----------------------+-----------+
//
// Bytes after the body (for example packet padding) are ignored on decode.
package compression

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"obfsbridge/internal/packet"
)

// Method identifies the algorithm used for one payload.
type Method byte

const (
	MethodStored Method = 0
	MethodLZ4    Method = 1
	MethodZstd   Method = 2
)

const headerSize = 9

var (
	ErrShortHeader   = errors.New("compression: short header")
	ErrUnknownMethod = errors.New("compression: unknown method")
	ErrCorrupt       = errors.New("compression: corrupt body")
)

// Compressor compresses single payloads. Compress may return src unchanged
// together with MethodStored when compression does not help.
type Compressor interface {
	Method() Method
	Compress(src []byte) ([]byte, Method)
	Decompress(body []byte, originalSize int) ([]byte, error)
}

// ParseMethod maps a configuration name to a Compressor. "none" and "" yield
// nil.
func ParseMethod(name string) (Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return nil, nil
	case "lz4":
		return NewLZ4(), nil
	case "zstd":
		return NewZstd()
	default:
		return nil, fmt.Errorf("unknown compression: %s", name)
	}
}

// Encode compresses payload with c and prefixes the header.
func Encode(c Compressor, payload []byte) []byte {
	body, method := payload, MethodStored
	if c != nil {
		body, method = c.Compress(payload)
	}
	out := make([]byte, headerSize+len(body))
	out[0] = byte(method)
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(payload)))
	binary.LittleEndian.PutUint32(out[5:9], uint32(len(body)))
	copy(out[headerSize:], body)
	return out
}

// Decode reverses Encode. The decoder for each method is picked from
// decoders, so a peer may mix methods.
func Decode(data []byte, decoders map[Method]Compressor) ([]byte, error) {
	if len(data) < headerSize {
		return nil, ErrShortHeader
	}
	method := Method(data[0])
	orig := int(binary.LittleEndian.Uint32(data[1:5]))
	size := int(binary.LittleEndian.Uint32(data[5:9]))
	if size > len(data)-headerSize || orig > packet.MaxPacketSize {
		return nil, fmt.Errorf("%w: body %d orig %d", ErrCorrupt, size, orig)
	}
	body := data[headerSize : headerSize+size]
	if method == MethodStored {
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}
	d, ok := decoders[method]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, method)
	}
	return d.Decompress(body, orig)
}

// Codec wraps a packet codec so that payloads are compressed before framing.
type Codec struct {
	inner    packet.Codec
	comp     Compressor
	decoders map[Method]Compressor
}

// Wrap returns inner unchanged when c is nil.
func Wrap(inner packet.Codec, c Compressor) (packet.Codec, error) {
	if c == nil {
		return inner, nil
	}
	if inner.Name() == packet.NameAbridged {
		return nil, fmt.Errorf("compression is not supported with the %s codec", packet.NameAbridged)
	}
	decoders := map[Method]Compressor{MethodLZ4: NewLZ4()}
	if z, err := NewZstd(); err == nil {
		decoders[MethodZstd] = z
	}
	decoders[c.Method()] = c
	return &Codec{inner: inner, comp: c, decoders: decoders}, nil
}

func (c *Codec) Name() string { return c.inner.Name() }

func (c *Codec) Tag() [4]byte { return c.inner.Tag() }

func (c *Codec) EncodePacket(payload []byte) ([]byte, error) {
	return c.inner.EncodePacket(Encode(c.comp, payload))
}

func (c *Codec) ReadPacket(buf []byte) ([]byte, int, error) {
	framed, n, err := c.inner.ReadPacket(buf)
	if err != nil {
		return nil, n, err
	}
	if _, isErr := packet.TransportErrorCode(framed); isErr {
		return framed, n, nil
	}
	payload, err := Decode(framed, c.decoders)
	if err != nil {
		// The packet was consumed; report the error without stalling the stream.
		return nil, n, err
	}
	return payload, n, nil
}
