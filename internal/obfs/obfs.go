// Package obfs provides connection-scoped stream obfuscation. A Codec instance
// belongs to exactly one physical connection: it is created when the
// connection opens, emits a handshake preamble, and then transforms every byte
// sent and received on that connection.
package obfs

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"obfsbridge/internal/packet"
)

// Type represents the type of obfuscator
type Type string

const (
	// TypeNone disables obfuscation
	TypeNone Type = "none"
	// TypeObfuscated2 uses AES-256-CTR keyed from the preamble
	TypeObfuscated2 Type = "obfuscated2"
	// TypeChaCha20 uses ChaCha20 keyed with HKDF from a shared secret
	TypeChaCha20 Type = "chacha20"
)

// PreambleSize is the length of the obfuscated handshake preamble.
const PreambleSize = 64

// Codec is a stateful, per-connection byte stream transform.
type Codec interface {
	// InitHandshake keys the codec and returns the preamble that must be the
	// first bytes written to the connection. The packet codec tag is embedded
	// so the peer knows the framing.
	InitHandshake(p packet.Codec) ([]byte, error)
	// Encode obfuscates outgoing bytes. Calls must follow transmission order.
	Encode(b []byte) []byte
	// Decode deobfuscates incoming bytes in arrival order.
	Decode(b []byte) []byte
	// Type returns the obfuscator type
	Type() Type
}

// Factory creates a fresh codec for each new connection.
type Factory func() (Codec, error)

// Config selects and keys an obfuscator.
type Config struct {
	Type   Type   `yaml:"type"`
	Secret string `yaml:"secret"` // hex, optional for obfuscated2
}

// NewFactory validates cfg and returns a factory for its codec type.
func NewFactory(cfg Config) (Factory, error) {
	secret, err := ParseSecret(cfg.Secret)
	if err != nil {
		return nil, err
	}
	switch Type(strings.ToLower(string(cfg.Type))) {
	case TypeNone:
		return func() (Codec, error) { return &None{}, nil }, nil
	case TypeObfuscated2, "":
		return func() (Codec, error) { return NewObfuscated2(secret), nil }, nil
	case TypeChaCha20:
		if len(secret) == 0 {
			return nil, fmt.Errorf("chacha20 obfuscation requires a secret")
		}
		return func() (Codec, error) { return NewChaCha20(secret), nil }, nil
	default:
		return nil, fmt.Errorf("unknown obfuscation type: %s", cfg.Type)
	}
}

// ParseSecret decodes a hex secret. A 17-byte secret with a leading 0xdd
// marker (padded-mode proxy secrets) is reduced to its 16 key bytes.
func ParseSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("obfuscation secret: %w", err)
	}
	if len(b) == 17 && b[0] == 0xdd {
		b = b[1:]
	}
	if len(b) < 16 {
		return nil, fmt.Errorf("obfuscation secret too short: %d bytes", len(b))
	}
	return b, nil
}

// Prefixes a preamble must not start with, so the first bytes cannot be
// mistaken for a plain-text protocol or another framing.
var forbiddenStarts = [][]byte{
	[]byte("HEAD"),
	[]byte("POST"),
	[]byte("GET "),
	[]byte("OPTI"),
	[]byte("PVrG"),
	{0xdd, 0xdd, 0xdd, 0xdd},
	{0xee, 0xee, 0xee, 0xee},
	{0x16, 0x03, 0x01, 0x02},
}

func newPreamble(tag [4]byte) ([]byte, error) {
	init := make([]byte, PreambleSize)
	for {
		if _, err := rand.Read(init); err != nil {
			return nil, fmt.Errorf("generate preamble: %w", err)
		}
		if acceptablePreamble(init) {
			break
		}
	}
	copy(init[56:60], tag[:])
	return init, nil
}

func acceptablePreamble(init []byte) bool {
	if init[0] == 0xef {
		return false
	}
	for _, f := range forbiddenStarts {
		if bytes.Equal(init[:4], f) {
			return false
		}
	}
	return !bytes.Equal(init[4:8], []byte{0, 0, 0, 0})
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
