package obfs

import (
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"obfsbridge/internal/packet"
)

const (
	infoInitiatorToResponder = "obfsbridge-c2s"
	infoResponderToInitiator = "obfsbridge-s2c"
)

// ChaCha20 uses the same preamble layout as Obfuscated2 but derives
// directional ChaCha20 keys with HKDF-SHA256 from a shared secret, using
// preamble[8:56] as salt. Without the secret the stream cannot be keyed.
type ChaCha20 struct {
	secret []byte
	enc    cipher.Stream
	dec    cipher.Stream
}

// NewChaCha20 returns an initiator-side codec.
func NewChaCha20(secret []byte) *ChaCha20 {
	return &ChaCha20{secret: secret}
}

func (c *ChaCha20) Type() Type { return TypeChaCha20 }

func (c *ChaCha20) InitHandshake(p packet.Codec) ([]byte, error) {
	init, err := newPreamble(p.Tag())
	if err != nil {
		return nil, err
	}
	salt := init[8:56]
	if c.enc, err = deriveChaCha(c.secret, salt, infoInitiatorToResponder); err != nil {
		return nil, err
	}
	if c.dec, err = deriveChaCha(c.secret, salt, infoResponderToInitiator); err != nil {
		return nil, err
	}

	encrypted := make([]byte, PreambleSize)
	c.enc.XORKeyStream(encrypted, init)
	out := make([]byte, PreambleSize)
	copy(out, init[:56])
	copy(out[56:], encrypted[56:])
	return out, nil
}

// AcceptChaCha20 builds the responder side from a received preamble.
func AcceptChaCha20(preamble, secret []byte) (*ChaCha20, [4]byte, error) {
	var tag [4]byte
	if len(preamble) < PreambleSize {
		return nil, tag, fmt.Errorf("chacha20 preamble too short: %d bytes", len(preamble))
	}
	c := &ChaCha20{secret: secret}
	salt := preamble[8:56]

	var err error
	if c.dec, err = deriveChaCha(secret, salt, infoInitiatorToResponder); err != nil {
		return nil, tag, err
	}
	if c.enc, err = deriveChaCha(secret, salt, infoResponderToInitiator); err != nil {
		return nil, tag, err
	}

	plain := make([]byte, PreambleSize)
	c.dec.XORKeyStream(plain, preamble[:PreambleSize])
	copy(tag[:], plain[56:60])
	return c, tag, nil
}

func deriveChaCha(secret, salt []byte, info string) (cipher.Stream, error) {
	material := make([]byte, chacha20.KeySize+chacha20.NonceSize)
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, material); err != nil {
		return nil, fmt.Errorf("hkdf derive %s: %w", info, err)
	}
	s, err := chacha20.NewUnauthenticatedCipher(material[:chacha20.KeySize], material[chacha20.KeySize:])
	if err != nil {
		return nil, fmt.Errorf("chacha20 cipher: %w", err)
	}
	return s, nil
}

func (c *ChaCha20) Encode(b []byte) []byte {
	return xorStream(c.enc, b)
}

func (c *ChaCha20) Decode(b []byte) []byte {
	return xorStream(c.dec, b)
}
