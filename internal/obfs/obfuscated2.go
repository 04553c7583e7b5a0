package obfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"obfsbridge/internal/packet"
)

// Obfuscated2 keys AES-256-CTR in both directions from a random preamble.
// The sending key and IV are preamble[8:56]; the receiving pair is the same
// span reversed. With a secret, each key is SHA-256(key || secret).
//
// Before InitHandshake (or AcceptObfuscated2) the transforms are identity.
type Obfuscated2 struct {
	secret []byte
	enc    cipher.Stream
	dec    cipher.Stream
}

// NewObfuscated2 returns an initiator-side codec.
func NewObfuscated2(secret []byte) *Obfuscated2 {
	return &Obfuscated2{secret: secret}
}

func (o *Obfuscated2) Type() Type { return TypeObfuscated2 }

func (o *Obfuscated2) InitHandshake(p packet.Codec) ([]byte, error) {
	init, err := newPreamble(p.Tag())
	if err != nil {
		return nil, err
	}
	rev := reversed(init[8:56])

	o.enc, err = o.stream(init[8:40], init[40:56])
	if err != nil {
		return nil, err
	}
	o.dec, err = o.stream(rev[:32], rev[32:48])
	if err != nil {
		return nil, err
	}

	// The whole preamble passes through the sending stream; only its tail is
	// transmitted encrypted so the peer can recover the keys from the head.
	encrypted := make([]byte, PreambleSize)
	o.enc.XORKeyStream(encrypted, init)
	out := make([]byte, PreambleSize)
	copy(out, init[:56])
	copy(out[56:], encrypted[56:])
	return out, nil
}

// AcceptObfuscated2 builds the responder side from a received preamble and
// returns the framing tag the initiator announced.
func AcceptObfuscated2(preamble, secret []byte) (*Obfuscated2, [4]byte, error) {
	var tag [4]byte
	if len(preamble) < PreambleSize {
		return nil, tag, fmt.Errorf("obfuscated2 preamble too short: %d bytes", len(preamble))
	}
	o := &Obfuscated2{secret: secret}
	rev := reversed(preamble[8:56])

	var err error
	o.dec, err = o.stream(preamble[8:40], preamble[40:56])
	if err != nil {
		return nil, tag, err
	}
	o.enc, err = o.stream(rev[:32], rev[32:48])
	if err != nil {
		return nil, tag, err
	}

	plain := make([]byte, PreambleSize)
	o.dec.XORKeyStream(plain, preamble[:PreambleSize])
	copy(tag[:], plain[56:60])
	return o, tag, nil
}

func (o *Obfuscated2) stream(key, iv []byte) (cipher.Stream, error) {
	k := key
	if len(o.secret) > 0 {
		h := sha256.New()
		h.Write(key)
		h.Write(o.secret)
		k = h.Sum(nil)
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("obfuscated2 cipher: %w", err)
	}
	return cipher.NewCTR(block, iv), nil
}

func (o *Obfuscated2) Encode(b []byte) []byte {
	return xorStream(o.enc, b)
}

func (o *Obfuscated2) Decode(b []byte) []byte {
	return xorStream(o.dec, b)
}

func xorStream(s cipher.Stream, b []byte) []byte {
	out := make([]byte, len(b))
	if s == nil {
		copy(out, b)
		return out
	}
	s.XORKeyStream(out, b)
	return out
}
