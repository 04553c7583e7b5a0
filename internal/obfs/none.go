package obfs

import "obfsbridge/internal/packet"

// None sends the framing marker in the clear and leaves the stream untouched.
type None struct{}

func (*None) Type() Type { return TypeNone }

// InitHandshake returns the plain framing marker: a single 0xef byte for
// abridged framing, the 4-byte tag otherwise.
func (*None) InitHandshake(p packet.Codec) ([]byte, error) {
	tag := p.Tag()
	if p.Name() == packet.NameAbridged {
		return []byte{tag[0]}, nil
	}
	return tag[:], nil
}

func (*None) Encode(b []byte) []byte { return b }

func (*None) Decode(b []byte) []byte { return b }
