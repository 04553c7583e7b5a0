package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obfsbridge/internal/packet"
)

func TestCompressorsShrinkRepetitiveInput(t *testing.T) {
	z, err := NewZstd()
	require.NoError(t, err)

	src := bytes.Repeat([]byte("resilient transport "), 200)
	for _, c := range []Compressor{NewLZ4(), z} {
		body, method := c.Compress(src)
		assert.Equal(t, c.Method(), method)
		assert.Less(t, len(body), len(src))

		out, err := c.Decompress(body, len(src))
		require.NoError(t, err)
		assert.Equal(t, src, out)
	}
}

func TestIncompressibleInputIsStored(t *testing.T) {
	src := []byte{0x01, 0x02, 0x03}
	framed := Encode(NewLZ4(), src)
	assert.Equal(t, byte(MethodStored), framed[0])

	out, err := Decode(framed, nil)
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{1, 2}, nil)
	assert.ErrorIs(t, err, ErrShortHeader)

	framed := Encode(NewLZ4(), bytes.Repeat([]byte{7}, 512))
	_, err = Decode(framed, map[Method]Compressor{})
	assert.ErrorIs(t, err, ErrUnknownMethod)

	framed[5] = 0xff
	_, err = Decode(framed, map[Method]Compressor{MethodLZ4: NewLZ4()})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestWrappedCodecIgnoresPadding(t *testing.T) {
	z, err := NewZstd()
	require.NoError(t, err)
	codec, err := Wrap(packet.Padded{}, z)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("abc"), 300)
	framed, err := codec.EncodePacket(payload)
	require.NoError(t, err)

	got, n, err := codec.ReadPacket(framed)
	require.NoError(t, err)
	assert.Equal(t, len(framed), n)
	assert.Equal(t, payload, got)
	assert.Equal(t, packet.Padded{}.Tag(), codec.Tag())
}

func TestWrapRejectsAbridged(t *testing.T) {
	_, err := Wrap(packet.Abridged{}, NewLZ4())
	assert.Error(t, err)

	same, err := Wrap(packet.Abridged{}, nil)
	require.NoError(t, err)
	assert.Equal(t, packet.Abridged{}, same)
}

func TestParseMethod(t *testing.T) {
	c, err := ParseMethod("none")
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = ParseMethod("LZ4")
	require.NoError(t, err)
	assert.Equal(t, MethodLZ4, c.Method())

	_, err = ParseMethod("brotli")
	assert.Error(t, err)
}
