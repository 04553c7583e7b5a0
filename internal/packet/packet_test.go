package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAbridgedHeaderForms(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantHdr []byte
	}{
		{name: "short", size: 8, wantHdr: []byte{0x02}},
		{name: "largest short", size: 126 * 4, wantHdr: []byte{0x7e}},
		{name: "long", size: 127 * 4, wantHdr: []byte{0x7f, 0x7f, 0x00, 0x00}},
		{name: "long multi byte", size: 0x0102 * 4, wantHdr: []byte{0x7f, 0x02, 0x01, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{0xaa}, tt.size)
			out, err := Abridged{}.EncodePacket(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.wantHdr, out[:len(tt.wantHdr)])

			got, n, err := Abridged{}.ReadPacket(out)
			require.NoError(t, err)
			assert.Equal(t, len(out), n)
			assert.Equal(t, payload, got)
		})
	}
}

func TestAbridgedRejectsUnaligned(t *testing.T) {
	_, err := Abridged{}.EncodePacket([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrUnaligned)
}

func TestReadPacketShortBuffers(t *testing.T) {
	for _, c := range []Codec{Abridged{}, Intermediate{}, Padded{}} {
		t.Run(c.Name(), func(t *testing.T) {
			out, err := c.EncodePacket(bytes.Repeat([]byte{1}, 600))
			require.NoError(t, err)
			for cut := 0; cut < 601; cut += 37 {
				_, _, err := c.ReadPacket(out[:cut])
				assert.ErrorIs(t, err, ErrShortPacket, "cut=%d", cut)
			}
		})
	}
}

func TestIntermediateRejectsOversize(t *testing.T) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], MaxPacketSize+1)
	_, _, err := Intermediate{}.ReadPacket(hdr[:])
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestPaddedKeepsPayloadPrefix(t *testing.T) {
	payload := []byte("padded payload")
	out, err := Padded{}.EncodePacket(payload)
	require.NoError(t, err)

	got, n, err := Padded{}.ReadPacket(out)
	require.NoError(t, err)
	assert.Equal(t, len(out), n)
	assert.True(t, bytes.HasPrefix(got, payload))
	assert.LessOrEqual(t, len(got)-len(payload), 15)
}

func TestTransportErrorCode(t *testing.T) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(0xfffffe6c)) // -404

	te, ok := TransportErrorCode(buf[:])
	require.True(t, ok)
	assert.Equal(t, int32(-404), te.Code)
	assert.Contains(t, te.Error(), "-404")

	_, ok = TransportErrorCode([]byte{1, 0, 0, 0})
	assert.False(t, ok)
	_, ok = TransportErrorCode([]byte{0xff, 0xff, 0xff, 0xff, 0})
	assert.False(t, ok)
}

func TestNewCodec(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	assert.Equal(t, NameIntermediate, c.Name())

	c, err = New(" Abridged ")
	require.NoError(t, err)
	assert.Equal(t, NameAbridged, c.Name())

	_, err = New("full")
	assert.Error(t, err)
}

// Concatenated packets split at arbitrary points must come back intact.
func TestProperty_StreamReassembly(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		codec := rapid.SampledFrom([]Codec{Abridged{}, Intermediate{}}).Draw(t, "codec")
		count := rapid.IntRange(1, 8).Draw(t, "count")

		var stream []byte
		var want [][]byte
		for i := 0; i < count; i++ {
			words := rapid.IntRange(0, 200).Draw(t, "words")
			payload := rapid.SliceOfN(rapid.Byte(), words*4, words*4).Draw(t, "payload")
			framed, err := codec.EncodePacket(payload)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			stream = append(stream, framed...)
			want = append(want, payload)
		}

		var buf [][]byte
		var pending []byte
		for len(stream) > 0 {
			n := rapid.IntRange(1, len(stream)).Draw(t, "chunk")
			pending = append(pending, stream[:n]...)
			stream = stream[n:]
			for {
				p, used, err := codec.ReadPacket(pending)
				if errors.Is(err, ErrShortPacket) {
					break
				}
				if err != nil {
					t.Fatalf("read: %v", err)
				}
				buf = append(buf, p)
				pending = pending[used:]
			}
		}

		if len(pending) != 0 {
			t.Fatalf("%d bytes left over", len(pending))
		}
		if len(buf) != len(want) {
			t.Fatalf("got %d packets want %d", len(buf), len(want))
		}
		for i := range want {
			if !bytes.Equal(buf[i], want[i]) {
				t.Fatalf("packet %d mismatch", i)
			}
		}
	})
}
