package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Zstd compresses payloads with zstandard. EncodeAll and DecodeAll are safe
// for concurrent use, so one instance serves every connection.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd creates a zstd compressor tuned for small packets.
func NewZstd() (*Zstd, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

func (*Zstd) Method() Method { return MethodZstd }

func (z *Zstd) Compress(src []byte) ([]byte, Method) {
	out := z.enc.EncodeAll(src, make([]byte, 0, len(src)))
	if len(out) >= len(src) {
		return src, MethodStored
	}
	return out, MethodZstd
}

func (z *Zstd) Decompress(body []byte, originalSize int) ([]byte, error) {
	out, err := z.dec.DecodeAll(body, make([]byte, 0, originalSize))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	if len(out) != originalSize {
		return nil, fmt.Errorf("%w: zstd size %d want %d", ErrCorrupt, len(out), originalSize)
	}
	return out, nil
}
