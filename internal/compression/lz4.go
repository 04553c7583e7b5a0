package compression

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// LZ4 provides stateless block compression.
type LZ4 struct{}

// NewLZ4 creates an LZ4 compressor.
func NewLZ4() *LZ4 {
	return &LZ4{}
}

func (*LZ4) Method() Method { return MethodLZ4 }

// Compress compresses src. Incompressible input is returned as stored.
func (*LZ4) Compress(src []byte) ([]byte, Method) {
	compressed := make([]byte, lz4.CompressBlockBound(len(src)))

	n, err := lz4.CompressBlock(src, compressed, nil)
	if err != nil || n <= 0 || n >= len(src) {
		return src, MethodStored
	}
	return compressed[:n], MethodLZ4
}

// Decompress decompresses an LZ4 block of the given original size.
func (*LZ4) Decompress(body []byte, originalSize int) ([]byte, error) {
	dst := make([]byte, originalSize)
	n, err := lz4.UncompressBlock(body, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
	}
	if n != originalSize {
		return nil, fmt.Errorf("%w: lz4 size %d want %d", ErrCorrupt, n, originalSize)
	}
	return dst, nil
}
