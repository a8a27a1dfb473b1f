package compressors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	lz4 "github.com/pierrec/lz4/v4"

	"github.com/INLOpen/nexussearch/core"
)

// LZ4Compressor implements core.Compressor using the lz4 block format.
// The uncompressed length is prefixed as a uvarint because the block
// format does not record it.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	header := binary.AppendUvarint(nil, uint64(len(data)))
	if len(data) == 0 {
		return header, nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 {
		// Incompressible input; CompressBlock signals this with n == 0.
		// Store it raw with a zero-length marker after the size header.
		header = append(header, 0)
		return append(header, data...), nil
	}
	header = append(header, 1)
	return append(header, dst[:n]...), nil
}

func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("lz4 payload missing size header: %w", core.ErrCorrupted)
	}
	if size == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	rest := data[n:]
	if len(rest) == 0 {
		return nil, fmt.Errorf("lz4 payload missing block marker: %w", core.ErrCorrupted)
	}
	marker, block := rest[0], rest[1:]
	if marker == 0 {
		if uint64(len(block)) != size {
			return nil, fmt.Errorf("lz4 raw payload length mismatch: %w", core.ErrCorrupted)
		}
		return io.NopCloser(bytes.NewReader(block)), nil
	}
	dst := make([]byte, size)
	decoded, err := lz4.UncompressBlock(block, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	return io.NopCloser(bytes.NewReader(dst[:decoded])), nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
