package compressors

import (
	"bytes"
	"io"

	"github.com/INLOpen/nexussearch/core"
)

// NoneCompressor passes data through unchanged. Used when segment payloads
// are already compressed by their native format.
type NoneCompressor struct{}

var _ core.Compressor = (*NoneCompressor)(nil)

func NewNoneCompressor() *NoneCompressor {
	return &NoneCompressor{}
}

func (c *NoneCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoneCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *NoneCompressor) Type() core.CompressionType {
	return core.CompressionNone
}
