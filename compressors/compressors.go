// Package compressors provides the codecs used for segment payloads,
// behind the core.Compressor interface.
package compressors

import (
	"fmt"

	"github.com/INLOpen/nexussearch/core"
)

// ForType returns a compressor for the given on-disk compression type.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return NewNoneCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unknown compression type %d: %w", ct, core.ErrCorrupted)
	}
}

// ForName resolves a configuration string ("none", "snappy", "lz4",
// "zstd") to a compressor.
func ForName(name string) (core.Compressor, error) {
	switch name {
	case "", "none":
		return NewNoneCompressor(), nil
	case "snappy":
		return NewSnappyCompressor(), nil
	case "lz4":
		return NewLz4Compressor(), nil
	case "zstd":
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unknown compression codec %q", name)
	}
}
