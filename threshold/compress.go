package threshold

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies how the payload was compressed before sealing.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

// maxPlainSize bounds decompression of untrusted envelopes.
const maxPlainSize = 64 << 20

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("threshold: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPlainSize))
	if err != nil {
		panic("threshold: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns the smaller of data and its zstd encoding.
func compress(data []byte) ([]byte, Compression) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, CompressionNone
	}
	return compressed, CompressionZstd
}

func decompress(data []byte, c Compression, plainSize int) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		if plainSize < 0 || plainSize > maxPlainSize {
			return nil, fmt.Errorf("zstd decompress: declared size %d out of range", plainSize)
		}
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, plainSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != plainSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), plainSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}
