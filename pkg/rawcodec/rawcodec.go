// Package rawcodec compresses raw platform payloads kept next to archived
// messages.
package rawcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Encoder and decoder are safe for concurrent use and reused across calls.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("rawcodec: zstd encoder initialization failed: " + err.Error())
	}

	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("rawcodec: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress returns nil for an empty payload.
func Compress(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return encoder.EncodeAll(raw, nil)
}

func Decompress(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 {
		return nil, nil
	}

	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}

	return raw, nil
}
