package wire

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

// Compress zstd-compresses data with a shared encoder. EncodeAll is safe for
// concurrent use.
func Compress(data []byte) ([]byte, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	if encoderErr != nil {
		return nil, fmt.Errorf("zstd encoder: %w", encoderErr)
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func Decompress(data []byte) ([]byte, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil)
	})
	if decoderErr != nil {
		return nil, fmt.Errorf("zstd decoder: %w", decoderErr)
	}
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
