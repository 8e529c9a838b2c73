// Package results stores task result payloads, compressing large ones.
package results

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"marketpulse/internal/types"
)

// CompressThreshold is the encoded JSON size above which payloads are
// stored zstd-compressed.
const CompressThreshold = 8 << 10

var (
	encoderPool = sync.Pool{
		New: func() any {
			e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
			if err != nil {
				// Only fails on invalid options.
				panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
			}
			return e
		},
	}
	decoderPool = sync.Pool{
		New: func() any {
			d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
			}
			return d
		},
	}
)

// Encode marshals data and compresses it when it exceeds CompressThreshold.
func Encode(data types.JSONMap) ([]byte, types.ResultEncoding, error) {
	if data == nil {
		data = types.JSONMap{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, "", fmt.Errorf("encode result: %w", err)
	}
	if len(raw) <= CompressThreshold {
		return raw, types.EncodingJSON, nil
	}

	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/4)), types.EncodingJSONZstd, nil
}

// Decode reverses Encode.
func Decode(payload []byte, encoding types.ResultEncoding) (types.JSONMap, error) {
	raw := payload
	switch encoding {
	case types.EncodingJSON, "":
	case types.EncodingJSONZstd:
		dec := decoderPool.Get().(*zstd.Decoder)
		defer decoderPool.Put(dec)
		var err error
		raw, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompression failed: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown result encoding %q", encoding)
	}

	var out types.JSONMap
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}
