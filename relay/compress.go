package relay

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Codec compresses payloads with zstd before they reach a sink. Encoders
// and decoders are pooled since they allocate large internal buffers.
type Codec struct {
	encoders sync.Pool
	decoders sync.Pool
}

func NewCodec() *Codec {
	return &Codec{
		encoders: sync.Pool{
			New: func() any {
				w, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
				return w
			},
		},
		decoders: sync.Pool{
			New: func() any {
				r, _ := zstd.NewReader(nil)
				return r
			},
		},
	}
}

func (c *Codec) Compress(data []byte) []byte {
	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)
	return enc.EncodeAll(data, make([]byte, 0, len(data)))
}

func (c *Codec) Decompress(data []byte) ([]byte, error) {
	dec := c.decoders.Get().(*zstd.Decoder)
	defer c.decoders.Put(dec)
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return out, nil
}
