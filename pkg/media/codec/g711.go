package codec

import (
	"fmt"
	"time"

	"github.com/zaf/g711"
)

// g711Codec stateless адаптер PCMU/PCMA на 8 кГц
type g711Codec struct {
	name        string
	payloadType uint8
	frame       time.Duration
	encode      func(int16) uint8
	decode      func(uint8) int16
}

func newG711(name string, pt uint8, frame time.Duration, enc func(int16) uint8, dec func(uint8) int16) *g711Codec {
	return &g711Codec{
		name:        name,
		payloadType: pt,
		frame:       frame,
		encode:      enc,
		decode:      dec,
	}
}

func encodeUlaw(s int16) uint8 { return g711.EncodeUlawFrame(s) }
func decodeUlaw(b uint8) int16 { return g711.DecodeUlawFrame(b) }
func encodeAlaw(s int16) uint8 { return g711.EncodeAlawFrame(s) }
func decodeAlaw(b uint8) int16 { return g711.DecodeAlawFrame(b) }

func (c *g711Codec) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: %s: пустой кадр", ErrCodec, c.name)
	}

	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = c.encode(s)
	}
	return out, nil
}

func (c *g711Codec) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: %s: пустой payload", ErrCodec, c.name)
	}

	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = c.decode(b)
	}
	return out, nil
}

func (c *g711Codec) ClockRate() uint32            { return 8000 }
func (c *g711Codec) FrameDuration() time.Duration { return c.frame }
func (c *g711Codec) PayloadType() uint8           { return c.payloadType }
func (c *g711Codec) Name() string                 { return c.name }
func (c *g711Codec) SamplesPerFrame() int         { return samplesFor(8000, c.frame) }
