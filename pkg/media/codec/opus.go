//go:build !noopus

package codec

import (
	"fmt"
	"sync"
	"time"

	"gopkg.in/hraban/opus.v2"
)

const (
	opusSampleRate = 48000
	opusChannels   = 2

	// максимальный кадр Opus 120 мс
	opusMaxFrameSamples = opusSampleRate * 120 / 1000
	opusMaxPacket       = 1275
)

// opusCodec stateful адаптер: один encoder и один decoder на звонок.
// Кадр PCM interleaved stereo, 48 кГц.
type opusCodec struct {
	payloadType uint8
	frame       time.Duration

	encMu sync.Mutex
	enc   *opus.Encoder

	decMu sync.Mutex
	dec   *opus.Decoder
}

func newOpus(pt uint8, frame time.Duration) (Codec, error) {
	enc, err := opus.NewEncoder(opusSampleRate, opusChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания opus encoder: %w", err)
	}
	if err := enc.SetInBandFEC(true); err != nil {
		return nil, fmt.Errorf("ошибка настройки opus FEC: %w", err)
	}

	dec, err := opus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания opus decoder: %w", err)
	}

	return &opusCodec{
		payloadType: pt,
		frame:       frame,
		enc:         enc,
		dec:         dec,
	}, nil
}

func (c *opusCodec) Encode(pcm []int16) ([]byte, error) {
	c.encMu.Lock()
	defer c.encMu.Unlock()

	buf := make([]byte, opusMaxPacket)
	n, err := c.enc.Encode(pcm, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: opus encode: %v", ErrCodec, err)
	}
	return buf[:n], nil
}

func (c *opusCodec) Decode(payload []byte) ([]int16, error) {
	c.decMu.Lock()
	defer c.decMu.Unlock()

	pcm := make([]int16, opusMaxFrameSamples*opusChannels)
	n, err := c.dec.Decode(payload, pcm)
	if err != nil {
		return nil, fmt.Errorf("%w: opus decode: %v", ErrCodec, err)
	}
	return pcm[:n*opusChannels], nil
}

func (c *opusCodec) ClockRate() uint32            { return opusSampleRate }
func (c *opusCodec) FrameDuration() time.Duration { return c.frame }
func (c *opusCodec) PayloadType() uint8           { return c.payloadType }
func (c *opusCodec) Name() string                 { return NameOpus }
func (c *opusCodec) SamplesPerFrame() int         { return samplesFor(opusSampleRate, c.frame) }
