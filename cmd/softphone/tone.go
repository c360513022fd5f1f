package main

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/sipphone/pkg/call"
	"github.com/arzzra/sipphone/pkg/rtp"
)

const toneAmplitude = 0.3 * math.MaxInt16

// toneGenerator синусоида заданной частоты. Фаза сохраняется между кадрами.
type toneGenerator struct {
	sampleRate float64
	step       float64
	phase      float64
}

func newToneGenerator(sampleRate uint32, frequency float64) *toneGenerator {
	return &toneGenerator{
		sampleRate: float64(sampleRate),
		step:       2 * math.Pi * frequency / float64(sampleRate),
	}
}

// Frame следующий кадр из n отсчетов
func (g *toneGenerator) Frame(n int) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(toneAmplitude * math.Sin(g.phase))
		g.phase += g.step
		if g.phase >= 2*math.Pi {
			g.phase -= 2 * math.Pi
		}
	}
	return pcm
}

// interleave повторяет моно кадр в каждый канал
func interleave(mono []int16, channels int) []int16 {
	if channels <= 1 {
		return mono
	}
	out := make([]int16, 0, len(mono)*channels)
	for _, v := range mono {
		for ch := 0; ch < channels; ch++ {
			out = append(out, v)
		}
	}
	return out
}

// playTone отдает кадры тона в звонок с периодом ptime до отмены ctx
func playTone(ctx context.Context, c *call.Call, frequency float64, logger *logrus.Logger) {
	answer := c.Answer()
	if answer == nil {
		return
	}
	ptime := answer.Ptime
	if ptime <= 0 {
		ptime = 20 * time.Millisecond
	}
	samples := int(uint64(answer.Codec.ClockRate) * uint64(ptime) / uint64(time.Second))
	channels := int(answer.Codec.Channels)
	gen := newToneGenerator(answer.Codec.ClockRate, frequency)

	ticker := time.NewTicker(ptime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-ticker.C:
			err := c.SendAudio(interleave(gen.Frame(samples), channels))
			switch {
			case err == nil:
			case errors.Is(err, rtp.ErrQueueFull):
				logger.Debug("очередь отправки заполнена, кадр тона пропущен")
			default:
				logger.WithError(err).Debug("отправка тона остановлена")
				return
			}
		}
	}
}
