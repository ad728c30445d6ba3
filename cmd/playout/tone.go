package main

import "math"

// toneGenerator produces an interleaved sine wave, identical on every
// channel.
type toneGenerator struct {
	freq       float64
	sampleRate uint32
	channels   int
	amplitude  float32
	n          uint64
}

func newToneGenerator(freq float64, sampleRate uint32, channels int) *toneGenerator {
	return &toneGenerator{freq: freq, sampleRate: sampleRate, channels: channels, amplitude: 0.5}
}

// next fills dst with len(dst)/channels sample frames.
func (g *toneGenerator) next(dst []float32) {
	step := 2 * math.Pi * g.freq / float64(g.sampleRate)
	for i := 0; i+g.channels <= len(dst); i += g.channels {
		v := g.amplitude * float32(math.Sin(step*float64(g.n)))
		for c := 0; c < g.channels; c++ {
			dst[i+c] = v
		}
		g.n++
	}
}
