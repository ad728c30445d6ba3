package jitter

import "math"

// Concealer synthesizes audio for samples that are missing because a packet
// was lost, arrived too late or failed to decode.
type Concealer interface {
	// Conceal writes n sample frames (n*channels interleaved samples) into
	// out. history holds the most recent good audio, oldest first, and may
	// be empty. Consecutive calls continue the same concealment episode.
	Conceal(history, out []float32, channels, n int)
	// Reset ends the current episode; called once good audio resumes.
	Reset()
}

// FadeConcealer repeats the last good audio with a linear fade to zero.
type FadeConcealer struct {
	// FadeSamples is the episode length, in sample frames, after which the
	// output is silent.
	FadeSamples int
	pos         int
}

// NewFadeConcealer creates a concealer fading out over fadeSamples frames.
func NewFadeConcealer(fadeSamples int) *FadeConcealer {
	return &FadeConcealer{FadeSamples: fadeSamples}
}

// Conceal implements Concealer.
func (c *FadeConcealer) Conceal(history, out []float32, channels, n int) {
	period := len(history) / channels
	for i := 0; i < n; i++ {
		gain := float32(0)
		if c.FadeSamples > 0 && c.pos < c.FadeSamples {
			gain = 1 - float32(c.pos)/float32(c.FadeSamples)
		}
		for ch := 0; ch < channels; ch++ {
			var v float32
			if period > 0 && gain > 0 {
				v = history[(c.pos%period)*channels+ch] * gain
			}
			out[i*channels+ch] = v
		}
		c.pos++
	}
}

// Reset implements Concealer.
func (c *FadeConcealer) Reset() {
	c.pos = 0
}

// NoiseConcealer fills gaps with very quiet noise scaled to the recent
// signal level, so a loss sounds like a dropout rather than a hard mute.
type NoiseConcealer struct {
	// Level is the noise amplitude relative to the history RMS.
	Level float32
	// Ceiling caps the absolute noise amplitude.
	Ceiling float32

	state     uint32
	amplitude float32
	active    bool
}

// NewNoiseConcealer creates a comfort-noise concealer.
func NewNoiseConcealer() *NoiseConcealer {
	return &NoiseConcealer{Level: 0.05, Ceiling: 0.003, state: 0x9E3779B9}
}

// Conceal implements Concealer.
func (c *NoiseConcealer) Conceal(history, out []float32, channels, n int) {
	if !c.active {
		c.amplitude = min(rms(history)*c.Level, c.Ceiling)
		c.active = true
	}
	for i := 0; i < n*channels; i++ {
		out[i] = c.amplitude * c.next()
	}
}

// Reset implements Concealer.
func (c *NoiseConcealer) Reset() {
	c.active = false
}

// next returns a uniform value in [-1, 1) from a xorshift generator.
func (c *NoiseConcealer) next() float32 {
	if c.state == 0 {
		c.state = 0x9E3779B9
	}
	c.state ^= c.state << 13
	c.state ^= c.state >> 17
	c.state ^= c.state << 5
	return float32(c.state)/float32(1<<31) - 1
}

func rms(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}
