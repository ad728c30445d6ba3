package jitter

// crossfade writes a linear crossfade from a (fading out) to b (fading in)
// into out. All slices hold n sample frames of interleaved audio.
func crossfade(out, a, b []float32, channels, n int) {
	for i := 0; i < n; i++ {
		w := float32(i+1) / float32(n+1)
		for ch := 0; ch < channels; ch++ {
			j := i*channels + ch
			out[j] = a[j]*(1-w) + b[j]*w
		}
	}
}

// compress time-compresses in (inputFrames sample frames) into out
// (outputFrames sample frames, fewer than inputFrames) by removing one
// segment of inputFrames-outputFrames frames and crossfading over the seam.
func compress(out, in []float32, channels, inputFrames, outputFrames int) {
	r := inputFrames - outputFrames
	p := (outputFrames - r) / 2
	if p < 0 {
		p = 0
	}
	c := channels
	copy(out[:p*c], in[:p*c])
	crossfade(out[p*c:(p+r)*c], in[p*c:(p+r)*c], in[(p+r)*c:(p+2*r)*c], c, r)
	copy(out[(p+r)*c:outputFrames*c], in[(p+2*r)*c:inputFrames*c])
}

// expand stretches in (inputFrames sample frames) into out (outputFrames
// sample frames, more than inputFrames) by repeating one segment of
// outputFrames-inputFrames frames and crossfading over the seam.
func expand(out, in []float32, channels, inputFrames, outputFrames int) {
	r := outputFrames - inputFrames
	p := (inputFrames - 2*r) / 2
	if p < 0 {
		p = 0
	}
	c := channels
	copy(out[:(p+r)*c], in[:(p+r)*c])
	crossfade(out[(p+r)*c:(p+2*r)*c], in[(p+r)*c:(p+2*r)*c], in[p*c:(p+r)*c], c, r)
	copy(out[(p+2*r)*c:outputFrames*c], in[(p+r)*c:inputFrames*c])
}

// stretchable reports whether a stretch between the frame counts has room
// for its crossfade.
func stretchable(inputFrames, outputFrames int) bool {
	if inputFrames > outputFrames {
		return inputFrames-outputFrames <= outputFrames
	}
	return 2*(outputFrames-inputFrames) <= inputFrames
}
