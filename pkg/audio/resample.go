package audio

// Resample converts 16-bit little-endian interleaved PCM from srcRate to
// dstRate using per-channel linear interpolation. The input is returned
// unchanged when the rates already match, when a rate is non-positive, or
// when the input is shorter than one frame.
//
// Linear interpolation is adequate here: synthesized speech is band-limited
// well below the Nyquist frequency of every rate the pipeline uses, so a
// windowed-sinc filter would add latency for no audible gain.
func Resample(pcm []byte, srcRate, dstRate, channels int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	if channels <= 0 {
		channels = 1
	}
	frameBytes := channels * 2
	srcFrames := len(pcm) / frameBytes
	if srcFrames < 1 {
		return pcm
	}

	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	step := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		next := idx + 1
		if next >= srcFrames {
			next = idx
		}

		for ch := range channels {
			a := sampleAt(pcm, idx*channels+ch)
			b := sampleAt(pcm, next*channels+ch)
			v := int16(float64(a)*(1-frac) + float64(b)*frac)
			putSampleAt(out, i*channels+ch, v)
		}
	}
	return out
}

// StereoToMono downmixes interleaved 16-bit stereo PCM by averaging each
// left/right pair.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSampleAt(out, i, int16((l+r)/2))
	}
	return out
}

// MonoToStereo duplicates each 16-bit mono sample into a left/right pair.
func MonoToStereo(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples*4)
	for i := range samples {
		s := sampleAt(pcm, i)
		putSampleAt(out, i*2, s)
		putSampleAt(out, i*2+1, s)
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSampleAt(pcm []byte, i int, v int16) {
	pcm[i*2] = byte(v)
	pcm[i*2+1] = byte(v >> 8)
}
