package audio

import "math"

// Resample converts a capture window of float samples in [-1, 1] at
// sourceRate into 16-bit samples at targetRate using nearest-neighbour
// decimation.
//
// The output holds floor(len(in) / (sourceRate/targetRate)) samples. Output
// sample i takes input sample round(i*ratio); an index past the end of the
// input yields silence. Each sample is clamped to [-1, 1] and scaled by
// 32767.
//
// There is no interpolation and no anti-aliasing filter. Content above the
// target Nyquist frequency folds back into the band; for speech sent to a
// recogniser at 16 kHz this is an accepted trade of fidelity for latency and
// simplicity.
func Resample(in []float32, sourceRate, targetRate int) []int16 {
	if sourceRate <= 0 || targetRate <= 0 || len(in) == 0 {
		return nil
	}
	ratio := float64(sourceRate) / float64(targetRate)
	n := int(int64(len(in)) * int64(targetRate) / int64(sourceRate))
	out := make([]int16, n)
	for i := range n {
		idx := int(math.Round(float64(i) * ratio))
		if idx >= len(in) {
			out[i] = 0
			continue
		}
		out[i] = toPCM16(in[idx])
	}
	return out
}

// ResampleFrame is [Resample] wrapped into an [AudioFrame] at targetRate.
func ResampleFrame(in []float32, sourceRate, targetRate int) AudioFrame {
	return AudioFrame{
		Samples:    Resample(in, sourceRate, targetRate),
		SampleRate: targetRate,
	}
}

// toPCM16 clamps x to [-1, 1] and scales it to the int16 range.
func toPCM16(x float32) int16 {
	v := float64(x)
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if math.IsNaN(v) {
		return 0
	}
	return int16(math.Round(v * 32767))
}
