package effects

import (
	"math"
	"math/rand/v2"
	"time"
)

// ImpulseResponse is a stereo room response used by the reverb path.
type ImpulseResponse struct {
	Left  []float32
	Right []float32
}

// Len returns the response length in samples.
func (ir ImpulseResponse) Len() int { return max(len(ir.Left), len(ir.Right)) }

// NewImpulseResponse synthesises a hall-like response: uniform noise in
// [-1, 1) shaped by exp(-t/decay), generated independently for each channel.
// A nil rng uses the global source.
func NewImpulseResponse(sampleRate int, length, decay time.Duration, rng *rand.Rand) ImpulseResponse {
	n := int(int64(sampleRate) * int64(length) / int64(time.Second))
	if n <= 0 || sampleRate <= 0 {
		return ImpulseResponse{}
	}
	tau := decay.Seconds() * float64(sampleRate)
	if tau <= 0 {
		tau = 1
	}
	noise := rand.Float64
	if rng != nil {
		noise = rng.Float64
	}
	channel := func() []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32((noise()*2 - 1) * math.Exp(-float64(i)/tau))
		}
		return out
	}
	return ImpulseResponse{Left: channel(), Right: channel()}
}
