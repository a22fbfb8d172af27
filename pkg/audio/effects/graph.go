// Package effects implements the playback effects graph: a master gain
// followed by an equal-power dry/wet split into a convolution reverb.
//
//	in ─► gain ─┬─► dry (cos(mix·π/2)) ──────────────┬─► L/R ─► meter
//	            └─► IR convolver L/R ─► wet (sin·0.6) ┘
//
// Control setters (SetGain, SetReverbMix) may be called from any goroutine;
// Process runs on the render goroutine. Every parameter change ramps over
// the configured ramp time instead of stepping.
package effects

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

const (
	// DefaultGain is the initial master volume.
	DefaultGain = 0.5

	// DefaultReverbMix is the initial dry/wet balance.
	DefaultReverbMix = 0.05

	// DefaultReverbLength is the length of the synthetic impulse response.
	DefaultReverbLength = 2 * time.Second

	// DefaultReverbDecay is the time constant of the impulse envelope.
	DefaultReverbDecay = 500 * time.Millisecond

	// DefaultRamp is how long parameter changes take to settle.
	DefaultRamp = 100 * time.Millisecond

	// WetScale caps the wet path below unity so the reverb never dominates
	// the level even at full mix.
	WetScale = 0.6
)

// CrossfadeGains returns the equal-power dry and wet gains for mix in [0, 1].
// dry² + (wet/WetScale)² == 1 for every mix. Out-of-range values are clamped.
func CrossfadeGains(mix float64) (dry, wet float64) {
	mix = clamp01(mix)
	return math.Cos(mix * math.Pi / 2), math.Sin(mix*math.Pi/2) * WetScale
}

// Option configures a [Graph].
type Option func(*Graph)

// WithGain sets the initial master gain (clamped to [0, 1]).
func WithGain(v float64) Option {
	return func(g *Graph) { g.initGain = clamp01(v) }
}

// WithReverbMix sets the initial reverb mix (clamped to [0, 1]).
func WithReverbMix(v float64) Option {
	return func(g *Graph) { g.initMix = clamp01(v) }
}

// WithReverb sets the length and decay constant of the synthetic impulse.
func WithReverb(length, decay time.Duration) Option {
	return func(g *Graph) {
		g.irLength = length
		g.irDecay = decay
	}
}

// WithRand seeds impulse generation, making it reproducible.
func WithRand(rng *rand.Rand) Option {
	return func(g *Graph) { g.rng = rng }
}

// WithRamp sets the parameter ramp time.
func WithRamp(d time.Duration) Option {
	return func(g *Graph) { g.rampTime = d }
}

// Graph is the effects chain between the playback queue and the device.
type Graph struct {
	sampleRate int
	block      int

	initGain, initMix float64
	irLength, irDecay time.Duration
	rng               *rand.Rand
	rampTime          time.Duration

	gain, dry, wet *Param
	convL, convR   *Convolver
	tailLen        int
	sinceInput     int

	gainBuf, dryBuf, wetBuf []float32
	sig, wetL, wetR, mono   []float32

	meter audio.Meter
}

// NewGraph builds a graph for mono input at sampleRate in blocks of
// blockSize samples. The impulse response is generated once here.
func NewGraph(sampleRate, blockSize int, opts ...Option) *Graph {
	g := &Graph{
		sampleRate: sampleRate,
		block:      max(blockSize, 1),
		initGain:   DefaultGain,
		initMix:    DefaultReverbMix,
		irLength:   DefaultReverbLength,
		irDecay:    DefaultReverbDecay,
		rampTime:   DefaultRamp,
	}
	for _, o := range opts {
		o(g)
	}

	ir := NewImpulseResponse(sampleRate, g.irLength, g.irDecay, g.rng)
	g.convL = NewConvolver(g.block, ir.Left)
	g.convR = NewConvolver(g.block, ir.Right)
	g.tailLen = ir.Len() + g.block
	g.sinceInput = g.tailLen

	ramp := int(int64(sampleRate) * int64(g.rampTime) / int64(time.Second))
	dry, wet := CrossfadeGains(g.initMix)
	g.gain = NewParam(g.initGain, ramp)
	g.dry = NewParam(dry, ramp)
	g.wet = NewParam(wet, ramp)

	g.gainBuf = make([]float32, g.block)
	g.dryBuf = make([]float32, g.block)
	g.wetBuf = make([]float32, g.block)
	g.sig = make([]float32, g.block)
	g.wetL = make([]float32, g.block)
	g.wetR = make([]float32, g.block)
	g.mono = make([]float32, g.block)
	return g
}

// SampleRate returns the rate the graph was built for.
func (g *Graph) SampleRate() int { return g.sampleRate }

// BlockSize returns the number of samples Process consumes per call.
func (g *Graph) BlockSize() int { return g.block }

// SetGain changes the master gain target, clamped to [0, 1].
func (g *Graph) SetGain(v float64) { g.gain.Set(clamp01(v)) }

// Gain returns the current master gain target.
func (g *Graph) Gain() float64 { return g.gain.Target() }

// SetReverbMix changes the dry/wet balance, clamped to [0, 1]. Both path
// gains ramp to their new equal-power values.
func (g *Graph) SetReverbMix(mix float64) {
	mix = clamp01(mix)
	dry, wet := CrossfadeGains(mix)
	g.dry.Set(dry)
	g.wet.Set(wet)
}

// ReverbMix returns the current mix target.
func (g *Graph) ReverbMix() float64 {
	// Dry gain is cos(mix·π/2), so invert it.
	return math.Acos(min(max(g.dry.Target(), -1), 1)) * 2 / math.Pi
}

// Meter returns the output level tap.
func (g *Graph) Meter() *audio.Meter { return &g.meter }

// Ringing reports whether the reverb tail or a parameter ramp is still
// producing output with no new input. The renderer keeps calling Process
// with silence while this holds. Render goroutine only.
func (g *Graph) Ringing() bool {
	return g.sinceInput < g.tailLen || g.gain.Ramping()
}

// Process runs one block of mono input through the chain and writes the
// planar stereo result to left and right, each of at least BlockSize
// samples. A nil or short in is zero-padded; silent marks a block with no
// new input so the tail can expire.
func (g *Graph) Process(left, right, in []float32, silent bool) {
	b := g.block
	if silent {
		g.sinceInput = min(g.sinceInput+b, g.tailLen)
	} else {
		g.sinceInput = 0
	}

	g.gain.Fill(g.gainBuf)
	g.dry.Fill(g.dryBuf)
	g.wet.Fill(g.wetBuf)

	n := min(len(in), b)
	for i := range n {
		g.sig[i] = in[i] * g.gainBuf[i]
	}
	clear(g.sig[n:])

	g.convL.Process(g.wetL, g.sig)
	g.convR.Process(g.wetR, g.sig)

	for i := range b {
		d := g.sig[i] * g.dryBuf[i]
		left[i] = d + g.wetL[i]*g.wetBuf[i]
		right[i] = d + g.wetR[i]*g.wetBuf[i]
		g.mono[i] = (left[i] + right[i]) * 0.5
	}
	g.meter.Observe(g.mono)
}

// Reset clears the reverb history and the level tap. Render goroutine only.
func (g *Graph) Reset() {
	g.convL.Reset()
	g.convR.Reset()
	g.sinceInput = g.tailLen
	g.meter.Reset()
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return min(max(v, 0), 1)
}
