package effects

import (
	"math"
	"sync/atomic"
)

// Param is a scalar audio parameter that may be set from any goroutine and is
// read sample-by-sample by the render goroutine. Changes do not step: the
// rendered value moves linearly to the new target over a fixed number of
// samples.
type Param struct {
	target atomic.Uint64 // float64 bits

	// Render goroutine only.
	current   float64
	seen      float64
	step      float64
	remaining int
	ramp      int
}

// NewParam returns a Param that starts at initial with no ramp pending.
// rampSamples <= 0 makes every change take effect on the next sample.
func NewParam(initial float64, rampSamples int) *Param {
	p := &Param{current: initial, seen: initial, ramp: max(rampSamples, 0)}
	p.target.Store(math.Float64bits(initial))
	return p
}

// Set changes the target value. Safe for concurrent use.
func (p *Param) Set(v float64) { p.target.Store(math.Float64bits(v)) }

// Target returns the most recently set value. Safe for concurrent use.
func (p *Param) Target() float64 { return math.Float64frombits(p.target.Load()) }

// Fill writes the per-sample values for the next len(dst) samples and
// advances the ramp. Render goroutine only.
func (p *Param) Fill(dst []float32) {
	if t := p.Target(); t != p.seen {
		p.seen = t
		if p.ramp == 0 {
			p.current = t
			p.remaining = 0
		} else {
			p.step = (t - p.current) / float64(p.ramp)
			p.remaining = p.ramp
		}
	}
	for i := range dst {
		if p.remaining > 0 {
			p.remaining--
			if p.remaining == 0 {
				p.current = p.seen
			} else {
				p.current += p.step
			}
		}
		dst[i] = float32(p.current)
	}
}

// Ramping reports whether a ramp is still in progress. Render goroutine only.
func (p *Param) Ramping() bool { return p.remaining > 0 }
