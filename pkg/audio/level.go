package audio

import (
	"math"
	"sync/atomic"
)

// Meter tracks the RMS and peak level of the most recent block observed on an
// audio path. The audio path calls [Meter.Observe]; visualizers poll
// [Meter.Level] and [Meter.Peak] from any goroutine.
//
// The zero value is ready to use.
type Meter struct {
	rms  atomic.Uint32 // float32 bits
	peak atomic.Uint32 // float32 bits
}

// Observe records the level of block. It allocates nothing.
func (m *Meter) Observe(block []float32) {
	if len(block) == 0 {
		m.rms.Store(0)
		m.peak.Store(0)
		return
	}
	var sum float64
	var peak float32
	for _, s := range block {
		sum += float64(s) * float64(s)
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	rms := float32(math.Sqrt(sum / float64(len(block))))
	m.rms.Store(math.Float32bits(rms))
	m.peak.Store(math.Float32bits(peak))
}

// Reset sets both levels back to zero.
func (m *Meter) Reset() {
	m.rms.Store(0)
	m.peak.Store(0)
}

// Level returns the RMS level of the last observed block.
func (m *Meter) Level() float32 { return math.Float32frombits(m.rms.Load()) }

// Peak returns the absolute peak of the last observed block.
func (m *Meter) Peak() float32 { return math.Float32frombits(m.peak.Load()) }
