package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a float32 output
// stream. Multi-channel buffers are interleaved.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// LinearResampler converts a continuous float32 stream between sample rates
// using linear interpolation. It keeps the last input sample and the
// fractional read position between calls so that block boundaries do not
// click. Create one per channel; not safe for concurrent use.
type LinearResampler struct {
	ratio float64 // input samples consumed per output sample
	pos   float64 // read position; 0 addresses prev, k>=1 addresses in[k-1]
	prev  float32
}

// NewLinearResampler returns a resampler from srcRate to dstRate. Non-positive
// rates are treated as equal rates (pass-through).
func NewLinearResampler(srcRate, dstRate int) *LinearResampler {
	ratio := 1.0
	if srcRate > 0 && dstRate > 0 {
		ratio = float64(srcRate) / float64(dstRate)
	}
	return &LinearResampler{ratio: ratio}
}

// Process appends the resampled form of in to out and returns the extended
// slice. When the rates are equal the input is appended unchanged.
func (r *LinearResampler) Process(out, in []float32) []float32 {
	if r.ratio == 1 {
		return append(out, in...)
	}
	n := len(in)
	if n == 0 {
		return out
	}
	at := func(k int) float32 {
		if k == 0 {
			return r.prev
		}
		return in[k-1]
	}
	for r.pos < float64(n) {
		i := int(r.pos)
		frac := float32(r.pos - float64(i))
		a, b := at(i), at(i+1)
		out = append(out, a+(b-a)*frac)
		r.pos += r.ratio
	}
	r.pos -= float64(n)
	r.prev = in[n-1]
	return out
}

// FormatConverter adapts the planar stereo output of the effects graph to a
// device [Format]: it resamples each channel and interleaves (or downmixes)
// into the device channel layout. Create one per output stream; not designed
// for shared use across goroutines.
type FormatConverter struct {
	Source Format
	Target Format

	left, right *LinearResampler
	bufL, bufR  []float32
	warnOnce    sync.Once
}

// NewFormatConverter returns a converter from a planar stereo source at
// sourceRate to target.
func NewFormatConverter(sourceRate int, target Format) *FormatConverter {
	return &FormatConverter{
		Source: Format{SampleRate: sourceRate, Channels: 2},
		Target: target,
		left:   NewLinearResampler(sourceRate, target.SampleRate),
		right:  NewLinearResampler(sourceRate, target.SampleRate),
	}
}

// Convert resamples the planar left/right block and appends the interleaved
// device-format result to dst. A mono target receives the average of both
// channels; targets with more than two channels get left/right on the first
// two channels and silence on the rest.
func (c *FormatConverter) Convert(dst, left, right []float32) []float32 {
	if c.Source.SampleRate != c.Target.SampleRate {
		c.warnOnce.Do(func() {
			slog.Debug("audio output format: resampling",
				"from", c.Source.String(),
				"to", c.Target.String(),
			)
		})
	}
	c.bufL = c.left.Process(c.bufL[:0], left)
	c.bufR = c.right.Process(c.bufR[:0], right)
	n := min(len(c.bufL), len(c.bufR))

	switch ch := c.Target.Channels; {
	case ch <= 1:
		for i := range n {
			dst = append(dst, (c.bufL[i]+c.bufR[i])*0.5)
		}
	case ch == 2:
		for i := range n {
			dst = append(dst, c.bufL[i], c.bufR[i])
		}
	default:
		for i := range n {
			dst = append(dst, c.bufL[i], c.bufR[i])
			for range ch - 2 {
				dst = append(dst, 0)
			}
		}
	}
	return dst
}
