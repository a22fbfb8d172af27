package effects

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// Convolver applies a long FIR filter to a block stream using uniformly
// partitioned overlap-add convolution. The filter is cut into partitions of
// one block each; every partition is transformed once at construction, and
// each Process call costs one forward and one inverse FFT of twice the block
// size plus one spectral multiply-accumulate per partition.
//
// Latency is zero: the output of Process for block k already contains the
// direct contribution of block k.
//
// Not safe for concurrent use.
type Convolver struct {
	block int
	fft   *fourier.FFT

	parts [][]complex128 // filter partition spectra
	fdl   [][]complex128 // input spectra, fdl[head] is the newest
	head  int

	frame   []float64
	acc     []complex128
	seq     []float64
	overlap []float64
}

// NewConvolver prepares a convolver for blocks of blockSize samples with the
// given filter taps. An empty filter produces silence.
func NewConvolver(blockSize int, taps []float32) *Convolver {
	if blockSize <= 0 {
		blockSize = 1
	}
	n := 2 * blockSize
	c := &Convolver{
		block:   blockSize,
		fft:     fourier.NewFFT(n),
		frame:   make([]float64, n),
		acc:     make([]complex128, blockSize+1),
		seq:     make([]float64, n),
		overlap: make([]float64, blockSize),
	}

	numParts := (len(taps) + blockSize - 1) / blockSize
	c.parts = make([][]complex128, numParts)
	c.fdl = make([][]complex128, numParts)
	for p := range numParts {
		clear(c.frame)
		start := p * blockSize
		end := min(start+blockSize, len(taps))
		for i, v := range taps[start:end] {
			c.frame[i] = float64(v)
		}
		c.parts[p] = c.fft.Coefficients(nil, c.frame)
		c.fdl[p] = make([]complex128, blockSize+1)
	}
	return c
}

// BlockSize returns the block length Process expects.
func (c *Convolver) BlockSize() int { return c.block }

// Process convolves one block of input into out. Both slices must hold at
// least BlockSize samples; shorter input is treated as zero-padded.
func (c *Convolver) Process(out, in []float32) {
	b := c.block
	if len(c.parts) == 0 {
		clear(out[:b])
		return
	}

	// Newest spectrum goes one slot back in the ring.
	c.head = (c.head + len(c.fdl) - 1) % len(c.fdl)
	clear(c.frame)
	for i := range min(len(in), b) {
		c.frame[i] = float64(in[i])
	}
	c.fdl[c.head] = c.fft.Coefficients(c.fdl[c.head], c.frame)

	clear(c.acc)
	for p, h := range c.parts {
		x := c.fdl[(c.head+p)%len(c.fdl)]
		for k := range c.acc {
			c.acc[k] += x[k] * h[k]
		}
	}

	c.seq = c.fft.Sequence(c.seq, c.acc)
	scale := 1 / float64(2*b)
	for i := range b {
		out[i] = float32(c.seq[i]*scale + c.overlap[i])
		c.overlap[i] = c.seq[b+i] * scale
	}
}

// Reset discards all convolution history.
func (c *Convolver) Reset() {
	for _, x := range c.fdl {
		clear(x)
	}
	clear(c.overlap)
}
