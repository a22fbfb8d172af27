// Package virtual provides software-only audio devices for headless runs and
// integration tests: a speaker that discards audio at real-time pace, a
// microphone that replays a raw PCM file and a microphone that produces
// silence.
package virtual

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Speaker    = (*Speaker)(nil)
	_ audio.Microphone = (*FileMicrophone)(nil)
	_ audio.Microphone = (*SilentMicrophone)(nil)
)

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker accepts every requested format and discards the audio. When Paced
// is set each Write blocks for the block's real-time duration, which keeps
// the playback renderer at device speed.
type Speaker struct {
	Paced bool

	// Sink, if set, receives the interleaved samples as little-endian
	// float32.
	Sink io.Writer
}

// Open implements [audio.Speaker].
func (s *Speaker) Open(_ context.Context, want audio.Format, _ int) (audio.OutputStream, error) {
	if want.SampleRate <= 0 {
		want.SampleRate = audio.TargetSampleRate
	}
	if want.Channels <= 0 {
		want.Channels = 1
	}
	return &discardStream{format: want, paced: s.Paced, sink: s.Sink, start: time.Now()}, nil
}

type discardStream struct {
	format audio.Format
	paced  bool
	sink   io.Writer

	mu      sync.Mutex
	start   time.Time
	written int64 // frames
	closed  bool
}

func (d *discardStream) Format() audio.Format { return d.format }

func (d *discardStream) Write(block []float32) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("virtual: write: stream closed")
	}
	if d.sink != nil {
		if err := binary.Write(d.sink, binary.LittleEndian, block); err != nil {
			d.mu.Unlock()
			return fmt.Errorf("virtual: write sink: %w", err)
		}
	}
	d.written += int64(len(block) / d.format.Channels)
	due := d.start.Add(time.Duration(d.written) * time.Second / time.Duration(d.format.SampleRate))
	paced := d.paced
	d.mu.Unlock()

	if paced {
		// Sleep to the block's scheduled end rather than for its length, so
		// scheduling jitter does not accumulate.
		if wait := time.Until(due); wait > 0 {
			time.Sleep(wait)
		}
	}
	return nil
}

func (d *discardStream) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// ─── Microphones ──────────────────────────────────────────────────────────────

// FileMicrophone replays a raw signed 16-bit little-endian mono PCM file as
// a live capture stream at Rate, then loops or goes silent.
type FileMicrophone struct {
	Path string
	Rate int
	Loop bool
}

// Open implements [audio.Microphone]. A missing file is reported as
// [audio.ErrPermissionDenied], the same way a refused device is.
func (m *FileMicrophone) Open(_ context.Context, framesPerBuffer int) (audio.InputStream, error) {
	raw, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, fmt.Errorf("virtual: open %s: %w: %v", m.Path, audio.ErrPermissionDenied, err)
	}
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
	}
	rate := m.Rate
	if rate <= 0 {
		rate = audio.TargetSampleRate
	}
	return startGenerator(rate, framesPerBuffer, samples, m.Loop), nil
}

// SilentMicrophone produces windows of silence at Rate.
type SilentMicrophone struct {
	Rate int
}

// Open implements [audio.Microphone].
func (m *SilentMicrophone) Open(_ context.Context, framesPerBuffer int) (audio.InputStream, error) {
	rate := m.Rate
	if rate <= 0 {
		rate = 48000
	}
	return startGenerator(rate, framesPerBuffer, nil, false), nil
}

// generator emits windows from a sample source on a ticker, like a device
// callback thread.
type generator struct {
	rate   int
	frames int
	source []float32
	loop   bool
	pos    int

	mu  sync.Mutex // held during tap calls
	tap audio.Tap

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func startGenerator(rate, frames int, source []float32, loop bool) *generator {
	if frames <= 0 {
		frames = 1024
	}
	g := &generator{
		rate:   rate,
		frames: frames,
		source: source,
		loop:   loop,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go g.run()
	return g
}

func (g *generator) run() {
	defer close(g.done)
	window := make([]float32, g.frames)
	t := time.NewTicker(time.Duration(g.frames) * time.Second / time.Duration(g.rate))
	defer t.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-t.C:
		}
		g.next(window)
		g.mu.Lock()
		if g.tap != nil {
			g.tap(window)
		}
		g.mu.Unlock()
	}
}

// next fills window from the source, looping or padding with silence.
func (g *generator) next(window []float32) {
	clear(window)
	n := 0
	for n < len(window) && len(g.source) > 0 {
		if g.pos >= len(g.source) {
			if !g.loop {
				return
			}
			g.pos = 0
		}
		k := copy(window[n:], g.source[g.pos:])
		g.pos += k
		n += k
	}
}

func (g *generator) SampleRate() int { return g.rate }

func (g *generator) Attach(tap audio.Tap) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tap = tap
}

func (g *generator) Stop() error {
	g.stopOnce.Do(func() {
		close(g.stop)
		<-g.done
	})
	return nil
}
