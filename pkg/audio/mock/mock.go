// Package mock provides in-memory implementations of the [audio.Microphone],
// [audio.InputStream], [audio.Speaker] and [audio.OutputStream] interfaces for
// use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and ordering, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	in := &mock.InputStream{Rate: 48000}
//	mic := &mock.Microphone{Stream: in}
//	// ... start the capture session ...
//	in.Emit(make([]float32, 4096)) // drives the attached tap
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone   = (*Microphone)(nil)
	_ audio.InputStream  = (*InputStream)(nil)
	_ audio.Speaker      = (*Speaker)(nil)
	_ audio.OutputStream = (*OutputStream)(nil)
)

// ─── Event log ────────────────────────────────────────────────────────────────

// Log records named events from several mocks in the order they happened.
// Share one Log between mocks to assert on cross-device teardown order.
type Log struct {
	mu     sync.Mutex
	events []string
}

// Add appends an event.
func (l *Log) Add(event string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

// Events returns a copy of the recorded events.
func (l *Log) Events() []string {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// Stream is returned by [Microphone.Open]. A fresh 48 kHz InputStream is
	// created on first use if left nil.
	Stream *InputStream

	// OpenError is returned by [Microphone.Open] when non-nil.
	OpenError error

	// OpenDelay makes Open wait before returning, honouring ctx.
	OpenDelay time.Duration

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// LastFramesPerBuffer holds the framesPerBuffer argument of the last Open.
	LastFramesPerBuffer int
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context, framesPerBuffer int) (audio.InputStream, error) {
	m.mu.Lock()
	m.CallCountOpen++
	m.LastFramesPerBuffer = framesPerBuffer
	delay, openErr := m.OpenDelay, m.OpenError
	if m.Stream == nil {
		m.Stream = &InputStream{Rate: 48000}
	}
	stream := m.Stream
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}
	return stream, nil
}

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream]. Tests drive
// the attached tap with [InputStream.Emit].
type InputStream struct {
	mu  sync.Mutex
	tap audio.Tap

	// tapMu serialises Emit against Attach so that Attach(nil) returning
	// means no tap call is in flight.
	tapMu sync.Mutex

	// Rate is returned by SampleRate.
	Rate int

	// StopError is returned by Stop.
	StopError error

	// Log, if set, receives "input.attach", "input.detach" and "input.stop".
	Log *Log

	// CallCountAttach records how many times Attach was called.
	CallCountAttach int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// Emitted counts windows delivered to a tap.
	Emitted int

	// EmittedAfterStop counts Emit calls that found an attached tap after
	// Stop; a correct consumer keeps this at zero.
	EmittedAfterStop int

	stopped bool
}

// SampleRate implements [audio.InputStream].
func (s *InputStream) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Rate
}

// Attach implements [audio.InputStream].
func (s *InputStream) Attach(tap audio.Tap) {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountAttach++
	s.tap = tap
	if tap == nil {
		s.Log.Add("input.detach")
	} else {
		s.Log.Add("input.attach")
	}
}

// Stop implements [audio.InputStream].
func (s *InputStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.Log.Add("input.stop")
	return s.StopError
}

// Stopped reports whether Stop has been called.
func (s *InputStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Emit delivers window to the attached tap, as a device callback would. It
// reports whether a tap was attached.
func (s *InputStream) Emit(window []float32) bool {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	s.mu.Lock()
	tap := s.tap
	if tap != nil {
		s.Emitted++
		if s.stopped {
			s.EmittedAfterStop++
		}
	}
	s.mu.Unlock()
	if tap == nil {
		return false
	}
	tap(window)
	return true
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker].
type Speaker struct {
	mu sync.Mutex

	// Stream is returned by [Speaker.Open]. A fresh mono stream at the
	// requested rate is created on first use if left nil.
	Stream *OutputStream

	// OpenError is returned by Open when non-nil.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// LastFormat holds the format requested by the last Open.
	LastFormat audio.Format
}

// Open implements [audio.Speaker].
func (s *Speaker) Open(_ context.Context, want audio.Format, _ int) (audio.OutputStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	s.LastFormat = want
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	if s.Stream == nil {
		s.Stream = &OutputStream{Fmt: audio.Format{SampleRate: want.SampleRate, Channels: 1}}
	}
	return s.Stream, nil
}

// ─── OutputStream ─────────────────────────────────────────────────────────────

// OutputStream is a mock implementation of [audio.OutputStream] that records
// every sample written to it.
type OutputStream struct {
	mu sync.Mutex

	// Fmt is returned by Format.
	Fmt audio.Format

	// Pace, when true, makes Write sleep for the real-time duration of each
	// block like a hardware device.
	Pace bool

	// WriteError is returned by Write when non-nil.
	WriteError error

	// Log, if set, receives "output.close".
	Log *Log

	// CallCountWrite records how many times Write was called.
	CallCountWrite int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	samples []float32
	closed  bool
}

// Format implements [audio.OutputStream].
func (o *OutputStream) Format() audio.Format {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Fmt
}

// Write implements [audio.OutputStream].
func (o *OutputStream) Write(block []float32) error {
	o.mu.Lock()
	o.CallCountWrite++
	if o.WriteError != nil {
		o.mu.Unlock()
		return o.WriteError
	}
	o.samples = append(o.samples, block...)
	pace, f := o.Pace, o.Fmt
	o.mu.Unlock()

	if pace && f.SampleRate > 0 {
		frames := len(block) / max(f.Channels, 1)
		time.Sleep(time.Duration(frames) * time.Second / time.Duration(f.SampleRate))
	}
	return nil
}

// Close implements [audio.OutputStream].
func (o *OutputStream) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	if !o.closed {
		o.closed = true
		o.Log.Add("output.close")
	}
	return nil
}

// Samples returns a copy of everything written so far.
func (o *OutputStream) Samples() []float32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]float32, len(o.samples))
	copy(out, o.samples)
	return out
}
