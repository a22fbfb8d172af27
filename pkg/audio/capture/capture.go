// Package capture streams microphone audio to the agent.
//
// A [Session] opens the microphone, and while the control channel is open it
// turns every capture window into a 16 kHz base64 chunk and sends it. Windows
// that arrive while the channel is closed are dropped; there is no buffering.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/protocol"
)

// DefaultBufferSize is the capture window length in frames.
const DefaultBufferSize = 4096

// ErrNotConnected is returned by [Session.Start] when the control channel is
// not open once microphone access has been granted.
var ErrNotConnected = errors.New("capture: control channel not open")

// State is the capture session state.
type State int

const (
	Idle State = iota
	Requesting
	Active
	Stopped
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Requesting:
		return "requesting"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Sender is the outbound half of the control channel.
type Sender interface {
	IsOpen() bool
	Send(msg protocol.Message) error
}

// Stats is a snapshot of session counters.
type Stats struct {
	Windows         uint64
	Sent            uint64
	DroppedClosed   uint64
	SendErrors      uint64
	RecoveredPanics uint64
}

// Option configures a [Session].
type Option func(*Session)

// WithBufferSize sets the capture window length in frames.
func WithBufferSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithTargetRate overrides the outbound sample rate.
func WithTargetRate(hz int) Option {
	return func(s *Session) {
		if hz > 0 {
			s.targetRate = hz
		}
	}
}

// WithOnChunk registers fn to run after each chunk is sent, with the number
// of 16-bit samples it carried. fn runs on the capture goroutine.
func WithOnChunk(fn func(samples int)) Option {
	return func(s *Session) { s.onChunk = fn }
}

// WithOnDrop registers fn to run each time a window is dropped because the
// channel is closed or the send failed.
func WithOnDrop(fn func(reason string)) Option {
	return func(s *Session) { s.onDrop = fn }
}

// Session captures microphone audio and forwards it to a [Sender].
//
// All exported methods are safe for concurrent use.
type Session struct {
	mic        audio.Microphone
	sender     Sender
	bufferSize int
	targetRate int
	onChunk    func(int)
	onDrop     func(string)

	mu     sync.Mutex
	state  State
	stream audio.InputStream

	meter audio.Meter

	windows, sent, dropped, sendErrs, panics atomic.Uint64
	stopOnce                                 sync.Once
}

// New creates an idle session that will read from mic and send to sender.
func New(mic audio.Microphone, sender Sender, opts ...Option) *Session {
	s := &Session{
		mic:        mic,
		sender:     sender,
		bufferSize: DefaultBufferSize,
		targetRate: audio.TargetSampleRate,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start requests the microphone and, once granted and with the channel open,
// attaches the capture tap. A refused microphone moves the session to
// [Stopped] and returns an error wrapping [audio.ErrPermissionDenied].
//
// Start may only be called once.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("capture: start: session is %s", st)
	}
	s.state = Requesting
	s.mu.Unlock()

	stream, err := s.mic.Open(ctx, s.bufferSize)
	if err != nil {
		s.setState(Stopped)
		return fmt.Errorf("capture: open microphone: %w", err)
	}

	s.mu.Lock()
	if s.state == Stopped {
		// Stop raced with the permission request.
		s.mu.Unlock()
		return errors.Join(ErrNotConnected, stream.Stop())
	}
	if !s.sender.IsOpen() {
		s.state = Stopped
		s.mu.Unlock()
		return errors.Join(ErrNotConnected, stream.Stop())
	}
	s.stream = stream
	s.state = Active
	s.mu.Unlock()

	rate := stream.SampleRate()
	stream.Attach(func(window []float32) { s.process(window, rate) })
	slog.Info("capture: microphone active",
		"device_rate", rate,
		"target_rate", s.targetRate,
		"buffer", s.bufferSize,
	)
	return nil
}

// process handles one capture window. It runs on the device goroutine and
// never lets a failure escape into it.
func (s *Session) process(window []float32, rate int) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			slog.Error("capture: recovered panic in capture tap", "panic", r)
		}
	}()

	s.windows.Add(1)
	s.meter.Observe(window)

	if !s.sender.IsOpen() {
		s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop("closed")
		}
		return
	}

	frame := audio.ResampleFrame(window, rate, s.targetRate)
	chunk := protocol.UserAudioChunk{Audio: audio.EncodeBase64(frame)}
	if err := s.sender.Send(chunk); err != nil {
		s.sendErrs.Add(1)
		if s.onDrop != nil {
			s.onDrop("send_error")
		}
		slog.Debug("capture: send failed", "err", err)
		return
	}
	s.sent.Add(1)
	if s.onChunk != nil {
		s.onChunk(frame.Len())
	}
}

// Stop detaches the capture tap, then releases the device. It is safe to
// call more than once and from any state.
func (s *Session) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		stream := s.stream
		s.stream = nil
		s.state = Stopped
		s.mu.Unlock()

		s.meter.Reset()
		if stream == nil {
			return
		}
		// Detach first so no callback runs against a released device.
		stream.Attach(nil)
		if e := stream.Stop(); e != nil {
			err = fmt.Errorf("capture: stop microphone: %w", e)
		}
		slog.Info("capture: microphone stopped")
	})
	return err
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Meter returns the input level tap.
func (s *Session) Meter() *audio.Meter { return &s.meter }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Windows:         s.windows.Load(),
		Sent:            s.sent.Load(),
		DroppedClosed:   s.dropped.Load(),
		SendErrors:      s.sendErrs.Load(),
		RecoveredPanics: s.panics.Load(),
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}
