// Package portaudio implements the [audio.Microphone] and [audio.Speaker]
// interfaces on top of the PortAudio library.
//
// PortAudio must be initialised once per process: call [Init] before opening
// any device and the returned release function on shutdown.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone   = (*Microphone)(nil)
	_ audio.Speaker      = (*Speaker)(nil)
	_ audio.InputStream  = (*inputStream)(nil)
	_ audio.OutputStream = (*outputStream)(nil)
)

// Init initialises PortAudio and returns a function that terminates it.
func Init() (release func() error, err error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return pa.Terminate, nil
}

// Devices lists the names of all devices PortAudio can see.
func Devices() ([]string, error) {
	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: devices: %w", err)
	}
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		names = append(names, fmt.Sprintf("%s (in:%d out:%d %.0fHz)",
			d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate))
	}
	return names, nil
}

// findDevice returns the device whose name contains name, or the default
// device for the direction when name is empty.
func findDevice(name string, input bool) (*pa.DeviceInfo, error) {
	if name == "" {
		if input {
			return pa.DefaultInputDevice()
		}
		return pa.DefaultOutputDevice()
	}
	devs, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devs {
		if !strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) {
			continue
		}
		if input && d.MaxInputChannels > 0 || !input && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no device matching %q", name)
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone captures mono float32 audio from a PortAudio input device at
// the device's default sample rate.
type Microphone struct {
	// Device selects an input by case-insensitive name substring. Empty means
	// the system default.
	Device string
}

// Open implements [audio.Microphone]. Any failure to open the device is
// reported as [audio.ErrPermissionDenied]: PortAudio does not distinguish a
// refused device from an unavailable one.
func (m *Microphone) Open(_ context.Context, framesPerBuffer int) (audio.InputStream, error) {
	dev, err := findDevice(m.Device, true)
	if err != nil {
		return nil, fmt.Errorf("portaudio: input device: %w: %v", audio.ErrPermissionDenied, err)
	}

	s := &inputStream{rate: int(dev.DefaultSampleRate)}
	params := pa.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.FramesPerBuffer = framesPerBuffer

	stream, err := pa.OpenStream(params, s.callback)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input %q: %w: %v", dev.Name, audio.ErrPermissionDenied, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input %q: %w: %v", dev.Name, audio.ErrPermissionDenied, err)
	}
	s.stream = stream
	slog.Info("portaudio: input opened", "device", dev.Name, "rate", s.rate, "frames", framesPerBuffer)
	return s, nil
}

type inputStream struct {
	stream *pa.Stream
	rate   int

	// mu is held for the duration of every tap call so that Attach(nil)
	// cannot return while a call is in flight.
	mu  sync.Mutex
	tap audio.Tap

	stopOnce sync.Once
}

func (s *inputStream) callback(in []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tap != nil {
		s.tap(in)
	}
}

func (s *inputStream) SampleRate() int { return s.rate }

func (s *inputStream) Attach(tap audio.Tap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tap = tap
}

func (s *inputStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if e := s.stream.Stop(); e != nil {
			err = fmt.Errorf("portaudio: stop input: %w", e)
		}
		if e := s.stream.Close(); e != nil && err == nil {
			err = fmt.Errorf("portaudio: close input: %w", e)
		}
	})
	return err
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker plays interleaved float32 audio through a PortAudio output device
// using blocking writes.
type Speaker struct {
	// Device selects an output by case-insensitive name substring. Empty
	// means the system default.
	Device string
}

// Open implements [audio.Speaker]. It tries the requested format first and
// falls back to the device's default rate if the device rejects it.
func (sp *Speaker) Open(_ context.Context, want audio.Format, framesPerBuffer int) (audio.OutputStream, error) {
	dev, err := findDevice(sp.Device, false)
	if err != nil {
		return nil, fmt.Errorf("portaudio: output device: %w", err)
	}

	channels := min(max(want.Channels, 1), dev.MaxOutputChannels)
	rates := []float64{float64(want.SampleRate), dev.DefaultSampleRate}
	var lastErr error
	for _, rate := range rates {
		if rate <= 0 {
			continue
		}
		out := &outputStream{
			format: audio.Format{SampleRate: int(rate), Channels: channels},
			buf:    make([]float32, framesPerBuffer*channels),
		}
		params := pa.LowLatencyParameters(nil, dev)
		params.Output.Channels = channels
		params.SampleRate = rate
		params.FramesPerBuffer = framesPerBuffer

		stream, err := pa.OpenStream(params, out.buf)
		if err != nil {
			lastErr = err
			continue
		}
		if err := stream.Start(); err != nil {
			_ = stream.Close()
			lastErr = err
			continue
		}
		out.stream = stream
		if out.format != want {
			slog.Warn("portaudio: output format differs from requested",
				"device", dev.Name, "want", want.String(), "got", out.format.String())
		}
		slog.Info("portaudio: output opened", "device", dev.Name, "format", out.format.String())
		return out, nil
	}
	return nil, fmt.Errorf("portaudio: open output %q: %w", dev.Name, lastErr)
}

type outputStream struct {
	stream *pa.Stream
	format audio.Format

	mu     sync.Mutex
	buf    []float32 // bound to the stream; Write copies into it
	fill   int
	closed bool
}

func (o *outputStream) Format() audio.Format { return o.format }

// Write implements [audio.OutputStream]. Samples are staged into the
// stream's fixed-size buffer; every time it fills, one blocking PortAudio
// write paces the caller.
func (o *outputStream) Write(block []float32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("portaudio: write: stream closed")
	}
	for len(block) > 0 {
		n := copy(o.buf[o.fill:], block)
		o.fill += n
		block = block[n:]
		if o.fill < len(o.buf) {
			break
		}
		o.fill = 0
		if err := o.stream.Write(); err != nil {
			// Underflow is recoverable; the device simply played silence.
			if err == pa.OutputUnderflowed {
				continue
			}
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

func (o *outputStream) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	var err error
	if e := o.stream.Stop(); e != nil {
		err = fmt.Errorf("portaudio: stop output: %w", e)
	}
	if e := o.stream.Close(); e != nil && err == nil {
		err = fmt.Errorf("portaudio: close output: %w", e)
	}
	return err
}
