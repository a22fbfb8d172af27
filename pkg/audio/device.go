// Package audio defines the frame type, the PCM conversions and the device
// abstractions used by the voxlink streaming pipeline.
//
// The two device abstractions are:
//
//   - [Microphone] opens the capture device and returns an [InputStream]
//     that delivers fixed-size windows to a single attached tap.
//   - [Speaker] opens the playback device and returns an [OutputStream]
//     that accepts interleaved float32 blocks.
//
// Implementations live in adapter packages (audio/portaudio for hardware,
// audio/virtual for headless runs, audio/mock for tests). The interfaces are
// intentionally narrow so the capture session and the playback renderer stay
// decoupled from device SDKs.
package audio

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned by [Microphone.Open] when access to the
// capture device is refused or the device cannot be opened. It is fatal for
// the session and is surfaced to the user.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// Tap receives one capture window of float samples in [-1, 1] at the stream's
// native sample rate. It is invoked on the device's capture goroutine (or
// thread) at buffer-size cadence and must not block.
//
// The window slice is only valid for the duration of the call.
type Tap func(window []float32)

// Microphone is the entry point for a capture device.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Open requests access to the device and starts capturing in windows of
	// framesPerBuffer samples. ctx governs the permission request only.
	//
	// Returns an error wrapping [ErrPermissionDenied] if access is refused.
	Open(ctx context.Context, framesPerBuffer int) (InputStream, error)
}

// InputStream is a live capture stream obtained from [Microphone.Open].
//
// Implementations must be safe for concurrent use.
type InputStream interface {
	// SampleRate returns the native sample rate of captured windows.
	SampleRate() int

	// Attach installs tap as the single consumer of capture windows. Passing
	// nil detaches the current tap; once Attach(nil) returns, no further call
	// to the previous tap is in flight or will start.
	Attach(tap Tap)

	// Stop releases the hardware device. It is safe to call more than once;
	// subsequent calls are no-ops and return nil.
	Stop() error
}

// Speaker is the entry point for a playback device.
//
// Implementations must be safe for concurrent use.
type Speaker interface {
	// Open starts a playback stream. The requested format is a hint; the
	// returned stream reports the format it actually accepts.
	Open(ctx context.Context, want Format, framesPerBuffer int) (OutputStream, error)
}

// OutputStream is a live playback stream obtained from [Speaker.Open].
type OutputStream interface {
	// Format returns the sample rate and channel layout Write expects.
	Format() Format

	// Write plays an interleaved block. It blocks until the device has
	// accepted the block, which paces the caller at real time.
	Write(block []float32) error

	// Close releases the device. It is safe to call more than once.
	Close() error
}
