package audio

import (
	"encoding/binary"
	"time"
)

// TargetSampleRate is the wire sample rate for both directions of the agent
// protocol: 16 kHz mono PCM16LE.
const TargetSampleRate = 16000

// AudioFrame is a block of signed 16-bit mono samples at a known sample rate.
// Frames are immutable once produced: the resampler creates them from capture
// windows, the codec creates them from inbound base64 payloads, and each
// consumer reads them exactly once.
type AudioFrame struct {
	// Samples holds the PCM samples in playback order.
	Samples []int16

	// SampleRate in Hz (16000 on the wire).
	SampleRate int

	// Timestamp marks when this frame was captured or received, relative to
	// session start.
	Timestamp time.Duration
}

// Len returns the number of samples in the frame.
func (f AudioFrame) Len() int { return len(f.Samples) }

// Duration returns the playback length of the frame. A frame with a
// non-positive sample rate has zero duration.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Bytes returns the frame as little-endian PCM16 bytes.
func (f AudioFrame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Float32 returns the samples normalised to [-1, 1) by dividing by 32768.
// This is the representation used to build playback buffers.
func (f AudioFrame) Float32() []float32 {
	out := make([]float32, len(f.Samples))
	for i, s := range f.Samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}
