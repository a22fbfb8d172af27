package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrDecode is matched (via [errors.Is]) by every [DecodeError]. Callers drop
// the offending frame and keep the session running.
var ErrDecode = errors.New("audio: decode error")

// DecodeError describes an inbound payload that could not be turned into PCM.
type DecodeError struct {
	// Reason is a short description of what was wrong with the payload.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: decode: %s: %v", e.Reason, e.Err)
	}
	return "audio: decode: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrDecode].
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// EncodeBase64 serialises the frame as PCM16LE bytes and returns the standard
// base64 text used by the protocol's audio fields. Buffers of any size are
// encoded in a single pass.
func EncodeBase64(f AudioFrame) string {
	return base64.StdEncoding.EncodeToString(f.Bytes())
}

// DecodeBase64 turns a base64 PCM16LE payload into an [AudioFrame] at
// sampleRate. Malformed base64 or an odd byte count returns a [*DecodeError].
// An empty payload decodes to an empty frame.
func DecodeBase64(payload string, sampleRate int) (AudioFrame, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return AudioFrame{}, &DecodeError{Reason: "malformed base64", Err: err}
	}
	if len(raw)%2 != 0 {
		return AudioFrame{}, &DecodeError{Reason: fmt.Sprintf("odd byte count %d", len(raw))}
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return AudioFrame{Samples: samples, SampleRate: sampleRate}, nil
}
