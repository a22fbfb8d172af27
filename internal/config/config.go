// Package config provides the configuration schema, loader, validation, and
// hot-reload watcher for voxlink.
package config

import (
	"maps"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Backend selects the audio device implementation.
type Backend string

const (
	// BackendPortAudio uses the host's sound devices.
	BackendPortAudio Backend = "portaudio"

	// BackendVirtual uses headless devices: a raw PCM file or silence as the
	// microphone and a paced, discarding speaker.
	BackendVirtual Backend = "virtual"
)

// IsValid reports whether b is a recognised backend.
func (b Backend) IsValid() bool {
	return b == BackendPortAudio || b == BackendVirtual
}

// APIKeyEnv is the environment variable consulted when agent.api_key is empty.
const APIKeyEnv = "ELEVENLABS_API_KEY"

// Config is the root configuration.
type Config struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	Agent     AgentConfig     `yaml:"agent"`
	Transport TransportConfig `yaml:"transport"`
	Audio     AudioConfig     `yaml:"audio"`
	Effects   EffectsConfig   `yaml:"effects"`
	Captions  CaptionsConfig  `yaml:"captions"`
	Control   ControlConfig   `yaml:"control"`
}

// AgentConfig identifies the remote conversational agent.
type AgentConfig struct {
	// ID is the agent identifier appended as the agent_id query parameter.
	ID string `yaml:"id"`

	// APIKey authenticates against the agent service. Falls back to
	// [APIKeyEnv] when empty.
	APIKey string `yaml:"api_key"`

	// URL is the conversation WebSocket endpoint. Empty selects the public
	// endpoint.
	URL string `yaml:"url"`

	// APIBase is the HTTPS base used to request signed URLs. Empty selects
	// the public API.
	APIBase string `yaml:"api_base"`

	// SignedURL requests a short-lived signed URL before dialling instead of
	// sending the API key on the upgrade request.
	SignedURL bool `yaml:"signed_url"`

	// FirstMessage replaces the agent's opening line for this client.
	FirstMessage string `yaml:"first_message"`

	// Language overrides the conversation language, e.g. "de".
	Language string `yaml:"language"`

	// DynamicVariables fill {{placeholders}} in the agent prompt.
	DynamicVariables map[string]string `yaml:"dynamic_variables"`
}

func (a AgentConfig) equal(b AgentConfig) bool {
	return a.ID == b.ID && a.APIKey == b.APIKey && a.URL == b.URL &&
		a.APIBase == b.APIBase && a.SignedURL == b.SignedURL &&
		a.FirstMessage == b.FirstMessage && a.Language == b.Language &&
		maps.Equal(a.DynamicVariables, b.DynamicVariables)
}

// TransportConfig tunes the control channel.
type TransportConfig struct {
	// SendBuffer is how many outbound frames may wait for the writer before
	// Send starts failing.
	SendBuffer int `yaml:"send_buffer"`

	// MessageBuffer is the capacity of the inbound message channel.
	MessageBuffer int `yaml:"message_buffer"`

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AudioConfig describes capture and playback.
type AudioConfig struct {
	Backend Backend `yaml:"backend"`

	// TargetSampleRate is the rate of outbound chunks and of agent audio.
	TargetSampleRate int `yaml:"target_sample_rate"`

	// CaptureBuffer is the capture window in device frames.
	CaptureBuffer int `yaml:"capture_buffer"`

	// RenderBlock is the number of frames per render quantum.
	RenderBlock int `yaml:"render_block"`

	// InputRate is the device capture rate. Zero lets the backend choose.
	InputRate int `yaml:"input_rate"`

	// Input names the capture device (portaudio) or a raw 16-bit mono PCM
	// file (virtual). Empty selects the default device or silence.
	Input string `yaml:"input"`

	// Output names the playback device. Ignored by the virtual backend.
	Output string `yaml:"output"`

	// HandoffWindow is how long the renderer holds a partly filled block
	// open for the next item after one ends, before padding with silence.
	HandoffWindow time.Duration `yaml:"handoff_window"`
}

// EffectsConfig configures the output effects graph.
type EffectsConfig struct {
	// Volume is the output gain in [0, 1].
	Volume float64 `yaml:"volume"`

	// ReverbMix is the wet share in [0, 1].
	ReverbMix float64 `yaml:"reverb_mix"`

	// ReverbSeconds is the impulse response length.
	ReverbSeconds float64 `yaml:"reverb_seconds"`

	// ReverbDecay is the impulse response envelope time constant.
	ReverbDecay time.Duration `yaml:"reverb_decay"`
}

// CaptionsConfig configures the caption display.
type CaptionsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Terminal renders captions on stderr in addition to the control API.
	Terminal bool `yaml:"terminal"`
}

// ControlConfig configures the local control API.
type ControlConfig struct {
	// ListenAddr is the TCP address for the control server. Empty disables it.
	ListenAddr string `yaml:"listen_addr"`
}

// Defaults returns a Config populated with the default values. Decoding
// starts from these, so a file only needs to name what it overrides.
func Defaults() *Config {
	return &Config{
		LogLevel: LogInfo,
		Transport: TransportConfig{
			SendBuffer:    256,
			MessageBuffer: 64,
			WriteTimeout:  5 * time.Second,
		},
		Audio: AudioConfig{
			Backend:          BackendPortAudio,
			TargetSampleRate: 16000,
			CaptureBuffer:    4096,
			RenderBlock:      512,
			HandoffWindow:    5 * time.Millisecond,
		},
		Effects: EffectsConfig{
			Volume:        0.5,
			ReverbMix:     0.05,
			ReverbSeconds: 2,
			ReverbDecay:   500 * time.Millisecond,
		},
		Captions: CaptionsConfig{Enabled: true},
		Control:  ControlConfig{ListenAddr: "127.0.0.1:8089"},
	}
}
