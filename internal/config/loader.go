package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Defaults], applies
// environment fallbacks and validates the result. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if cfg.Agent.APIKey == "" {
		cfg.Agent.APIKey = os.Getenv(APIKeyEnv)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Agent.
	if cfg.Agent.ID == "" && !urlHasAgent(cfg.Agent.URL) {
		errs = append(errs, errors.New("agent.id is required"))
	}
	if cfg.Agent.URL != "" {
		u, err := url.Parse(cfg.Agent.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("agent.url: %w", err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("agent.url scheme %q must be ws or wss", u.Scheme))
		}
	}
	if cfg.Agent.SignedURL && cfg.Agent.APIKey == "" {
		errs = append(errs, fmt.Errorf("agent.signed_url requires agent.api_key or %s", APIKeyEnv))
	}

	// Transport.
	if cfg.Transport.SendBuffer < 0 {
		errs = append(errs, fmt.Errorf("transport.send_buffer must not be negative, got %d", cfg.Transport.SendBuffer))
	}
	if cfg.Transport.MessageBuffer < 0 {
		errs = append(errs, fmt.Errorf("transport.message_buffer must not be negative, got %d", cfg.Transport.MessageBuffer))
	}
	if cfg.Transport.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.write_timeout must not be negative, got %s", cfg.Transport.WriteTimeout))
	}

	// Audio.
	if !cfg.Audio.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: portaudio, virtual", cfg.Audio.Backend))
	}
	if cfg.Audio.TargetSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.target_sample_rate must be positive, got %d", cfg.Audio.TargetSampleRate))
	}
	if cfg.Audio.CaptureBuffer <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture_buffer must be positive, got %d", cfg.Audio.CaptureBuffer))
	}
	if cfg.Audio.RenderBlock <= 0 {
		errs = append(errs, fmt.Errorf("audio.render_block must be positive, got %d", cfg.Audio.RenderBlock))
	}
	if cfg.Audio.InputRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_rate must not be negative, got %d", cfg.Audio.InputRate))
	}
	if cfg.Audio.HandoffWindow < 0 {
		errs = append(errs, fmt.Errorf("audio.handoff_window must not be negative, got %s", cfg.Audio.HandoffWindow))
	}

	// Effects.
	if v := cfg.Effects.Volume; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("effects.volume must be in [0, 1], got %g", v))
	}
	if v := cfg.Effects.ReverbMix; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("effects.reverb_mix must be in [0, 1], got %g", v))
	}
	if v := cfg.Effects.ReverbSeconds; v <= 0 || v > 10 {
		errs = append(errs, fmt.Errorf("effects.reverb_seconds must be in (0, 10], got %g", v))
	}
	if cfg.Effects.ReverbDecay <= 0 {
		errs = append(errs, fmt.Errorf("effects.reverb_decay must be positive, got %s", cfg.Effects.ReverbDecay))
	}

	return errors.Join(errs...)
}

func urlHasAgent(raw string) bool {
	u, err := url.Parse(raw)
	return raw != "" && err == nil && u.Query().Get("agent_id") != ""
}
