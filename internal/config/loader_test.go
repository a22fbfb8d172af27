package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/config"
)

func validConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Agent.ID = "agent"
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	t.Parallel()
	if err := config.Validate(validConfig()); err != nil {
		t.Fatalf("defaults with an agent id should be valid, got: %v", err)
	}
}

func TestValidate_AgentIDRequired(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Agent.ID = ""
	err := config.Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "agent.id") {
		t.Fatalf("expected agent.id error, got: %v", err)
	}

	cfg.Agent.URL = "wss://example.com/v1/convai/conversation?agent_id=x"
	if err := config.Validate(cfg); err != nil {
		t.Errorf("agent_id in url should satisfy agent.id, got: %v", err)
	}
}

func TestValidate_AgentURLScheme(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Agent.URL = "https://example.com/conversation"
	err := config.Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "ws or wss") {
		t.Fatalf("expected scheme error, got: %v", err)
	}
}

func TestValidate_SignedURLNeedsKey(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Agent.SignedURL = true
	cfg.Agent.APIKey = ""
	err := config.Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "signed_url") {
		t.Fatalf("expected signed_url error, got: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.LogLevel = "loud"
	cfg.Audio.Backend = "alsa"
	cfg.Audio.TargetSampleRate = 0
	cfg.Audio.CaptureBuffer = -1
	cfg.Audio.RenderBlock = 0
	cfg.Audio.HandoffWindow = -time.Millisecond
	cfg.Effects.Volume = 1.5
	cfg.Effects.ReverbMix = -0.1
	cfg.Effects.ReverbSeconds = 0
	cfg.Effects.ReverbDecay = 0
	cfg.Transport.SendBuffer = -1
	cfg.Transport.MessageBuffer = -1
	cfg.Transport.WriteTimeout = -time.Second

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{
		"log_level", "audio.backend", "target_sample_rate", "capture_buffer",
		"render_block", "handoff_window", "effects.volume", "reverb_mix",
		"reverb_seconds", "reverb_decay", "transport.send_buffer",
		"transport.message_buffer", "transport.write_timeout",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_VolumeBounds(t *testing.T) {
	t.Parallel()
	for _, v := range []float64{0, 0.5, 1} {
		cfg := validConfig()
		cfg.Effects.Volume = v
		if err := config.Validate(cfg); err != nil {
			t.Errorf("volume %g should be valid, got: %v", v, err)
		}
	}
}
