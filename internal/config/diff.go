package config

// ConfigDiff describes what changed between two configs. Only the fields a
// running session can absorb are tracked individually; anything else sets
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VolumeChanged bool
	NewVolume     float64

	ReverbChanged bool
	NewReverbMix  float64

	CaptionsChanged bool
	CaptionsEnabled bool

	// RestartRequired lists the top-level sections whose changes only take
	// effect on the next conversation.
	RestartRequired []string
}

// Empty reports whether the diff carries no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VolumeChanged && !d.ReverbChanged &&
		!d.CaptionsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}
	if old.Effects.Volume != new.Effects.Volume {
		d.VolumeChanged = true
		d.NewVolume = new.Effects.Volume
	}
	if old.Effects.ReverbMix != new.Effects.ReverbMix {
		d.ReverbChanged = true
		d.NewReverbMix = new.Effects.ReverbMix
	}
	if old.Captions.Enabled != new.Captions.Enabled {
		d.CaptionsChanged = true
		d.CaptionsEnabled = new.Captions.Enabled
	}

	if !old.Agent.equal(new.Agent) {
		d.RestartRequired = append(d.RestartRequired, "agent")
	}
	if old.Transport != new.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Effects.ReverbSeconds != new.Effects.ReverbSeconds || old.Effects.ReverbDecay != new.Effects.ReverbDecay {
		d.RestartRequired = append(d.RestartRequired, "effects")
	}
	if old.Captions.Terminal != new.Captions.Terminal {
		d.RestartRequired = append(d.RestartRequired, "captions")
	}
	if old.Control != new.Control {
		d.RestartRequired = append(d.RestartRequired, "control")
	}
	return d
}
