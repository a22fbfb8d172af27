// Package app wires voxlink's subsystems into a running client.
//
// New builds the long-lived pieces (captions, control server, metrics), Run
// resolves the agent URL and drives one conversation until it ends or ctx is
// cancelled, and Shutdown tears everything down. Volume, reverb and caption
// settings live on the App so they survive the session and can be changed by
// the control API or a config reload at any time.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/caption"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/control"
	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/internal/visual"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/effects"
	"github.com/MrWong99/voxlink/pkg/protocol"
)

// Devices are the audio endpoints of the conversation.
type Devices struct {
	Microphone audio.Microphone
	Speaker    audio.Speaker
}

// App owns the client lifecycle.
type App struct {
	cfg      *config.Config
	devices  Devices
	level    *slog.LevelVar
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	client   *http.Client
	onVisual func(visual.Frame)

	captionOut io.Writer
	feed       *caption.Broadcaster
	captions   *caption.Synchronizer
	control    *control.Server

	mu      sync.Mutex
	sess    *session.Session
	volume  float64
	mix     float64
	cancel  context.CancelFunc
	stopped bool

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLevelVar lets config reloads change the log level of the handler that
// was built around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics overrides the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithHTTPClient sets the client used for signed URL requests and the
// WebSocket upgrade.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.client = c }
}

// WithCaptionWriter renders captions as a status line on w in addition to
// the control API feed.
func WithCaptionWriter(w io.Writer) Option {
	return func(a *App) { a.captionOut = w }
}

// WithVisualSink receives every visualization frame.
func WithVisualSink(fn func(visual.Frame)) Option {
	return func(a *App) { a.onVisual = fn }
}

// New validates the device set and builds the long-lived subsystems.
func New(cfg *config.Config, devices Devices, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if devices.Microphone == nil || devices.Speaker == nil {
		return nil, errors.New("app: microphone and speaker are required")
	}
	a := &App{
		cfg:     cfg,
		devices: devices,
		feed:    caption.NewBroadcaster(0),
		volume:  cfg.Effects.Volume,
		mix:     cfg.Effects.ReverbMix,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	var surface caption.Surface = a.feed
	if a.captionOut != nil {
		surface = caption.Multi{a.feed, caption.NewTerminal(a.captionOut)}
	}
	a.captions = caption.New(surface, caption.WithEnabled(cfg.Captions.Enabled))

	srv, err := control.New(control.Config{
		Controller: a,
		Captions:   a.captions,
		Feed:       a.feed,
		Metrics:    a.metrics,
		Gatherer:   a.gatherer,
		Checkers: []health.Checker{
			{Name: "session", Check: a.checkSession},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.control = srv
	return a, nil
}

// Control returns the control API server.
func (a *App) Control() *control.Server { return a.control }

// Captions returns the caption synchronizer.
func (a *App) Captions() *caption.Synchronizer { return a.captions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run holds one conversation. It returns nil when the conversation ends
// normally (agent hangup, Shutdown or ctx cancellation) and the cause
// otherwise. The control server, when configured, runs for the same span.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return session.ErrClosed
	}
	a.cancel = cancel
	cfg := a.cfg
	a.mu.Unlock()

	url, dialOpts, err := a.resolve(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	sess := session.New(session.Config{
		URL:           url,
		DialOptions:   dialOpts,
		Microphone:    a.devices.Microphone,
		Speaker:       a.devices.Speaker,
		Captions:      a.captions,
		Metrics:       a.metrics,
		SampleRate:    cfg.Audio.TargetSampleRate,
		CaptureBuffer: cfg.Audio.CaptureBuffer,
		RenderBlock:   cfg.Audio.RenderBlock,
		HandoffWindow: cfg.Audio.HandoffWindow,
		Effects:       a.effectOptions(cfg.Effects),
		OnVisual:      a.onVisual,
	})
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.sess = sess
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.sess = nil
		a.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	if addr := cfg.Control.ListenAddr; addr != "" {
		g.Go(func() error { return a.control.ListenAndServe(gctx, addr) })
	}
	g.Go(func() error {
		// The conversation bounds the run: when it ends, so does the
		// control server.
		defer cancel()
		return sess.Run(gctx)
	})

	slog.Info("app: conversation starting", "session_id", sess.ID(), "control", cfg.Control.ListenAddr)
	err = g.Wait()
	slog.Info("app: conversation ended", "session_id", sess.ID(), "err", err)
	if errors.Is(err, context.Canceled) || errors.Is(err, session.ErrClosed) {
		return nil
	}
	return err
}

// resolve returns the URL to dial and the options that authenticate and tune
// the connection.
func (a *App) resolve(ctx context.Context, cfg *config.Config) (string, []transport.Option, error) {
	ag := cfg.Agent
	opts := []transport.Option{
		transport.WithInit(handshake(ag)),
		transport.WithSendBuffer(cfg.Transport.SendBuffer),
		transport.WithMessageBuffer(cfg.Transport.MessageBuffer),
		transport.WithWriteTimeout(cfg.Transport.WriteTimeout),
	}
	if a.client != nil {
		opts = append(opts, transport.WithHTTPClient(a.client))
	}

	if ag.SignedURL {
		base := ag.APIBase
		if base == "" {
			base = transport.DefaultAPIBase
		}
		url, err := transport.FetchSignedURL(ctx, a.client, base, ag.ID, ag.APIKey)
		if err != nil {
			return "", nil, fmt.Errorf("app: resolve agent url: %w", err)
		}
		return url, opts, nil
	}

	url := ag.URL
	if url == "" {
		url = transport.DefaultURL
	}
	if ag.ID != "" {
		var err error
		if url, err = transport.AgentURL(url, ag.ID); err != nil {
			return "", nil, fmt.Errorf("app: resolve agent url: %w", err)
		}
	}
	if ag.APIKey != "" {
		opts = append(opts, transport.WithAPIKey(ag.APIKey))
	}
	return url, opts, nil
}

// handshake builds the conversation initiation payload. The override is sent
// only when something in it is set.
func handshake(ag config.AgentConfig) protocol.Init {
	msg := protocol.Init{DynamicVariables: maps.Clone(ag.DynamicVariables)}
	if ag.FirstMessage != "" || ag.Language != "" {
		msg.Override = &protocol.ConfigOverride{Agent: &protocol.AgentOverride{
			FirstMessage: ag.FirstMessage,
			Language:     ag.Language,
		}}
	}
	return msg
}

func (a *App) effectOptions(e config.EffectsConfig) []effects.Option {
	a.mu.Lock()
	defer a.mu.Unlock()
	return []effects.Option{
		effects.WithGain(a.volume),
		effects.WithReverbMix(a.mix),
		effects.WithReverb(time.Duration(e.ReverbSeconds*float64(time.Second)), e.ReverbDecay),
	}
}

func (a *App) checkSession(context.Context) error {
	st, ok := a.Status()
	switch {
	case !ok:
		return errors.New("no conversation")
	case !st.Connected:
		return errors.New("not connected")
	}
	return nil
}

// ─── Controller ──────────────────────────────────────────────────────────────

// Status implements [control.Controller].
func (a *App) Status() (session.Status, bool) {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess == nil {
		return session.Status{}, false
	}
	return sess.Status(), true
}

// Volume implements [control.Controller].
func (a *App) Volume() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.volume
}

// ReverbMix implements [control.Controller].
func (a *App) ReverbMix() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mix
}

// SetVolume implements [control.Controller]. v is clamped to [0, 1].
func (a *App) SetVolume(v float64) {
	v = min(max(v, 0), 1)
	a.mu.Lock()
	a.volume = v
	sess := a.sess
	a.mu.Unlock()
	if sess != nil {
		sess.SetVolume(v)
	}
}

// SetReverbMix implements [control.Controller]. mix is clamped to [0, 1].
func (a *App) SetReverbMix(mix float64) {
	mix = min(max(mix, 0), 1)
	a.mu.Lock()
	a.mix = mix
	sess := a.sess
	a.mu.Unlock()
	if sess != nil {
		sess.SetReverbMix(mix)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the live parts of a config change. It is meant as the
// [config.Watcher] callback.
func (a *App) ApplyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
	}
	if d.VolumeChanged {
		a.SetVolume(d.NewVolume)
	}
	if d.ReverbChanged {
		a.SetReverbMix(d.NewReverbMix)
	}
	if d.CaptionsChanged {
		a.captions.SetEnabled(d.CaptionsEnabled)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes take effect on the next conversation", "sections", d.RestartRequired)
	}
	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()
}

// SlogLevel maps a config level onto slog.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the conversation and waits for the session teardown or the
// ctx deadline, whichever comes first.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.stopped = true
		sess, cancel := a.sess, a.cancel
		a.mu.Unlock()
		slog.Info("app: shutting down")

		done := make(chan error, 1)
		go func() {
			if sess == nil {
				done <- nil
				return
			}
			done <- sess.Close()
		}()
		select {
		case err = <-done:
		case <-ctx.Done():
			slog.Warn("app: shutdown deadline exceeded")
			err = ctx.Err()
		}
		if cancel != nil {
			cancel()
		}
		a.captions.Clear()
	})
	return err
}
