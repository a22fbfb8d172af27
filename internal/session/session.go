// Package session runs one conversation with the remote voice agent.
//
// A [Session] owns every per-conversation resource: the control channel,
// the capture session, the playback engine and its renderer, the effects
// graph and the visualization loop. Nothing is global: the app creates a
// Session for each conversation and discards it afterwards.
//
// Inbound messages are routed on a single goroutine:
//
//	user_transcript  → mark the next response as new, clear captions
//	agent_response   → hold the text until its audio starts playing
//	audio            → decode and enqueue for playback
//	metadata         → log the conversation ID, check the audio format
//	ping             → answered by the transport, counted here
//	anything else    → ignored
//
// When the first item after a response starts sounding, the held text is
// handed to the caption synchronizer, timed over that item plus everything
// already queued behind it.
//
// [Session.Close] tears down in a fixed order (capture, playback, captions,
// visualization, transport) and may be called any number of times from any
// goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/caption"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/internal/visual"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/capture"
	"github.com/MrWong99/voxlink/pkg/audio/effects"
	"github.com/MrWong99/voxlink/pkg/audio/playback"
	"github.com/MrWong99/voxlink/pkg/protocol"
)

// ErrClosed is returned by [Session.Run] when the session was closed before
// it finished starting.
var ErrClosed = errors.New("session: closed")

// Config holds the dependencies and tunables of a session.
type Config struct {
	// URL is the fully resolved control channel URL.
	URL string

	// DialOptions are passed to [transport.Dial].
	DialOptions []transport.Option

	Microphone audio.Microphone
	Speaker    audio.Speaker

	// Captions receives agent responses. Nil disables captioning.
	Captions *caption.Synchronizer

	// Metrics records session telemetry. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// SampleRate is the wire and playback rate. Default 16000.
	SampleRate int

	// CaptureBuffer is the capture window in device frames. Default 4096.
	CaptureBuffer int

	// RenderBlock is the playback block size in samples. Default 512.
	RenderBlock int

	// HandoffWindow is how long a finished item waits for its successor.
	HandoffWindow time.Duration

	// Effects configures the playback graph.
	Effects []effects.Option

	// OnVisual receives every visualization frame.
	OnVisual func(visual.Frame)
}

// Status is a point-in-time view of a session.
type Status struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Connected      bool         `json:"connected"`
	Recording      bool         `json:"recording"`
	Playback       string       `json:"playback"`
	QueueLen       int          `json:"queue_len"`
	Played         uint64       `json:"played"`
	SpokenMs       int64        `json:"spoken_ms"`
	TailBlocks     int64        `json:"tail_blocks"`
	ChunksSent     uint64       `json:"chunks_sent"`
	DecodeErrors   uint64       `json:"decode_errors"`
	Volume         float64      `json:"volume"`
	ReverbMix      float64      `json:"reverb_mix"`
	Visual         visual.Frame `json:"visual"`
	StartedAt      time.Time    `json:"started_at"`
}

// Session is one conversation. All exported methods are safe for concurrent
// use.
type Session struct {
	id      string
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger

	mu             sync.Mutex
	conn           *transport.Conn
	capture        *capture.Session
	engine         *playback.Engine
	renderer       *playback.Renderer
	graph          *effects.Graph
	stream         audio.OutputStream
	viz            *visual.Loop
	cancel         context.CancelFunc
	group          *errgroup.Group
	groupCtx       context.Context
	conversationID string
	pending        string // agent response awaiting its audio
	newResponse    bool
	startedAt      time.Time

	closing    atomic.Bool
	active     atomic.Bool // counted in ActiveSessions
	depth      atomic.Int64
	decodeErrs atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// New creates a session that has not connected yet.
func New(cfg Config) *Session {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.TargetSampleRate
	}
	if cfg.CaptureBuffer <= 0 {
		cfg.CaptureBuffer = capture.DefaultBufferSize
	}
	if cfg.RenderBlock <= 0 {
		cfg.RenderBlock = 512
	}
	if cfg.HandoffWindow <= 0 {
		cfg.HandoffWindow = playback.DefaultHandoffWindow
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	id := uuid.NewString()
	return &Session{
		id:          id,
		cfg:         cfg,
		metrics:     m,
		log:         slog.Default().With("session_id", id),
		newResponse: true,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Run connects, starts capture and playback, and blocks until ctx is
// cancelled, the agent closes the channel, or a component fails. It always
// tears the session down before returning. A refused microphone is returned
// as an error wrapping [audio.ErrPermissionDenied].
func (s *Session) Run(ctx context.Context) error {
	ctx, span := observe.StartSpan(observe.WithSessionID(ctx, s.id), "session.run")
	defer span.End()

	if err := s.start(ctx); err != nil {
		span.RecordError(err)
		return errors.Join(err, s.Close())
	}

	s.mu.Lock()
	conn, gctx, group := s.conn, s.groupCtx, s.group
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.log.Info("session: cancelled")
	case <-conn.Done():
		s.log.Info("session: agent closed the channel")
	case <-gctx.Done():
	}

	closeErr := s.Close()
	runErr := group.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if err := conn.Err(); err != nil {
		s.metrics.RecordTransportError(context.WithoutCancel(ctx), "read")
		runErr = errors.Join(runErr, err)
	}
	if err := errors.Join(runErr, closeErr); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *Session) start(ctx context.Context) error {
	cfg := s.cfg

	stream, err := cfg.Speaker.Open(ctx, audio.Format{SampleRate: cfg.SampleRate, Channels: 1}, cfg.RenderBlock)
	if err != nil {
		return fmt.Errorf("session: open speaker: %w", err)
	}
	graph := effects.NewGraph(cfg.SampleRate, cfg.RenderBlock, cfg.Effects...)
	renderer := playback.NewRenderer(graph, stream, playback.WithHandoffWindow(cfg.HandoffWindow))
	engine := playback.New(renderer,
		playback.WithOnStart(s.onStart),
		playback.WithOnIdle(func() { s.log.Debug("session: playback idle") }),
	)
	if !s.install(func() {
		s.stream, s.graph, s.renderer, s.engine = stream, graph, renderer, engine
	}) {
		_ = stream.Close()
		return ErrClosed
	}

	dctx, span := observe.StartSpan(ctx, "transport.dial")
	conn, err := transport.Dial(dctx, cfg.URL, cfg.DialOptions...)
	span.End()
	if err != nil {
		s.metrics.RecordTransportError(ctx, "dial")
		return fmt.Errorf("session: %w", err)
	}

	cs := capture.New(cfg.Microphone, conn,
		capture.WithBufferSize(cfg.CaptureBuffer),
		capture.WithTargetRate(cfg.SampleRate),
		capture.WithOnChunk(func(int) { s.metrics.ChunksSent.Add(context.Background(), 1) }),
		capture.WithOnDrop(s.onDrop),
	)
	viz := visual.New(graph.Meter(), cs.Meter(),
		visual.WithAgentActive(func() bool { return engine.State() == playback.Playing }),
		visual.WithUserActive(func() bool { return cs.State() == capture.Active }),
		visual.WithDraw(cfg.OnVisual),
	)

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)
	if !s.install(func() {
		s.conn, s.capture, s.viz = conn, cs, viz
		s.cancel, s.group, s.groupCtx = cancel, group, gctx
		s.startedAt = time.Now()
	}) {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, transport.ClientDisconnected)
		return ErrClosed
	}
	s.active.Store(true)
	s.metrics.ActiveSessions.Add(ctx, 1)

	group.Go(func() error { return engine.Run(gctx) })
	group.Go(func() error { return renderer.Run(gctx) })
	group.Go(func() error { return s.route(gctx, conn) })
	group.Go(func() error { return viz.Run(gctx) })

	if err := cs.Start(ctx); err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			s.log.Error("session: microphone access denied", "err", err)
		}
		return fmt.Errorf("session: %w", err)
	}
	s.log.Info("session: started", "sample_rate", cfg.SampleRate)
	return nil
}

// install runs fn under the lock unless the session is closing.
func (s *Session) install(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	fn()
	return true
}

// Close tears the session down: it stops capture, flushes playback, clears
// captions, stops the visualization loop and closes the channel with a
// normal status. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing.Store(true)
		cs, engine, conn := s.capture, s.engine, s.conn
		cancel, group, stream := s.cancel, s.group, s.stream
		s.mu.Unlock()

		var errs []error
		if cs != nil {
			errs = append(errs, cs.Stop())
		}
		if engine != nil {
			engine.Flush()
		}
		if s.cfg.Captions != nil {
			s.cfg.Captions.Clear()
		}
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			errs = append(errs, conn.Close(websocket.StatusNormalClosure, transport.ClientDisconnected))
		}
		if group != nil {
			_ = group.Wait()
		}
		if stream != nil {
			errs = append(errs, stream.Close())
		}
		s.reportDepth(context.Background(), 0)
		if s.active.CompareAndSwap(true, false) {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		s.closeErr = errors.Join(errs...)
		s.log.Info("session: closed")
	})
	return s.closeErr
}

// SetVolume ramps the playback gain to v, clamped to [0, 1].
func (s *Session) SetVolume(v float64) {
	if g := s.effects(); g != nil {
		g.SetGain(v)
	}
}

// SetReverbMix ramps the reverb dry/wet balance to mix, clamped to [0, 1].
func (s *Session) SetReverbMix(mix float64) {
	if g := s.effects(); g != nil {
		g.SetReverbMix(mix)
	}
}

func (s *Session) effects() *effects.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// Status returns the current session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		ID:             s.id,
		ConversationID: s.conversationID,
		StartedAt:      s.startedAt,
		Playback:       playback.Idle.String(),
	}
	conn, cs, engine, renderer, graph, viz := s.conn, s.capture, s.engine, s.renderer, s.graph, s.viz
	s.mu.Unlock()

	st.DecodeErrors = s.decodeErrs.Load()
	if conn != nil {
		st.Connected = conn.IsOpen()
	}
	if cs != nil {
		st.Recording = cs.State() == capture.Active
		st.ChunksSent = cs.Stats().Sent
	}
	if engine != nil {
		es := engine.Stats()
		st.Playback = es.State.String()
		st.QueueLen = es.QueueLen
		st.Played = es.Played
	}
	if renderer != nil {
		st.SpokenMs = renderer.Rendered().Milliseconds()
		st.TailBlocks = renderer.SilentBlocks()
	}
	if graph != nil {
		st.Volume = graph.Gain()
		st.ReverbMix = graph.ReverbMix()
	}
	if viz != nil {
		st.Visual = viz.Latest()
	}
	return st
}

// ── Routing ───────────────────────────────────────────────────────────────────

func (s *Session) route(ctx context.Context, conn *transport.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-conn.Messages():
			if !ok {
				return nil
			}
			s.dispatch(ctx, msg)
		}
	}
}

// dispatch handles one inbound message. Failures stay inside.
func (s *Session) dispatch(ctx context.Context, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session: recovered panic in message handler", "type", msg.Type(), "panic", r)
		}
	}()
	s.metrics.RecordMessage(ctx, string(msg.Type()))

	switch m := msg.(type) {
	case protocol.InitiationMetadata:
		s.handleMetadata(m)
	case protocol.UserTranscript:
		s.log.Info("session: user", "text", m.Text)
		s.mu.Lock()
		s.newResponse = true
		s.pending = ""
		s.mu.Unlock()
		if s.cfg.Captions != nil {
			s.cfg.Captions.Clear()
		}
	case protocol.AgentResponse:
		s.log.Info("session: agent", "text", m.Text)
		s.mu.Lock()
		s.pending = m.Text
		s.mu.Unlock()
	case protocol.Audio:
		s.handleAudio(ctx, m)
	case protocol.Ping:
		// Answered by the transport.
	case protocol.Unrecognized:
		s.log.Debug("session: ignoring message", "type", m.RawType)
	}
}

func (s *Session) handleMetadata(m protocol.InitiationMetadata) {
	s.mu.Lock()
	s.conversationID = m.ConversationID
	s.mu.Unlock()
	s.log.Info("session: conversation initiated",
		"conversation_id", m.ConversationID,
		"agent_output_format", m.AgentOutputFormat,
		"user_input_format", m.UserInputFormat,
	)
	want := "pcm_" + strconv.Itoa(s.cfg.SampleRate)
	if m.AgentOutputFormat != "" && m.AgentOutputFormat != want {
		s.log.Warn("session: agent output format differs from playback rate; audio will play at the wrong speed",
			"agent_output_format", m.AgentOutputFormat,
			"playback_format", want,
		)
	}
}

func (s *Session) handleAudio(ctx context.Context, m protocol.Audio) {
	frame, err := audio.DecodeBase64(m.Base64, s.cfg.SampleRate)
	if err != nil {
		s.decodeErrs.Add(1)
		s.metrics.DecodeErrors.Add(ctx, 1)
		s.log.Warn("session: dropping undecodable audio", "event_id", string(m.EventID), "err", err)
		return
	}
	if frame.Len() == 0 || s.closing.Load() {
		return
	}
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()

	id := engine.Enqueue(frame)
	s.metrics.ChunksReceived.Add(ctx, 1)
	s.reportDepth(ctx, engine.Len())
	s.log.Debug("session: audio queued", "item", id, "samples", frame.Len(), "queue", engine.Len())
}

// onStart runs whenever an item begins sounding.
func (s *Session) onStart(st playback.Started) {
	ctx := context.Background()
	s.metrics.ItemsPlayed.Add(ctx, 1)
	s.metrics.PlaybackStartLatency.Record(ctx, st.Wait.Seconds())
	s.reportDepth(ctx, st.Queued)

	s.mu.Lock()
	text, isNew := s.pending, s.newResponse
	if text != "" {
		s.pending = ""
		s.newResponse = false
	}
	s.mu.Unlock()

	if text == "" || s.cfg.Captions == nil {
		return
	}
	s.cfg.Captions.Prepare(text, st.Item.Duration()+st.QueuedDuration, isNew)
	s.cfg.Captions.Start()
	s.metrics.CaptionUtterances.Add(ctx, 1)
}

func (s *Session) onDrop(reason string) {
	ctx := context.Background()
	s.metrics.RecordDrop(ctx, reason)
	if reason == "send_error" {
		s.metrics.RecordTransportError(ctx, "send")
	}
}

// reportDepth moves the queue depth gauge to n.
func (s *Session) reportDepth(ctx context.Context, n int) {
	prev := s.depth.Swap(int64(n))
	if d := int64(n) - prev; d != 0 {
		s.metrics.QueueDepth.Add(ctx, d)
	}
}
