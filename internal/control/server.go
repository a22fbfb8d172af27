// Package control serves the local HTTP control API: conversation state,
// live volume, reverb and caption controls, a WebSocket caption feed, health
// checks and the Prometheus scrape endpoint.
//
// Routes:
//
//	GET  /v1/state            current [State]
//	PUT  /v1/volume           {"value": 0..1}
//	PUT  /v1/reverb           {"value": 0..1}
//	PUT  /v1/captions         {"enabled": bool}
//	POST /v1/captions/toggle
//	GET  /v1/captions/ws      caption events as JSON text frames
//	GET  /healthz, /readyz
//	GET  /metrics
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxlink/internal/caption"
	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/session"
)

const (
	maxBodyBytes    = 4 << 10
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Controller is the application surface the API drives. Volume and reverb
// settings persist across conversations, so they live on the controller
// rather than on a single session.
type Controller interface {
	// Status reports the live session, if any.
	Status() (session.Status, bool)
	Volume() float64
	ReverbMix() float64
	SetVolume(v float64)
	SetReverbMix(mix float64)
}

// State is the body of GET /v1/state.
type State struct {
	Session   *session.Status  `json:"session"`
	Volume    float64          `json:"volume"`
	ReverbMix float64          `json:"reverb_mix"`
	Captions  caption.Snapshot `json:"captions"`
}

// Config holds the server's collaborators. Controller and Captions are
// required.
type Config struct {
	Controller Controller
	Captions   *caption.Synchronizer

	// Feed backs /v1/captions/ws. Nil disables the route.
	Feed *caption.Broadcaster

	// Metrics records HTTP request durations. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Gatherer backs /metrics. Nil uses the Prometheus default registry.
	Gatherer prometheus.Gatherer

	// Checkers are evaluated by /readyz.
	Checkers []health.Checker
}

// Server is the control API.
type Server struct {
	ctl      Controller
	captions *caption.Synchronizer
	feed     *caption.Broadcaster
	router   chi.Router
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("control: controller is required")
	}
	if cfg.Captions == nil {
		return nil, errors.New("control: caption synchronizer is required")
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{ctl: cfg.Controller, captions: cfg.Captions, feed: cfg.Feed}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(m))

	health.New(cfg.Checkers...).Register(r)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Put("/volume", s.handleVolume)
		r.Put("/reverb", s.handleReverb)
		r.Put("/captions", s.handleCaptions)
		r.Post("/captions/toggle", s.handleToggle)
		if s.feed != nil {
			r.Get("/captions/ws", s.handleCaptionFeed)
		}
	})
	s.router = r
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("control: listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("control: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control: serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls [Server.Serve].
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// ── Handlers ──────────────────────────────────────────────────────────────────

func (s *Server) state() State {
	st := State{
		Volume:    s.ctl.Volume(),
		ReverbMix: s.ctl.ReverbMix(),
		Captions:  s.captions.Snapshot(),
	}
	if ss, ok := s.ctl.Status(); ok {
		st.Session = &ss
	}
	return st
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

type levelRequest struct {
	Value *float64 `json:"value"`
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeLevel(w, r)
	if !ok {
		return
	}
	s.ctl.SetVolume(v)
	observe.Logger(r.Context()).Info("control: volume set", "volume", v)
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleReverb(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeLevel(w, r)
	if !ok {
		return
	}
	s.ctl.SetReverbMix(v)
	observe.Logger(r.Context()).Info("control: reverb mix set", "mix", v)
	writeJSON(w, http.StatusOK, s.state())
}

type captionsRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleCaptions(w http.ResponseWriter, r *http.Request) {
	var req captionsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	s.captions.SetEnabled(*req.Enabled)
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	on := s.captions.Toggle()
	observe.Logger(r.Context()).Debug("control: captions toggled", "enabled", on)
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleCaptionFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the HTTP error.
		return
	}
	defer conn.CloseNow()

	// Inbound frames are ignored; CloseRead cancels ctx when the peer leaves.
	ctx := conn.CloseRead(r.Context())
	events, cancel := s.feed.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			wctx, done := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			done()
			if err != nil {
				slog.Debug("control: caption feed write failed", "err", err)
				return
			}
		}
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func decodeLevel(w http.ResponseWriter, r *http.Request) (float64, bool) {
	var req levelRequest
	if !decodeBody(w, r, &req) {
		return 0, false
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return 0, false
	}
	v := *req.Value
	if math.IsNaN(v) || v < 0 || v > 1 {
		writeError(w, http.StatusUnprocessableEntity, "value must be in [0, 1]")
		return 0, false
	}
	return v, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
