package control_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxlink/internal/caption"
	"github.com/MrWong99/voxlink/internal/control"
	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/session"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type fakeController struct {
	mu     sync.Mutex
	status *session.Status
	volume float64
	mix    float64
}

func (f *fakeController) Status() (session.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		return session.Status{}, false
	}
	return *f.status, true
}

func (f *fakeController) Volume() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume
}

func (f *fakeController) ReverbMix() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mix
}

func (f *fakeController) SetVolume(v float64) {
	f.mu.Lock()
	f.volume = v
	f.mu.Unlock()
}

func (f *fakeController) SetReverbMix(mix float64) {
	f.mu.Lock()
	f.mix = mix
	f.mu.Unlock()
}

type fixture struct {
	ctl      *fakeController
	captions *caption.Synchronizer
	feed     *caption.Broadcaster
	srv      *httptest.Server
}

func newFixture(t *testing.T, cfg control.Config) *fixture {
	t.Helper()
	f := &fixture{ctl: &fakeController{volume: 0.5, mix: 0.05}, feed: caption.NewBroadcaster(8)}
	f.captions = caption.New(f.feed)

	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	cfg.Controller = f.ctl
	cfg.Captions = f.captions
	cfg.Feed = f.feed
	cfg.Metrics = met

	s, err := control.New(cfg)
	if err != nil {
		t.Fatalf("control.New: %v", err)
	}
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func decodeState(t *testing.T, b []byte) control.State {
	t.Helper()
	var st control.State
	if err := json.Unmarshal(b, &st); err != nil {
		t.Fatalf("decode state %q: %v", b, err)
	}
	return st
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	if _, err := control.New(control.Config{}); err == nil {
		t.Error("expected error without controller")
	}
	if _, err := control.New(control.Config{Controller: &fakeController{}}); err == nil {
		t.Error("expected error without captions")
	}
}

func TestState_NoSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, control.Config{})
	resp, b := f.do(t, http.MethodGet, "/v1/state", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	st := decodeState(t, b)
	if st.Session != nil {
		t.Errorf("session = %+v, want nil", st.Session)
	}
	if st.Volume != 0.5 || st.ReverbMix != 0.05 || !st.Captions.Enabled {
		t.Errorf("state = %+v", st)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID header")
	}
}

func TestState_WithSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, control.Config{})
	f.ctl.mu.Lock()
	f.ctl.status = &session.Status{ID: "s-1", Connected: true, Recording: true, Playback: "playing"}
	f.ctl.mu.Unlock()
	_, b := f.do(t, http.MethodGet, "/v1/state", "")
	st := decodeState(t, b)
	if st.Session == nil || st.Session.ID != "s-1" || !st.Session.Connected || st.Session.Playback != "playing" {
		t.Errorf("session = %+v", st.Session)
	}
}

func TestVolume(t *testing.T) {
	t.Parallel()
	f := newFixture(t, control.Config{})

	cases := []struct {
		body       string
		wantStatus int
	}{
		{`{"value":0.8}`, http.StatusOK},
		{`{"value":1.5}`, http.StatusUnprocessableEntity},
		{`{"value":-0.1}`, http.StatusUnprocessableEntity},
		{`{}`, http.StatusBadRequest},
		{`{"volume":0.3}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, b := f.do(t, http.MethodPut, "/v1/volume", tc.body)
		if resp.StatusCode != tc.wantStatus {
			t.Errorf("PUT %s: status = %d, want %d (%s)", tc.body, resp.StatusCode, tc.wantStatus, b)
		}
	}
	if got := f.ctl.Volume(); got != 0.8 {
		t.Errorf("volume = %g, want 0.8", got)
	}
}

func TestReverb(t *testing.T) {
	t.Parallel()
	f := newFixture(t, control.Config{})
	resp, b := f.do(t, http.MethodPut, "/v1/reverb", `{"value":0.25}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, b)
	}
	if st := decodeState(t, b); st.ReverbMix != 0.25 {
		t.Errorf("reverb_mix = %g, want 0.25", st.ReverbMix)
	}
}

func TestCaptions_SetAndToggle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, control.Config{})

	resp, b := f.do(t, http.MethodPut, "/v1/captions", `{"enabled":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, b)
	}
	if f.captions.Enabled() {
		t.Error("captions should be disabled")
	}

	_, b = f.do(t, http.MethodPost, "/v1/captions/toggle", "")
	if st := decodeState(t, b); !st.Captions.Enabled {
		t.Error("toggle should re-enable captions")
	}

	resp, _ = f.do(t, http.MethodPut, "/v1/captions", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing enabled: status = %d, want 400", resp.StatusCode)
	}
}

func TestCaptionFeed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, control.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/captions/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var ev caption.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read primed event: %v", err)
	}
	if ev.Kind != "clear" {
		t.Errorf("primed event = %+v, want clear", ev)
	}

	f.captions.Prepare("hello", 0, true)
	f.captions.Start()
	for ev.Kind != "render" {
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if ev.Text != "hello" {
		t.Errorf("render text = %q, want hello", ev.Text)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	deadline := time.Now().Add(2 * time.Second)
	for f.feed.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := f.feed.Subscribers(); n != 0 {
		t.Errorf("subscribers after close = %d, want 0", n)
	}
}

func TestHealthRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, control.Config{Checkers: []health.Checker{{
		Name:  "session",
		Check: func(context.Context) error { return errors.New("not connected") },
	}}})

	resp, _ := f.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz = %d", resp.StatusCode)
	}
	resp, b := f.do(t, http.MethodGet, "/readyz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", resp.StatusCode)
	}
	if !strings.Contains(string(b), "not connected") {
		t.Errorf("/readyz body = %s", b)
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "voxlink_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	f := newFixture(t, control.Config{Gatherer: reg})
	resp, b := f.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics = %d", resp.StatusCode)
	}
	if !strings.Contains(string(b), "voxlink_test_total 3") {
		t.Errorf("metrics body missing counter:\n%s", b)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()
	s, err := control.New(control.Config{Controller: &fakeController{}, Captions: caption.New(nil)})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	var resp *http.Response
	for range 50 {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
