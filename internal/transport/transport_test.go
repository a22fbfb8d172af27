package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/protocol"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startAgentServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startAgentServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func dial(t *testing.T, srv *httptest.Server, opts ...transport.Option) *transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := transport.Dial(ctx, wsURL(srv), opts...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "test done") })
	return c
}

func recv(t *testing.T, c *transport.Conn) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-c.Messages():
		if !ok {
			t.Fatal("Messages closed")
		}
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return nil
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestDial_SendsInitAndAPIKey(t *testing.T) {
	t.Parallel()
	got := make(chan map[string]any, 1)
	keys := make(chan string, 1)

	srv := startAgentServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.Header.Get("xi-api-key")
		var m map[string]any
		readJSON(t, conn, &m)
		got <- m
		<-conn.CloseRead(context.Background()).Done()
	})

	c := dial(t, srv, transport.WithAPIKey("secret"))
	if !c.IsOpen() {
		t.Fatal("IsOpen = false after Dial")
	}

	select {
	case m := <-got:
		if m["type"] != "conversation_initiation_client_data" || len(m) != 1 {
			t.Errorf("handshake = %v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no handshake received")
	}
	if k := <-keys; k != "secret" {
		t.Errorf("xi-api-key = %q, want secret", k)
	}
}

func TestDial_SendsConfiguredInit(t *testing.T) {
	t.Parallel()
	got := make(chan map[string]any, 1)
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var m map[string]any
		readJSON(t, conn, &m)
		got <- m
		<-conn.CloseRead(context.Background()).Done()
	})

	dial(t, srv, transport.WithInit(protocol.Init{
		Override: &protocol.ConfigOverride{Agent: &protocol.AgentOverride{
			FirstMessage: "Hallo!",
			Language:     "de",
		}},
		DynamicVariables: map[string]string{"user_name": "Ada"},
	}))

	select {
	case m := <-got:
		override, _ := m["conversation_config_override"].(map[string]any)
		agent, _ := override["agent"].(map[string]any)
		if agent["first_message"] != "Hallo!" || agent["language"] != "de" {
			t.Errorf("override = %v", m["conversation_config_override"])
		}
		vars, _ := m["dynamic_variables"].(map[string]any)
		if vars["user_name"] != "Ada" {
			t.Errorf("dynamic_variables = %v", m["dynamic_variables"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no handshake received")
	}
}

// stalledServer accepts the connection and never reads from it until the test
// ends.
func stalledServer(t *testing.T) (*httptest.Server, chan struct{}) {
	t.Helper()
	hold := make(chan struct{})
	srv := startAgentServer(t, func(*websocket.Conn, *http.Request) { <-hold })
	return srv, hold
}

func TestConn_SendBufferFillsWhenPeerStalls(t *testing.T) {
	t.Parallel()
	srv, hold := stalledServer(t)
	c := dial(t, srv, transport.WithSendBuffer(1), transport.WithWriteTimeout(30*time.Second))
	t.Cleanup(func() { close(hold) })

	chunk := protocol.UserAudioChunk{Audio: strings.Repeat("A", 256<<10)}
	for i := 0; i < 1000; i++ {
		err := c.Send(chunk)
		if err == nil {
			continue
		}
		if !strings.Contains(err.Error(), "send queue full") {
			t.Fatalf("Send() = %v, want queue full", err)
		}
		if st := c.Stats(); st.SendErrors == 0 {
			t.Errorf("SendErrors = 0 after a rejected send")
		}
		return
	}
	t.Fatal("send queue never filled")
}

func TestConn_WriteTimeoutFailsStalledConnection(t *testing.T) {
	t.Parallel()
	srv, hold := stalledServer(t)
	c := dial(t, srv, transport.WithWriteTimeout(50*time.Millisecond))
	t.Cleanup(func() { close(hold) })

	chunk := protocol.UserAudioChunk{Audio: strings.Repeat("A", 256<<10)}
	// Well under the default write timeout.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-c.Done():
			// The timed out write closes the socket, so the reader may
			// report first.
			var te *transport.Error
			if err := c.Err(); !errors.As(err, &te) || (te.Op != "write" && te.Op != "read") {
				t.Fatalf("Err() = %v, want I/O error", err)
			}
			return
		case <-deadline:
			t.Fatal("stalled connection never failed")
		default:
		}
		if err := c.Send(chunk); err != nil {
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestConn_AnswersPingWithPong(t *testing.T) {
	t.Parallel()
	ids := []any{42, "evt-7"}
	pongs := make(chan map[string]any, len(ids))

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var init map[string]any
		readJSON(t, conn, &init)
		for _, id := range ids {
			writeJSON(t, conn, map[string]any{"type": "ping", "ping_event": map[string]any{"event_id": id}})
			var m map[string]any
			readJSON(t, conn, &m)
			pongs <- m
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	c := dial(t, srv)

	want := []any{float64(42), "evt-7"}
	for i := range ids {
		if msg := recv(t, c); msg.Type() != protocol.TypePing {
			t.Errorf("forwarded message = %T, want Ping", msg)
		}
		select {
		case m := <-pongs:
			if m["type"] != "pong" || m["event_id"] != want[i] {
				t.Errorf("pong = %v, want event_id %v", m, want[i])
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("no pong for event_id %v", ids[i])
		}
	}
	if s := c.Stats(); s.Pings != 2 {
		t.Errorf("Pings = %d, want 2", s.Pings)
	}
}

func TestConn_DecodesInboundAndSkipsGarbage(t *testing.T) {
	t.Parallel()
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var init map[string]any
		readJSON(t, conn, &init)
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"type": "brand_new_event"})
		writeJSON(t, conn, map[string]any{
			"type":                     "user_transcript",
			"user_transcription_event": map[string]any{"user_transcript": "hello"},
		})
		<-conn.CloseRead(ctx).Done()
	})

	c := dial(t, srv)

	if msg, ok := recv(t, c).(protocol.Unrecognized); !ok || msg.RawType != "brand_new_event" {
		t.Errorf("first message = %#v, want Unrecognized", msg)
	}
	if msg, ok := recv(t, c).(protocol.UserTranscript); !ok || msg.Text != "hello" {
		t.Errorf("second message = %#v, want transcript 'hello'", msg)
	}
	if s := c.Stats(); s.DecodeErrors != 1 {
		t.Errorf("DecodeErrors = %d, want 1", s.DecodeErrors)
	}
}

func TestConn_SendAfterCloseReturnsErrNotOpen(t *testing.T) {
	t.Parallel()
	closed := make(chan websocket.StatusCode, 1)
	reasons := make(chan string, 1)

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var init map[string]any
		readJSON(t, conn, &init)
		_, _, err := conn.Read(context.Background())
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			closed <- ce.Code
			reasons <- ce.Reason
		}
	})

	c := dial(t, srv)
	if err := c.Close(websocket.StatusNormalClosure, transport.ClientDisconnected); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(websocket.StatusNormalClosure, "again"); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if c.IsOpen() {
		t.Error("IsOpen = true after Close")
	}
	if err := c.Send(protocol.UserAudioChunk{Audio: "AAAA"}); !errors.Is(err, transport.ErrNotOpen) {
		t.Errorf("Send after Close = %v, want ErrNotOpen", err)
	}

	select {
	case code := <-closed:
		if code != websocket.StatusNormalClosure {
			t.Errorf("close code = %v, want normal closure", code)
		}
		if r := <-reasons; r != transport.ClientDisconnected {
			t.Errorf("close reason = %q", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw close frame")
	}

	if _, ok := <-c.Messages(); ok {
		t.Error("Messages not closed after Close")
	}
}

func TestConn_PeerCloseEndsConnection(t *testing.T) {
	t.Parallel()
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var init map[string]any
		readJSON(t, conn, &init)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	c := dial(t, srv)
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done not closed after peer close")
	}
	if c.IsOpen() {
		t.Error("IsOpen = true after peer close")
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err = %v, want nil for normal closure", err)
	}
}

func TestConn_OutboundOrderPreserved(t *testing.T) {
	t.Parallel()
	got := make(chan []string, 1)
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var init map[string]any
		readJSON(t, conn, &init)
		var chunks []string
		for range 20 {
			var m map[string]string
			readJSON(t, conn, &m)
			chunks = append(chunks, m["user_audio_chunk"])
		}
		got <- chunks
		<-conn.CloseRead(context.Background()).Done()
	})

	c := dial(t, srv)
	var want []string
	for i := range 20 {
		s := strings.Repeat("A", 4*(i+1))
		want = append(want, s)
		if err := c.Send(protocol.UserAudioChunk{Audio: s}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	select {
	case chunks := <-got:
		for i := range want {
			if chunks[i] != want[i] {
				t.Fatalf("chunk %d out of order", i)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestDial_FailureIsWrapped(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	_, err := transport.Dial(context.Background(), wsURL(srv))
	if err == nil || !strings.HasPrefix(err.Error(), "transport: dial:") {
		t.Errorf("Dial = %v, want wrapped dial error", err)
	}
}
