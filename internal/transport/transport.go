// Package transport implements the duplex control channel to the
// conversational agent over a WebSocket.
//
// [Dial] opens the socket and immediately queues the [protocol.Init]
// handshake. Outbound messages go through a bounded queue drained by a single
// writer goroutine, so [Conn.Send] never blocks the caller. Inbound frames are
// decoded into [protocol.Message] values and delivered on [Conn.Messages];
// pings are answered automatically. A closed Conn is terminal: there is no
// reconnect.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlink/pkg/protocol"
)

const (
	defaultSendBuffer    = 256
	defaultMessageBuffer = 64
	defaultWriteTimeout  = 5 * time.Second
	defaultReadLimit     = 4 << 20

	// ClientDisconnected is the close reason for a user-initiated disconnect.
	ClientDisconnected = "client disconnected"
)

// ErrNotOpen is returned by [Conn.Send] once the channel has closed.
var ErrNotOpen = errors.New("transport: not open")

// Error is a send or receive failure. It is logged and never fatal on its own.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "transport: " + e.Op + ": " + e.Err.Error() }

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

var errQueueFull = errors.New("send queue full")

// ── Options ───────────────────────────────────────────────────────────────────

type options struct {
	apiKey        string
	httpClient    *http.Client
	init          protocol.Init
	sendBuffer    int
	messageBuffer int
	writeTimeout  time.Duration
}

// Option configures [Dial].
type Option func(*options)

// WithAPIKey sends key in the xi-api-key header of the upgrade request.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithInit replaces the default empty handshake payload.
func WithInit(msg protocol.Init) Option {
	return func(o *options) { o.init = msg }
}

// WithSendBuffer sets the outbound queue capacity.
func WithSendBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sendBuffer = n
		}
	}
}

// WithMessageBuffer sets the inbound channel capacity.
func WithMessageBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.messageBuffer = n
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// ── Conn ──────────────────────────────────────────────────────────────────────

// Stats is a snapshot of connection counters.
type Stats struct {
	Sent         uint64
	Received     uint64
	Pings        uint64
	DecodeErrors uint64
	SendErrors   uint64
}

// Conn is an open control channel. All methods are safe for concurrent use.
type Conn struct {
	ws           *websocket.Conn
	out          chan []byte
	in           chan protocol.Message
	writeTimeout time.Duration

	open atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	readerDone chan struct{}
	writerDone chan struct{}
	done       chan struct{}

	mu     sync.Mutex
	errVal error

	closeOnce sync.Once

	sent, received, pings, decodeErrs, sendErrs atomic.Uint64
}

// Dial opens the control channel at url and queues the handshake. ctx bounds
// the dial only; the connection lives until [Conn.Close] or the peer closes.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	o := options{
		sendBuffer:    defaultSendBuffer,
		messageBuffer: defaultMessageBuffer,
		writeTimeout:  defaultWriteTimeout,
	}
	for _, fn := range opts {
		fn(&o)
	}

	dialOpts := &websocket.DialOptions{HTTPClient: o.httpClient}
	if o.apiKey != "" {
		dialOpts.HTTPHeader = http.Header{"xi-api-key": []string{o.apiKey}}
	}
	ws, _, err := websocket.Dial(ctx, url, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	ws.SetReadLimit(defaultReadLimit)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:           ws,
		out:          make(chan []byte, o.sendBuffer),
		in:           make(chan protocol.Message, o.messageBuffer),
		writeTimeout: o.writeTimeout,
		ctx:          cctx,
		cancel:       cancel,
		readerDone:   make(chan struct{}),
		writerDone:   make(chan struct{}),
		done:         make(chan struct{}),
	}
	c.open.Store(true)

	if err := c.Send(o.init); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("transport: handshake: %w", err)
	}

	go c.writeLoop()
	go c.readLoop()
	go func() {
		<-c.readerDone
		<-c.writerDone
		close(c.done)
	}()

	slog.Info("transport: connected", "url", redact(url))
	return c, nil
}

// IsOpen reports whether sends are currently accepted.
func (c *Conn) IsOpen() bool { return c.open.Load() }

// Send encodes msg and queues it for writing. It returns [ErrNotOpen] once
// the channel has closed, or an [*Error] if the queue is full.
func (c *Conn) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return &Error{Op: "send", Err: err}
	}
	if !c.open.Load() {
		return ErrNotOpen
	}
	select {
	case c.out <- data:
		return nil
	default:
		c.sendErrs.Add(1)
		return &Error{Op: "send", Err: errQueueFull}
	}
}

// Messages returns the inbound message stream. It is closed when the channel
// closes.
func (c *Conn) Messages() <-chan protocol.Message { return c.in }

// Done is closed once both I/O goroutines have exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, or nil for a normal
// closure.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() Stats {
	return Stats{
		Sent:         c.sent.Load(),
		Received:     c.received.Load(),
		Pings:        c.pings.Load(),
		DecodeErrors: c.decodeErrs.Load(),
		SendErrors:   c.sendErrs.Load(),
	}
}

// Close closes the channel with the given status and reason and waits for
// the I/O goroutines to exit. Queued but unwritten messages are discarded.
// Close is idempotent; later calls return nil.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		ended := c.ctx.Err() != nil // peer closed or I/O failed first
		err = c.ws.Close(code, reason)
		c.cancel()
		<-c.done
		if ended || isNormalClose(err) {
			err = nil
		} else {
			err = &Error{Op: "close", Err: err}
		}
		slog.Info("transport: closed", "code", int(code), "reason", reason)
	})
	return err
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.out:
			wctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.sendErrs.Add(1)
					c.fail(&Error{Op: "write", Err: err})
				}
				return
			}
			c.sent.Add(1)
		}
	}
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	defer close(c.in)
	defer c.open.Store(false)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				if !isNormalClose(err) {
					c.fail(&Error{Op: "read", Err: err})
				}
				_ = c.ws.CloseNow()
			}
			c.cancel()
			return
		}
		c.received.Add(1)

		msg, err := protocol.Decode(data)
		if err != nil {
			c.decodeErrs.Add(1)
			slog.Debug("transport: dropping undecodable frame", "err", err)
			continue
		}
		if ping, ok := msg.(protocol.Ping); ok {
			c.pings.Add(1)
			if err := c.Send(protocol.Pong{EventID: ping.EventID}); err != nil {
				slog.Warn("transport: pong failed", "event_id", string(ping.EventID), "err", err)
			}
		}

		select {
		case c.in <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.errVal == nil {
		c.errVal = err
	}
	c.mu.Unlock()
	c.open.Store(false)
	slog.Warn("transport: connection failed", "err", err)
}

func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	s := websocket.CloseStatus(err)
	return s == websocket.StatusNormalClosure || s == websocket.StatusGoingAway
}
