package caption

import (
	"fmt"
	"io"
	"sync"
)

// Discard is a [Surface] that drops everything.
var Discard Surface = discard{}

type discard struct{}

func (discard) Render(string) {}
func (discard) Clear()        {}

// Terminal renders captions on a single rewritten line of w.
type Terminal struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTerminal returns a Terminal writing to w.
func NewTerminal(w io.Writer) *Terminal { return &Terminal{w: w} }

// Render implements [Surface].
func (t *Terminal) Render(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "\r\033[K%s", text)
}

// Clear implements [Surface].
func (t *Terminal) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.w, "\r\033[K")
}

// Multi fans out to several surfaces in order.
type Multi []Surface

// Render implements [Surface].
func (m Multi) Render(text string) {
	for _, s := range m {
		s.Render(text)
	}
}

// Clear implements [Surface].
func (m Multi) Clear() {
	for _, s := range m {
		s.Clear()
	}
}

// ── Broadcaster ───────────────────────────────────────────────────────────────

// Event is one surface update.
type Event struct {
	Kind string `json:"kind"` // "render" or "clear"
	Text string `json:"text,omitempty"`
}

// Broadcaster is a [Surface] that forwards updates to subscribers. A slow
// subscriber loses events instead of blocking the reveal.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	buffer int
	last   Event
}

// NewBroadcaster returns a Broadcaster whose subscriber channels hold buffer
// events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{subs: make(map[chan Event]struct{}), buffer: buffer, last: Event{Kind: "clear"}}
}

// Subscribe returns a channel primed with the current display and a cancel
// function that closes it.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	ch <- b.last
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Render implements [Surface].
func (b *Broadcaster) Render(text string) { b.publish(Event{Kind: "render", Text: text}) }

// Clear implements [Surface].
func (b *Broadcaster) Clear() { b.publish(Event{Kind: "clear"}) }

func (b *Broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = ev
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
