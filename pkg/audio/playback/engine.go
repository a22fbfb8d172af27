// Package playback schedules decoded agent audio for gapless, strictly
// ordered playback.
//
// [Engine] is the queue state machine. It hands one [Item] at a time to an
// [Output] and advances only when that output reports completion of the item
// it is currently tracking; completion signals for any other item are stale
// and ignored. [Renderer] is the Output that sounds items through the effects
// graph onto a device stream.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// State is the engine's playback state.
type State int

const (
	// Idle means the queue is empty and nothing is sounding.
	Idle State = iota

	// Playing means one item is sounding; more may be queued.
	Playing
)

// String returns "idle" or "playing".
func (s State) String() string {
	if s == Playing {
		return "playing"
	}
	return "idle"
}

// Item is one decoded chunk awaiting or undergoing playback.
type Item struct {
	// ID is unique per engine and never zero.
	ID uint64

	// Samples holds mono float audio in [-1, 1).
	Samples []float32

	// SampleRate of Samples in Hz.
	SampleRate int

	// ReceivedAt is when the chunk was enqueued.
	ReceivedAt time.Time
}

// Duration returns the playback length of the item.
func (it Item) Duration() time.Duration {
	if it.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(it.Samples)) * time.Second / time.Duration(it.SampleRate)
}

// Started describes an item the moment it begins sounding.
type Started struct {
	Item Item

	// Queued is the number of items waiting behind Item.
	Queued int

	// QueuedDuration is the total playback length of those items.
	QueuedDuration time.Duration

	// Wait is how long Item sat in the queue before starting.
	Wait time.Duration
}

// Output sounds items handed to it by the [Engine].
type Output interface {
	// Start begins sounding item. It must not block or call back into the
	// engine. When the item ends, naturally or through Stop, the output
	// delivers item.ID on ended exactly once.
	Start(item Item, ended chan<- uint64)

	// Stop hard-stops the item with the given ID if it is sounding. The
	// completion signal for that item is still delivered.
	Stop(id uint64)
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Enqueued  uint64
	Played    uint64
	Flushed   uint64
	Stale     uint64
	QueueLen  int
	State     State
	CurrentID uint64
}

// Option configures an [Engine].
type Option func(*Engine)

// WithOnStart registers fn to run each time an item begins sounding. fn runs
// synchronously on the goroutine that caused the start and must not block or
// call back into the engine.
func WithOnStart(fn func(Started)) Option {
	return func(e *Engine) { e.onStart = fn }
}

// WithOnIdle registers fn to run each time the engine returns to [Idle]
// after the last queued item finishes. It is not called by [Engine.Flush].
func WithOnIdle(fn func()) Option {
	return func(e *Engine) { e.onIdle = fn }
}

// WithClock overrides time.Now for ReceivedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the playback queue state machine.
//
// All exported methods are safe for concurrent use. Completion events are
// consumed by [Engine.Run], which must be running for playback to advance
// past the first item.
type Engine struct {
	out     Output
	onStart func(Started)
	onIdle  func()
	now     func() time.Time

	ended chan uint64

	mu      sync.Mutex
	queue   []Item
	current uint64 // ID of the sounding item, 0 when idle
	seq     uint64
	stats   Stats
}

// New creates an engine that sounds items on out.
func New(out Output, opts ...Option) *Engine {
	e := &Engine{
		out:   out,
		now:   time.Now,
		ended: make(chan uint64, 64),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Enqueue appends frame to the tail of the queue and returns its item ID. If
// the engine is idle the item starts sounding before Enqueue returns.
func (e *Engine) Enqueue(frame audio.AudioFrame) uint64 {
	e.mu.Lock()
	e.seq++
	item := Item{
		ID:         e.seq,
		Samples:    frame.Float32(),
		SampleRate: frame.SampleRate,
		ReceivedAt: e.now(),
	}
	e.queue = append(e.queue, item)
	e.stats.Enqueued++

	var started *Started
	if e.current == 0 {
		started = e.startNextLocked()
	}
	onStart := e.onStart
	e.mu.Unlock()

	if started != nil && onStart != nil {
		onStart(*started)
	}
	return item.ID
}

// Flush hard-stops the sounding item, clears the queue and returns to [Idle].
// Completion signals still in flight for the stopped item are ignored when
// they arrive.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != 0 {
		e.out.Stop(e.current)
		e.current = 0
	}
	e.stats.Flushed += uint64(len(e.queue))
	e.queue = nil
}

// State returns the current playback state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != 0 {
		return Playing
	}
	return Idle
}

// Len returns the number of items waiting behind the sounding one.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.QueueLen = len(e.queue)
	s.CurrentID = e.current
	s.State = Idle
	if e.current != 0 {
		s.State = Playing
	}
	return s
}

// Run consumes completion signals until ctx is cancelled, advancing the
// queue on each signal that matches the sounding item. It returns ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-e.ended:
			e.complete(id)
		}
	}
}

// complete handles one completion signal.
func (e *Engine) complete(id uint64) {
	e.mu.Lock()
	if id == 0 || id != e.current {
		e.stats.Stale++
		e.mu.Unlock()
		return
	}
	e.stats.Played++

	var started *Started
	idle := false
	if len(e.queue) > 0 {
		started = e.startNextLocked()
	} else {
		e.current = 0
		idle = true
	}
	onStart, onIdle := e.onStart, e.onIdle
	e.mu.Unlock()

	if started != nil && onStart != nil {
		onStart(*started)
	}
	if idle && onIdle != nil {
		onIdle()
	}
}

// startNextLocked dequeues the head and starts it on the output. Must be
// called with e.mu held and a non-empty queue.
func (e *Engine) startNextLocked() *Started {
	item := e.queue[0]
	e.queue[0] = Item{}
	e.queue = e.queue[1:]
	e.current = item.ID

	ev := &Started{
		Item:   item,
		Queued: len(e.queue),
		Wait:   e.now().Sub(item.ReceivedAt),
	}
	for _, q := range e.queue {
		ev.QueuedDuration += q.Duration()
	}

	e.out.Start(item, e.ended)
	return ev
}
