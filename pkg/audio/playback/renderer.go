package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/effects"
)

// Compile-time interface assertion.
var _ Output = (*Renderer)(nil)

// DefaultHandoffWindow is how long the render loop holds a partly filled
// block open for the next item after one finishes.
const DefaultHandoffWindow = 5 * time.Millisecond

// RendererOption configures a [Renderer].
type RendererOption func(*Renderer)

// WithHandoffWindow sets how long a finished item's partial block waits for
// the next item before being padded with silence.
func WithHandoffWindow(d time.Duration) RendererOption {
	return func(r *Renderer) { r.handoff = d }
}

// Renderer is an [Output] that pulls samples from the sounding item in
// fixed blocks, runs them through an [effects.Graph] and writes the result
// to an [audio.OutputStream].
//
// When an item ends mid-block the loop signals completion and keeps the
// block open for the handoff window, so the next item continues in the same
// block with no silence between them. With nothing left to play the loop
// keeps rendering silence until the reverb tail dies out, then sleeps. A
// hard stop that leaves nothing to play cuts the tail instead.
type Renderer struct {
	graph   *effects.Graph
	stream  audio.OutputStream
	conv    *audio.FormatConverter
	handoff time.Duration

	mu   sync.Mutex
	cur  *voice
	next *voice
	wake chan struct{}
	done chan struct{}

	handoffPending bool // render goroutine only
	cut            atomic.Bool

	renderedSamples atomic.Int64
	silentBlocks    atomic.Int64

	runOnce sync.Once
}

// voice is the render-side state of a started item.
type voice struct {
	item  Item
	pos   int
	ended chan<- uint64
}

// NewRenderer returns a renderer that plays through graph onto stream.
func NewRenderer(graph *effects.Graph, stream audio.OutputStream, opts ...RendererOption) *Renderer {
	r := &Renderer{
		graph:   graph,
		stream:  stream,
		conv:    audio.NewFormatConverter(graph.SampleRate(), stream.Format()),
		handoff: DefaultHandoffWindow,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start implements [Output]. A previously started item that has not begun
// sounding yet is replaced and its completion delivered.
func (r *Renderer) Start(item Item, ended chan<- uint64) {
	r.mu.Lock()
	if r.next != nil {
		r.signalAsync(r.next)
	}
	r.next = &voice{item: item, ended: ended}
	r.mu.Unlock()
	r.poke()
}

// Stop implements [Output].
func (r *Renderer) Stop(id uint64) {
	r.mu.Lock()
	stopped := false
	if r.cur != nil && r.cur.item.ID == id {
		r.signalAsync(r.cur)
		r.cur = nil
		stopped = true
	}
	if r.next != nil && r.next.item.ID == id {
		r.signalAsync(r.next)
		r.next = nil
		stopped = true
	}
	r.mu.Unlock()
	if stopped {
		r.cut.Store(true)
		r.poke()
	}
}

// Rendered returns the total duration of item audio written so far.
func (r *Renderer) Rendered() time.Duration {
	return time.Duration(r.renderedSamples.Load()) * time.Second / time.Duration(r.graph.SampleRate())
}

// SilentBlocks returns how many blocks were rendered with no item audio at
// all (reverb tail only). A flush leaves this unchanged.
func (r *Renderer) SilentBlocks() int64 { return r.silentBlocks.Load() }

// Run renders until ctx is cancelled or the stream fails. It returns
// ctx.Err() on cancellation. Run must be called at most once.
func (r *Renderer) Run(ctx context.Context) (err error) {
	r.runOnce.Do(func() { err = r.run(ctx) })
	return err
}

func (r *Renderer) run(ctx context.Context) error {
	defer close(r.done)

	b := r.graph.BlockSize()
	block := make([]float32, b)
	left := make([]float32, b)
	right := make([]float32, b)
	var out []float32

	for {
		if r.cut.Swap(false) && !r.hasNext() {
			r.graph.Reset()
			r.handoffPending = false
		}
		n, err := r.fill(ctx, block)
		if err != nil {
			return err
		}
		if n == 0 && !r.graph.Ringing() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.wake:
				continue
			}
		}

		clear(block[n:])
		r.graph.Process(left, right, block, n == 0)
		out = r.conv.Convert(out[:0], left, right)
		if err := r.stream.Write(out); err != nil {
			return fmt.Errorf("playback: write: %w", err)
		}
		r.renderedSamples.Add(int64(n))
		if n == 0 {
			r.silentBlocks.Add(1)
		}
	}
}

// fill copies item audio into block and returns how many samples were
// written. It signals completion of every item that runs out inside the
// block and waits up to the handoff window for its successor.
func (r *Renderer) fill(ctx context.Context, block []float32) (int, error) {
	n := 0
	for n < len(block) {
		r.mu.Lock()
		if r.cur == nil && r.next != nil {
			r.cur, r.next = r.next, nil
		}
		v := r.cur
		if v == nil {
			r.mu.Unlock()
			if !r.handoffPending {
				return n, nil
			}
			r.handoffPending = false
			if r.awaitNext(ctx) {
				continue
			}
			return n, ctx.Err()
		}
		r.handoffPending = false
		k := copy(block[n:], v.item.Samples[v.pos:])
		v.pos += k
		n += k
		finished := v.pos >= len(v.item.Samples)
		if finished {
			r.cur = nil
		}
		r.mu.Unlock()

		if !finished {
			continue
		}
		if err := r.signal(ctx, v); err != nil {
			return n, err
		}
		if n == len(block) {
			// Ended on the block edge; the next fill waits instead.
			r.handoffPending = true
			break
		}
		if !r.awaitNext(ctx) {
			return n, ctx.Err()
		}
	}
	return n, nil
}

// awaitNext waits up to the handoff window for a Start. It reports whether
// an item is ready.
func (r *Renderer) awaitNext(ctx context.Context) bool {
	if r.hasNext() {
		return true
	}
	if r.handoff <= 0 {
		return false
	}
	t := time.NewTimer(r.handoff)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return r.hasNext()
		case <-r.wake:
			if r.hasNext() {
				return true
			}
		}
	}
}

func (r *Renderer) hasNext() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next != nil || r.cur != nil
}

// signal delivers v's completion from the render goroutine.
func (r *Renderer) signal(ctx context.Context, v *voice) error {
	select {
	case v.ended <- v.item.ID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signalAsync delivers v's completion off the caller's goroutine. Callers
// may hold the engine lock, and the engine needs that lock to drain the
// channel.
func (r *Renderer) signalAsync(v *voice) {
	go func() {
		select {
		case v.ended <- v.item.ID:
		case <-r.done:
			slog.Debug("playback: completion dropped after renderer stopped", "item", v.item.ID)
		}
	}()
}

func (r *Renderer) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
