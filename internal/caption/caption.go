// Package caption reveals agent responses word by word in step with the audio
// that voices them.
//
// The timing is a fixed-cadence approximation: the audio duration is divided
// evenly across the words of the utterance. There is no forced alignment, so
// long words and pauses drift; captions are best effort.
//
// A [Synchronizer] holds the current response (every sentence received since
// the last new response) and drives a [Surface]. Reveal steps are scheduled on
// a [Clock] and guarded by a generation counter, so a timer that fires after
// [Synchronizer.Clear] or a newer [Synchronizer.Prepare] does nothing.
package caption

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Surface displays caption text.
type Surface interface {
	// Render replaces the displayed text.
	Render(text string)
	// Clear blanks the display.
	Clear()
}

// Snapshot is the observable caption state.
type Snapshot struct {
	Enabled   bool     `json:"enabled"`
	Words     []string `json:"words"`
	Revealed  int      `json:"revealed"`
	Revealing bool     `json:"revealing"`
	Interval  int64    `json:"interval_ms"`
	Sentences []string `json:"sentences"`
	Visible   string   `json:"visible"`
}

// Option configures a [Synchronizer].
type Option func(*Synchronizer)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Synchronizer) { s.clock = c }
}

// WithEnabled sets the initial enabled state. Captions start enabled.
func WithEnabled(on bool) Option {
	return func(s *Synchronizer) { s.enabled = on }
}

// Synchronizer reveals utterance words at an even cadence. All methods are
// safe for concurrent use.
type Synchronizer struct {
	surface Surface
	clock   Clock

	mu        sync.Mutex
	enabled   bool
	gen       uint64
	timer     Timer
	sentences []string
	words     []string
	revealed  int
	interval  time.Duration
	revealing bool
	block     bool // surface shows sentences joined, not the reveal
}

// New returns a Synchronizer drawing on surface. A nil surface discards
// output.
func New(surface Surface, opts ...Option) *Synchronizer {
	if surface == nil {
		surface = Discard
	}
	s := &Synchronizer{surface: surface, clock: SystemClock, enabled: true}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Prepare loads text as the next utterance to reveal over total. If isNew
// the previous response's sentences are discarded and the surface is
// blanked. Text without words is a no-op.
func (s *Synchronizer) Prepare(text string, total time.Duration, isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isNew {
		s.resetLocked()
		if s.enabled {
			s.surface.Clear()
		}
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return
	}
	s.stopTimerLocked()
	s.gen++
	s.sentences = append(s.sentences, strings.Join(words, " "))
	s.words = words
	s.revealed = 0
	s.revealing = false
	s.block = false
	s.interval = max(total, 0) / time.Duration(len(words))
}

// Start reveals the first prepared word now and each further word one
// interval later. Revealed words stay until [Synchronizer.Clear].
func (s *Synchronizer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.words) == 0 || s.revealing || s.revealed == len(s.words) {
		return
	}
	s.stopTimerLocked()
	s.revealed = 0
	s.revealing = true
	s.revealLocked(s.gen)
}

// Clear cancels any pending reveal, forgets all sentences and blanks the
// surface. It is idempotent.
func (s *Synchronizer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.surface.Clear()
}

// SetEnabled shows or hides captions. Text keeps being tracked while hidden;
// enabling again shows the current response as one block unless a reveal is
// still running.
func (s *Synchronizer) SetEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setEnabledLocked(on)
}

// Toggle flips the enabled state and returns the new one.
func (s *Synchronizer) Toggle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setEnabledLocked(!s.enabled)
	return s.enabled
}

// Enabled reports whether captions are shown.
func (s *Synchronizer) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Snapshot returns a copy of the current state.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Enabled:   s.enabled,
		Words:     append([]string(nil), s.words...),
		Revealed:  s.revealed,
		Revealing: s.revealing,
		Interval:  s.interval.Milliseconds(),
		Sentences: append([]string(nil), s.sentences...),
		Visible:   s.visibleLocked(),
	}
}

func (s *Synchronizer) setEnabledLocked(on bool) {
	if s.enabled == on {
		return
	}
	s.enabled = on
	if !on {
		s.surface.Clear()
		return
	}
	if len(s.sentences) == 0 {
		return
	}
	if s.revealing {
		s.surface.Render(s.revealText())
		return
	}
	s.block = true
	s.surface.Render(s.visibleLocked())
}

// revealLocked shows the next word and schedules the one after it.
func (s *Synchronizer) revealLocked(gen uint64) {
	s.revealed++
	if s.enabled {
		s.surface.Render(s.revealText())
	}
	if s.revealed >= len(s.words) {
		s.revealing = false
		s.timer = nil
		return
	}
	s.timer = s.clock.AfterFunc(s.interval, func() { s.tick(gen) })
}

func (s *Synchronizer) tick(gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("caption: reveal panicked", "panic", r)
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.revealing {
		return
	}
	s.revealLocked(gen)
}

func (s *Synchronizer) resetLocked() {
	s.stopTimerLocked()
	s.gen++
	s.sentences = nil
	s.words = nil
	s.revealed = 0
	s.revealing = false
	s.block = false
	s.interval = 0
}

func (s *Synchronizer) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Synchronizer) revealText() string {
	return strings.Join(s.words[:s.revealed], " ")
}

func (s *Synchronizer) visibleLocked() string {
	if !s.enabled {
		return ""
	}
	if s.block {
		return strings.Join(s.sentences, " ")
	}
	return s.revealText()
}
