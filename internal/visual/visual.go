// Package visual polls signal meters at a fixed frame rate and turns them
// into display values for the agent and microphone indicators.
package visual

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// DefaultFrameRate is the polling rate in frames per second.
const DefaultFrameRate = 30

// Frame is one visualization sample.
type Frame struct {
	// AgentScale grows from 1.0 (silent) to 1.5 with agent output level.
	AgentScale float32 `json:"agent_scale"`

	// UserLevel is the microphone level mapped to [0, 1].
	UserLevel float32 `json:"user_level"`

	// At is when the sample was taken.
	At time.Time `json:"at"`
}

// AgentScale maps an RMS level to the agent indicator scale.
func AgentScale(level float32) float32 {
	return 1 + min(max(level, 0)/0.5, 1)*0.5
}

// UserLevel maps an RMS level to the microphone bar height. The microphone
// bar is more sensitive than the agent indicator.
func UserLevel(level float32) float32 {
	return min(max(level, 0)/0.5*1.5, 1)
}

// Option configures a [Loop].
type Option func(*Loop)

// WithFrameRate sets the polling rate.
func WithFrameRate(fps int) Option {
	return func(l *Loop) {
		if fps > 0 {
			l.interval = time.Second / time.Duration(fps)
		}
	}
}

// WithDraw registers fn to receive every frame. It runs on the loop
// goroutine.
func WithDraw(fn func(Frame)) Option {
	return func(l *Loop) { l.draw = fn }
}

// WithAgentActive gates the agent indicator: while fn reports false the scale
// rests at 1.
func WithAgentActive(fn func() bool) Option {
	return func(l *Loop) { l.agentActive = fn }
}

// WithUserActive gates the microphone indicator.
func WithUserActive(fn func() bool) Option {
	return func(l *Loop) { l.userActive = fn }
}

// Loop is a cancellable polling loop over two meters. Either meter may be
// nil.
type Loop struct {
	agent, user *audio.Meter
	interval    time.Duration
	draw        func(Frame)
	agentActive func() bool
	userActive  func() bool

	mu     sync.Mutex
	latest Frame
}

// New returns a Loop over the agent output and microphone meters.
func New(agent, user *audio.Meter, opts ...Option) *Loop {
	l := &Loop{
		agent:    agent,
		user:     user,
		interval: time.Second / DefaultFrameRate,
		latest:   Frame{AgentScale: 1},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run polls until ctx is cancelled, then draws a resting frame and returns
// ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			l.publish(Frame{AgentScale: 1, At: time.Now()})
			return ctx.Err()
		case now := <-t.C:
			l.publish(l.sample(now))
		}
	}
}

// Latest returns the most recent frame.
func (l *Loop) Latest() Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

func (l *Loop) sample(now time.Time) Frame {
	f := Frame{AgentScale: 1, At: now}
	if l.agent != nil && active(l.agentActive) {
		f.AgentScale = AgentScale(l.agent.Level())
	}
	if l.user != nil && active(l.userActive) {
		f.UserLevel = UserLevel(l.user.Level())
	}
	return f
}

func (l *Loop) publish(f Frame) {
	l.mu.Lock()
	l.latest = f
	l.mu.Unlock()
	if l.draw != nil {
		l.draw(f)
	}
}

func active(fn func() bool) bool { return fn == nil || fn() }
