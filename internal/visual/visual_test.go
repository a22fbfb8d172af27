package visual_test

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/visual"
	"github.com/MrWong99/voxlink/pkg/audio"
)

func near(a, b float32) bool { return math.Abs(float64(a-b)) < 1e-6 }

func TestAgentScale(t *testing.T) {
	t.Parallel()
	cases := []struct {
		level, want float32
	}{
		{0, 1},
		{0.25, 1.25},
		{0.5, 1.5},
		{0.9, 1.5},
		{-1, 1},
	}
	for _, tc := range cases {
		if got := visual.AgentScale(tc.level); !near(got, tc.want) {
			t.Errorf("AgentScale(%v) = %v, want %v", tc.level, got, tc.want)
		}
	}
}

func TestUserLevel(t *testing.T) {
	t.Parallel()
	if got := visual.UserLevel(0.1); !near(got, 0.3) {
		t.Errorf("UserLevel(0.1) = %v, want 0.3", got)
	}
	if got := visual.UserLevel(0.5); got != 1 {
		t.Errorf("UserLevel(0.5) = %v, want 1 (clamped)", got)
	}
}

func TestLoop_PollsAndRestsOnCancel(t *testing.T) {
	t.Parallel()
	var agent, user audio.Meter
	agent.Observe([]float32{0.25, -0.25})
	user.Observe([]float32{0.1, -0.1})

	var frames atomic.Int64
	var playing atomic.Bool
	playing.Store(true)
	l := visual.New(&agent, &user,
		visual.WithFrameRate(200),
		visual.WithAgentActive(playing.Load),
		visual.WithDraw(func(visual.Frame) { frames.Add(1) }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for frames.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	f := l.Latest()
	if !near(f.AgentScale, 1.25) || !near(f.UserLevel, 0.3) {
		t.Errorf("frame = %+v, want scale 1.25 level 0.3", f)
	}

	playing.Store(false)
	time.Sleep(30 * time.Millisecond)
	if got := l.Latest().AgentScale; got != 1 {
		t.Errorf("AgentScale while inactive = %v, want 1", got)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if f := l.Latest(); f.AgentScale != 1 || f.UserLevel != 0 {
		t.Errorf("resting frame = %+v", f)
	}
}

func TestLoop_NilMeters(t *testing.T) {
	t.Parallel()
	l := visual.New(nil, nil, visual.WithFrameRate(500))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = l.Run(ctx)
	if f := l.Latest(); f.AgentScale != 1 {
		t.Errorf("frame = %+v", f)
	}
}
