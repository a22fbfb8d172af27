package effects_test

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio/effects"
)

func TestCrossfadeGains_EqualPower(t *testing.T) {
	t.Parallel()
	for _, mix := range []float64{0, 0.05, 0.25, 0.5, 0.75, 1} {
		dry, wet := effects.CrossfadeGains(mix)
		if p := dry*dry + (wet/effects.WetScale)*(wet/effects.WetScale); math.Abs(p-1) > 1e-9 {
			t.Errorf("mix %v: dry²+(wet/0.6)² = %v, want 1", mix, p)
		}
	}

	dry, wet := effects.CrossfadeGains(0)
	if dry != 1 || wet != 0 {
		t.Errorf("mix 0: got dry=%v wet=%v, want 1/0", dry, wet)
	}
	dry, wet = effects.CrossfadeGains(1)
	if math.Abs(dry) > 1e-9 || math.Abs(wet-effects.WetScale) > 1e-9 {
		t.Errorf("mix 1: got dry=%v wet=%v, want 0/%v", dry, wet, effects.WetScale)
	}

	// Clamped.
	d1, w1 := effects.CrossfadeGains(-3)
	if d1 != 1 || w1 != 0 {
		t.Errorf("mix -3: got dry=%v wet=%v, want clamp to 0", d1, w1)
	}
}

func TestParam_RampsLinearly(t *testing.T) {
	t.Parallel()
	p := effects.NewParam(0, 4)
	buf := make([]float32, 6)

	p.Fill(buf)
	for i, v := range buf {
		if v != 0 {
			t.Fatalf("before Set sample %d = %v, want 0", i, v)
		}
	}

	p.Set(1)
	p.Fill(buf)
	want := []float32{0.25, 0.5, 0.75, 1, 1, 1}
	for i := range want {
		if math.Abs(float64(buf[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v, want %v", i, buf[i], want[i])
		}
	}
	if p.Ramping() {
		t.Error("Ramping() = true after ramp completed")
	}
}

func TestParam_RetargetMidRamp(t *testing.T) {
	t.Parallel()
	p := effects.NewParam(0, 4)
	buf := make([]float32, 2)
	p.Set(1)
	p.Fill(buf) // 0.25, 0.5
	p.Set(0)
	p.Fill(buf) // ramps from 0.5 toward 0 in 4 samples
	if math.Abs(float64(buf[0]-0.375)) > 1e-6 || math.Abs(float64(buf[1]-0.25)) > 1e-6 {
		t.Errorf("got %v, want [0.375 0.25]", buf)
	}
	if !p.Ramping() {
		t.Error("Ramping() = false mid ramp")
	}
}

func TestConvolver_MatchesDirectConvolution(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(7, 11))
	const block = 16
	taps := make([]float32, 53) // not a multiple of the block
	for i := range taps {
		taps[i] = float32(rng.Float64()*2 - 1)
	}
	input := make([]float32, block*7)
	for i := range input {
		input[i] = float32(rng.Float64()*2 - 1)
	}

	c := effects.NewConvolver(block, taps)
	got := make([]float32, len(input))
	for b := 0; b < len(input); b += block {
		c.Process(got[b:b+block], input[b:b+block])
	}

	for n := range input {
		var want float64
		for k, h := range taps {
			if n-k >= 0 {
				want += float64(h) * float64(input[n-k])
			}
		}
		if math.Abs(want-float64(got[n])) > 1e-4 {
			t.Fatalf("sample %d = %v, want %v", n, got[n], want)
		}
	}
}

func TestConvolver_EmptyFilterIsSilent(t *testing.T) {
	t.Parallel()
	c := effects.NewConvolver(4, nil)
	out := []float32{9, 9, 9, 9}
	c.Process(out, []float32{1, 1, 1, 1})
	for i, v := range out {
		if v != 0 {
			t.Errorf("sample %d = %v, want 0", i, v)
		}
	}
}

func TestNewImpulseResponse(t *testing.T) {
	t.Parallel()
	ir := effects.NewImpulseResponse(16000, 2*time.Second, 500*time.Millisecond, rand.New(rand.NewPCG(1, 1)))
	if len(ir.Left) != 32000 || len(ir.Right) != 32000 {
		t.Fatalf("len = %d/%d, want 32000", len(ir.Left), len(ir.Right))
	}
	same := true
	for i := range ir.Left {
		if ir.Left[i] != ir.Right[i] {
			same = false
		}
		env := math.Exp(-float64(i) / 8000)
		if math.Abs(float64(ir.Left[i])) > env+1e-6 {
			t.Fatalf("sample %d = %v exceeds envelope %v", i, ir.Left[i], env)
		}
	}
	if same {
		t.Error("left and right channels are identical, want independent noise")
	}
}

func newTestGraph(opts ...effects.Option) *effects.Graph {
	opts = append([]effects.Option{
		effects.WithRand(rand.New(rand.NewPCG(3, 4))),
		effects.WithReverb(100*time.Millisecond, 20*time.Millisecond),
	}, opts...)
	return effects.NewGraph(16000, 64, opts...)
}

func TestGraph_DryOnlyAtZeroMix(t *testing.T) {
	t.Parallel()
	g := newTestGraph(effects.WithGain(1), effects.WithReverbMix(0))
	in := make([]float32, 64)
	for i := range in {
		in[i] = float32(math.Sin(float64(i)))
	}
	left := make([]float32, 64)
	right := make([]float32, 64)
	g.Process(left, right, in, false)
	for i := range in {
		if math.Abs(float64(left[i]-in[i])) > 1e-6 || math.Abs(float64(right[i]-in[i])) > 1e-6 {
			t.Fatalf("sample %d: left=%v right=%v, want %v", i, left[i], right[i], in[i])
		}
	}
}

func TestGraph_InitialGainAppliedWithoutRamp(t *testing.T) {
	t.Parallel()
	g := newTestGraph(effects.WithReverbMix(0))
	in := make([]float32, 64)
	for i := range in {
		in[i] = 1
	}
	left := make([]float32, 64)
	right := make([]float32, 64)
	g.Process(left, right, in, false)
	if math.Abs(float64(left[0]-effects.DefaultGain)) > 1e-6 {
		t.Errorf("first sample = %v, want %v", left[0], effects.DefaultGain)
	}
}

func TestGraph_GainRampsInsteadOfStepping(t *testing.T) {
	t.Parallel()
	g := newTestGraph(effects.WithGain(0), effects.WithReverbMix(0))
	in := make([]float32, 64)
	for i := range in {
		in[i] = 1
	}
	left := make([]float32, 64)
	right := make([]float32, 64)

	g.SetGain(1)
	g.Process(left, right, in, false)
	// 100ms at 16k is 1600 samples; after one 64-sample block we are at 4%.
	if left[63] > 0.05 || left[63] <= 0 {
		t.Errorf("after first block = %v, want a small positive step", left[63])
	}
	for i := 1; i < 64; i++ {
		if left[i] < left[i-1] {
			t.Fatalf("gain decreased at sample %d", i)
		}
	}
	for range 30 {
		g.Process(left, right, in, false)
	}
	if math.Abs(float64(left[63]-1)) > 1e-6 {
		t.Errorf("after ramp = %v, want 1", left[63])
	}
}

func TestGraph_SettersClamp(t *testing.T) {
	t.Parallel()
	g := newTestGraph()
	g.SetGain(3)
	if g.Gain() != 1 {
		t.Errorf("Gain() = %v, want 1", g.Gain())
	}
	g.SetGain(-1)
	if g.Gain() != 0 {
		t.Errorf("Gain() = %v, want 0", g.Gain())
	}
	g.SetReverbMix(0.3)
	if math.Abs(g.ReverbMix()-0.3) > 1e-9 {
		t.Errorf("ReverbMix() = %v, want 0.3", g.ReverbMix())
	}
	g.SetReverbMix(7)
	if math.Abs(g.ReverbMix()-1) > 1e-9 {
		t.Errorf("ReverbMix() = %v, want 1", g.ReverbMix())
	}
}

func TestGraph_TailRingsThenExpires(t *testing.T) {
	t.Parallel()
	g := newTestGraph(effects.WithGain(1), effects.WithReverbMix(1))
	left := make([]float32, 64)
	right := make([]float32, 64)

	if g.Ringing() {
		t.Fatal("fresh graph Ringing() = true")
	}

	impulse := make([]float32, 64)
	impulse[0] = 1
	g.Process(left, right, impulse, false)
	if !g.Ringing() {
		t.Fatal("Ringing() = false right after input")
	}

	g.Process(left, right, nil, true)
	var energy float64
	for _, v := range left {
		energy += float64(v * v)
	}
	if energy == 0 {
		t.Error("no reverb tail after input stopped")
	}

	// 100ms IR = 1600 samples = 25 blocks, plus one block of slack.
	for range 30 {
		g.Process(left, right, nil, true)
	}
	if g.Ringing() {
		t.Error("Ringing() = true after tail expired")
	}
}

func TestGraph_MeterTapsOutput(t *testing.T) {
	t.Parallel()
	g := newTestGraph(effects.WithGain(1), effects.WithReverbMix(0))
	in := make([]float32, 64)
	for i := range in {
		in[i] = 0.5
	}
	left := make([]float32, 64)
	right := make([]float32, 64)
	g.Process(left, right, in, false)
	if got := g.Meter().Level(); math.Abs(float64(got-0.5)) > 1e-6 {
		t.Errorf("Meter().Level() = %v, want 0.5", got)
	}
}

func TestGraph_ResetCutsTail(t *testing.T) {
	t.Parallel()
	g := newTestGraph(effects.WithGain(1), effects.WithReverbMix(1))
	left := make([]float32, 64)
	right := make([]float32, 64)
	in := make([]float32, 64)
	for i := range in {
		in[i] = 1
	}
	g.Process(left, right, in, false)
	g.Reset()

	if g.Ringing() {
		t.Error("Ringing() = true after Reset")
	}
	if got := g.Meter().Level(); got != 0 {
		t.Errorf("Meter().Level() = %v after Reset, want 0", got)
	}
	g.Process(left, right, nil, true)
	for i := range left {
		if left[i] != 0 || right[i] != 0 {
			t.Fatalf("sample %d = %v/%v after Reset, want silence", i, left[i], right[i])
		}
	}
}
