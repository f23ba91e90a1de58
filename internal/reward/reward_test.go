package reward

import (
	"math"
	"testing"
	"time"

	"github.com/ab-shrek/fight-4ever/internal/geom"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestComputeOwnHealthLoss(t *testing.T) {
	w := DefaultWeights()
	prev := Snapshot{OwnHealth: 1.0, OwnPos: geom.Vec2{X: 1, Z: 1}, OppHealth: 1, OppPos: geom.Vec2{X: 5, Z: 1}}
	curr := prev
	curr.OwnHealth = 0.8
	if got := Compute(w, prev, curr); !near(got, -2.0) {
		t.Fatalf("reward = %v, want -2.0", got)
	}
}

func TestComputeDamageAndApproach(t *testing.T) {
	w := DefaultWeights()
	prev := Snapshot{OwnHealth: 1, OwnPos: geom.Vec2{}, OppHealth: 1, OppPos: geom.Vec2{X: 10}}
	curr := Snapshot{OwnHealth: 1, OwnPos: geom.Vec2{X: 2}, OppHealth: 0.9, OppPos: geom.Vec2{X: 10}}
	// 15*0.1 + 0.1*(10-8)
	if got := Compute(w, prev, curr); !near(got, 1.5+0.2) {
		t.Fatalf("reward = %v, want 1.7", got)
	}
}

func TestStepExplorationOncePerCell(t *testing.T) {
	w := DefaultWeights()
	w.Distance = 0
	s := NewShaper(w)
	start := Snapshot{OwnHealth: 1, OppHealth: 1, OppPos: geom.Vec2{X: 5}}
	s.Reset(start, 0)

	moved := start
	moved.OwnPos = geom.Vec2{X: 1.2}
	r := s.Step(moved, 100*time.Millisecond)
	if !near(r.Breakdown.Exploration, w.ExplorationBonus) {
		t.Fatalf("expected exploration bonus on new cell, got %+v", r)
	}
	r = s.Step(moved, 200*time.Millisecond)
	if r.Breakdown.Exploration != 0 {
		t.Fatalf("bonus must be one-time per cell, got %+v", r)
	}
	back := start
	back.OwnPos = geom.Vec2{X: 0.1}
	r = s.Step(back, 300*time.Millisecond)
	if r.Breakdown.Exploration != 0 {
		t.Fatalf("starting cell counts as visited, got %+v", r)
	}
}

func TestStepStagnationOnInterval(t *testing.T) {
	w := DefaultWeights()
	s := NewShaper(w)
	snap := Snapshot{OwnHealth: 1, OwnPos: geom.Vec2{X: 3, Z: 3}, OppHealth: 1, OppPos: geom.Vec2{}}
	s.Reset(snap, 0)
	if r := s.Step(snap, 500*time.Millisecond); r.Breakdown.Stagnation != 0 {
		t.Fatalf("no stagnation check before the interval, got %+v", r)
	}
	r := s.Step(snap, time.Second)
	if !near(r.Breakdown.Stagnation, -w.StagnationPenalty) || !near(r.Reward, -w.StagnationPenalty) {
		t.Fatalf("expected stagnation penalty, got %+v", r)
	}
	far := snap
	far.OwnPos = geom.Vec2{X: 3.5, Z: 3}
	r = s.Step(far, 2*time.Second)
	if r.Breakdown.Stagnation != 0 {
		t.Fatalf("movement above threshold must not be penalized, got %+v", r)
	}
}

func TestTerminalZeroSum(t *testing.T) {
	w := DefaultWeights()
	w.Terminal = 10
	a, b := NewShaper(w), NewShaper(w)
	aSnap := Snapshot{OwnHealth: 0.1, OppHealth: 0.5, OppPos: geom.Vec2{X: 2}}
	bSnap := Snapshot{OwnHealth: 0.5, OwnPos: geom.Vec2{X: 2}, OppHealth: 0.1}
	a.Reset(aSnap, 0)
	b.Reset(bSnap, 0)

	aSnap.OwnHealth = 0
	bSnap.OppHealth = 0
	ra := a.Step(aSnap, time.Second)
	rb := b.Step(bSnap, time.Second)
	if !ra.Done || !rb.Done {
		t.Fatalf("both sides must be done: a=%+v b=%+v", ra, rb)
	}
	if ra.Reward != -10 || rb.Reward != 10 || ra.Reward+rb.Reward != 0 {
		t.Fatalf("expected zero-sum ±10, got a=%v b=%v", ra.Reward, rb.Reward)
	}
	if !rb.Won || ra.Won {
		t.Fatalf("winner flag wrong: a=%+v b=%+v", ra, rb)
	}
	if again := a.Step(aSnap, 2*time.Second); !again.Done || again.Reward != 0 {
		t.Fatalf("post-terminal step must be zero and done, got %+v", again)
	}
}

func TestTerminalDraw(t *testing.T) {
	s := NewShaper(DefaultWeights())
	s.Reset(Snapshot{OwnHealth: 0.1, OppHealth: 0.1}, 0)
	r := s.Step(Snapshot{}, time.Second)
	if !r.Done || r.Reward != 0 {
		t.Fatalf("draw must be done with zero reward, got %+v", r)
	}
}

func TestStepPrimesOnFirstCall(t *testing.T) {
	s := NewShaper(DefaultWeights())
	r := s.Step(Snapshot{OwnHealth: 1, OppHealth: 1}, 0)
	if r.Reward != 0 || r.Done {
		t.Fatalf("first step must only prime the context, got %+v", r)
	}
	loser, winner := Terminal(DefaultWeights())
	if loser != -1 || winner != 1 {
		t.Fatalf("Terminal = %v,%v", loser, winner)
	}
}
