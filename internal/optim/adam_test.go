package optim

import (
	"errors"
	"math"
	"testing"
)

func TestZeroGradientLeavesParams(t *testing.T) {
	a := NewAdam(0.01)
	p := []float64{1, -2, 3}
	for i := 0; i < 5; i++ {
		if err := a.Update(p, []float64{0, 0, 0}); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if p[0] != 1 || p[1] != -2 || p[2] != 3 {
		t.Fatalf("params moved on zero gradient: %v", p)
	}
	if a.Step() != 5 {
		t.Fatalf("Step = %d, want 5", a.Step())
	}
}

func TestFirstStepMovesByLR(t *testing.T) {
	a := NewAdam(0.1)
	p := []float64{0, 0}
	if err := a.Update(p, []float64{2, -0.5}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	// bias-corrected first step is lr * sign(g)
	if math.Abs(p[0]+0.1) > 1e-6 || math.Abs(p[1]-0.1) > 1e-6 {
		t.Fatalf("unexpected first step: %v", p)
	}
}

func TestMinimizesQuadratic(t *testing.T) {
	a := NewAdam(0.05)
	p := []float64{4}
	for i := 0; i < 2000; i++ {
		_ = a.Update(p, []float64{2 * (p[0] - 1)})
	}
	if math.Abs(p[0]-1) > 1e-2 {
		t.Fatalf("did not converge: %v", p[0])
	}
}

func TestShapeMismatch(t *testing.T) {
	a := NewAdam(0.01)
	p := []float64{1, 2}
	if err := a.Update(p, []float64{1}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if a.Step() != 0 {
		t.Fatalf("failed update advanced the step counter")
	}
	if err := a.Update(p, []float64{1, 1}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := a.Update([]float64{1, 2, 3}, []float64{1, 1, 1}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch against existing state, got %v", err)
	}
	if a.Step() != 1 {
		t.Fatalf("Step = %d, want 1", a.Step())
	}
}

func TestResetClearsState(t *testing.T) {
	a := NewAdam(0.01)
	_ = a.Update([]float64{1, 2}, []float64{1, 1})
	a.Reset()
	if a.Step() != 0 {
		t.Fatalf("Step after Reset = %d", a.Step())
	}
	if err := a.Update([]float64{1, 2, 3}, []float64{1, 1, 1}); err != nil {
		t.Fatalf("Update after Reset with new shape: %v", err)
	}
}

func TestStateRestoreContinuesTrajectory(t *testing.T) {
	a := NewAdam(0.1)
	b := NewAdam(0.1)
	pa := []float64{3, -2}
	for i := 0; i < 5; i++ {
		if err := a.Update(pa, []float64{2 * pa[0], 2 * pa[1]}); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if err := b.Restore(a.State()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	pb := append([]float64(nil), pa...)
	for i := 0; i < 5; i++ {
		_ = a.Update(pa, []float64{2 * pa[0], 2 * pa[1]})
		_ = b.Update(pb, []float64{2 * pb[0], 2 * pb[1]})
	}
	if pa[0] != pb[0] || pa[1] != pb[1] || b.Step() != 10 {
		t.Fatalf("diverged: %v vs %v step=%d", pa, pb, b.Step())
	}
	if err := b.Restore(State{M: []float64{1}}); err == nil {
		t.Fatalf("expected mismatch error")
	}
}
