// Package optim holds the parameter update rule used by the local learner.
package optim

import (
	"errors"
	"fmt"
	"math"
)

var ErrShapeMismatch = errors.New("shape mismatch")

// Adam keeps first and second moment estimates per parameter. The moment
// vectors are sized lazily on the first Update.
type Adam struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	m []float64
	v []float64
	t int
}

// NewAdam uses the conventional moment decay rates. A non-positive lr
// selects 0.001.
func NewAdam(lr float64) *Adam {
	if lr <= 0 {
		lr = 0.001
	}
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Update applies one bias-corrected step to params in place and advances the
// step counter. Nothing is modified when the shapes disagree.
func (a *Adam) Update(params, grads []float64) error {
	if len(params) != len(grads) {
		return fmt.Errorf("adam: %d params, %d grads: %w", len(params), len(grads), ErrShapeMismatch)
	}
	if a.m == nil {
		a.m = make([]float64, len(params))
		a.v = make([]float64, len(params))
	} else if len(a.m) != len(params) {
		return fmt.Errorf("adam: state sized %d, got %d params: %w", len(a.m), len(params), ErrShapeMismatch)
	}

	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, g := range grads {
		a.m[i] = a.Beta1*a.m[i] + (1-a.Beta1)*g
		a.v[i] = a.Beta2*a.v[i] + (1-a.Beta2)*g*g
		mHat := a.m[i] / c1
		vHat := a.v[i] / c2
		params[i] -= a.LR * mHat / (math.Sqrt(vHat) + a.Epsilon)
	}
	return nil
}

// Step reports how many updates have been applied since the last Reset.
func (a *Adam) Step() int { return a.t }

func (a *Adam) Reset() {
	a.m = nil
	a.v = nil
	a.t = 0
}

// State is a copy of the optimizer's internals for checkpointing.
type State struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64
	M       []float64
	V       []float64
	T       int
}

func (a *Adam) State() State {
	return State{
		LR:      a.LR,
		Beta1:   a.Beta1,
		Beta2:   a.Beta2,
		Epsilon: a.Epsilon,
		M:       append([]float64(nil), a.m...),
		V:       append([]float64(nil), a.v...),
		T:       a.t,
	}
}

// Restore replaces the optimizer's internals with s.
func (a *Adam) Restore(s State) error {
	if len(s.M) != len(s.V) {
		return fmt.Errorf("adam: restore %d first moments, %d second: %w", len(s.M), len(s.V), ErrShapeMismatch)
	}
	a.LR, a.Beta1, a.Beta2, a.Epsilon = s.LR, s.Beta1, s.Beta2, s.Epsilon
	a.m, a.v = nil, nil
	if len(s.M) > 0 {
		a.m = append([]float64(nil), s.M...)
		a.v = append([]float64(nil), s.V...)
	}
	a.t = s.T
	return nil
}
