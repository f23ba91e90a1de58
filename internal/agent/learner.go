package agent

import (
	"errors"
	"fmt"
	"io/fs"

	"gonum.org/v1/gonum/floats"

	"github.com/ab-shrek/fight-4ever/internal/optim"
	"github.com/ab-shrek/fight-4ever/internal/persistence/checkpoint"
	"github.com/ab-shrek/fight-4ever/internal/protocol"
	"github.com/ab-shrek/fight-4ever/internal/replay"
)

// Learner is a linear state-value critic trained with TD(0) on replay
// samples. It only scores states locally; the policy service stays the
// authority on actions.
type Learner struct {
	obsLen int
	gamma  float64
	w      []float64 // obsLen weights then the bias
	grad   []float64
	opt    *optim.Adam
}

func NewLearner(obsLen int, lr, gamma float64) *Learner {
	return &Learner{
		obsLen: obsLen,
		gamma:  gamma,
		w:      make([]float64, obsLen+1),
		grad:   make([]float64, obsLen+1),
		opt:    optim.NewAdam(lr),
	}
}

func (l *Learner) Value(obs protocol.Observation) float64 {
	if len(obs) != l.obsLen {
		return 0
	}
	return floats.Dot(l.w[:l.obsLen], obs) + l.w[l.obsLen]
}

func (l *Learner) Weights() []float64 { return append([]float64(nil), l.w...) }
func (l *Learner) Steps() int         { return l.opt.Step() }
func (l *Learner) Gamma() float64     { return l.gamma }

// Train takes one Adam step on the mean squared TD error of b and returns
// that loss before the update.
func (l *Learner) Train(b replay.Batch) (float64, error) {
	n := b.Len()
	if n == 0 {
		return 0, fmt.Errorf("learner: empty batch")
	}
	for i := range l.grad {
		l.grad[i] = 0
	}
	loss := 0.0
	inv := 1 / float64(n)
	for i := 0; i < n; i++ {
		s, next := b.States[i], b.NextStates[i]
		if len(s) != l.obsLen || len(next) != l.obsLen {
			return 0, fmt.Errorf("learner: %w: observation length", optim.ErrShapeMismatch)
		}
		target := b.Rewards[i]
		if !b.Dones[i] {
			target += l.gamma * l.Value(next)
		}
		delta := l.Value(s) - target
		loss += 0.5 * delta * delta * inv
		floats.AddScaled(l.grad[:l.obsLen], delta*inv, s)
		l.grad[l.obsLen] += delta * inv
	}
	if err := l.opt.Update(l.w, l.grad); err != nil {
		return 0, err
	}
	return loss, nil
}

// Checkpoint captures the learner and its optimizer under h.
func (l *Learner) Checkpoint(h checkpoint.Header) checkpoint.CheckpointV1 {
	h.Version = checkpoint.Version
	return checkpoint.CheckpointV1{
		Header:  h,
		ObsLen:  l.obsLen,
		Gamma:   l.gamma,
		Weights: l.Weights(),
		Adam:    l.opt.State(),
	}
}

// Restore loads weights and optimizer state saved by Checkpoint. The
// observation width must match.
func (l *Learner) Restore(c checkpoint.CheckpointV1) error {
	if c.ObsLen != l.obsLen || len(c.Weights) != l.obsLen+1 {
		return fmt.Errorf("learner: %w: checkpoint width %d, want %d", optim.ErrShapeMismatch, c.ObsLen, l.obsLen)
	}
	if err := l.opt.Restore(c.Adam); err != nil {
		return err
	}
	copy(l.w, c.Weights)
	l.gamma = c.Gamma
	return nil
}

// RestoreLearner loads the rolling checkpoint of player from dataDir into l.
// A missing checkpoint is not an error; ok reports whether one was loaded.
func RestoreLearner(dataDir string, player int, l *Learner) (h checkpoint.Header, ok bool, err error) {
	c, err := checkpoint.Read(checkpoint.PathFor(dataDir, player))
	if errors.Is(err, fs.ErrNotExist) {
		return h, false, nil
	}
	if err != nil {
		return h, false, err
	}
	if err := l.Restore(c); err != nil {
		return h, false, err
	}
	return c.Header, true, nil
}
