package reward

import (
	"time"

	"github.com/ab-shrek/fight-4ever/internal/geom"
)

// Weights are the shaping coefficients. The two historical client variants
// disagree on several of them, so all are configuration.
type Weights struct {
	Health              float64       `yaml:"health"`
	OppDamage           float64       `yaml:"opp_damage"`
	Distance            float64       `yaml:"distance"`
	ExplorationBonus    float64       `yaml:"exploration_bonus"`
	StagnationPenalty   float64       `yaml:"stagnation_penalty"`
	StagnationThreshold float64       `yaml:"stagnation_threshold"`
	CheckInterval       time.Duration `yaml:"check_interval"`
	Terminal            float64       `yaml:"terminal"`
}

func DefaultWeights() Weights {
	return Weights{
		Health:              10,
		OppDamage:           15,
		Distance:            0.1,
		ExplorationBonus:    0.01,
		StagnationPenalty:   0.005,
		StagnationThreshold: 0.1,
		CheckInterval:       time.Second,
		Terminal:            1.0,
	}
}

// Snapshot is the slice of world state the shaper needs for one agent.
type Snapshot struct {
	OwnHealth float64 // fraction in [0,1]
	OwnPos    geom.Vec2
	OppHealth float64
	OppPos    geom.Vec2
}

func (s Snapshot) Distance() float64 { return s.OwnPos.Dist(s.OppPos) }

// Compute is the dense per-tick term:
// wHealth*Δown + wOppDamage*(-Δopp) + wDistance*(prevDist - currDist).
func Compute(w Weights, prev, curr Snapshot) float64 {
	r := w.Health * (curr.OwnHealth - prev.OwnHealth)
	r += w.OppDamage * (prev.OppHealth - curr.OppHealth)
	r += w.Distance * (prev.Distance() - curr.Distance())
	return r
}

// Breakdown itemizes one Result.
type Breakdown struct {
	Dense       float64
	Exploration float64
	Stagnation  float64
	Terminal    float64
}

type Result struct {
	Reward    float64
	Done      bool
	Won       bool
	Breakdown Breakdown
}

// Context is the per-agent memory carried between ticks.
type Context struct {
	Last         Snapshot
	Visited      map[geom.Cell]struct{}
	LastCheckPos geom.Vec2
	LastCheckAt  time.Duration
	Done         bool
	primed       bool
}

// Shaper turns consecutive snapshots into scalar rewards. It is owned by a
// single agent and mutated only on that agent's tick path.
type Shaper struct {
	w   Weights
	ctx Context
}

func NewShaper(w Weights) *Shaper {
	return &Shaper{w: w, ctx: Context{Visited: map[geom.Cell]struct{}{}}}
}

func (s *Shaper) Weights() Weights { return s.w }
func (s *Shaper) Context() Context { return s.ctx }

// Reset starts a new episode from the initial snapshot at time now.
func (s *Shaper) Reset(initial Snapshot, now time.Duration) {
	s.ctx = Context{
		Last:         initial,
		Visited:      map[geom.Cell]struct{}{initial.OwnPos.Cell(): {}},
		LastCheckPos: initial.OwnPos,
		LastCheckAt:  now,
		primed:       true,
	}
}

// Step scores the transition from the previous snapshot to curr. A health-zero
// transition overrides the dense terms with the terminal reward; both fighters
// dropping on the same tick is a draw worth zero. After a terminal step further
// calls return a zero, done result.
func (s *Shaper) Step(curr Snapshot, now time.Duration) Result {
	if !s.ctx.primed {
		s.Reset(curr, now)
		return Result{}
	}
	if s.ctx.Done {
		return Result{Done: true}
	}
	prev := s.ctx.Last
	s.ctx.Last = curr

	ownDied := prev.OwnHealth > 0 && curr.OwnHealth <= 0
	oppDied := prev.OppHealth > 0 && curr.OppHealth <= 0
	switch {
	case ownDied && oppDied:
		s.ctx.Done = true
		return Result{Done: true}
	case ownDied:
		s.ctx.Done = true
		return Result{Reward: -s.w.Terminal, Done: true, Breakdown: Breakdown{Terminal: -s.w.Terminal}}
	case oppDied:
		s.ctx.Done = true
		return Result{Reward: s.w.Terminal, Done: true, Won: true, Breakdown: Breakdown{Terminal: s.w.Terminal}}
	}

	var b Breakdown
	b.Dense = Compute(s.w, prev, curr)

	cell := curr.OwnPos.Cell()
	if _, seen := s.ctx.Visited[cell]; !seen {
		s.ctx.Visited[cell] = struct{}{}
		b.Exploration = s.w.ExplorationBonus
	}
	if s.w.CheckInterval <= 0 || now-s.ctx.LastCheckAt >= s.w.CheckInterval {
		if curr.OwnPos.Dist(s.ctx.LastCheckPos) < s.w.StagnationThreshold {
			b.Stagnation = -s.w.StagnationPenalty
		}
		s.ctx.LastCheckPos = curr.OwnPos
		s.ctx.LastCheckAt = now
	}
	return Result{Reward: b.Dense + b.Exploration + b.Stagnation, Breakdown: b}
}

// Terminal returns the zero-sum terminal rewards for the loser and the winner.
func Terminal(w Weights) (loser, winner float64) {
	return -w.Terminal, w.Terminal
}
