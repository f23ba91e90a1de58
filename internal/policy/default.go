package policy

import (
	"math/rand"
	"time"

	"github.com/ab-shrek/fight-4ever/internal/geom"
	"github.com/ab-shrek/fight-4ever/internal/protocol"
)

// Config parameterizes the local fallback policy.
type Config struct {
	Bounds       geom.Rect
	Obstacles    []geom.Circle
	BodyRadius   float64 // collision radius of the agent
	StepDistance float64 // distance covered by one full-magnitude command before the next decision
	AttackProb   float64
	Penalty      float64 // reward signal (<= 0) reported when no legal direction was found
}

func DefaultConfig() Config {
	return Config{
		Bounds:       geom.Rect{HalfWidth: 15, HalfLength: 10},
		BodyRadius:   0.5,
		StepDistance: 7,
		AttackProb:   0.5,
		Penalty:      -0.01,
	}
}

// Fallback is the output of the default policy.
type Fallback struct {
	Command protocol.ActionCommand
	Penalty float64
	Tries   int
}

// Default produces bounded random actions when the remote policy is unavailable.
// It is not safe for concurrent use; each agent owns one.
type Default struct {
	cfg Config
	rng *rand.Rand
}

func NewDefault(cfg Config, rng *rand.Rand) *Default {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Default{cfg: cfg, rng: rng}
}

func (d *Default) Config() Config { return d.cfg }

// Act picks a random direction from pos. A rejected candidate gets exactly one
// retry; if that also leaves the arena or hits an obstacle the agent holds still
// and the configured penalty is reported.
func (d *Default) Act(pos geom.Vec2) Fallback {
	attack := d.rng.Float64() < d.cfg.AttackProb
	prob := 0.0
	if attack {
		prob = 1
	}
	for try := 1; try <= 2; try++ {
		dir := geom.Vec2{X: d.rng.Float64()*2 - 1, Z: d.rng.Float64()*2 - 1}
		if d.Valid(pos, dir) {
			return Fallback{
				Command: protocol.ActionCommand{Move: [2]float64{dir.X, dir.Z}, Attack: attack, AttackProb: prob},
				Tries:   try,
			}
		}
	}
	return Fallback{
		Command: protocol.ActionCommand{Attack: attack, AttackProb: prob},
		Penalty: d.cfg.Penalty,
		Tries:   2,
	}
}

// Valid reports whether moving from pos along dir (normalized, one full step)
// keeps the agent inside the bounds and its body clear of every obstacle along
// the whole path.
func (d *Default) Valid(pos, dir geom.Vec2) bool {
	next := pos.Add(dir.Normalized().Scale(d.cfg.StepDistance))
	if !d.cfg.Bounds.Contains(next) {
		return false
	}
	for _, o := range d.cfg.Obstacles {
		o.Radius += d.cfg.BodyRadius
		if o.Blocks(pos, next) {
			return false
		}
	}
	return true
}

// PositionFromObservation recovers the agent's own position from a normalized
// observation vector.
func PositionFromObservation(obs protocol.Observation, bounds geom.Rect) geom.Vec2 {
	if len(obs) <= protocol.ObsOwnZ {
		return geom.Vec2{}
	}
	return bounds.Denormalize(geom.Vec2{X: obs[protocol.ObsOwnX], Z: obs[protocol.ObsOwnZ]})
}
