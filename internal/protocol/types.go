package protocol

import "math"

// Observation is the fixed-length snapshot sent to the policy service:
// own health, own x, own z, opponent health, opponent x, opponent z.
// Positions are normalized by the arena half extents.
type Observation []float64

const (
	ObsOwnHealth = iota
	ObsOwnX
	ObsOwnZ
	ObsOppHealth
	ObsOppX
	ObsOppZ
)

func (o Observation) Clone() Observation {
	if o == nil {
		return nil
	}
	return append(Observation(nil), o...)
}

// ActionCommand is a decoded decision. Move components are in [-1,1].
type ActionCommand struct {
	Move       [2]float64
	Attack     bool
	AttackProb float64
}

// NewActionCommand clamps raw policy output into the legal action range.
func NewActionCommand(mx, mz, attackProb float64) ActionCommand {
	p := clamp(attackProb, 0, 1)
	return ActionCommand{
		Move:       [2]float64{clamp(mx, -1, 1), clamp(mz, -1, 1)},
		Attack:     p > AttackThreshold,
		AttackProb: p,
	}
}

// Vector flattens the command for storage in a Transition.
func (a ActionCommand) Vector() []float64 {
	return []float64{a.Move[0], a.Move[1], a.AttackProb}
}

func (a ActionCommand) IsZeroMove() bool { return a.Move[0] == 0 && a.Move[1] == 0 }

// Transition is one (state, action, reward, next state, done) experience tuple.
type Transition struct {
	State     Observation `json:"state"`
	Action    []float64   `json:"action"`
	Reward    float64     `json:"reward"`
	NextState Observation `json:"next_state"`
	Done      bool        `json:"done"`
}

// Health is the decoded liveness reply of the policy service.
type Health struct {
	Status     string
	Port       int
	BufferSize int
	TotalSteps int
	GPUEnabled bool
}

func (h Health) Healthy() bool { return h.Status == StatusHealthy }

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
