package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ab-shrek/fight-4ever/internal/geom"
	"github.com/ab-shrek/fight-4ever/internal/policy"
	"github.com/ab-shrek/fight-4ever/internal/protocol"
	"github.com/ab-shrek/fight-4ever/internal/reward"
)

type Tuning struct {
	Link     Link           `yaml:"link"`
	Agent    Agent          `yaml:"agent"`
	Arena    Arena          `yaml:"arena"`
	Fallback Fallback       `yaml:"fallback"`
	Reward   reward.Weights `yaml:"reward"`
	Replay   Replay         `yaml:"replay"`
	Learner  Learner        `yaml:"learner"`
}

type Link struct {
	Binding       string        `yaml:"binding"`
	Host          string        `yaml:"host"`
	BasePort      int           `yaml:"base_port"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	SettleDelay   time.Duration `yaml:"settle_delay"`
	RewardQueue   int           `yaml:"reward_queue"`
}

type Agent struct {
	DecisionInterval time.Duration `yaml:"decision_interval"`
	ExportExperience bool          `yaml:"export_experience"`
}

type Arena struct {
	TickRateHz   int           `yaml:"tick_rate_hz"`
	GameDuration time.Duration `yaml:"game_duration"`
	Bounds       geom.Rect     `yaml:"bounds"`
	Obstacles    []geom.Circle `yaml:"obstacles"`
	Spawns       [2]geom.Vec2  `yaml:"spawns"`
	MaxHealth    float64       `yaml:"max_health"`
	MoveSpeed    float64       `yaml:"move_speed"`
	FireCooldown time.Duration `yaml:"fire_cooldown"`
	Damage       float64       `yaml:"damage"`
	Range        float64       `yaml:"range"`
	BodyRadius   float64       `yaml:"body_radius"`
}

type Fallback struct {
	StepDistance float64 `yaml:"step_distance"`
	AttackProb   float64 `yaml:"attack_prob"`
	Penalty      float64 `yaml:"penalty"`
}

type Replay struct {
	Capacity  int `yaml:"capacity"`
	BatchSize int `yaml:"batch_size"`
}

type Learner struct {
	Enabled    bool    `yaml:"enabled"`
	LR         float64 `yaml:"lr"`
	Gamma      float64 `yaml:"gamma"`
	TrainEvery int     `yaml:"train_every"` // decisions between local updates
}

// Defaults mirrors the arena the agents were trained in: 30x20 floor, the two
// spawn points behind cover and the per-player port scheme starting at 5000.
func Defaults() Tuning {
	return Tuning{
		Link: Link{
			Binding:       protocol.BindingHTTP,
			Host:          "127.0.0.1",
			BasePort:      5000,
			Timeout:       time.Second,
			RetryInterval: 5 * time.Second,
			RewardQueue:   64,
		},
		Agent: Agent{
			DecisionInterval: time.Second,
			ExportExperience: true,
		},
		Arena: Arena{
			TickRateHz:   20,
			GameDuration: 120 * time.Second,
			Bounds:       geom.Rect{HalfWidth: 15, HalfLength: 10},
			Spawns:       [2]geom.Vec2{{X: -13, Z: 4}, {X: 13, Z: -4}},
			MaxHealth:    100,
			MoveSpeed:    7,
			FireCooldown: time.Second,
			Damage:       10,
			Range:        100,
			BodyRadius:   0.5,
		},
		Fallback: Fallback{
			StepDistance: 7,
			AttackProb:   0.5,
			Penalty:      -0.01,
		},
		Reward: reward.DefaultWeights(),
		Replay: Replay{Capacity: 10_000, BatchSize: 32},
		Learner: Learner{
			LR:         0.001,
			Gamma:      0.99,
			TrainEvery: 10,
		},
	}
}

// CoverObstacles approximates the optional cover layout as circles.
func CoverObstacles() []geom.Circle {
	return []geom.Circle{
		{Center: geom.Vec2{X: 0, Z: 0}, Radius: 3},
		{Center: geom.Vec2{X: -8, Z: 4}, Radius: 2},
		{Center: geom.Vec2{X: -8, Z: -4}, Radius: 2},
		{Center: geom.Vec2{X: 8, Z: 4}, Radius: 2},
		{Center: geom.Vec2{X: 8, Z: -4}, Radius: 2},
	}
}

// Load reads path over Defaults, so a file only needs the keys it changes.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if !protocol.IsKnownBinding(t.Link.Binding) {
		return fmt.Errorf("link.binding: unknown %q", t.Link.Binding)
	}
	if t.Link.BasePort <= 0 || t.Link.BasePort > 65534 {
		return fmt.Errorf("link.base_port: out of range: %d", t.Link.BasePort)
	}
	if t.Link.Timeout <= 0 {
		return fmt.Errorf("link.timeout must be positive")
	}
	if t.Agent.DecisionInterval <= 0 {
		return fmt.Errorf("agent.decision_interval must be positive")
	}
	if t.Arena.TickRateHz <= 0 {
		return fmt.Errorf("arena.tick_rate_hz must be positive")
	}
	if t.Arena.Bounds.HalfWidth <= 0 || t.Arena.Bounds.HalfLength <= 0 {
		return fmt.Errorf("arena.bounds must be positive")
	}
	for i, s := range t.Arena.Spawns {
		if !t.Arena.Bounds.Contains(s) {
			return fmt.Errorf("arena.spawns[%d]: outside bounds", i)
		}
	}
	if t.Arena.MaxHealth <= 0 {
		return fmt.Errorf("arena.max_health must be positive")
	}
	if t.Fallback.AttackProb < 0 || t.Fallback.AttackProb > 1 {
		return fmt.Errorf("fallback.attack_prob must be in [0,1]")
	}
	if t.Fallback.Penalty > 0 {
		return fmt.Errorf("fallback.penalty must not be positive")
	}
	if t.Reward.CheckInterval <= 0 {
		return fmt.Errorf("reward.check_interval must be positive")
	}
	if t.Replay.Capacity <= 0 || t.Replay.BatchSize <= 0 {
		return fmt.Errorf("replay: capacity and batch_size must be positive")
	}
	if t.Replay.BatchSize > t.Replay.Capacity {
		return fmt.Errorf("replay.batch_size exceeds capacity")
	}
	if t.Learner.Enabled && (t.Learner.Gamma < 0 || t.Learner.Gamma > 1) {
		return fmt.Errorf("learner.gamma must be in [0,1]")
	}
	return nil
}

func (t Tuning) TickInterval() time.Duration {
	return time.Second / time.Duration(t.Arena.TickRateHz)
}

// PolicyConfig builds the fallback policy configuration for this arena.
func (t Tuning) PolicyConfig() policy.Config {
	return policy.Config{
		Bounds:       t.Arena.Bounds,
		Obstacles:    append([]geom.Circle(nil), t.Arena.Obstacles...),
		BodyRadius:   t.Arena.BodyRadius,
		StepDistance: t.Fallback.StepDistance,
		AttackProb:   t.Fallback.AttackProb,
		Penalty:      t.Fallback.Penalty,
	}
}
