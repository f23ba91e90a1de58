// Package arena is a headless two-fighter match: a fixed-rate tick loop that
// moves both fighters, resolves shots and reports how the match ended.
package arena

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ab-shrek/fight-4ever/internal/geom"
	"github.com/ab-shrek/fight-4ever/internal/protocol"
	"github.com/ab-shrek/fight-4ever/internal/reward"
	"github.com/ab-shrek/fight-4ever/internal/tuning"
)

const Players = 2

type Reason string

const (
	ReasonKnockout Reason = "knockout"
	ReasonDraw     Reason = "draw"
	ReasonTimeout  Reason = "timeout"
)

// Outcome is the terminal message handed to each agent. Winner is -1 for a draw.
type Outcome struct {
	Winner  int
	Reason  Reason
	Tick    uint64
	Elapsed time.Duration
}

// For returns the result from one player's point of view: "win", "loss" or "draw".
func (o Outcome) For(player int) string {
	switch {
	case o.Winner < 0:
		return "draw"
	case o.Winner == player:
		return "win"
	default:
		return "loss"
	}
}

type Fighter struct {
	ID       int
	Pos      geom.Vec2
	Health   float64
	Cooldown time.Duration
	Shots    int
	Hits     int
	Blocked  int // moves rejected by an obstacle
	Command  protocol.ActionCommand
}

func (f *Fighter) Alive() bool { return f.Health > 0 }

func (f *Fighter) Accuracy() float64 {
	if f.Shots == 0 {
		return 0
	}
	return float64(f.Hits) / float64(f.Shots)
}

// View is what a controller sees on one tick.
type View struct {
	Player      int
	Snapshot    reward.Snapshot
	Observation protocol.Observation
}

// Controller decides a fighter's command each tick. now is match time.
type Controller interface {
	Tick(now time.Duration, v View) protocol.ActionCommand
}

type ControllerFunc func(now time.Duration, v View) protocol.ActionCommand

func (f ControllerFunc) Tick(now time.Duration, v View) protocol.ActionCommand { return f(now, v) }

// Match is not safe for concurrent use; Run owns it for the match duration.
type Match struct {
	cfg      tuning.Arena
	dt       time.Duration
	tick     uint64
	elapsed  time.Duration
	fighters [Players]Fighter
	outcome  *Outcome
	onStep   func(*Match)
}

func New(cfg tuning.Arena) (*Match, error) {
	if cfg.TickRateHz <= 0 {
		return nil, fmt.Errorf("arena: tick rate must be positive")
	}
	if cfg.Bounds.HalfWidth <= 0 || cfg.Bounds.HalfLength <= 0 {
		return nil, fmt.Errorf("arena: bounds must be positive")
	}
	if cfg.MaxHealth <= 0 {
		return nil, fmt.Errorf("arena: max health must be positive")
	}
	m := &Match{cfg: cfg, dt: time.Second / time.Duration(cfg.TickRateHz)}
	m.Reset()
	return m, nil
}

func (m *Match) Config() tuning.Arena        { return m.cfg }
func (m *Match) TickInterval() time.Duration { return m.dt }
func (m *Match) Tick() uint64                { return m.tick }
func (m *Match) Elapsed() time.Duration      { return m.elapsed }
func (m *Match) Fighter(i int) Fighter       { return m.fighters[i] }

// OnStep registers fn to run after every completed tick, including the last.
// fn runs on the tick loop and must not block.
func (m *Match) OnStep(fn func(*Match)) { m.onStep = fn }

// Outcome returns the terminal result once the match is over.
func (m *Match) Outcome() (Outcome, bool) {
	if m.outcome == nil {
		return Outcome{}, false
	}
	return *m.outcome, true
}

// Reset puts both fighters back on their spawns at full health.
func (m *Match) Reset() {
	m.tick = 0
	m.elapsed = 0
	m.outcome = nil
	for i := range m.fighters {
		m.fighters[i] = Fighter{ID: i, Pos: m.cfg.Spawns[i], Health: m.cfg.MaxHealth}
	}
}

func (m *Match) View(player int) View {
	return View{Player: player, Snapshot: m.Snapshot(player), Observation: m.Observation(player)}
}

// Snapshot is the reward-shaping view with health as a fraction.
func (m *Match) Snapshot(player int) reward.Snapshot {
	own, opp := m.fighters[player], m.fighters[1-player]
	return reward.Snapshot{
		OwnHealth: own.Health / m.cfg.MaxHealth,
		OwnPos:    own.Pos,
		OppHealth: opp.Health / m.cfg.MaxHealth,
		OppPos:    opp.Pos,
	}
}

// Observation normalizes health by max health and positions by the half extents.
func (m *Match) Observation(player int) protocol.Observation {
	s := m.Snapshot(player)
	own := m.cfg.Bounds.Normalize(s.OwnPos)
	opp := m.cfg.Bounds.Normalize(s.OppPos)
	return protocol.Observation{s.OwnHealth, own.X, own.Z, s.OppHealth, opp.X, opp.Z}
}

// SetCommand stores the command applied on the next Step.
func (m *Match) SetCommand(player int, cmd protocol.ActionCommand) error {
	if player < 0 || player >= Players {
		return fmt.Errorf("arena: no player %d", player)
	}
	m.fighters[player].Command = cmd
	return nil
}

// Step advances one tick. Both fighters move, then both shots resolve against
// the pre-shot health so simultaneous knockouts are a draw.
func (m *Match) Step() (Outcome, bool) {
	if m.outcome != nil {
		return *m.outcome, true
	}
	m.tick++
	m.elapsed += m.dt

	for i := range m.fighters {
		if m.fighters[i].Alive() {
			m.move(&m.fighters[i])
		}
	}

	var damage [Players]float64
	for i := range m.fighters {
		f := &m.fighters[i]
		if f.Cooldown > 0 {
			f.Cooldown -= m.dt
		}
		if !f.Alive() || !f.Command.Attack || f.Cooldown > 0 {
			continue
		}
		f.Shots++
		f.Cooldown = m.cfg.FireCooldown
		if m.hits(f.Pos, m.fighters[1-i].Pos) {
			f.Hits++
			damage[1-i] += m.cfg.Damage
		}
	}
	for i := range m.fighters {
		f := &m.fighters[i]
		f.Health = math.Max(0, f.Health-damage[i])
	}

	a, b := m.fighters[0].Alive(), m.fighters[1].Alive()
	switch {
	case !a && !b:
		m.finish(-1, ReasonDraw)
	case !a:
		m.finish(1, ReasonKnockout)
	case !b:
		m.finish(0, ReasonKnockout)
	case m.cfg.GameDuration > 0 && m.elapsed >= m.cfg.GameDuration:
		winner := -1
		if h0, h1 := m.fighters[0].Health, m.fighters[1].Health; h0 > h1 {
			winner = 0
		} else if h1 > h0 {
			winner = 1
		}
		m.finish(winner, ReasonTimeout)
	}
	if m.onStep != nil {
		m.onStep(m)
	}
	if m.outcome != nil {
		return *m.outcome, true
	}
	return Outcome{}, false
}

func (m *Match) finish(winner int, reason Reason) {
	m.outcome = &Outcome{Winner: winner, Reason: reason, Tick: m.tick, Elapsed: m.elapsed}
}

func (m *Match) move(f *Fighter) {
	dir := geom.Vec2{X: f.Command.Move[0], Z: f.Command.Move[1]}
	if dir.Len() > 1 {
		dir = dir.Normalized()
	}
	if dir.IsZero() {
		return
	}
	next := f.Pos.Add(dir.Scale(m.cfg.MoveSpeed * m.dt.Seconds()))
	inner := geom.Rect{
		HalfWidth:  math.Max(0, m.cfg.Bounds.HalfWidth-m.cfg.BodyRadius),
		HalfLength: math.Max(0, m.cfg.Bounds.HalfLength-m.cfg.BodyRadius),
	}
	next = inner.Clamp(next)
	for _, o := range m.cfg.Obstacles {
		if o.Overlaps(next, m.cfg.BodyRadius) {
			f.Blocked++
			return
		}
	}
	f.Pos = next
}

func (m *Match) hits(from, to geom.Vec2) bool {
	if m.cfg.Range > 0 && from.Dist(to) > m.cfg.Range {
		return false
	}
	for _, o := range m.cfg.Obstacles {
		if o.Blocks(from, to) {
			return false
		}
	}
	return true
}

// Advance asks each controller for a command, applies them and steps once.
func (m *Match) Advance(ctrls [Players]Controller) (Outcome, bool) {
	now := m.elapsed
	for i, c := range ctrls {
		if c == nil {
			continue
		}
		_ = m.SetCommand(i, c.Tick(now, m.View(i)))
	}
	return m.Step()
}

// Run drives the match at the configured tick rate until it ends.
func (m *Match) Run(ctx context.Context, ctrls [Players]Controller) (Outcome, error) {
	ticker := time.NewTicker(m.dt)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
			if out, done := m.Advance(ctrls); done {
				return out, nil
			}
		}
	}
}

// Simulate runs the match without waiting between ticks.
func (m *Match) Simulate(ctx context.Context, ctrls [Players]Controller) (Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if out, done := m.Advance(ctrls); done {
			return out, nil
		}
	}
}
