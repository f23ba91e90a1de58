package arena

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/ab-shrek/fight-4ever/internal/geom"
	"github.com/ab-shrek/fight-4ever/internal/protocol"
	"github.com/ab-shrek/fight-4ever/internal/tuning"
)

func newTestMatch(t *testing.T, mutate func(*tuning.Arena)) *Match {
	t.Helper()
	cfg := tuning.Defaults().Arena
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func fixed(cmd protocol.ActionCommand) Controller {
	return ControllerFunc(func(time.Duration, View) protocol.ActionCommand { return cmd })
}

var (
	fire  = protocol.NewActionCommand(0, 0, 1)
	still = protocol.ActionCommand{}
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestObservationIsNormalized(t *testing.T) {
	m := newTestMatch(t, nil)
	obs := m.Observation(0)
	want := protocol.Observation{1, -13.0 / 15, 0.4, 1, 13.0 / 15, -0.4}
	for i := range want {
		if !near(obs[i], want[i]) {
			t.Fatalf("obs[%d]=%v want %v (obs=%v)", i, obs[i], want[i], obs)
		}
	}
	opp := m.Observation(1)
	if !near(opp[protocol.ObsOwnX], 13.0/15) || !near(opp[protocol.ObsOppX], -13.0/15) {
		t.Fatalf("player 1 obs=%v", opp)
	}
}

func TestMovementClampedToBounds(t *testing.T) {
	m := newTestMatch(t, nil)
	_ = m.SetCommand(0, protocol.NewActionCommand(-1, 0, 0))
	for i := 0; i < 40; i++ {
		m.Step()
	}
	if got := m.Fighter(0).Pos.X; !near(got, -14.5) {
		t.Fatalf("x=%v want -14.5", got)
	}
	if err := m.SetCommand(2, still); err == nil {
		t.Fatalf("expected error for unknown player")
	}
}

func TestMovementSpeed(t *testing.T) {
	m := newTestMatch(t, nil)
	_ = m.SetCommand(0, protocol.NewActionCommand(1, 0, 0))
	for i := 0; i < 20; i++ {
		m.Step()
	}
	// One second at speed 7.
	if got := m.Fighter(0).Pos.X; !near(got, -6) {
		t.Fatalf("x=%v want -6", got)
	}
}

func TestObstacleBlocksMovement(t *testing.T) {
	m := newTestMatch(t, func(a *tuning.Arena) {
		a.Obstacles = []geom.Circle{{Center: geom.Vec2{X: -10, Z: 4}, Radius: 1}}
	})
	_ = m.SetCommand(0, protocol.NewActionCommand(1, 0, 0))
	for i := 0; i < 40; i++ {
		m.Step()
	}
	f := m.Fighter(0)
	if f.Pos.X >= -11.5 || f.Blocked == 0 {
		t.Fatalf("fighter passed the obstacle: %+v", f)
	}
}

func TestKnockoutAfterTenHits(t *testing.T) {
	m := newTestMatch(t, nil)
	out, err := m.Simulate(context.Background(), [Players]Controller{fixed(fire), fixed(still)})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	// Shots land on ticks 1, 21, ..., 181 with a one-second cooldown at 20Hz.
	if out.Winner != 0 || out.Reason != ReasonKnockout || out.Tick != 181 {
		t.Fatalf("outcome=%+v", out)
	}
	f := m.Fighter(0)
	if f.Shots != 10 || f.Hits != 10 || f.Accuracy() != 1 {
		t.Fatalf("shooter=%+v", f)
	}
	if out.For(0) != "win" || out.For(1) != "loss" {
		t.Fatalf("For: %q %q", out.For(0), out.For(1))
	}
	if again, done := m.Step(); !done || again != out {
		t.Fatalf("Step after end = %+v %v", again, done)
	}
}

func TestSimultaneousKnockoutIsDraw(t *testing.T) {
	m := newTestMatch(t, nil)
	out, err := m.Simulate(context.Background(), [Players]Controller{fixed(fire), fixed(fire)})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if out.Winner != -1 || out.Reason != ReasonDraw || out.For(0) != "draw" {
		t.Fatalf("outcome=%+v", out)
	}
}

func TestCoverBlocksShots(t *testing.T) {
	m := newTestMatch(t, func(a *tuning.Arena) {
		a.Obstacles = tuning.CoverObstacles()
		a.GameDuration = 3 * time.Second
	})
	out, err := m.Simulate(context.Background(), [Players]Controller{fixed(fire), fixed(still)})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	f := m.Fighter(0)
	if f.Shots != 3 || f.Hits != 0 {
		t.Fatalf("shooter=%+v", f)
	}
	if out.Reason != ReasonTimeout || out.Winner != -1 {
		t.Fatalf("outcome=%+v", out)
	}
}

func TestTimeoutPrefersHealthier(t *testing.T) {
	m := newTestMatch(t, func(a *tuning.Arena) { a.GameDuration = time.Second })
	out, err := m.Simulate(context.Background(), [Players]Controller{fixed(still), fixed(fire)})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if out.Reason != ReasonTimeout || out.Winner != 1 || out.Tick != 20 {
		t.Fatalf("outcome=%+v", out)
	}
	if h := m.Snapshot(0).OwnHealth; !near(h, 0.9) {
		t.Fatalf("health fraction=%v", h)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m := newTestMatch(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err := m.Run(ctx, [Players]Controller{fixed(still), fixed(still)})
	if err == nil {
		t.Fatalf("expected context error")
	}
	if m.Tick() == 0 {
		t.Fatalf("expected at least one tick")
	}
}

func TestResetRestoresSpawns(t *testing.T) {
	m := newTestMatch(t, nil)
	_, _ = m.Simulate(context.Background(), [Players]Controller{fixed(fire), fixed(still)})
	m.Reset()
	if _, done := m.Outcome(); done {
		t.Fatalf("outcome survived reset")
	}
	if f := m.Fighter(1); f.Health != 100 || f.Pos != (geom.Vec2{X: 13, Z: -4}) {
		t.Fatalf("fighter=%+v", f)
	}
}

func TestOnStepSeesEveryTick(t *testing.T) {
	m := newTestMatch(t, nil)
	var (
		steps    int
		lastTick uint64
		ended    bool
	)
	m.OnStep(func(m *Match) {
		steps++
		lastTick = m.Tick()
		_, ended = m.Outcome()
	})
	if _, err := m.Simulate(context.Background(), [Players]Controller{fixed(fire), fixed(still)}); err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if steps != 181 || lastTick != 181 || !ended {
		t.Fatalf("steps=%d last=%d ended=%v", steps, lastTick, ended)
	}
	m.Step()
	if steps != 181 {
		t.Fatalf("hook ran after the match ended")
	}
}
