// Package agent drives one fighter: it asks the training link for a
// decision on a fixed interval, shapes a reward every tick and reports each
// closed transition back to the policy service.
package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ab-shrek/fight-4ever/internal/arena"
	"github.com/ab-shrek/fight-4ever/internal/link"
	"github.com/ab-shrek/fight-4ever/internal/protocol"
	"github.com/ab-shrek/fight-4ever/internal/replay"
	"github.com/ab-shrek/fight-4ever/internal/reward"
)

// Link is the part of link.Client an agent uses.
type Link interface {
	Go(ctx context.Context, obs protocol.Observation) *link.Future
	ReportReward(rew float64, next protocol.Observation, done bool)
	Stats() link.Stats
}

type Config struct {
	Player           int
	DecisionInterval time.Duration
	// Lockstep waits for each decision on the tick that issued it. Used
	// when the match runs faster than real time.
	Lockstep         bool
	Weights          reward.Weights
	Replay           int
	BatchSize        int
	TrainEvery       int
}

// Summary describes one finished episode from the agent's side.
type Summary struct {
	Player      int
	Episode     int
	Outcome     string
	TotalReward float64
	Decisions   int
	Remote      int
	Fallback    int
	Steps       int
	TrainLoss   float64
}

type Agent struct {
	cfg     Config
	ctx     context.Context
	link    Link
	shaper  *reward.Shaper
	buf     *replay.Buffer
	learner *Learner
	log     zerolog.Logger

	primed       bool
	pending      *link.Future
	cmd          protocol.ActionCommand
	state        protocol.Observation
	action       []float64
	lastDecision time.Duration
	accum        float64
	penalty      float64
	sinceTrain   int

	episode int
	sum     Summary
	trace   []protocol.Transition
}

// New builds an agent. learner may be nil. ctx bounds every decision the
// agent issues.
func New(ctx context.Context, cfg Config, l Link, buf *replay.Buffer, learner *Learner, logger zerolog.Logger) *Agent {
	if cfg.DecisionInterval <= 0 {
		cfg.DecisionInterval = time.Second
	}
	if cfg.Replay <= 0 {
		cfg.Replay = 10_000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.TrainEvery <= 0 {
		cfg.TrainEvery = 10
	}
	if buf == nil {
		buf = replay.New(cfg.Replay, nil)
	}
	return &Agent{
		cfg:     cfg,
		ctx:     ctx,
		link:    l,
		shaper:  reward.NewShaper(cfg.Weights),
		buf:     buf,
		learner: learner,
		log:     logger.With().Str("component", "agent").Int("player", cfg.Player).Logger(),
	}
}

func (a *Agent) Buffer() *replay.Buffer          { return a.buf }
func (a *Agent) Learner() *Learner               { return a.learner }
func (a *Agent) Command() protocol.ActionCommand { return a.cmd }
func (a *Agent) Episode() int                    { return a.episode }

// Begin starts a new episode. An undelivered decision from the previous one
// is abandoned.
func (a *Agent) Begin() {
	if a.pending != nil {
		a.pending.Cancel()
		a.pending = nil
	}
	a.episode++
	a.primed = false
	a.cmd = protocol.ActionCommand{}
	a.state = nil
	a.action = nil
	a.accum = 0
	a.penalty = 0
	a.sum = Summary{Player: a.cfg.Player, Episode: a.episode}
	a.trace = a.trace[:0]
}

// Trace returns the transitions closed during the current episode.
func (a *Agent) Trace() []protocol.Transition {
	return append([]protocol.Transition(nil), a.trace...)
}

// Tick implements arena.Controller.
func (a *Agent) Tick(now time.Duration, v arena.View) protocol.ActionCommand {
	if !a.primed {
		a.primed = true
		a.shaper.Reset(v.Snapshot, now)
		a.decide(now, v.Observation)
		a.collect()
		return a.cmd
	}
	a.sum.Steps++
	res := a.shaper.Step(v.Snapshot, now)
	a.accum += res.Reward
	a.sum.TotalReward += res.Reward

	a.collect()
	if a.pending == nil && now-a.lastDecision >= a.cfg.DecisionInterval {
		a.closeTransition(v.Observation, false)
		a.decide(now, v.Observation)
		a.collect()
	}
	return a.cmd
}

// Finish closes the episode with the terminal outcome. v is the final view
// of the match.
func (a *Agent) Finish(out arena.Outcome, v arena.View) Summary {
	if a.primed {
		res := a.shaper.Step(v.Snapshot, out.Elapsed)
		a.accum += res.Reward
		a.sum.TotalReward += res.Reward
	}
	a.collect()
	if a.pending != nil {
		a.pending.Cancel()
		a.pending = nil
	}
	a.closeTransition(v.Observation, true)
	a.sum.Outcome = out.For(a.cfg.Player)
	a.primed = false

	a.log.Info().
		Int("episode", a.episode).
		Str("outcome", a.sum.Outcome).
		Str("reason", string(out.Reason)).
		Float64("total_reward", a.sum.TotalReward).
		Int("decisions", a.sum.Decisions).
		Int("fallback", a.sum.Fallback).
		Msg("episode finished")
	return a.sum
}

func (a *Agent) decide(now time.Duration, obs protocol.Observation) {
	a.lastDecision = now
	a.state = obs.Clone()
	a.action = nil
	a.pending = a.link.Go(a.ctx, obs)
	if a.cfg.Lockstep {
		if d, ok := a.pending.Wait(a.ctx); ok {
			a.adopt(d)
		}
	}
}

func (a *Agent) collect() {
	if a.pending == nil {
		return
	}
	if d, ok := a.pending.Poll(); ok {
		a.adopt(d)
	}
}

func (a *Agent) adopt(d link.Decision) {
	a.pending = nil
	a.cmd = d.Command
	a.action = d.Command.Vector()
	a.penalty += d.Penalty
	a.sum.Decisions++
	if d.Remote {
		a.sum.Remote++
	} else {
		a.sum.Fallback++
	}
}

// closeTransition reports the reward gathered since the last decision with
// any fallback penalty folded in, and stores the transition.
func (a *Agent) closeTransition(next protocol.Observation, done bool) {
	if a.state == nil {
		return
	}
	r := a.accum + a.penalty
	a.sum.TotalReward += a.penalty
	a.accum, a.penalty = 0, 0

	a.link.ReportReward(r, next, done)
	action := a.action
	if action == nil {
		action = a.cmd.Vector()
	}
	t := protocol.Transition{State: a.state, Action: action, Reward: r, NextState: next.Clone(), Done: done}
	a.buf.Add(t)
	a.trace = append(a.trace, t)
	a.state = nil
	a.train(done)
}

func (a *Agent) train(force bool) {
	if a.learner == nil {
		return
	}
	a.sinceTrain++
	if !force && a.sinceTrain < a.cfg.TrainEvery {
		return
	}
	if a.buf.Len() < a.cfg.BatchSize {
		return
	}
	a.sinceTrain = 0
	b, err := a.buf.Sample(a.cfg.BatchSize)
	if err != nil {
		a.log.Debug().Err(err).Msg("sample")
		return
	}
	loss, err := a.learner.Train(b)
	if err != nil {
		a.log.Warn().Err(err).Msg("train")
		return
	}
	a.sum.TrainLoss = loss
	a.log.Debug().Float64("loss", loss).Int("step", a.learner.Steps()).Msg("train")
}
