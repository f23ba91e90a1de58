package agent

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ab-shrek/fight-4ever/internal/arena"
	"github.com/ab-shrek/fight-4ever/internal/link"
	"github.com/ab-shrek/fight-4ever/internal/persistence/archive"
	"github.com/ab-shrek/fight-4ever/internal/persistence/checkpoint"
	"github.com/ab-shrek/fight-4ever/internal/persistence/indexdb"
	flog "github.com/ab-shrek/fight-4ever/internal/persistence/log"
)

// Spectator sees the match after every tick and once at the end.
type Spectator interface {
	Frame(episode int, m *arena.Match)
	End(episode int, out arena.Outcome)
}

// Uploader takes ownership of a closed experience file.
type Uploader interface {
	Enqueue(path string)
}

// Session plays consecutive episodes of one match between two agents and
// records each result.
type Session struct {
	InstanceID string
	Binding    string
	Match      *arena.Match
	Agents     [arena.Players]*Agent
	// Index is optional.
	Index indexdb.Index
	// ExperienceDir enables per-episode experience export when non-empty.
	ExperienceDir string
	Uploader      Uploader
	Spectator     Spectator
	// CheckpointDir enables a learner checkpoint per agent after every episode.
	CheckpointDir string
	ArchiveEvery  int
	// Realtime paces ticks at the arena tick rate; otherwise ticks run back to back.
	Realtime bool
	Logger   *log.Logger
	Now      func() time.Time
}

type EpisodeResult struct {
	Outcome   arena.Outcome
	Summaries [arena.Players]Summary
	Fighters  [arena.Players]arena.Fighter
}

func (s *Session) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Session) printf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// RunEpisode resets the match, plays it to the end and closes every agent's
// episode with the terminal outcome.
func (s *Session) RunEpisode(ctx context.Context) (EpisodeResult, error) {
	for i, a := range s.Agents {
		if a == nil {
			return EpisodeResult{}, fmt.Errorf("session: agent %d missing", i)
		}
	}
	s.Match.Reset()
	var ctrls [arena.Players]arena.Controller
	for i, a := range s.Agents {
		a.Begin()
		ctrls[i] = a
	}
	episode := s.Agents[0].Episode()
	if s.Spectator != nil {
		s.Match.OnStep(func(m *arena.Match) { s.Spectator.Frame(episode, m) })
		defer s.Match.OnStep(nil)
	}

	started := s.now()
	var (
		out arena.Outcome
		err error
	)
	if s.Realtime {
		out, err = s.Match.Run(ctx, ctrls)
	} else {
		out, err = s.Match.Simulate(ctx, ctrls)
	}
	if err != nil {
		return EpisodeResult{}, err
	}
	ended := s.now()
	if s.Spectator != nil {
		s.Spectator.End(episode, out)
	}

	var res EpisodeResult
	res.Outcome = out
	for i, a := range s.Agents {
		res.Summaries[i] = a.Finish(out, s.Match.View(i))
		res.Fighters[i] = s.Match.Fighter(i)
	}
	for i, a := range s.Agents {
		s.record(a, res.Summaries[i], res.Fighters[i], started, ended)
		s.export(a)
		s.checkpoint(a)
	}
	s.printf("episode=%d outcome=%s winner=%d tick=%d p0=%.3f p1=%.3f",
		res.Summaries[0].Episode, out.Reason, out.Winner, out.Tick,
		res.Summaries[0].TotalReward, res.Summaries[1].TotalReward)
	return res, nil
}

// Run plays episodes until ctx ends or n episodes are done (n <= 0 means no limit).
func (s *Session) Run(ctx context.Context, n int) error {
	for played := 0; n <= 0 || played < n; played++ {
		if _, err := s.RunEpisode(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) record(a *Agent, sum Summary, f arena.Fighter, started, ended time.Time) {
	if s.Index == nil {
		return
	}
	s.Index.RecordEpisode(indexdb.EpisodeRecord{
		InstanceID:  s.InstanceID,
		PlayerID:    sum.Player,
		Episode:     sum.Episode,
		StartedAt:   started,
		EndedAt:     ended,
		Outcome:     sum.Outcome,
		TotalReward: sum.TotalReward,
		Decisions:   sum.Decisions,
		Shots:       f.Shots,
		Hits:        f.Hits,
		FinalHealth: f.Health / s.Match.Config().MaxHealth,
	})
	s.Index.RecordLinkStats(linkStatsRecord(s.InstanceID, s.Binding, sum, a.link.Stats()))
}

func linkStatsRecord(instanceID, binding string, sum Summary, st link.Stats) indexdb.LinkStatsRecord {
	return indexdb.LinkStatsRecord{
		InstanceID:       instanceID,
		PlayerID:         sum.Player,
		Episode:          sum.Episode,
		Binding:          binding,
		Requests:         st.Requests,
		Remote:           st.Remote,
		Fallback:         st.Fallback,
		Timeouts:         st.Timeouts,
		ProtocolErrors:   st.ProtocolErrors,
		ConnectionErrors: st.ConnectionErrors,
		Busy:             st.Busy,
		RewardsSent:      st.RewardsSent,
		RewardsDropped:   st.RewardsDropped,
		RewardErrors:     st.RewardErrors,
		MeanLatencyMS:    float64(st.MeanLatency) / float64(time.Millisecond),
	}
}

func (s *Session) export(a *Agent) {
	if s.ExperienceDir == "" || len(a.trace) == 0 {
		return
	}
	l := flog.NewExperienceLogger(s.ExperienceDir, a.cfg.Player, fmt.Sprintf("%s-ep%04d", s.InstanceID, a.episode))
	if s.Uploader != nil {
		l.OnClose(s.Uploader.Enqueue)
	}
	var err error
	for _, t := range a.trace {
		if err = l.WriteTransition(t); err != nil {
			break
		}
	}
	if cerr := l.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.printf("experience export player=%d failed: %v", a.cfg.Player, err)
		return
	}
	s.printf("experience export player=%d transitions=%d", a.cfg.Player, len(a.trace))
}

func (s *Session) checkpoint(a *Agent) {
	if s.CheckpointDir == "" || a.learner == nil {
		return
	}
	c := a.learner.Checkpoint(checkpoint.Header{
		InstanceID: s.InstanceID,
		PlayerID:   a.cfg.Player,
		Episode:    a.episode,
	})
	path := checkpoint.PathFor(s.CheckpointDir, a.cfg.Player)
	if err := checkpoint.Write(path, c); err != nil {
		s.printf("checkpoint player=%d failed: %v", a.cfg.Player, err)
		return
	}
	archived, ok, err := archive.ArchiveCheckpoint(s.CheckpointDir, path, c, s.ArchiveEvery)
	if err != nil {
		s.printf("checkpoint archive player=%d failed: %v", a.cfg.Player, err)
	} else if ok {
		s.printf("checkpoint archived player=%d episode=%d path=%s", a.cfg.Player, a.episode, archived)
	}
}
