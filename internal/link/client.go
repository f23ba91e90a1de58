package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ab-shrek/fight-4ever/internal/policy"
	"github.com/ab-shrek/fight-4ever/internal/protocol"
)

// Outcome labels how a call was resolved.
type Outcome string

const (
	OutcomeRemote     Outcome = "remote"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeProtocol   Outcome = "protocol"
	OutcomeConnection Outcome = "connection"
	OutcomeBusy       Outcome = "busy"
	OutcomeDropped    Outcome = "dropped"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeAbandoned  Outcome = "abandoned"
)

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeRemote
	case errors.Is(err, ErrInFlight):
		return OutcomeBusy
	case errors.Is(err, ErrAbandoned):
		return OutcomeAbandoned
	case errors.Is(err, protocol.ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, protocol.ErrProtocol):
		return OutcomeProtocol
	default:
		return OutcomeConnection
	}
}

type Config struct {
	Identity
	Timeout       time.Duration // per call, measured from send
	RetryInterval time.Duration
	SettleDelay   time.Duration // wait after connecting before the first send
	RewardQueue   int
	Now           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.RewardQueue <= 0 {
		c.RewardQueue = 64
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Decision is the command to apply this tick and where it came from.
type Decision struct {
	Command protocol.ActionCommand
	Remote  bool
	Outcome Outcome
	Reason  error   // why the fallback was used; nil for remote decisions
	Penalty float64 // fallback loss signal to fold into the next reward
	Latency time.Duration
}

type Stats struct {
	Requests         int64
	Remote           int64
	Fallback         int64
	Timeouts         int64
	ProtocolErrors   int64
	ConnectionErrors int64
	Busy             int64
	RewardsSent      int64
	RewardsDropped   int64
	RewardErrors     int64
	MeanLatency      time.Duration
}

// Client is the training link of one agent. Decision calls never fail: any
// timeout, connection or protocol error yields a DefaultPolicy command and
// drops the link for a rate-limited reconnect.
type Client struct {
	cfg Config
	tr  Transport
	mgr *Manager
	log zerolog.Logger

	fbMu     sync.Mutex
	fallback *policy.Default

	inFlight atomic.Bool

	statsMu    sync.Mutex
	stats      Stats
	latencySum time.Duration
	latencyN   int64

	rewards   chan protocol.Transition
	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewClient(cfg Config, tr Transport, fallback *policy.Default, logger zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	if fallback == nil {
		fallback = policy.NewDefault(policy.DefaultConfig(), nil)
	}
	return &Client{
		cfg:      cfg,
		tr:       tr,
		mgr:      NewManager(cfg.RetryInterval, cfg.SettleDelay, cfg.Now),
		fallback: fallback,
		log: logger.With().
			Str("component", "link").
			Str("instance", cfg.InstanceID).
			Int("player", cfg.PlayerID).
			Str("binding", tr.Binding()).
			Logger(),
		rewards: make(chan protocol.Transition, cfg.RewardQueue),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *Client) Identity() Identity { return c.cfg.Identity }
func (c *Client) State() ConnState   { return c.mgr.State() }
func (c *Client) Manager() *Manager  { return c.mgr }

// Start launches the reward sender.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.sendRewards()
	})
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.startOnce.Do(func() { close(c.done) })
		<-c.done
		err = c.tr.Close()
	})
	return err
}

// ReportHealth runs one connect attempt and reports whether the service is
// usable. It is a no-op when already connected.
func (c *Client) ReportHealth(ctx context.Context) error {
	start := time.Now()
	if !c.mgr.BeginConnect() {
		switch c.mgr.State() {
		case Connected:
			return nil
		case Connecting:
			return fmt.Errorf("%w: connect already in progress", protocol.ErrConnection)
		default:
			return fmt.Errorf("%w: next attempt at %s", ErrNotConnected, c.mgr.NextRetryAt().Format(time.RFC3339Nano))
		}
	}
	h, err := c.connect(ctx)
	ev := c.event(err, "health", time.Since(start))
	if err == nil {
		ev = ev.Int("port", h.Port).Int("buffer_size", h.BufferSize).Int("total_steps", h.TotalSteps).Bool("gpu", h.GPUEnabled)
	}
	ev.Msg("health check")
	return err
}

// connect must be called after a successful BeginConnect.
func (c *Client) connect(ctx context.Context) (protocol.Health, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	h, err := c.tr.Connect(ctx)
	if err == nil && !h.Healthy() {
		err = fmt.Errorf("%w: service status %q", protocol.ErrConnection, h.Status)
	}
	if err != nil {
		err = protocol.Classify(err)
		_ = c.tr.Close()
		c.mgr.ConnectFailed(err)
		return h, err
	}
	c.mgr.ConnectSucceeded()
	return h, nil
}

// RequestAction asks the remote policy for a command. At most one request is
// outstanding; a call made while another is pending gets a fallback command
// with reason ErrInFlight.
func (c *Client) RequestAction(ctx context.Context, obs protocol.Observation) Decision {
	if !c.inFlight.CompareAndSwap(false, true) {
		d := c.fallbackDecision(obs, ErrInFlight, 0)
		c.record(d)
		return d
	}
	defer c.inFlight.Store(false)
	return c.requestAction(ctx, obs)
}

func (c *Client) requestAction(ctx context.Context, obs protocol.Observation) Decision {
	if err := ctx.Err(); err != nil {
		d := c.fallbackDecision(obs, c.interrupted(err), 0)
		c.record(d)
		return d
	}
	if c.mgr.State() == Disconnected && c.mgr.BeginConnect() {
		start := time.Now()
		_, err := c.connect(ctx)
		c.event(err, "connect", time.Since(start)).Msg("reconnect")
	}
	if c.mgr.State() != Connected {
		reason := ErrNotConnected
		if last := c.mgr.LastError(); last != nil {
			reason = fmt.Errorf("%w: %v", ErrNotConnected, last)
		}
		d := c.fallbackDecision(obs, reason, 0)
		c.record(d)
		return d
	}
	if wait := c.mgr.SettleRemaining(); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			d := c.fallbackDecision(obs, c.interrupted(ctx.Err()), 0)
			c.record(d)
			return d
		case <-t.C:
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	sent := time.Now()
	cmd, err := c.tr.Act(callCtx, obs)
	latency := time.Since(sent)
	cancel()
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			err = c.abandon(err)
		} else {
			err = protocol.Classify(err)
			c.mgr.Fail(err)
			_ = c.tr.Close()
		}
		d := c.fallbackDecision(obs, err, latency)
		c.record(d)
		return d
	}
	d := Decision{Command: cmd, Remote: true, Outcome: OutcomeRemote, Latency: latency}
	c.record(d)
	return d
}

// abandon resolves a call its caller cancelled without charging a reconnect
// backoff. A persistent binding may still owe a reply, so it is closed and
// redialled on the next request.
func (c *Client) abandon(err error) error {
	if c.tr.Binding() != protocol.BindingHTTP {
		_ = c.tr.Close()
		c.mgr.Release()
	}
	return fmt.Errorf("%w: %v", ErrAbandoned, err)
}

func (c *Client) interrupted(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrAbandoned, err)
	}
	return protocol.Classify(err)
}

func (c *Client) fallbackDecision(obs protocol.Observation, reason error, latency time.Duration) Decision {
	c.fbMu.Lock()
	fb := c.fallback.Act(policy.PositionFromObservation(obs, c.fallback.Config().Bounds))
	c.fbMu.Unlock()
	return Decision{
		Command: fb.Command,
		Outcome: outcomeOf(reason),
		Reason:  reason,
		Penalty: fb.Penalty,
		Latency: latency,
	}
}

// ReportReward queues a transition for the sender goroutine. It never
// blocks; the report is dropped when the link is down or the queue is full.
func (c *Client) ReportReward(rew float64, next protocol.Observation, done bool) {
	t := protocol.Transition{Reward: rew, NextState: next.Clone(), Done: done}
	if c.mgr.State() != Connected {
		c.countReward(OutcomeDropped)
		c.log.Debug().Str("op", "update_reward").Str("outcome", string(OutcomeDropped)).Str("reason", "not connected").Msg("reward")
		return
	}
	select {
	case c.rewards <- t:
	default:
		c.countReward(OutcomeDropped)
		c.log.Warn().Str("op", "update_reward").Str("outcome", string(OutcomeDropped)).Str("reason", "queue full").Msg("reward")
	}
}

func (c *Client) sendRewards() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case t := <-c.rewards:
			c.sendReward(t)
		}
	}
}

func (c *Client) sendReward(t protocol.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	start := time.Now()
	err := c.tr.Reward(ctx, t)
	latency := time.Since(start)
	switch {
	case errors.Is(err, errors.ErrUnsupported):
		c.countReward(OutcomeSkipped)
		return
	case err != nil:
		err = protocol.Classify(err)
		if !errors.Is(err, protocol.ErrProtocol) {
			c.mgr.Fail(err)
			_ = c.tr.Close()
		}
		c.countReward(outcomeOf(err))
	default:
		c.countReward(OutcomeRemote)
	}
	c.event(err, "update_reward", latency).Float64("reward", t.Reward).Bool("done", t.Done).Msg("reward")
}

func (c *Client) event(err error, op string, latency time.Duration) *zerolog.Event {
	var ev *zerolog.Event
	if err != nil {
		ev = c.log.Warn().Err(err)
	} else {
		ev = c.log.Info()
	}
	return ev.Str("op", op).
		Str("outcome", string(outcomeOf(err))).
		Float64("latency_ms", float64(latency.Microseconds())/1000)
}

func (c *Client) record(d Decision) {
	c.statsMu.Lock()
	c.stats.Requests++
	if d.Remote {
		c.stats.Remote++
		c.latencySum += d.Latency
		c.latencyN++
	} else {
		c.stats.Fallback++
	}
	switch d.Outcome {
	case OutcomeTimeout:
		c.stats.Timeouts++
	case OutcomeProtocol:
		c.stats.ProtocolErrors++
	case OutcomeConnection:
		c.stats.ConnectionErrors++
	case OutcomeBusy:
		c.stats.Busy++
	}
	c.statsMu.Unlock()

	ev := c.event(d.Reason, "get_action", d.Latency)
	if !d.Remote {
		ev = ev.Float64("penalty", d.Penalty)
	}
	ev.Bool("attack", d.Command.Attack).Msg("decision")
}

func (c *Client) countReward(o Outcome) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	switch o {
	case OutcomeRemote:
		c.stats.RewardsSent++
	case OutcomeDropped:
		c.stats.RewardsDropped++
	case OutcomeSkipped:
	default:
		c.stats.RewardErrors++
	}
}

func (c *Client) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s := c.stats
	if c.latencyN > 0 {
		s.MeanLatency = c.latencySum / time.Duration(c.latencyN)
	}
	return s
}
