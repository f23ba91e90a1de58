// Package policyserver is a lightweight stand-in for the remote training
// service. It answers the discrete-call endpoints with gin and the stream
// binding over raw TCP and websocket, records the transitions it is told
// about, and can run a sampled training pass over them.
package policyserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ab-shrek/fight-4ever/internal/protocol"
	"github.com/ab-shrek/fight-4ever/internal/replay"
)

// Policy maps an observation to a command.
type Policy interface {
	Act(obs protocol.Observation) protocol.ActionCommand
}

type PolicyFunc func(obs protocol.Observation) protocol.ActionCommand

func (f PolicyFunc) Act(obs protocol.Observation) protocol.ActionCommand { return f(obs) }

// Fixed always answers cmd.
func Fixed(cmd protocol.ActionCommand) Policy {
	return PolicyFunc(func(protocol.Observation) protocol.ActionCommand { return cmd })
}

// Random answers uniformly random movement and attack probability.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandom(seed int64) *Random { return &Random{rng: rand.New(rand.NewSource(seed))} }

func (r *Random) Act(protocol.Observation) protocol.ActionCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return protocol.NewActionCommand(r.rng.Float64()*2-1, r.rng.Float64()*2-1, r.rng.Float64())
}

type Config struct {
	Port      int
	Seed      int64
	Capacity  int           // replay capacity for reported transitions
	BatchSize int           // /train batch size
	Delay     time.Duration // artificial latency before every decision reply
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 100_000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	return c
}

type pendingKey struct {
	instance string
	player   int
}

type pendingStep struct {
	state  protocol.Observation
	action []float64
}

type Server struct {
	cfg    Config
	codec  *protocol.Codec
	logger *log.Logger

	policyMu sync.RWMutex
	policy   Policy

	mu         sync.Mutex
	buf        *replay.Buffer
	pending    map[pendingKey]pendingStep
	totalSteps int
	episodes   int
	decisions  int

	upgrader websocket.Upgrader
}

func New(cfg Config, logger *log.Logger) (*Server, error) {
	cfg = cfg.withDefaults()
	codec, err := protocol.NewCodec(protocol.ObservationLen)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[policyserver] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Server{
		cfg:     cfg,
		codec:   codec,
		logger:  logger,
		policy:  NewRandom(cfg.Seed),
		buf:     replay.New(cfg.Capacity, rand.New(rand.NewSource(cfg.Seed+1))),
		pending: map[pendingKey]pendingStep{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) SetPolicy(p Policy) {
	s.policyMu.Lock()
	s.policy = p
	s.policyMu.Unlock()
}

func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.cfg.Delay = d
	s.mu.Unlock()
}

func (s *Server) act(obs protocol.Observation) protocol.ActionCommand {
	s.mu.Lock()
	delay := s.cfg.Delay
	s.decisions++
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	s.policyMu.RLock()
	p := s.policy
	s.policyMu.RUnlock()
	return p.Act(obs)
}

func (s *Server) Health() protocol.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.Health{
		Status:     protocol.StatusHealthy,
		Port:       s.cfg.Port,
		BufferSize: s.buf.Len(),
		TotalSteps: s.totalSteps,
	}
}

// Experience returns the recorded transitions oldest first.
func (s *Server) Experience() []protocol.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Contents()
}

func (s *Server) Decisions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decisions
}

func (s *Server) Episodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.episodes
}

func (s *Server) rememberStep(req protocol.ActionRequest, cmd protocol.ActionCommand) {
	s.mu.Lock()
	s.pending[pendingKey{req.InstanceID, req.PlayerID}] = pendingStep{
		state:  req.Observation.Clone(),
		action: cmd.Vector(),
	}
	s.mu.Unlock()
}

func (s *Server) recordReward(req protocol.RewardRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pendingKey{req.InstanceID, req.PlayerID}
	step := s.pending[key]
	s.buf.Add(protocol.Transition{
		State:     step.state,
		Action:    step.action,
		Reward:    req.Reward,
		NextState: req.NextState,
		Done:      req.Done,
	})
	if req.Done {
		s.episodes++
		delete(s.pending, key)
	}
}

// Train samples one batch from the recorded experience and counts it as
// training steps. It fails with replay.ErrInsufficientData when too little
// has been recorded.
func (s *Server) Train() (replay.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, err := s.buf.Sample(s.cfg.BatchSize)
	if err != nil {
		return replay.Batch{}, err
	}
	s.totalSteps += batch.Len()
	return batch, nil
}

// Handler exposes the discrete-call binding and the websocket stream.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET(protocol.PathHealth, s.handleHealth)
	r.POST(protocol.PathGetAction, s.handleGetAction)
	r.POST(protocol.PathUpdateReward, s.handleUpdateReward)
	r.POST(protocol.PathTrain, s.handleTrain)
	r.GET(protocol.PathWS, s.handleWS)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	b, err := s.codec.EncodeHealth(s.Health())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", b)
}

func (s *Server) handleGetAction(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return
	}
	req, err := s.codec.DecodeObservation(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd := s.act(req.Observation)
	s.rememberStep(req, cmd)
	b, err := s.codec.EncodeAction(cmd)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", b)
}

func (s *Server) handleUpdateReward(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return
	}
	req, err := s.codec.DecodeReward(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.recordReward(req)
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) handleTrain(c *gin.Context) {
	batch, err := s.Train()
	if errors.Is(err, replay.ErrInsufficientData) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h := s.Health()
	c.JSON(http.StatusOK, gin.H{
		"status":         "success",
		"batch_size":     batch.Len(),
		"buffer_size":    h.BufferSize,
		"total_steps":    h.TotalSteps,
		"total_episodes": s.Episodes(),
	})
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("ws upgrade: %v", err)
		return
	}
	defer conn.Close()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reply, err := s.streamReply(msg)
		if err != nil {
			s.logger.Printf("ws: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			return
		}
	}
}

func (s *Server) streamReply(line []byte) ([]byte, error) {
	obs, _, err := s.codec.DecodeStreamObservation(line)
	if err != nil {
		return nil, err
	}
	return s.codec.EncodeStreamAction(s.act(obs))
}

// ListenAndServe runs the HTTP binding until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	s.logger.Printf("http binding listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("policyserver http: %w", err)
	}
	return nil
}
