package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ab-shrek/fight-4ever/internal/arena"
	"github.com/ab-shrek/fight-4ever/internal/observerproto"
)

// Server fans match frames out to loopback spectators. Frame and End are
// called from the tick loop and never block on a slow client: a full client
// queue drops the message.
type Server struct {
	instanceID string
	params     observerproto.ArenaParams
	log        *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu      sync.Mutex
	clients map[string]*client

	episode atomic.Int64
	tick    atomic.Uint64
	dropped atomic.Uint64
}

type client struct {
	out   chan []byte
	every atomic.Int64
}

func NewServer(instanceID string, m *arena.Match, logger *log.Logger) *Server {
	cfg := m.Config()
	params := observerproto.ArenaParams{
		TickRateHz:    cfg.TickRateHz,
		HalfWidth:     cfg.Bounds.HalfWidth,
		HalfLength:    cfg.Bounds.HalfLength,
		MaxHealth:     cfg.MaxHealth,
		Range:         cfg.Range,
		GameDurationS: cfg.GameDuration.Seconds(),
		Obstacles:     make([]observerproto.ObstacleState, 0, len(cfg.Obstacles)),
	}
	for _, o := range cfg.Obstacles {
		params.Obstacles = append(params.Obstacles, observerproto.ObstacleState{
			Center: [2]float64{o.Center.X, o.Center.Z},
			Radius: o.Radius,
		})
	}
	return &Server{
		instanceID: instanceID,
		params:     params,
		log:        logger,
		clients:    map[string]*client{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// Frame publishes the state of m after a tick of the given episode.
func (s *Server) Frame(episode int, m *arena.Match) {
	s.episode.Store(int64(episode))
	s.tick.Store(m.Tick())
	if s.Clients() == 0 {
		return
	}
	msg := observerproto.FrameMsg{
		Type:            observerproto.TypeFrame,
		ProtocolVersion: observerproto.Version,
		Episode:         episode,
		Tick:            m.Tick(),
		ElapsedMS:       m.Elapsed().Milliseconds(),
		Fighters:        make([]observerproto.FighterState, 0, arena.Players),
	}
	for i := 0; i < arena.Players; i++ {
		f := m.Fighter(i)
		msg.Fighters = append(msg.Fighters, observerproto.FighterState{
			ID:     f.ID,
			Pos:    [2]float64{f.Pos.X, f.Pos.Z},
			Health: f.Health,
			Shots:  f.Shots,
			Hits:   f.Hits,
			Move:   f.Command.Move,
			Attack: f.Command.Attack,
		})
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.broadcast(b, m.Tick())
}

func (s *Server) End(episode int, out arena.Outcome) {
	b, err := json.Marshal(observerproto.EndMsg{
		Type:            observerproto.TypeEnd,
		ProtocolVersion: observerproto.Version,
		Episode:         episode,
		Tick:            out.Tick,
		Winner:          out.Winner,
		Reason:          string(out.Reason),
	})
	if err != nil {
		return
	}
	s.broadcast(b, 0)
}

// broadcast sends b to every client whose Every divides tick. tick 0 goes to all.
func (s *Server) broadcast(b []byte, tick uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if every := uint64(c.every.Load()); tick != 0 && every > 1 && tick%every != 0 {
			continue
		}
		select {
		case c.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			InstanceID:      s.instanceID,
			Episode:         int(s.episode.Load()),
			Tick:            s.tick.Load(),
			ArenaParams:     s.params,
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		c := &client{out: make(chan []byte, 64)}
		c.every.Store(int64(normalizeEvery(sub.Every)))
		s.mu.Lock()
		s.clients[sid] = c
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.clients, sid)
			s.mu.Unlock()
		}()
		if s.log != nil {
			s.log.Printf("observer %s subscribed from %s every=%d", sid, r.RemoteAddr, c.every.Load())
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := parseSubscribe(msg); ok {
				c.every.Store(int64(normalizeEvery(sub.Every)))
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	return sub, true
}

func normalizeEvery(n int) int {
	if n <= 1 {
		return 1
	}
	if n > 1200 {
		return 1200
	}
	return n
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
