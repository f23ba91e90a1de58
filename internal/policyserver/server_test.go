package policyserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ab-shrek/fight-4ever/internal/protocol"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, url, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, Config{Port: 5000})
	resp, err := http.Get(ts.URL + protocol.PathHealth)
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	codec, _ := protocol.NewCodec(protocol.ObservationLen)
	h, err := codec.DecodeHealth(b)
	if err != nil {
		t.Fatalf("DecodeHealth(%s): %v", b, err)
	}
	if !h.Healthy() || h.Port != 5000 {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestGetActionAndRewardRecordTransition(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	s.SetPolicy(Fixed(protocol.NewActionCommand(0.5, -0.5, 0.7)))

	code, body := post(t, ts.URL+protocol.PathGetAction,
		`{"observation":[1,0,0,1,0,0],"instance_id":"run-1","player_id":1}`)
	if code != http.StatusOK {
		t.Fatalf("get_action status %d: %s", code, body)
	}
	var resp struct {
		Action []float64 `json:"action"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Action) != 3 || resp.Action[0] != 0.5 || resp.Action[1] != -0.5 || resp.Action[2] != 0.7 {
		t.Fatalf("action = %v", resp.Action)
	}

	code, body = post(t, ts.URL+protocol.PathUpdateReward,
		`{"instance_id":"run-1","reward":-2,"next_state":[0.8,0,0,1,0,0],"done":true,"player_id":1}`)
	if code != http.StatusOK {
		t.Fatalf("update_reward status %d: %s", code, body)
	}
	exp := s.Experience()
	if len(exp) != 1 {
		t.Fatalf("experience len = %d", len(exp))
	}
	got := exp[0]
	if got.Reward != -2 || !got.Done || got.State[0] != 1 || got.NextState[0] != 0.8 || got.Action[2] != 0.7 {
		t.Fatalf("unexpected transition %+v", got)
	}
	if s.Episodes() != 1 {
		t.Fatalf("episodes = %d", s.Episodes())
	}
}

func TestRejectsMalformedBodies(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	for _, body := range []string{
		``,
		`{"observation":[1,0,0],"instance_id":"x","player_id":0}`,
		`{"observation":[1,0,0,1,0,"a"],"instance_id":"x","player_id":0}`,
		`{"instance_id":"x","player_id":0}`,
	} {
		code, _ := post(t, ts.URL+protocol.PathGetAction, body)
		if code != http.StatusBadRequest {
			t.Fatalf("body %q: status %d, want 400", body, code)
		}
	}
}

func TestTrainNeedsEnoughExperience(t *testing.T) {
	s, ts := newTestServer(t, Config{BatchSize: 2})
	code, _ := post(t, ts.URL+protocol.PathTrain, `{}`)
	if code != http.StatusBadRequest {
		t.Fatalf("train on empty buffer: status %d", code)
	}
	for i := 0; i < 3; i++ {
		post(t, ts.URL+protocol.PathUpdateReward,
			`{"instance_id":"r","reward":0.1,"next_state":[1,0,0,1,0,0],"done":false,"player_id":0}`)
	}
	code, body := post(t, ts.URL+protocol.PathTrain, `{}`)
	if code != http.StatusOK {
		t.Fatalf("train status %d: %s", code, body)
	}
	if h := s.Health(); h.TotalSteps != 2 || h.BufferSize != 3 {
		t.Fatalf("health after train: %+v", h)
	}
}

func TestServeStreamPairsReplies(t *testing.T) {
	s, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.SetPolicy(Fixed(protocol.NewActionCommand(1, 0, 0.9)))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeStream(ctx, ln) }()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("ServeStream did not stop")
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	for i := 0; i < 3; i++ {
		msg := []byte(`{"health":1,"position":[0,0],"opponent_health":1,"opponent_position":[0.5,0.5],"instance_id":"s"}` + "\n")
		if _, err := conn.Write(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
		line, err := r.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Contains(line, []byte(`"attack":true`)) {
			t.Fatalf("reply %d = %s", i, line)
		}
	}
	if s.Decisions() != 3 {
		t.Fatalf("decisions = %d", s.Decisions())
	}
}
