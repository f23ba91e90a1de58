package protocol

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
)

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(ObservationLen)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func closeEnough(a, b float64) bool { return math.Abs(a-b) < 1e-12 }

func TestObservationRoundTrip(t *testing.T) {
	c := newCodec(t)
	obs := Observation{1, -0.25, 0.5, 0.8, 1.0 / 3.0, -0.999}
	b, err := c.EncodeObservation(obs, "game_0_1", 2)
	if err != nil {
		t.Fatalf("EncodeObservation: %v", err)
	}
	req, err := c.DecodeObservation(b)
	if err != nil {
		t.Fatalf("DecodeObservation: %v", err)
	}
	if req.InstanceID != "game_0_1" || req.PlayerID != 2 {
		t.Fatalf("identity mismatch: %+v", req)
	}
	for i := range obs {
		if !closeEnough(obs[i], req.Observation[i]) {
			t.Fatalf("obs[%d]=%v decoded %v", i, obs[i], req.Observation[i])
		}
	}
}

func TestStreamObservationRoundTrip(t *testing.T) {
	c := newCodec(t)
	obs := Observation{0.3, 0.1, -0.2, 0.9, -0.7, 0.4}
	b, err := c.EncodeStreamObservation(obs, "inst")
	if err != nil {
		t.Fatalf("EncodeStreamObservation: %v", err)
	}
	if !bytes.HasSuffix(b, []byte("\n")) || bytes.Count(b, []byte("\n")) != 1 {
		t.Fatalf("expected exactly one trailing newline: %q", b)
	}
	got, inst, err := c.DecodeStreamObservation(b)
	if err != nil {
		t.Fatalf("DecodeStreamObservation: %v", err)
	}
	if inst != "inst" {
		t.Fatalf("instance id = %q", inst)
	}
	for i := range obs {
		if !closeEnough(obs[i], got[i]) {
			t.Fatalf("obs[%d]=%v decoded %v", i, obs[i], got[i])
		}
	}
}

func TestEncodeObservationRejectsWrongLength(t *testing.T) {
	c := newCodec(t)
	if _, err := c.EncodeObservation(Observation{1, 2, 3}, "i", 1); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestDecodeActionScenario(t *testing.T) {
	c := newCodec(t)
	cmd, err := c.DecodeAction([]byte(`{"action":[0.5,-0.5,0.7]}`))
	if err != nil {
		t.Fatalf("DecodeAction: %v", err)
	}
	if cmd.Move != [2]float64{0.5, -0.5} {
		t.Fatalf("move = %v", cmd.Move)
	}
	if !cmd.Attack {
		t.Fatalf("expected attack at p=0.7")
	}
}

func TestDecodeActionClampsAndThresholds(t *testing.T) {
	c := newCodec(t)
	cmd, err := c.DecodeAction([]byte(`{"action":[3,-2,0.5]}`))
	if err != nil {
		t.Fatalf("DecodeAction: %v", err)
	}
	if cmd.Move != [2]float64{1, -1} {
		t.Fatalf("expected clamped move, got %v", cmd.Move)
	}
	if cmd.Attack {
		t.Fatalf("p=0.5 must not fire")
	}
}

func TestDecodeActionProtocolErrors(t *testing.T) {
	c := newCodec(t)
	cases := map[string]string{
		"empty":       ``,
		"not json":    `{"action":`,
		"missing":     `{"move":[0,0,0]}`,
		"short arity": `{"action":[0.1,0.2]}`,
		"long arity":  `{"action":[0.1,0.2,0.3,0.4]}`,
		"non number":  `{"action":[0.1,"x",0.3]}`,
		"null":        `{"action":null}`,
		"array body":  `[0.1,0.2,0.3]`,
	}
	for name, body := range cases {
		_, err := c.DecodeAction([]byte(body))
		if !errors.Is(err, ErrProtocol) {
			t.Fatalf("%s: expected ErrProtocol, got %v", name, err)
		}
	}
}

func TestDecodeStreamAction(t *testing.T) {
	c := newCodec(t)
	cmd, err := c.DecodeStreamAction([]byte(`{"movement":[0.2,-1.5],"attack":true}` + "\n"))
	if err != nil {
		t.Fatalf("DecodeStreamAction: %v", err)
	}
	if cmd.Move != [2]float64{0.2, -1} || !cmd.Attack || cmd.AttackProb != 1 {
		t.Fatalf("unexpected command %+v", cmd)
	}
	cmd, err = c.DecodeStreamAction([]byte(`{"movement":[0,0],"attack":0.2}`))
	if err != nil {
		t.Fatalf("DecodeStreamAction prob: %v", err)
	}
	if cmd.Attack {
		t.Fatalf("p=0.2 must not fire")
	}
	for _, bad := range []string{`{"movement":[0],"attack":true}`, `{"movement":[0,0]}`, `{"movement":[0,0],"attack":"yes"}`} {
		if _, err := c.DecodeStreamAction([]byte(bad)); !errors.Is(err, ErrProtocol) {
			t.Fatalf("%s: expected ErrProtocol, got %v", bad, err)
		}
	}
}

func TestStreamActionRoundTrip(t *testing.T) {
	c := newCodec(t)
	in := NewActionCommand(-0.4, 0.9, 0.8)
	b, err := c.EncodeStreamAction(in)
	if err != nil {
		t.Fatalf("EncodeStreamAction: %v", err)
	}
	out, err := c.DecodeStreamAction(b)
	if err != nil {
		t.Fatalf("DecodeStreamAction: %v", err)
	}
	if out.Move != in.Move || out.Attack != in.Attack {
		t.Fatalf("round trip mismatch: in=%+v out=%+v", in, out)
	}
}

func TestHealthDecode(t *testing.T) {
	c := newCodec(t)
	h, err := c.DecodeHealth([]byte(`{"status":"healthy","port":5000,"buffer_size":12,"total_steps":40,"gpu_enabled":false}`))
	if err != nil {
		t.Fatalf("DecodeHealth: %v", err)
	}
	if !h.Healthy() || h.Port != 5000 || h.BufferSize != 12 || h.TotalSteps != 40 {
		t.Fatalf("unexpected health %+v", h)
	}
	h, err = c.DecodeHealth([]byte(`{"status":"degraded"}`))
	if err != nil {
		t.Fatalf("DecodeHealth degraded: %v", err)
	}
	if h.Healthy() {
		t.Fatalf("degraded must not be healthy")
	}
	if _, err := c.DecodeHealth([]byte(`{"port":5000}`)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol for missing status, got %v", err)
	}
}

func TestRewardRoundTrip(t *testing.T) {
	c := newCodec(t)
	tr := Transition{Reward: -2, NextState: Observation{0.8, 0, 0, 1, 0, 0}, Done: true}
	b, err := c.EncodeReward(tr, "inst", 1)
	if err != nil {
		t.Fatalf("EncodeReward: %v", err)
	}
	if !strings.Contains(string(b), `"done":true`) {
		t.Fatalf("expected done flag in %s", b)
	}
	req, err := c.DecodeReward(b)
	if err != nil {
		t.Fatalf("DecodeReward: %v", err)
	}
	if req.Reward != -2 || !req.Done || req.PlayerID != 1 || len(req.NextState) != ObservationLen {
		t.Fatalf("unexpected reward request %+v", req)
	}
}

func TestDecodedRequestsCarryObservations(t *testing.T) {
	c := newCodec(t)
	b, err := c.EncodeObservation(Observation{1, 0.5, -0.5, 1, 0, 0}, "inst", 0)
	if err != nil {
		t.Fatalf("EncodeObservation: %v", err)
	}
	act, err := c.DecodeObservation(b)
	if err != nil {
		t.Fatalf("DecodeObservation: %v", err)
	}
	state := act.Observation.Clone()
	act.Observation[1] = 9
	if state[1] != 0.5 {
		t.Fatalf("clone shares storage with the request: %v", state)
	}

	b, err = c.EncodeReward(Transition{NextState: Observation{0.8, 0, 0, 1, 0, 0}}, "inst", 0)
	if err != nil {
		t.Fatalf("EncodeReward: %v", err)
	}
	rew, err := c.DecodeReward(b)
	if err != nil {
		t.Fatalf("DecodeReward: %v", err)
	}
	var next Observation = rew.NextState
	if next.Clone()[0] != 0.8 {
		t.Fatalf("next_state = %v", next)
	}
}
