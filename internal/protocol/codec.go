package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Codec encodes and decodes both framings for one agreed observation width.
// Every decode is validated against a schema before it is unmarshalled.
type Codec struct {
	obsLen int
	s      schemas
}

func NewCodec(obsLen int) (*Codec, error) {
	if obsLen <= 0 {
		return nil, fmt.Errorf("observation length must be positive, got %d", obsLen)
	}
	s, err := compileSchemas(obsLen)
	if err != nil {
		return nil, err
	}
	return &Codec{obsLen: obsLen, s: s}, nil
}

func (c *Codec) ObservationLen() int { return c.obsLen }

func (c *Codec) checkObs(op string, obs []float64) error {
	if len(obs) != c.obsLen {
		return fmt.Errorf("%s: observation length %d, want %d", op, len(obs), c.obsLen)
	}
	return nil
}

// EncodeObservation builds a get_action request body.
func (c *Codec) EncodeObservation(obs Observation, instanceID string, playerID int) ([]byte, error) {
	if err := c.checkObs("get_action", obs); err != nil {
		return nil, err
	}
	return json.Marshal(ActionRequest{Observation: obs, InstanceID: instanceID, PlayerID: playerID})
}

func (c *Codec) DecodeObservation(b []byte) (ActionRequest, error) {
	var req ActionRequest
	if err := c.decode("get_action request", c.s.actionRequest, b, &req); err != nil {
		return ActionRequest{}, err
	}
	return req, nil
}

// EncodeAction builds a get_action response body.
func (c *Codec) EncodeAction(cmd ActionCommand) ([]byte, error) {
	return json.Marshal(ActionResponse{Action: cmd.Vector()})
}

func (c *Codec) DecodeAction(b []byte) (ActionCommand, error) {
	var resp ActionResponse
	if err := c.decode("get_action response", c.s.actionResponse, b, &resp); err != nil {
		return ActionCommand{}, err
	}
	return NewActionCommand(resp.Action[0], resp.Action[1], resp.Action[2]), nil
}

// EncodeReward builds an update_reward body from the reward, next state and
// done flag of a transition.
func (c *Codec) EncodeReward(t Transition, instanceID string, playerID int) ([]byte, error) {
	if err := c.checkObs("update_reward", t.NextState); err != nil {
		return nil, err
	}
	return json.Marshal(RewardRequest{
		InstanceID: instanceID,
		Reward:     t.Reward,
		NextState:  t.NextState,
		Done:       t.Done,
		PlayerID:   playerID,
	})
}

func (c *Codec) DecodeReward(b []byte) (RewardRequest, error) {
	var req RewardRequest
	if err := c.decode("update_reward request", c.s.rewardRequest, b, &req); err != nil {
		return RewardRequest{}, err
	}
	return req, nil
}

func (c *Codec) EncodeHealth(h Health) ([]byte, error) {
	return json.Marshal(HealthResponse{
		Status:     h.Status,
		Port:       h.Port,
		BufferSize: h.BufferSize,
		TotalSteps: h.TotalSteps,
		GPUEnabled: h.GPUEnabled,
	})
}

func (c *Codec) DecodeHealth(b []byte) (Health, error) {
	var resp HealthResponse
	if err := c.decode("health response", c.s.health, b, &resp); err != nil {
		return Health{}, err
	}
	return Health{
		Status:     resp.Status,
		Port:       resp.Port,
		BufferSize: resp.BufferSize,
		TotalSteps: resp.TotalSteps,
		GPUEnabled: resp.GPUEnabled,
	}, nil
}

// EncodeStreamObservation renders one newline-terminated stream message.
// Positions carry the same normalized values as the observation vector.
func (c *Codec) EncodeStreamObservation(obs Observation, instanceID string) ([]byte, error) {
	if c.obsLen != ObservationLen {
		return nil, fmt.Errorf("stream framing needs observation length %d, codec has %d", ObservationLen, c.obsLen)
	}
	if err := c.checkObs("stream", obs); err != nil {
		return nil, err
	}
	b, err := json.Marshal(StreamObservation{
		Health:           obs[ObsOwnHealth],
		Position:         [2]float64{obs[ObsOwnX], obs[ObsOwnZ]},
		OpponentHealth:   obs[ObsOppHealth],
		OpponentPosition: [2]float64{obs[ObsOppX], obs[ObsOppZ]},
		InstanceID:       instanceID,
	})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (c *Codec) DecodeStreamObservation(line []byte) (Observation, string, error) {
	var m StreamObservation
	if err := c.decode("stream observation", c.s.streamObs, bytes.TrimSpace(line), &m); err != nil {
		return nil, "", err
	}
	obs := Observation{m.Health, m.Position[0], m.Position[1], m.OpponentHealth, m.OpponentPosition[0], m.OpponentPosition[1]}
	return obs, m.InstanceID, nil
}

// EncodeStreamAction renders a newline-terminated reply with a boolean attack.
func (c *Codec) EncodeStreamAction(cmd ActionCommand) ([]byte, error) {
	attack, _ := json.Marshal(cmd.Attack)
	b, err := json.Marshal(StreamAction{Movement: []float64{cmd.Move[0], cmd.Move[1]}, Attack: attack})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (c *Codec) DecodeStreamAction(line []byte) (ActionCommand, error) {
	var m StreamAction
	if err := c.decode("stream action", c.s.streamAction, bytes.TrimSpace(line), &m); err != nil {
		return ActionCommand{}, err
	}
	var fire bool
	if err := json.Unmarshal(m.Attack, &fire); err == nil {
		p := 0.0
		if fire {
			p = 1
		}
		cmd := NewActionCommand(m.Movement[0], m.Movement[1], p)
		return cmd, nil
	}
	var p float64
	if err := json.Unmarshal(m.Attack, &p); err != nil {
		return ActionCommand{}, protoErr("stream action", "/attack", "not a bool or number", err)
	}
	return NewActionCommand(m.Movement[0], m.Movement[1], p), nil
}

func (c *Codec) decode(op string, s *jsonschema.Schema, b []byte, dst any) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return protoErr(op, "", "empty body", nil)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return protoErr(op, "", "invalid json", err)
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := ve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			return protoErr(op, leaf.InstanceLocation, leaf.Message, nil)
		}
		return protoErr(op, "", "schema", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return protoErr(op, "", "unmarshal", err)
	}
	return nil
}
