package protocol

import "encoding/json"

// get_action (client -> service)
type ActionRequest struct {
	Observation Observation `json:"observation"`
	InstanceID  string      `json:"instance_id"`
	PlayerID    int         `json:"player_id"`
}

// get_action (service -> client). action = [move_x, move_z, attack_prob].
type ActionResponse struct {
	Action []float64 `json:"action"`
}

// update_reward (client -> service)
type RewardRequest struct {
	InstanceID string      `json:"instance_id"`
	Reward     float64     `json:"reward"`
	NextState  Observation `json:"next_state"`
	Done       bool        `json:"done"`
	PlayerID   int         `json:"player_id"`
}

// health (service -> client)
type HealthResponse struct {
	Status     string `json:"status"`
	Port       int    `json:"port"`
	BufferSize int    `json:"buffer_size"`
	TotalSteps int    `json:"total_steps"`
	GPUEnabled bool   `json:"gpu_enabled"`
}

// Stream framing: one object per line, client first.
type StreamObservation struct {
	Health           float64    `json:"health"`
	Position         [2]float64 `json:"position"`
	OpponentHealth   float64    `json:"opponent_health"`
	OpponentPosition [2]float64 `json:"opponent_position"`
	InstanceID       string     `json:"instance_id"`
}

// StreamAction carries attack as either a bool or a probability.
type StreamAction struct {
	Movement []float64       `json:"movement"`
	Attack   json.RawMessage `json:"attack"`
}
