// Package observerproto defines the read-only spectator stream of a running
// match. It is separate from the policy link protocol.
package observerproto

// Version is the observer protocol version.
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeFrame     = "FRAME"
	TypeEnd       = "END"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Every sends one frame out of every N ticks; 0 or 1 sends all of them.
	Every int `json:"every,omitempty"`
}

// HTTP response for GET /observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	InstanceID      string      `json:"instance_id"`
	Episode         int         `json:"episode"`
	Tick            uint64      `json:"tick"`
	ArenaParams     ArenaParams `json:"arena_params"`
}

type ArenaParams struct {
	TickRateHz    int             `json:"tick_rate_hz"`
	HalfWidth     float64         `json:"half_width"`
	HalfLength    float64         `json:"half_length"`
	MaxHealth     float64         `json:"max_health"`
	Range         float64         `json:"range"`
	GameDurationS float64         `json:"game_duration_s"`
	Obstacles     []ObstacleState `json:"obstacles"`
}

type ObstacleState struct {
	Center [2]float64 `json:"center"`
	Radius float64    `json:"radius"`
}

// Server -> Client. Sent every tick, subject to the subscriber's Every.
type FrameMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Episode         int            `json:"episode"`
	Tick            uint64         `json:"tick"`
	ElapsedMS       int64          `json:"elapsed_ms"`
	Fighters        []FighterState `json:"fighters"`
}

type FighterState struct {
	ID     int        `json:"id"`
	Pos    [2]float64 `json:"pos"`
	Health float64    `json:"health"`
	Shots  int        `json:"shots"`
	Hits   int        `json:"hits"`
	Move   [2]float64 `json:"move"`
	Attack bool       `json:"attack"`
}

// Server -> Client. Sent once when a match ends.
type EndMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Episode         int    `json:"episode"`
	Tick            uint64 `json:"tick"`
	Winner          int    `json:"winner"`
	Reason          string `json:"reason"`
}
