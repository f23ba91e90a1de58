package protocol

// ObservationLen is the default observation width agreed with the policy service.
const ObservationLen = 6

// AttackThreshold is the probability above which an attack is fired.
const AttackThreshold = 0.5

// Discrete-call endpoints.
const (
	PathGetAction    = "/get_action"
	PathUpdateReward = "/update_reward"
	PathHealth       = "/health"
	PathTrain        = "/train"

	// PathWS upgrades to the websocket form of the stream binding.
	PathWS = "/ws"
)

// StatusHealthy is the only health status that counts as link-available.
const StatusHealthy = "healthy"

// Binding names used by configuration.
const (
	BindingHTTP   = "http"
	BindingStream = "stream"
	BindingWS     = "ws"
)

func IsKnownBinding(b string) bool {
	switch b {
	case BindingHTTP, BindingStream, BindingWS:
		return true
	}
	return false
}
