package realtime

import "fmt"

// Phase is the coarse connection state.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
)

// State is the connection state; Attempt is only meaningful while reconnecting.
type State struct {
	Phase   Phase `json:"phase"`
	Attempt int   `json:"attempt,omitempty"`
}

func (s State) String() string {
	if s.Phase == PhaseReconnecting {
		return fmt.Sprintf("%s(%d)", s.Phase, s.Attempt)
	}
	return string(s.Phase)
}

// StateChange is the payload of listener.EventConnectionState.
type StateChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
