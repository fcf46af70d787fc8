package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a support call.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateAccepted
	StateNegotiating
	StateConnected
	StateReconnecting
	StateFailed
	StateEnded
)

var (
	ErrInvalidTransition = errors.New("session: invalid transition")
	ErrEnded             = errors.New("session: ended")
	ErrNotConnected      = errors.New("session: no call in progress")
	ErrNotConfirmed      = errors.New("session: ending a connected call needs confirmation")
	ErrWrongRole         = errors.New("session: operation not available for this role")
)

var transitions = map[State][]State{
	StateIdle:         {StateRequesting, StateAccepted, StateEnded},
	StateRequesting:   {StateAccepted, StateEnded},
	StateAccepted:     {StateNegotiating, StateEnded},
	StateNegotiating:  {StateConnected, StateReconnecting, StateFailed, StateEnded},
	StateConnected:    {StateReconnecting, StateEnded},
	StateReconnecting: {StateConnected, StateFailed, StateEnded},
	StateFailed:       {StateReconnecting, StateEnded},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if from == StateEnded {
		return ErrEnded
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateAccepted:
		return "accepted"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Transition is one state change, delivered to Config.OnStateChange in order.
type Transition struct {
	From   State
	To     State
	Reason string
}

// End reasons carried by the transition to StateEnded.
const (
	ReasonEnded         = "ended"
	ReasonRemoteEnded   = "remote-ended"
	ReasonCanceled      = "canceled"
	ReasonRejected      = "rejected"
	ReasonDeviceError   = "device-error"
	ReasonSignalingLost = "signaling-lost"
)

// Role is the side of the call a session plays.
type Role string

const (
	RoleRequester  Role = "user"
	RoleTechnician Role = "technician"
)

// Participants is the pairing a session is about. It stays the same across
// reconnections.
type Participants struct {
	RequesterID    string
	RequesterName  string
	TechnicianID   string
	TechnicianName string
}
