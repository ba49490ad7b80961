// Package negotiation drives one side of a WebRTC call using perfect
// negotiation. The designated offerer is impolite and keeps its own offer
// when offers collide; the other side is polite and rolls back.
package negotiation

import "errors"

// State is a peer's position in the call lifecycle.
type State string

const (
	StateIdle           State = "idle"
	StateGatheringMedia State = "gathering-media"
	StateReady          State = "ready"
	StateNegotiating    State = "negotiating"
	StateConnected      State = "connected"
	StateFailed         State = "failed"
	StateClosed         State = "closed"
)

// ErrIllegalTransition is returned for a move the transition table forbids.
var ErrIllegalTransition = errors.New("negotiation: illegal state transition")

var transitions = map[State][]State{
	StateIdle:           {StateGatheringMedia, StateClosed},
	StateGatheringMedia: {StateReady, StateClosed},
	StateReady:          {StateNegotiating, StateClosed},
	StateNegotiating:    {StateConnected, StateFailed, StateClosed},
	StateConnected:      {StateNegotiating, StateFailed, StateClosed},
	StateFailed:         {StateNegotiating, StateClosed},
	StateClosed:         {StateIdle},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
