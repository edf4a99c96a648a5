package models

import (
	"fmt"
)

// CradleState is the lifecycle state of a cradle
type CradleState string

// Strict Cradle States for FSM
const (
	CradleStateIdle      CradleState = "idle"      // Created, not yet armed
	CradleStateArmed     CradleState = "armed"     // Counting down, feeds accepted
	CradleStateDetonated CradleState = "detonated" // Fired; terminal until explicit re-arm
	CradleStateStopped   CradleState = "stopped"   // Disarmed permanently by operator
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[CradleState]map[CradleState]bool{
	CradleStateIdle: {
		CradleStateArmed:   true, // Idle → Armed (initial arm)
		CradleStateStopped: true, // Idle → Stopped (never armed)
	},
	CradleStateArmed: {
		CradleStateDetonated: true, // Armed → Detonated (threshold lapsed or forced)
		CradleStateStopped:   true, // Armed → Stopped (operator disarm)
	},
	CradleStateDetonated: {
		CradleStateArmed:   true, // Detonated → Armed (explicit re-arm only)
		CradleStateStopped: true, // Detonated → Stopped
	},
	// Terminal state (no transitions allowed)
	CradleStateStopped: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to CradleState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state CradleState) bool {
	return state == CradleStateStopped
}

// IsLive returns true if the cradle is counting down and accepting feeds
func IsLive(state CradleState) bool {
	return state == CradleStateArmed
}
