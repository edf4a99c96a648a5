package models

import (
	"testing"
)

// TestValidateTransition_ArmCycle tests the normal arm/detonate/re-arm cycle
func TestValidateTransition_ArmCycle(t *testing.T) {
	steps := []struct {
		from CradleState
		to   CradleState
	}{
		{CradleStateIdle, CradleStateArmed},
		{CradleStateArmed, CradleStateDetonated},
		{CradleStateDetonated, CradleStateArmed},
		{CradleStateArmed, CradleStateStopped},
	}

	for _, s := range steps {
		if err := ValidateTransition(s.from, s.to); err != nil {
			t.Errorf("Expected %s -> %s to be valid, got error: %v", s.from, s.to, err)
		}
	}
}

// TestValidateTransition_Invalid tests transitions the FSM must refuse
func TestValidateTransition_Invalid(t *testing.T) {
	invalid := []struct {
		from CradleState
		to   CradleState
	}{
		{CradleStateIdle, CradleStateDetonated},    // cannot detonate before arming
		{CradleStateStopped, CradleStateArmed},     // stopped is terminal
		{CradleStateStopped, CradleStateDetonated}, // stopped is terminal
		{CradleStateDetonated, CradleStateDetonated},
	}

	for _, s := range invalid {
		if err := ValidateTransition(s.from, s.to); err == nil {
			t.Errorf("Expected %s -> %s to be rejected", s.from, s.to)
		}
	}
}

// TestValidateTransition_UnknownState tests handling of garbage states
func TestValidateTransition_UnknownState(t *testing.T) {
	if err := ValidateTransition(CradleState("bogus"), CradleStateArmed); err == nil {
		t.Error("Expected unknown source state to be rejected")
	}
}

func TestIsTerminalState(t *testing.T) {
	if !IsTerminalState(CradleStateStopped) {
		t.Error("Expected stopped to be terminal")
	}
	// Detonated is one-shot but recoverable via explicit re-arm
	if IsTerminalState(CradleStateDetonated) {
		t.Error("Expected detonated to be re-armable, not terminal")
	}
	if IsTerminalState(CradleStateArmed) || IsTerminalState(CradleStateIdle) {
		t.Error("Expected armed and idle to be non-terminal")
	}
}

func TestIsLive(t *testing.T) {
	if !IsLive(CradleStateArmed) {
		t.Error("Expected armed cradle to be live")
	}
	for _, s := range []CradleState{CradleStateIdle, CradleStateDetonated, CradleStateStopped} {
		if IsLive(s) {
			t.Errorf("Expected %s cradle to not be live", s)
		}
	}
}
