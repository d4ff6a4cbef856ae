package entity

import (
	"errors"
	"testing"
)

func TestSessionTransitionMatrix(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		ok       bool
	}{
		{SessionStarting, SessionRunning, true},
		{SessionStarting, SessionTerminated, true},
		{SessionStarting, SessionSuspended, false},
		{SessionRunning, SessionSuspended, true},
		{SessionRunning, SessionTerminating, true},
		{SessionRunning, SessionTerminated, true},
		{SessionRunning, SessionStarting, false},
		{SessionSuspended, SessionRunning, true},
		{SessionSuspended, SessionTerminated, true},
		{SessionSuspended, SessionTerminating, false},
		{SessionTerminating, SessionTerminated, true},
		{SessionTerminating, SessionRunning, false},
		{SessionTerminated, SessionRunning, false},
		{SessionTerminated, SessionTerminated, false},
	}
	for _, tt := range tests {
		if got := IsValidSessionTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("transition %s -> %s: expected %v, got %v", tt.from, tt.to, tt.ok, got)
		}
	}
}

func TestSessionTransitionStampsTimestamps(t *testing.T) {
	sess := NewSession("agent-1", RoleWorker, ModeHeadless, "claude", "/tmp/work")
	if sess.Status != SessionStarting {
		t.Fatalf("expected starting, got %s", sess.Status)
	}
	if sess.StartedAt != nil || sess.EndedAt != nil {
		t.Fatal("fresh session must not carry started/ended timestamps")
	}

	if err := sess.Transition(SessionRunning); err != nil {
		t.Fatalf("starting -> running: %v", err)
	}
	if sess.StartedAt == nil {
		t.Error("running session must record startedAt")
	}
	started := *sess.StartedAt

	if err := sess.Transition(SessionSuspended); err != nil {
		t.Fatalf("running -> suspended: %v", err)
	}
	if err := sess.Transition(SessionRunning); err != nil {
		t.Fatalf("suspended -> running: %v", err)
	}
	if !sess.StartedAt.Equal(started) {
		t.Error("resuming must not rewrite startedAt")
	}

	if err := sess.Transition(SessionTerminating); err != nil {
		t.Fatalf("running -> terminating: %v", err)
	}
	if err := sess.Transition(SessionTerminated); err != nil {
		t.Fatalf("terminating -> terminated: %v", err)
	}
	if sess.EndedAt == nil {
		t.Error("terminated session must record endedAt")
	}
}

func TestSessionTransitionRejectsIllegalHop(t *testing.T) {
	sess := NewSession("agent-1", RoleWorker, ModeHeadless, "claude", "/tmp/work")
	err := sess.Transition(SessionSuspended)
	if err == nil {
		t.Fatal("starting -> suspended should fail")
	}
	var serr *InvalidStatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected InvalidStatusError, got %T", err)
	}
	if sess.Status != SessionStarting {
		t.Errorf("failed transition must not change status, got %s", sess.Status)
	}
}

func TestSessionActiveAndResumable(t *testing.T) {
	sess := NewSession("agent-1", RoleWorker, ModeHeadless, "claude", "/tmp/work")
	if !sess.Active() {
		t.Error("starting session should be active")
	}
	if sess.Resumable() {
		t.Error("session without a provider session id should not be resumable")
	}

	sess.ProviderSessionID = "prov-123"
	_ = sess.Transition(SessionRunning)
	_ = sess.Transition(SessionSuspended)
	if sess.Active() {
		t.Error("suspended session should not hold capacity")
	}
	if !sess.Resumable() {
		t.Error("suspended session with a provider id should be resumable")
	}

	_ = sess.Transition(SessionTerminated)
	if sess.Active() || sess.Resumable() {
		t.Error("terminated session should be neither active nor resumable")
	}
}
