package entity

import "time"

// SessionStatus is the lifecycle state of a provider session record.
type SessionStatus string

const (
	SessionStarting    SessionStatus = "starting"
	SessionRunning     SessionStatus = "running"
	SessionSuspended   SessionStatus = "suspended"
	SessionTerminating SessionStatus = "terminating"
	SessionTerminated  SessionStatus = "terminated"
)

// SessionMode selects how the provider process is driven.
type SessionMode string

const (
	ModeHeadless    SessionMode = "headless"
	ModeInteractive SessionMode = "interactive"
)

// sessionTransitions is the strict lifecycle matrix. Unlike tasks there are
// no self-transitions; every hop moves the record forward.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStarting:    {SessionRunning, SessionTerminated},
	SessionRunning:     {SessionSuspended, SessionTerminating, SessionTerminated},
	SessionSuspended:   {SessionRunning, SessionTerminated},
	SessionTerminating: {SessionTerminated},
	SessionTerminated:  {},
}

// IsValidSessionTransition reports whether from -> to is a legal lifecycle hop.
func IsValidSessionTransition(from, to SessionStatus) bool {
	allowed, ok := sessionTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedSessionTransitions returns a copy of the legal targets from a status.
func AllowedSessionTransitions(from SessionStatus) []SessionStatus {
	allowed := sessionTransitions[from]
	out := make([]SessionStatus, len(allowed))
	copy(out, allowed)
	return out
}

// IsSessionTerminal reports whether the record can never change again.
func IsSessionTerminal(s SessionStatus) bool { return s == SessionTerminated }

// Session is the durable record of one provider process run. It is flat
// rather than enveloped: records are append-mostly and never tagged.
type Session struct {
	ID                string        `json:"id" db:"id"`
	ProviderSessionID string        `json:"providerSessionId,omitempty" db:"provider_session_id"`
	AgentID           string        `json:"agentId" db:"agent_id"`
	AgentRole         AgentRole     `json:"agentRole" db:"agent_role"`
	Mode              SessionMode   `json:"mode" db:"mode"`
	PID               int           `json:"pid,omitempty" db:"pid"`
	Status            SessionStatus `json:"status" db:"status"`
	WorkingDirectory  string        `json:"workingDirectory" db:"working_directory"`
	Provider          string        `json:"provider" db:"provider"`
	Model             string        `json:"model,omitempty" db:"model"`
	TaskID            string        `json:"taskId,omitempty" db:"task_id"`
	InitialPrompt     string        `json:"initialPrompt,omitempty" db:"initial_prompt"`
	Note              string        `json:"note,omitempty" db:"note"`
	CreatedAt         time.Time     `json:"createdAt" db:"created_at"`
	LastActivityAt    time.Time     `json:"lastActivityAt" db:"last_activity_at"`
	StartedAt         *time.Time    `json:"startedAt,omitempty" db:"started_at"`
	EndedAt           *time.Time    `json:"endedAt,omitempty" db:"ended_at"`
}

// NewSession creates a starting session record for an agent.
func NewSession(agentID string, role AgentRole, mode SessionMode, provider, workingDir string) *Session {
	now := Now()
	return &Session{
		ID:               NewID(PrefixSession),
		AgentID:          agentID,
		AgentRole:        role,
		Mode:             mode,
		Status:           SessionStarting,
		WorkingDirectory: workingDir,
		Provider:         provider,
		CreatedAt:        now,
		LastActivityAt:   now,
	}
}

// Transition moves the record to a new status, stamping the relevant
// timestamps. It returns an InvalidStatusError on an illegal hop.
func (s *Session) Transition(to SessionStatus) error {
	if !IsValidSessionTransition(s.Status, to) {
		allowed := AllowedSessionTransitions(s.Status)
		names := make([]string, len(allowed))
		for i, a := range allowed {
			names[i] = string(a)
		}
		return &InvalidStatusError{From: string(s.Status), To: string(to), Allowed: names}
	}
	now := Now()
	switch to {
	case SessionRunning:
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
	case SessionTerminated:
		s.EndedAt = &now
	}
	s.Status = to
	s.LastActivityAt = now
	return nil
}

// Touch updates the activity timestamp without changing status.
func (s *Session) TouchActivity() { s.LastActivityAt = Now() }

// Active reports whether the record still holds capacity on its agent.
func (s *Session) Active() bool {
	return s.Status == SessionStarting || s.Status == SessionRunning || s.Status == SessionTerminating
}

// Resumable reports whether a new process may pick this record back up.
func (s *Session) Resumable() bool {
	return s.Status != SessionTerminated && s.ProviderSessionID != ""
}
