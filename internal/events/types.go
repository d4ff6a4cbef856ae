// Package events provides event type constants and subject helpers for the
// Stoneforge event system.
package events

// Event types for tasks
const (
	TaskCreated  = "task.created"
	TaskUpdated  = "task.updated"
	TaskClosed   = "task.closed"
	TaskReopened = "task.reopened"
	TaskDeleted  = "task.deleted"
	TaskAssigned = "task.assigned"
)

// Event types for documents
const (
	DocumentCreated  = "document.created"
	DocumentUpdated  = "document.updated"
	DocumentArchived = "document.archived"
)

// Event types for agents
const (
	AgentRegistered    = "agent.registered"
	AgentUpdated       = "agent.updated"
	AgentDeleted       = "agent.deleted"
	AgentSessionStatus = "agent.session_status"
)

// Event types for sessions
const (
	SessionStarted     = "session.started"
	SessionRunning     = "session.running"
	SessionSuspended   = "session.suspended"
	SessionTerminated  = "session.terminated"
	SessionRateLimited = "session.rate_limited"
)

// Event types for dispatch
const (
	DispatchDecision = "dispatch.decision"
	DispatchCycle    = "dispatch.cycle"
)

// Event types for steward executions
const (
	StewardExecutionStarted   = "steward.execution.started"
	StewardExecutionCompleted = "steward.execution.completed"
	StewardExecutionFailed    = "steward.execution.failed"
)

// Event types for external sync
const (
	SyncPushCompleted  = "sync.push.completed"
	SyncPullCompleted  = "sync.pull.completed"
	SyncCycleCompleted = "sync.cycle.completed"
	SyncConflict       = "sync.conflict"
)

// BuildSessionSubject creates a session event subject for a specific session.
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildSessionWildcardSubject creates a wildcard subscription for all
// sessions of one session event type.
func BuildSessionWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildTaskSubject creates a task event subject for a specific task.
func BuildTaskSubject(eventType, taskID string) string {
	return eventType + "." + taskID
}

// BuildStewardSubject creates a steward execution subject for one steward.
func BuildStewardSubject(eventType, stewardID string) string {
	return eventType + "." + stewardID
}
