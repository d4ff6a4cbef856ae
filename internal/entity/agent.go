package entity

import "fmt"

// AgentRole partitions the fleet.
type AgentRole string

const (
	RoleDirector AgentRole = "director"
	RoleWorker   AgentRole = "worker"
	RoleSteward  AgentRole = "steward"
)

// ValidAgentRole reports whether r is a known role.
func ValidAgentRole(r AgentRole) bool {
	return r == RoleDirector || r == RoleWorker || r == RoleSteward
}

// WorkerMode distinguishes one-shot workers from long-lived ones.
type WorkerMode string

const (
	WorkerModeEphemeral  WorkerMode = "ephemeral"
	WorkerModePersistent WorkerMode = "persistent"
)

// StewardFocus names the maintenance area a steward owns.
type StewardFocus string

const (
	StewardFocusMerge  StewardFocus = "merge"
	StewardFocusDocs   StewardFocus = "docs"
	StewardFocusCustom StewardFocus = "custom"
)

// AgentSessionStatus mirrors the coarse session state onto the agent entity.
type AgentSessionStatus string

const (
	AgentSessionIdle       AgentSessionStatus = "idle"
	AgentSessionRunning    AgentSessionStatus = "running"
	AgentSessionSuspended  AgentSessionStatus = "suspended"
	AgentSessionTerminated AgentSessionStatus = "terminated"
)

// TriggerType selects how a steward fires.
type TriggerType string

const (
	TriggerCron  TriggerType = "cron"
	TriggerEvent TriggerType = "event"
)

// Trigger is one steward firing rule: a cron schedule or an event name with
// an optional guard condition.
type Trigger struct {
	Type      TriggerType `json:"type"`
	Schedule  string      `json:"schedule,omitempty"`
	Event     string      `json:"event,omitempty"`
	Condition string      `json:"condition,omitempty"`
}

// Metadata keys for role-specific and shared agent fields.
const (
	MetaWorkerMode         = "workerMode"
	MetaStewardFocus       = "stewardFocus"
	MetaTriggers           = "triggers"
	MetaMaxConcurrentTasks = "maxConcurrentTasks"
	MetaSessionStatus      = "sessionStatus"
	MetaSessionID          = "sessionId"
	MetaChannelID          = "channelId"
	MetaProvider           = "provider"
	MetaModel              = "model"
	MetaReportsTo          = "reportsTo"
	MetaExecutable         = "executable"
)

// Agent is an addressable identity that can own a session. Role-specific
// fields live in the metadata map and are reached through typed accessors.
type Agent struct {
	Envelope
	Name string    `json:"name"`
	Role AgentRole `json:"role"`
}

// NewAgent creates an agent entity with defaulted shared metadata.
func NewAgent(name string, role AgentRole, createdBy string) *Agent {
	a := &Agent{
		Envelope: NewEnvelope(TypeAgent, PrefixAgent, createdBy),
		Name:     TrimTitle(name),
		Role:     role,
	}
	a.Metadata[MetaMaxConcurrentTasks] = 1
	a.Metadata[MetaSessionStatus] = string(AgentSessionIdle)
	return a
}

// Validate checks the agent invariants.
func (a *Agent) Validate() error {
	if TrimTitle(a.Name) == "" {
		return NewValidationError("name", "must not be empty")
	}
	if !ValidAgentRole(a.Role) {
		return NewValidationError("role", fmt.Sprintf("unknown role %q", a.Role))
	}
	if a.Role == RoleSteward {
		for i, tr := range a.Triggers() {
			switch tr.Type {
			case TriggerCron:
				if tr.Schedule == "" {
					return NewValidationError("triggers", fmt.Sprintf("trigger %d: cron trigger requires a schedule", i))
				}
			case TriggerEvent:
				if tr.Event == "" {
					return NewValidationError("triggers", fmt.Sprintf("trigger %d: event trigger requires an event name", i))
				}
			default:
				return NewValidationError("triggers", fmt.Sprintf("trigger %d: unknown type %q", i, tr.Type))
			}
		}
	}
	return nil
}

func (a *Agent) metaString(key string) string {
	if a.Metadata == nil {
		return ""
	}
	if s, ok := a.Metadata[key].(string); ok {
		return s
	}
	return ""
}

func (a *Agent) setMeta(key string, value any) {
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	a.Metadata[key] = value
}

// WorkerMode returns the worker mode, defaulting to ephemeral.
func (a *Agent) WorkerMode() WorkerMode {
	if m := a.metaString(MetaWorkerMode); m != "" {
		return WorkerMode(m)
	}
	return WorkerModeEphemeral
}

// SetWorkerMode records the worker mode in metadata.
func (a *Agent) SetWorkerMode(m WorkerMode) { a.setMeta(MetaWorkerMode, string(m)) }

// StewardFocus returns the steward focus, defaulting to custom.
func (a *Agent) StewardFocus() StewardFocus {
	if f := a.metaString(MetaStewardFocus); f != "" {
		return StewardFocus(f)
	}
	return StewardFocusCustom
}

// SetStewardFocus records the steward focus in metadata.
func (a *Agent) SetStewardFocus(f StewardFocus) { a.setMeta(MetaStewardFocus, string(f)) }

// Triggers decodes the ordered trigger list from metadata. Metadata
// round-trips through JSON, so the stored value may be []Trigger or
// []any of maps; both are handled.
func (a *Agent) Triggers() []Trigger {
	if a.Metadata == nil {
		return nil
	}
	switch v := a.Metadata[MetaTriggers].(type) {
	case []Trigger:
		out := make([]Trigger, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]Trigger, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			tr := Trigger{}
			if s, ok := m["type"].(string); ok {
				tr.Type = TriggerType(s)
			}
			if s, ok := m["schedule"].(string); ok {
				tr.Schedule = s
			}
			if s, ok := m["event"].(string); ok {
				tr.Event = s
			}
			if s, ok := m["condition"].(string); ok {
				tr.Condition = s
			}
			out = append(out, tr)
		}
		return out
	default:
		return nil
	}
}

// SetTriggers records the ordered trigger list in metadata.
func (a *Agent) SetTriggers(triggers []Trigger) { a.setMeta(MetaTriggers, triggers) }

// MaxConcurrentTasks returns the agent's capacity, defaulting to 1.
func (a *Agent) MaxConcurrentTasks() int {
	if a.Metadata == nil {
		return 1
	}
	switch v := a.Metadata[MetaMaxConcurrentTasks].(type) {
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return 1
}

// SetMaxConcurrentTasks records the agent's capacity.
func (a *Agent) SetMaxConcurrentTasks(n int) { a.setMeta(MetaMaxConcurrentTasks, n) }

// SessionStatus returns the agent's coarse session state, defaulting to idle.
func (a *Agent) SessionStatus() AgentSessionStatus {
	if s := a.metaString(MetaSessionStatus); s != "" {
		return AgentSessionStatus(s)
	}
	return AgentSessionIdle
}

// SetSessionStatus records the coarse session state.
func (a *Agent) SetSessionStatus(s AgentSessionStatus) { a.setMeta(MetaSessionStatus, string(s)) }

// SessionID returns the current session id, if any.
func (a *Agent) SessionID() string { return a.metaString(MetaSessionID) }

// SetSessionID records the current session id.
func (a *Agent) SetSessionID(id string) { a.setMeta(MetaSessionID, id) }

// ChannelID returns the agent's durable channel id, if allocated.
func (a *Agent) ChannelID() string { return a.metaString(MetaChannelID) }

// SetChannelID records the agent's durable channel id.
func (a *Agent) SetChannelID(id string) { a.setMeta(MetaChannelID, id) }

// Provider returns the provider override, if any.
func (a *Agent) Provider() string { return a.metaString(MetaProvider) }

// SetProvider records the provider override.
func (a *Agent) SetProvider(p string) { a.setMeta(MetaProvider, p) }

// Model returns the model override, if any.
func (a *Agent) Model() string { return a.metaString(MetaModel) }

// SetModel records the model override.
func (a *Agent) SetModel(m string) { a.setMeta(MetaModel, m) }

// ReportsTo returns the supervising agent id, if any.
func (a *Agent) ReportsTo() string { return a.metaString(MetaReportsTo) }

// SetReportsTo records the supervising agent id.
func (a *Agent) SetReportsTo(id string) { a.setMeta(MetaReportsTo, id) }

// Executable returns the provider executable override, if any.
func (a *Agent) Executable() string { return a.metaString(MetaExecutable) }

// SetExecutable records the provider executable override.
func (a *Agent) SetExecutable(path string) { a.setMeta(MetaExecutable, path) }

// Channel is the durable per-agent message channel entity.
type Channel struct {
	Envelope
	Name    string `json:"name"`
	AgentID string `json:"agentId"`
}

// NewChannel allocates a channel for an agent.
func NewChannel(agentID, name, createdBy string) *Channel {
	return &Channel{
		Envelope: NewEnvelope(TypeChannel, PrefixChannel, createdBy),
		Name:     name,
		AgentID:  agentID,
	}
}
