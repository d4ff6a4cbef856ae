package entity

import (
	"encoding/json"
	"testing"
)

func TestNewAgentDefaults(t *testing.T) {
	agent := NewAgent("builder", RoleWorker, "system")
	if agent.MaxConcurrentTasks() != 1 {
		t.Errorf("expected default capacity 1, got %d", agent.MaxConcurrentTasks())
	}
	if agent.SessionStatus() != AgentSessionIdle {
		t.Errorf("expected idle, got %s", agent.SessionStatus())
	}
	if agent.WorkerMode() != WorkerModeEphemeral {
		t.Errorf("expected ephemeral default, got %s", agent.WorkerMode())
	}
	if err := agent.Validate(); err != nil {
		t.Fatalf("new agent should validate: %v", err)
	}
}

func TestAgentAccessorsSurviveJSONRoundTrip(t *testing.T) {
	agent := NewAgent("janitor", RoleSteward, "system")
	agent.SetStewardFocus(StewardFocusDocs)
	agent.SetMaxConcurrentTasks(3)
	agent.SetProvider("claude")
	agent.SetModel("opus")
	agent.SetTriggers([]Trigger{
		{Type: TriggerCron, Schedule: "*/5 * * * *"},
		{Type: TriggerEvent, Event: "task.closed", Condition: "data.priority <= 2"},
	})

	// Store round trip: metadata becomes generic JSON values.
	data, err := json.Marshal(agent)
	if err != nil {
		t.Fatal(err)
	}
	var restored Agent
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatal(err)
	}

	if restored.StewardFocus() != StewardFocusDocs {
		t.Errorf("focus lost: %s", restored.StewardFocus())
	}
	if restored.MaxConcurrentTasks() != 3 {
		t.Errorf("capacity lost: %d", restored.MaxConcurrentTasks())
	}
	if restored.Provider() != "claude" || restored.Model() != "opus" {
		t.Errorf("provider/model lost: %s/%s", restored.Provider(), restored.Model())
	}
	triggers := restored.Triggers()
	if len(triggers) != 2 {
		t.Fatalf("expected 2 triggers, got %d", len(triggers))
	}
	if triggers[0].Type != TriggerCron || triggers[0].Schedule != "*/5 * * * *" {
		t.Errorf("cron trigger lost: %+v", triggers[0])
	}
	if triggers[1].Type != TriggerEvent || triggers[1].Event != "task.closed" || triggers[1].Condition != "data.priority <= 2" {
		t.Errorf("event trigger lost: %+v", triggers[1])
	}
}

func TestAgentValidateTriggers(t *testing.T) {
	agent := NewAgent("janitor", RoleSteward, "system")

	agent.SetTriggers([]Trigger{{Type: TriggerCron}})
	if err := agent.Validate(); err == nil {
		t.Error("cron trigger without schedule should be rejected")
	}

	agent.SetTriggers([]Trigger{{Type: TriggerEvent}})
	if err := agent.Validate(); err == nil {
		t.Error("event trigger without event name should be rejected")
	}

	agent.SetTriggers([]Trigger{{Type: "webhook", Event: "x"}})
	if err := agent.Validate(); err == nil {
		t.Error("unknown trigger type should be rejected")
	}

	// Trigger validation only applies to stewards.
	worker := NewAgent("builder", RoleWorker, "system")
	worker.SetTriggers([]Trigger{{Type: "webhook"}})
	if err := worker.Validate(); err != nil {
		t.Errorf("worker metadata triggers are inert: %v", err)
	}
}

func TestAgentValidateRejects(t *testing.T) {
	agent := NewAgent("", RoleWorker, "system")
	if err := agent.Validate(); err == nil {
		t.Error("empty name should be rejected")
	}
	agent = NewAgent("x", "manager", "system")
	if err := agent.Validate(); err == nil {
		t.Error("unknown role should be rejected")
	}
}

func TestAgentSessionBinding(t *testing.T) {
	agent := NewAgent("builder", RoleWorker, "system")
	agent.SetSessionStatus(AgentSessionRunning)
	agent.SetSessionID("sess-abc")
	if agent.SessionStatus() != AgentSessionRunning || agent.SessionID() != "sess-abc" {
		t.Error("session binding accessors should round trip")
	}
}
