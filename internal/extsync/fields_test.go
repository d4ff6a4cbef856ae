package extsync

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoneforge-ai/stoneforge/internal/entity"
)

func TestTaskFieldsRoundTrip(t *testing.T) {
	mapper := &FieldMapper{}
	task := entity.NewTask("ship the feature", "director-1")
	task.Priority = 2
	task.TaskType = entity.TaskTypeFeature
	task.Tags = []string{"backend", "go"}
	task.Assignee = "agent-1"

	input := mapper.TaskToExternalTaskInput(task, "the body")
	assert.Contains(t, input.Labels, "priority:2")
	assert.Contains(t, input.Labels, "type:feature")
	assert.Contains(t, input.Labels, "backend")
	assert.Equal(t, ExternalStateOpen, input.State)

	item := &ExternalItem{
		ExternalID: "1",
		Title:      input.Title,
		Body:       input.Body,
		State:      input.State,
		Labels:     input.Labels,
		Assignee:   input.Assignee,
		UpdatedAt:  time.Now(),
	}
	up := mapper.ExternalTaskToTaskUpdates(item)
	require.NotNil(t, up.Priority)
	assert.Equal(t, 2, *up.Priority)
	require.NotNil(t, up.TaskType)
	assert.Equal(t, entity.TaskTypeFeature, *up.TaskType)
	assert.Equal(t, []string{"backend", "go"}, up.Tags)
	assert.Equal(t, "ship the feature", *up.Title)
	assert.Equal(t, "the body", *up.Body)
	assert.Equal(t, "agent-1", *up.Assignee)
}

func TestTaskCanonicalMatchesExternalCanonical(t *testing.T) {
	mapper := &FieldMapper{}
	task := entity.NewTask("parity check", "director-1")
	task.Priority = 4
	task.TaskType = entity.TaskTypeChore
	task.Tags = []string{"zeta", "alpha"}

	input := mapper.TaskToExternalTaskInput(task, "body text")
	item := &ExternalItem{
		Title:     input.Title,
		Body:      input.Body,
		State:     input.State,
		Labels:    input.Labels,
		Assignee:  input.Assignee,
		UpdatedAt: time.Now(),
	}

	localHash := Hash(mapper.TaskCanonical(task, "body text"))
	remoteHash := Hash(mapper.ExternalTaskCanonical(item))
	assert.Equal(t, localHash, remoteHash,
		"a pushed task must hash identically when read back from the remote side")
}

// Round-trip: converting a document out and the result back preserves
// title and content for arbitrary markdown.
func TestDocumentRoundTripProperty(t *testing.T) {
	mapper := &FieldMapper{}
	properties := gopter.NewProperties(nil)
	properties.Property("document -> external -> updates preserves title and content", prop.ForAll(
		func(title, content string) bool {
			trimmed := entity.TrimTitle(title)
			if trimmed == "" || len(trimmed) > entity.MaxTitleLen {
				return true
			}
			doc := entity.NewDocument(title, entity.ContentTypeMarkdown, content, "tester")
			input := mapper.DocumentToExternalDocumentInput(doc)
			item := &ExternalItem{
				Title:     input.Title,
				Body:      input.Body,
				State:     input.State,
				Labels:    input.Labels,
				UpdatedAt: time.Now(),
			}
			up := mapper.ExternalDocumentToDocumentUpdates(item)
			return up.Title != nil && *up.Title == trimmed &&
				up.Content != nil && *up.Content == content && !up.Archive
		},
		gen.AnyString(),
		gen.AnyString(),
	))
	properties.TestingRun(t)
}

func TestDocumentArchivedMapsToClosed(t *testing.T) {
	mapper := &FieldMapper{}
	doc := entity.NewDocument("runbook", entity.ContentTypeMarkdown, "steps", "tester")
	doc.Status = entity.DocumentStatusArchived

	input := mapper.DocumentToExternalDocumentInput(doc)
	assert.Equal(t, ExternalStateClosed, input.State)

	up := mapper.ExternalDocumentToDocumentUpdates(&ExternalItem{
		Title: "runbook", Body: "steps", State: ExternalStateClosed,
	})
	assert.True(t, up.Archive)
}

func TestSplitLabelsIgnoresMalformedPrefixes(t *testing.T) {
	priority, taskType, tags := splitLabels([]string{
		"priority:9",   // out of range
		"priority:two", // not a number
		"type:epic",    // unknown kind
		"type:bug",
		"plain",
	})
	assert.Equal(t, 0, priority)
	assert.Equal(t, entity.TaskTypeBug, taskType)
	assert.Equal(t, []string{"plain"}, tags)
}

func TestAssigneeResolution(t *testing.T) {
	mapper := &FieldMapper{
		ResolveAssignee: func(agentID string) string { return "login-for-" + agentID },
		ResolveAgent:    func(login string) string { return "agent-for-" + login },
	}
	task := entity.NewTask("who owns this", "director-1")
	task.Assignee = "agent-7"

	input := mapper.TaskToExternalTaskInput(task, "")
	assert.Equal(t, "login-for-agent-7", input.Assignee)

	up := mapper.ExternalTaskToTaskUpdates(&ExternalItem{
		Title: "who owns this", State: ExternalStateOpen, Assignee: "octocat",
	})
	assert.Equal(t, "agent-for-octocat", *up.Assignee)
}
