package extsync

import (
	"sort"
	"strconv"
	"strings"

	"github.com/stoneforge-ai/stoneforge/internal/entity"
)

// Label prefixes used to carry structured task fields through providers
// that only have free-form labels.
const (
	labelPriorityPrefix = "priority:"
	labelTypePrefix     = "type:"
)

// TaskUpdates is the field-map diff a pulled item applies to a local
// task. Nil pointers leave the field alone; status changes are carried
// separately so callers can route them through the transition machine.
type TaskUpdates struct {
	Title    *string
	Body     *string
	Priority *int
	TaskType *entity.TaskType
	Tags     []string
	Assignee *string
	// State is the remote open/closed state; callers route the resulting
	// status change through the transition machine.
	State string
}

// DocumentUpdates is the field-map diff a pulled item applies to a local
// document.
type DocumentUpdates struct {
	Title   *string
	Content *string
	Archive bool
}

// FieldMapper converts between Stoneforge elements and the provider wire
// shape, and reduces both sides to the canonical form the hash guard
// compares. The zero value maps assignees verbatim.
type FieldMapper struct {
	// ResolveAssignee maps a local agent id to the provider-side login.
	ResolveAssignee func(agentID string) string
	// ResolveAgent maps a provider-side login back to a local agent id.
	ResolveAgent func(login string) string
}

// TaskToExternalTaskInput converts a task (plus its description body) to
// the provider update payload. Priority and task type ride as prefixed
// labels ahead of the task's own tags.
func (m *FieldMapper) TaskToExternalTaskInput(task *entity.Task, body string) UpdateInput {
	labels := make([]string, 0, len(task.Tags)+2)
	labels = append(labels, labelPriorityPrefix+strconv.Itoa(task.Priority))
	labels = append(labels, labelTypePrefix+string(task.TaskType))
	labels = append(labels, task.Tags...)
	return UpdateInput{
		Title:    task.Title,
		Body:     body,
		State:    externalTaskState(task.Status),
		Labels:   labels,
		Assignee: m.assigneeLogin(task.Assignee),
	}
}

// ExternalTaskToTaskUpdates converts a pulled item into the diff to apply
// locally. Prefixed labels fold back into priority and task type; the
// remainder become tags.
func (m *FieldMapper) ExternalTaskToTaskUpdates(item *ExternalItem) TaskUpdates {
	title := entity.TrimTitle(item.Title)
	body := item.Body
	priority, taskType, tags := splitLabels(item.Labels)
	assignee := m.agentID(item.Assignee)
	up := TaskUpdates{
		Title:    &title,
		Body:     &body,
		Tags:     tags,
		Assignee: &assignee,
		State:    item.State,
	}
	if priority != 0 {
		up.Priority = &priority
	}
	if taskType != "" {
		up.TaskType = &taskType
	}
	return up
}

// DocumentToExternalDocumentInput converts a document to the provider
// update payload. Content maps to the body unchanged, so a markdown
// document round-trips byte for byte.
func (m *FieldMapper) DocumentToExternalDocumentInput(doc *entity.Document) UpdateInput {
	state := ExternalStateOpen
	if doc.Status == entity.DocumentStatusArchived {
		state = ExternalStateClosed
	}
	return UpdateInput{
		Title:  doc.Title,
		Body:   doc.Content,
		State:  state,
		Labels: append([]string(nil), doc.Tags...),
	}
}

// ExternalDocumentToDocumentUpdates converts a pulled item into the diff
// to apply to a local document.
func (m *FieldMapper) ExternalDocumentToDocumentUpdates(item *ExternalItem) DocumentUpdates {
	title := entity.TrimTitle(item.Title)
	content := item.Body
	return DocumentUpdates{
		Title:   &title,
		Content: &content,
		Archive: item.State == ExternalStateClosed,
	}
}

// TaskCanonical reduces a local task to the canonical form. The body is
// the content of the task's description document, loaded by the engine.
func (m *FieldMapper) TaskCanonical(task *entity.Task, body string) CanonicalFields {
	return CanonicalFields{
		"title":    entity.TrimTitle(task.Title),
		"body":     body,
		"state":    externalTaskState(task.Status),
		"priority": task.Priority,
		"kind":     string(task.TaskType),
		"labels":   append([]string(nil), task.Tags...),
		"assignee": m.assigneeLogin(task.Assignee),
	}
}

// ExternalTaskCanonical reduces a pulled item to the same canonical form
// as TaskCanonical, so the two hashes are directly comparable.
func (m *FieldMapper) ExternalTaskCanonical(item *ExternalItem) CanonicalFields {
	priority, taskType, tags := splitLabels(item.Labels)
	fields := CanonicalFields{
		"title":    entity.TrimTitle(item.Title),
		"body":     item.Body,
		"state":    item.State,
		"labels":   tags,
		"assignee": item.Assignee,
	}
	if priority != 0 {
		fields["priority"] = priority
	}
	if taskType != "" {
		fields["kind"] = string(taskType)
	}
	return fields
}

// DocumentCanonical reduces a local document to the canonical form.
func (m *FieldMapper) DocumentCanonical(doc *entity.Document) CanonicalFields {
	state := ExternalStateOpen
	if doc.Status == entity.DocumentStatusArchived {
		state = ExternalStateClosed
	}
	return CanonicalFields{
		"title":  entity.TrimTitle(doc.Title),
		"body":   doc.Content,
		"state":  state,
		"labels": append([]string(nil), doc.Tags...),
	}
}

// ExternalDocumentCanonical reduces a pulled document item to the same
// canonical form as DocumentCanonical.
func (m *FieldMapper) ExternalDocumentCanonical(item *ExternalItem) CanonicalFields {
	return CanonicalFields{
		"title":  entity.TrimTitle(item.Title),
		"body":   item.Body,
		"state":  item.State,
		"labels": append([]string(nil), item.Labels...),
	}
}

func (m *FieldMapper) assigneeLogin(agentID string) string {
	if agentID == "" {
		return ""
	}
	if m.ResolveAssignee != nil {
		return m.ResolveAssignee(agentID)
	}
	return agentID
}

func (m *FieldMapper) agentID(login string) string {
	if login == "" {
		return ""
	}
	if m.ResolveAgent != nil {
		return m.ResolveAgent(login)
	}
	return login
}

// externalTaskState collapses the local status machine onto the two
// remote states. Everything short of closed or tombstone is open work.
func externalTaskState(status entity.TaskStatus) string {
	switch status {
	case entity.TaskStatusClosed, entity.TaskStatusTombstone:
		return ExternalStateClosed
	default:
		return ExternalStateOpen
	}
}

// splitLabels folds prefixed labels back into their fields and returns
// the rest, sorted, as plain tags.
func splitLabels(labels []string) (priority int, taskType entity.TaskType, tags []string) {
	tags = make([]string, 0, len(labels))
	for _, label := range labels {
		switch {
		case strings.HasPrefix(label, labelPriorityPrefix):
			if p, err := strconv.Atoi(strings.TrimPrefix(label, labelPriorityPrefix)); err == nil &&
				p >= entity.MinPriority && p <= entity.MaxPriority {
				priority = p
			}
		case strings.HasPrefix(label, labelTypePrefix):
			switch t := entity.TaskType(strings.TrimPrefix(label, labelTypePrefix)); t {
			case entity.TaskTypeBug, entity.TaskTypeFeature, entity.TaskTypeTask, entity.TaskTypeChore:
				taskType = t
			}
		default:
			tags = append(tags, label)
		}
	}
	sort.Strings(tags)
	return priority, taskType, tags
}
