package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stoneforge-ai/stoneforge/internal/entity"
)

// MemoryStore is the in-memory Store implementation. It backs tests and
// ephemeral workspaces; every record crossing the boundary is deep-copied.
type MemoryStore struct {
	mu sync.RWMutex

	tasks     map[string]*entity.Task
	documents map[string]*entity.Document
	agents    map[string]*entity.Agent
	agentName map[string]string // name -> id
	sessions  map[string]*entity.Session
	channels  map[string]*entity.Channel
	chanAgent map[string]string // agent id -> channel id
	messages  map[string][]*ChannelMessage
	events    []*ElementEvent
	settings  map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*entity.Task),
		documents: make(map[string]*entity.Document),
		agents:    make(map[string]*entity.Agent),
		agentName: make(map[string]string),
		sessions:  make(map[string]*entity.Session),
		channels:  make(map[string]*entity.Channel),
		chanAgent: make(map[string]string),
		messages:  make(map[string][]*ChannelMessage),
		settings:  make(map[string]string),
	}
}

// Close releases nothing; it exists to satisfy Store.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) appendEventLocked(ev *ElementEvent) {
	m.events = append(m.events, ev)
}

// --- tasks ---

func (m *MemoryStore) CreateTask(ctx context.Context, task *entity.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return &entity.AlreadyExistsError{Kind: "task", Key: task.ID}
	}
	cp, err := clone(task)
	if err != nil {
		return err
	}
	m.tasks[task.ID] = cp
	m.appendEventLocked(NewElementEvent(task.ID, entity.TypeTask, EventCreated, task.CreatedBy))
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*entity.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, entity.NewNotFoundError("task", id)
	}
	return clone(task)
}

func (m *MemoryStore) UpdateTask(ctx context.Context, id string, mutate func(*entity.Task) error) (*entity.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[id]
	if !ok {
		return nil, entity.NewNotFoundError("task", id)
	}
	work, err := clone(cur)
	if err != nil {
		return nil, err
	}
	if err := mutate(work); err != nil {
		return nil, err
	}
	if err := applyTaskRules(cur, work); err != nil {
		return nil, err
	}
	m.tasks[id] = work
	evType := classifyTaskEvent(cur, work)
	actor := ""
	if evType == EventDeleted {
		actor = work.DeletedBy
	}
	m.appendEventLocked(NewElementEvent(id, entity.TypeTask, evType, actor))
	return clone(work)
}

func (m *MemoryStore) DeleteTask(ctx context.Context, id, deletedBy, reason string) (*entity.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[id]
	if !ok {
		return nil, entity.NewNotFoundError("task", id)
	}
	if cur.Status == entity.TaskStatusTombstone {
		return nil, entity.NewNotFoundError("task", id)
	}
	work, err := clone(cur)
	if err != nil {
		return nil, err
	}
	tombstoneTask(work, deletedBy, reason)
	m.tasks[id] = work
	m.appendEventLocked(NewElementEvent(id, entity.TypeTask, EventDeleted, deletedBy))
	return clone(work)
}

func taskMatches(task *entity.Task, filter TaskFilter) bool {
	if !filter.IncludeDeleted && task.DeletedAt != nil {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, s := range filter.Statuses {
			if task.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Assignee != "" && task.Assignee != filter.Assignee {
		return false
	}
	if filter.Owner != "" && task.Owner != filter.Owner {
		return false
	}
	if filter.Tag != "" && !task.HasTag(filter.Tag) {
		return false
	}
	if filter.TaskType != "" && task.TaskType != filter.TaskType {
		return false
	}
	return true
}

func (m *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*entity.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*entity.Task
	for _, task := range m.tasks {
		if !taskMatches(task, filter) {
			continue
		}
		cp, err := clone(task)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// orderReady sorts dispatch candidates: priority ascending, deadline
// ascending with tasks lacking a deadline last, then createdAt ascending.
func orderReady(tasks []*entity.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		switch {
		case a.Deadline != nil && b.Deadline != nil:
			if !a.Deadline.Equal(*b.Deadline) {
				return a.Deadline.Before(*b.Deadline)
			}
		case a.Deadline != nil:
			return true
		case b.Deadline != nil:
			return false
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func (m *MemoryStore) ListReadyTasks(ctx context.Context, now time.Time) ([]*entity.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*entity.Task
	for _, task := range m.tasks {
		if !task.IsReady(now) {
			continue
		}
		cp, err := clone(task)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	orderReady(out)
	return out, nil
}

func linkMatches(meta map[string]any, provider, project string) bool {
	es := entity.ExternalSyncFromMetadata(meta)
	if es == nil {
		return false
	}
	if es.Provider != provider {
		return false
	}
	if project != "" && es.Project != project {
		return false
	}
	return true
}

func (m *MemoryStore) ListLinkedTasks(ctx context.Context, provider, project string) ([]*entity.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*entity.Task
	for _, task := range m.tasks {
		if !linkMatches(task.Metadata, provider, project) {
			continue
		}
		cp, err := clone(task)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CountAgentWorkload(ctx context.Context, agentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, task := range m.tasks {
		if task.Assignee == agentID && task.CountsTowardWorkload() {
			count++
		}
	}
	return count, nil
}

// --- documents ---

func (m *MemoryStore) CreateDocument(ctx context.Context, doc *entity.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[doc.ID]; ok {
		return &entity.AlreadyExistsError{Kind: "document", Key: doc.ID}
	}
	cp, err := clone(doc)
	if err != nil {
		return err
	}
	m.documents[doc.ID] = cp
	m.appendEventLocked(NewElementEvent(doc.ChainRootID(), entity.TypeDocument, EventCreated, doc.CreatedBy))
	return nil
}

func (m *MemoryStore) GetDocument(ctx context.Context, id string) (*entity.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil, entity.NewNotFoundError("document", id)
	}
	return clone(doc)
}

// chainHeadLocked resolves the highest version in the chain containing id.
func (m *MemoryStore) chainHeadLocked(id string) (*entity.Document, error) {
	doc, ok := m.documents[id]
	if !ok {
		return nil, entity.NewNotFoundError("document", id)
	}
	root := doc.ChainRootID()
	head := doc
	for _, d := range m.documents {
		if d.ChainRootID() == root && d.Version > head.Version {
			head = d
		}
	}
	return head, nil
}

func (m *MemoryStore) UpdateDocumentContent(ctx context.Context, id, content, updatedBy string) (*entity.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	head, err := m.chainHeadLocked(id)
	if err != nil {
		return nil, err
	}
	if head.Immutable {
		return nil, &entity.ImmutableError{ID: head.ID}
	}
	next := head.NextVersion(content, updatedBy)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	cp, err := clone(next)
	if err != nil {
		return nil, err
	}
	m.documents[next.ID] = cp
	m.appendEventLocked(NewElementEvent(next.ChainRootID(), entity.TypeDocument, EventUpdated, updatedBy))
	return next, nil
}

func (m *MemoryStore) PatchDocument(ctx context.Context, id string, mutate func(*entity.Document) error) (*entity.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.documents[id]
	if !ok {
		return nil, entity.NewNotFoundError("document", id)
	}
	work, err := clone(cur)
	if err != nil {
		return nil, err
	}
	if err := mutate(work); err != nil {
		return nil, err
	}
	if err := applyDocumentPatchRules(cur, work); err != nil {
		return nil, err
	}
	m.documents[id] = work
	m.appendEventLocked(NewElementEvent(work.ChainRootID(), entity.TypeDocument, classifyDocumentEvent(cur, work), ""))
	return clone(work)
}

func documentMatches(doc *entity.Document, filter DocumentFilter) bool {
	if filter.Category != "" && doc.Category != filter.Category {
		return false
	}
	if filter.Status != "" && doc.Status != filter.Status {
		return false
	}
	if filter.Tag != "" && !doc.HasTag(filter.Tag) {
		return false
	}
	return true
}

func (m *MemoryStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]*entity.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	heads := make(map[string]*entity.Document)
	for _, doc := range m.documents {
		if filter.AllVersions {
			heads[doc.ID] = doc
			continue
		}
		root := doc.ChainRootID()
		if cur, ok := heads[root]; !ok || doc.Version > cur.Version {
			heads[root] = doc
		}
	}
	var out []*entity.Document
	for _, doc := range heads {
		if !documentMatches(doc, filter) {
			continue
		}
		cp, err := clone(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListDocumentVersions(ctx context.Context, id string) ([]*entity.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil, entity.NewNotFoundError("document", id)
	}
	root := doc.ChainRootID()
	var out []*entity.Document
	for _, d := range m.documents {
		if d.ChainRootID() != root {
			continue
		}
		cp, err := clone(d)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *MemoryStore) ListLinkedDocuments(ctx context.Context, provider, project string) ([]*entity.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	heads := make(map[string]*entity.Document)
	for _, doc := range m.documents {
		root := doc.ChainRootID()
		if cur, ok := heads[root]; !ok || doc.Version > cur.Version {
			heads[root] = doc
		}
	}
	var out []*entity.Document
	for _, doc := range heads {
		if !linkMatches(doc.Metadata, provider, project) {
			continue
		}
		cp, err := clone(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- agents ---

func (m *MemoryStore) CreateAgent(ctx context.Context, agent *entity.Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	name := strings.ToLower(agent.Name)
	if _, ok := m.agentName[name]; ok {
		return &entity.AlreadyExistsError{Kind: "agent", Key: agent.Name}
	}
	cp, err := clone(agent)
	if err != nil {
		return err
	}
	m.agents[agent.ID] = cp
	m.agentName[name] = agent.ID
	m.appendEventLocked(NewElementEvent(agent.ID, entity.TypeAgent, EventCreated, agent.CreatedBy))
	return nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*entity.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, entity.NewNotFoundError("agent", id)
	}
	return clone(agent)
}

func (m *MemoryStore) GetAgentByName(ctx context.Context, name string) (*entity.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.agentName[strings.ToLower(name)]
	if !ok {
		return nil, entity.NewNotFoundError("agent", name)
	}
	return clone(m.agents[id])
}

func (m *MemoryStore) UpdateAgent(ctx context.Context, id string, mutate func(*entity.Agent) error) (*entity.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.agents[id]
	if !ok {
		return nil, entity.NewNotFoundError("agent", id)
	}
	work, err := clone(cur)
	if err != nil {
		return nil, err
	}
	if err := mutate(work); err != nil {
		return nil, err
	}
	if err := applyAgentRules(cur, work); err != nil {
		return nil, err
	}
	newName := strings.ToLower(work.Name)
	oldName := strings.ToLower(cur.Name)
	if newName != oldName {
		if _, taken := m.agentName[newName]; taken {
			return nil, &entity.AlreadyExistsError{Kind: "agent", Key: work.Name}
		}
		delete(m.agentName, oldName)
		m.agentName[newName] = id
	}
	m.agents[id] = work
	m.appendEventLocked(NewElementEvent(id, entity.TypeAgent, EventUpdated, ""))
	return clone(work)
}

func (m *MemoryStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*entity.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*entity.Agent
	for _, agent := range m.agents {
		if filter.Role != "" && agent.Role != filter.Role {
			continue
		}
		cp, err := clone(agent)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return entity.NewNotFoundError("agent", id)
	}
	delete(m.agents, id)
	delete(m.agentName, strings.ToLower(agent.Name))
	m.appendEventLocked(NewElementEvent(id, entity.TypeAgent, EventDeleted, ""))
	return nil
}

// --- sessions ---

func (m *MemoryStore) CreateSession(ctx context.Context, sess *entity.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.ID]; ok {
		return &entity.AlreadyExistsError{Kind: "session", Key: sess.ID}
	}
	cp, err := clone(sess)
	if err != nil {
		return err
	}
	m.sessions[sess.ID] = cp
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*entity.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, entity.NewNotFoundError("session", id)
	}
	return clone(sess)
}

func (m *MemoryStore) UpdateSession(ctx context.Context, id string, mutate func(*entity.Session) error) (*entity.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return nil, entity.NewNotFoundError("session", id)
	}
	work, err := clone(cur)
	if err != nil {
		return nil, err
	}
	if err := mutate(work); err != nil {
		return nil, err
	}
	if err := applySessionRules(cur, work); err != nil {
		return nil, err
	}
	m.sessions[id] = work
	return clone(work)
}

func sessionMatches(sess *entity.Session, filter SessionFilter) bool {
	if filter.AgentID != "" && sess.AgentID != filter.AgentID {
		return false
	}
	if filter.TaskID != "" && sess.TaskID != filter.TaskID {
		return false
	}
	if filter.ActiveOnly && !sess.Active() {
		return false
	}
	if filter.ExcludeTerminated && sess.Status == entity.SessionTerminated {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, s := range filter.Statuses {
			if sess.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (m *MemoryStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*entity.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*entity.Session
	for _, sess := range m.sessions {
		if !sessionMatches(sess, filter) {
			continue
		}
		cp, err := clone(sess)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return entity.NewNotFoundError("session", id)
	}
	delete(m.sessions, id)
	return nil
}

// --- channels ---

func (m *MemoryStore) CreateChannel(ctx context.Context, ch *entity.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[ch.ID]; ok {
		return &entity.AlreadyExistsError{Kind: "channel", Key: ch.ID}
	}
	if _, ok := m.chanAgent[ch.AgentID]; ok {
		return &entity.AlreadyExistsError{Kind: "channel", Key: ch.AgentID}
	}
	cp, err := clone(ch)
	if err != nil {
		return err
	}
	m.channels[ch.ID] = cp
	m.chanAgent[ch.AgentID] = ch.ID
	return nil
}

func (m *MemoryStore) GetChannel(ctx context.Context, id string) (*entity.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, entity.NewNotFoundError("channel", id)
	}
	return clone(ch)
}

func (m *MemoryStore) GetChannelByAgent(ctx context.Context, agentID string) (*entity.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.chanAgent[agentID]
	if !ok {
		return nil, entity.NewNotFoundError("channel", agentID)
	}
	return clone(m.channels[id])
}

func (m *MemoryStore) AppendChannelMessage(ctx context.Context, msg *ChannelMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[msg.ChannelID]; !ok {
		return entity.NewNotFoundError("channel", msg.ChannelID)
	}
	cp, err := clone(msg)
	if err != nil {
		return err
	}
	m.messages[msg.ChannelID] = append(m.messages[msg.ChannelID], cp)
	return nil
}

func (m *MemoryStore) ListChannelMessages(ctx context.Context, channelID, role string, limit int) ([]*ChannelMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ChannelMessage
	for _, msg := range m.messages[channelID] {
		if role != "" && msg.Role != role {
			continue
		}
		cp, err := clone(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// --- event log ---

func (m *MemoryStore) AppendEvent(ctx context.Context, ev *ElementEvent) error {
	cp, err := clone(ev)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEventLocked(cp)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, filter EventFilter) ([]*ElementEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ElementEvent
	for _, ev := range m.events {
		if filter.ElementID != "" && ev.ElementID != filter.ElementID {
			continue
		}
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		if !filter.After.IsZero() && !ev.CreatedAt.After(filter.After) {
			continue
		}
		cp, err := clone(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- settings ---

func (m *MemoryStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *MemoryStore) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}
