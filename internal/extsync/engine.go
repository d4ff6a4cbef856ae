package extsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/metrics"
	"github.com/stoneforge-ai/stoneforge/internal/store"
	"github.com/stoneforge-ai/stoneforge/internal/telemetry"
)

// syncActor is the createdBy recorded on elements the engine creates.
const syncActor = "external-sync"

// TaskBoard is the assignment surface the engine uses for status hops, so
// pulled state changes run through the same transition table as everyone
// else's.
type TaskBoard interface {
	CloseTask(ctx context.Context, taskID, reason string) (*entity.Task, error)
	ReopenTask(ctx context.Context, taskID string) (*entity.Task, error)
}

// EngineConfig holds sync engine settings.
type EngineConfig struct {
	// RequestTimeout bounds every adapter call.
	RequestTimeout time.Duration
	// DefaultStrategy resolves conflicts when the caller does not choose.
	DefaultStrategy entity.ConflictStrategy
	// PushConcurrency bounds the parallel push walk per adapter.
	PushConcurrency int
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RequestTimeout:  30 * time.Second,
		DefaultStrategy: entity.ConflictLastWriteWins,
		PushConcurrency: 4,
	}
}

// Options selects the scope of one Sync call.
type Options struct {
	// All pulls unlinked remote items into new local elements.
	All bool
	// Force pushes linked elements even when the hash guard says skip.
	Force bool
	// DryRun reports what would be pushed without touching the remote.
	DryRun bool
	// Provider restricts the run to one provider's adapters.
	Provider string
	// Strategy overrides the configured conflict strategy.
	Strategy entity.ConflictStrategy
}

// ItemError is one element that failed during a cycle.
type ItemError struct {
	ElementID  string `json:"elementId,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
	Provider   string `json:"provider"`
	Op         string `json:"op"` // push or pull
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

// Result summarizes one sync cycle.
type Result struct {
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
	DryRun     bool        `json:"dryRun,omitempty"`
	Pushed     int         `json:"pushed"`
	Pulled     int         `json:"pulled"`
	Created    int         `json:"created"`
	Skipped    int         `json:"skipped"`
	Conflicts  int         `json:"conflicts"`
	Errors     []ItemError `json:"errors,omitempty"`

	mu sync.Mutex
}

func (r *Result) addError(e ItemError) {
	r.mu.Lock()
	r.Errors = append(r.Errors, e)
	r.mu.Unlock()
}

func (r *Result) add(field *int, n int) {
	r.mu.Lock()
	*field += n
	r.mu.Unlock()
}

// Engine reconciles linked elements with their external counterparts. It
// is the single writer of the _externalSync metadata subtree.
type Engine struct {
	store    store.Store
	board    TaskBoard
	mapper   *FieldMapper
	eventBus bus.EventBus
	metrics  *metrics.Metrics
	logger   *logger.Logger
	config   EngineConfig

	mu       sync.RWMutex
	adapters []Adapter
}

// NewEngine creates a sync engine. The event bus and metrics may be nil;
// a nil mapper gets the identity field mapper.
func NewEngine(st store.Store, board TaskBoard, mapper *FieldMapper, eventBus bus.EventBus, m *metrics.Metrics, log *logger.Logger, cfg EngineConfig) *Engine {
	def := DefaultEngineConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = def.DefaultStrategy
	}
	if cfg.PushConcurrency <= 0 {
		cfg.PushConcurrency = def.PushConcurrency
	}
	if mapper == nil {
		mapper = &FieldMapper{}
	}
	return &Engine{
		store:    st,
		board:    board,
		mapper:   mapper,
		eventBus: eventBus,
		metrics:  m,
		logger:   log.WithFields(zap.String("component", "sync-engine")),
		config:   cfg,
	}
}

// RegisterAdapter adds a provider adapter to the engine.
func (e *Engine) RegisterAdapter(a Adapter) {
	e.mu.Lock()
	e.adapters = append(e.adapters, a)
	e.mu.Unlock()
}

// Adapters returns the registered adapters, optionally restricted to one
// provider.
func (e *Engine) Adapters(provider string) []Adapter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Adapter, 0, len(e.adapters))
	for _, a := range e.adapters {
		if provider != "" && a.Provider() != provider {
			continue
		}
		out = append(out, a)
	}
	return out
}

// LinkTask records the external link on a task, creating the initial
// sync state. Linking an already linked task replaces the link.
func (e *Engine) LinkTask(ctx context.Context, taskID string, es *entity.ExternalSync) (*entity.Task, error) {
	if es.AdapterType == "" {
		es.AdapterType = entity.AdapterTask
	}
	if es.Direction == "" {
		es.Direction = entity.SyncBidirectional
	}
	return e.store.UpdateTask(ctx, taskID, func(t *entity.Task) error {
		t.Metadata = entity.SetExternalSync(t.Metadata, es)
		return nil
	})
}

// LinkDocument records the external link on a document.
func (e *Engine) LinkDocument(ctx context.Context, docID string, es *entity.ExternalSync) (*entity.Document, error) {
	if es.AdapterType == "" {
		es.AdapterType = entity.AdapterDocument
	}
	if es.Direction == "" {
		es.Direction = entity.SyncBidirectional
	}
	return e.store.PatchDocument(ctx, docID, func(d *entity.Document) error {
		d.Metadata = entity.SetExternalSync(d.Metadata, es)
		return nil
	})
}

// Sync runs one full cycle: push every linked element, then pull every
// provider's changes. Per-element failures land in the result; only a
// broken store aborts the cycle.
func (e *Engine) Sync(ctx context.Context, opts Options) (*Result, error) {
	ctx, span := telemetry.Tracer("extsync").Start(ctx, "sync.cycle")
	defer span.End()

	res := &Result{StartedAt: entity.Now(), DryRun: opts.DryRun}
	if err := e.Push(ctx, opts, res); err != nil {
		return res, err
	}
	if !opts.DryRun {
		if err := e.Pull(ctx, opts, res); err != nil {
			return res, err
		}
	}
	res.FinishedAt = entity.Now()
	e.metrics.SyncCycle(res.Pushed, res.Pulled, res.Skipped, res.Conflicts, len(res.Errors))
	e.publishCycle(ctx, res)
	return res, nil
}

// Push walks every linked element for the selected adapters and pushes
// the ones whose guards say the remote side is behind.
func (e *Engine) Push(ctx context.Context, opts Options, res *Result) error {
	for _, adapter := range e.Adapters(opts.Provider) {
		switch adapter.Type() {
		case entity.AdapterTask:
			tasks, err := e.store.ListLinkedTasks(ctx, adapter.Provider(), "")
			if err != nil {
				return fmt.Errorf("list linked tasks: %w", err)
			}
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(e.config.PushConcurrency)
			for _, task := range tasks {
				task := task
				g.Go(func() error {
					e.pushTask(gctx, adapter, task, opts, res)
					return nil
				})
			}
			_ = g.Wait()
		case entity.AdapterDocument:
			docs, err := e.store.ListLinkedDocuments(ctx, adapter.Provider(), "")
			if err != nil {
				return fmt.Errorf("list linked documents: %w", err)
			}
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(e.config.PushConcurrency)
			for _, doc := range docs {
				doc := doc
				g.Go(func() error {
					e.pushDocument(gctx, adapter, doc, opts, res)
					return nil
				})
			}
			_ = g.Wait()
		}
	}
	return nil
}

// pushTask pushes one linked task through its guards: direction, status,
// content hash, and the event log since the last push.
func (e *Engine) pushTask(ctx context.Context, adapter Adapter, task *entity.Task, opts Options, res *Result) {
	es := entity.ExternalSyncFromMetadata(task.Metadata)
	if es == nil || es.AdapterType != entity.AdapterTask || es.Direction == entity.SyncPullOnly {
		res.add(&res.Skipped, 1)
		return
	}
	if task.Status == entity.TaskStatusClosed || task.Status == entity.TaskStatusTombstone || task.DeletedAt != nil {
		res.add(&res.Skipped, 1)
		return
	}

	body, err := e.taskBody(ctx, task)
	if err != nil {
		res.addError(pushError(task.ID, es, err))
		return
	}
	currentHash := Hash(e.mapper.TaskCanonical(task, body))
	if skip, err := e.pushGuard(ctx, task.ID, es, currentHash, opts); err != nil {
		res.addError(pushError(task.ID, es, err))
		return
	} else if skip {
		res.add(&res.Skipped, 1)
		return
	}
	if opts.DryRun {
		e.logger.Info("would push task",
			zap.String("task_id", task.ID),
			zap.String("provider", es.Provider),
			zap.String("external_id", es.ExternalID))
		res.add(&res.Pushed, 1)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	item, err := adapter.Update(cctx, es.Project, es.ExternalID, e.mapper.TaskToExternalTaskInput(task, body))
	cancel()
	if err != nil {
		res.addError(pushError(task.ID, es, err))
		return
	}

	now := entity.Now()
	_, err = e.store.UpdateTask(ctx, task.ID, func(t *entity.Task) error {
		cur := entity.ExternalSyncFromMetadata(t.Metadata)
		if cur == nil {
			cur = es
		}
		cur.LastPushedAt = &now
		cur.LastPushedHash = currentHash
		if item != nil && item.URL != "" {
			cur.URL = item.URL
		}
		t.Metadata = entity.SetExternalSync(t.Metadata, cur)
		return nil
	})
	if err != nil {
		res.addError(pushError(task.ID, es, err))
		return
	}
	res.add(&res.Pushed, 1)
	e.logger.Debug("task pushed",
		zap.String("task_id", task.ID),
		zap.String("provider", es.Provider),
		zap.String("external_id", es.ExternalID))
}

// pushDocument pushes one linked document. Archived documents never push.
func (e *Engine) pushDocument(ctx context.Context, adapter Adapter, doc *entity.Document, opts Options, res *Result) {
	es := entity.ExternalSyncFromMetadata(doc.Metadata)
	if es == nil || es.AdapterType != entity.AdapterDocument || es.Direction == entity.SyncPullOnly {
		res.add(&res.Skipped, 1)
		return
	}
	if doc.Status == entity.DocumentStatusArchived {
		res.add(&res.Skipped, 1)
		return
	}

	currentHash := Hash(e.mapper.DocumentCanonical(doc))
	if skip, err := e.pushGuard(ctx, doc.ChainRootID(), es, currentHash, opts); err != nil {
		res.addError(pushError(doc.ID, es, err))
		return
	} else if skip {
		res.add(&res.Skipped, 1)
		return
	}
	if opts.DryRun {
		e.logger.Info("would push document",
			zap.String("document_id", doc.ID),
			zap.String("provider", es.Provider),
			zap.String("external_id", es.ExternalID))
		res.add(&res.Pushed, 1)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	item, err := adapter.Update(cctx, es.Project, es.ExternalID, e.mapper.DocumentToExternalDocumentInput(doc))
	cancel()
	if err != nil {
		res.addError(pushError(doc.ID, es, err))
		return
	}

	now := entity.Now()
	_, err = e.store.PatchDocument(ctx, doc.ID, func(d *entity.Document) error {
		cur := entity.ExternalSyncFromMetadata(d.Metadata)
		if cur == nil {
			cur = es
		}
		cur.LastPushedAt = &now
		cur.LastPushedHash = currentHash
		if item != nil && item.URL != "" {
			cur.URL = item.URL
		}
		d.Metadata = entity.SetExternalSync(d.Metadata, cur)
		return nil
	})
	if err != nil {
		res.addError(pushError(doc.ID, es, err))
		return
	}
	res.add(&res.Pushed, 1)
	e.logger.Debug("document pushed",
		zap.String("document_id", doc.ID),
		zap.String("provider", es.Provider),
		zap.String("external_id", es.ExternalID))
}

// pushGuard applies the hash and event-log guards. It reports skip=true
// when the remote side already has this content and nothing changed since
// the last push.
func (e *Engine) pushGuard(ctx context.Context, elementID string, es *entity.ExternalSync, currentHash string, opts Options) (bool, error) {
	if opts.Force {
		return false, nil
	}
	if currentHash == es.LastPushedHash {
		return true, nil
	}
	if es.LastPushedAt != nil {
		evs, err := e.store.ListEvents(ctx, store.EventFilter{
			ElementID: elementID,
			After:     *es.LastPushedAt,
			Limit:     1,
		})
		if err != nil {
			return false, fmt.Errorf("list events: %w", err)
		}
		if len(evs) == 0 {
			return true, nil
		}
	}
	return false, nil
}

// Pull walks every selected adapter across its projects and reconciles
// the remote changes since each cursor.
func (e *Engine) Pull(ctx context.Context, opts Options, res *Result) error {
	for _, adapter := range e.Adapters(opts.Provider) {
		projects, err := e.projectsFor(ctx, adapter)
		if err != nil {
			return err
		}
		for _, project := range projects {
			if err := e.pullProject(ctx, adapter, project, opts, res); err != nil {
				res.addError(ItemError{
					Provider:  adapter.Provider(),
					Op:        "pull",
					Message:   err.Error(),
					Retryable: entity.IsRetryable(err),
				})
			}
		}
	}
	return nil
}

// projectsFor collects the projects an adapter must pull: the provider's
// configured default project plus every project a linked element names.
func (e *Engine) projectsFor(ctx context.Context, adapter Adapter) ([]string, error) {
	seen := map[string]bool{}
	if cfg, err := e.providerSettings(ctx, adapter.Provider()); err == nil && cfg != nil && cfg.DefaultProject != "" {
		seen[cfg.DefaultProject] = true
	}
	switch adapter.Type() {
	case entity.AdapterTask:
		tasks, err := e.store.ListLinkedTasks(ctx, adapter.Provider(), "")
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if es := entity.ExternalSyncFromMetadata(t.Metadata); es != nil && es.Project != "" {
				seen[es.Project] = true
			}
		}
	case entity.AdapterDocument:
		docs, err := e.store.ListLinkedDocuments(ctx, adapter.Provider(), "")
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			if es := entity.ExternalSyncFromMetadata(d.Metadata); es != nil && es.Project != "" {
				seen[es.Project] = true
			}
		}
	}
	projects := make([]string, 0, len(seen))
	for p := range seen {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	return projects, nil
}

// providerSettings reads the provider config stored in Settings, or nil
// when the provider has none.
func (e *Engine) providerSettings(ctx context.Context, provider string) (*ProviderSettings, error) {
	raw, ok, err := e.store.GetSetting(ctx, ProviderKey(provider))
	if err != nil || !ok {
		return nil, err
	}
	var cfg ProviderSettings
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("provider settings for %s: %w", provider, err)
	}
	return &cfg, nil
}

// pullProject runs the pull algorithm for one provider, project, and
// adapter type: cursor, listSince, linked index, per-item reconcile,
// cursor advance.
func (e *Engine) pullProject(ctx context.Context, adapter Adapter, project string, opts Options, res *Result) error {
	key := CursorKey(adapter.Provider(), project, adapter.Type())
	cursor, wasEpoch, err := e.readCursor(ctx, key)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	items, err := adapter.ListSince(cctx, project, cursor)
	cancel()
	if err != nil {
		return fmt.Errorf("list since: %w", err)
	}

	switch adapter.Type() {
	case entity.AdapterTask:
		index, err := e.linkedTaskIndex(ctx, adapter.Provider(), project)
		if err != nil {
			return err
		}
		for _, item := range items {
			e.pullTaskItem(ctx, adapter, project, item, index[item.ExternalID], opts, res)
		}
	case entity.AdapterDocument:
		index, err := e.linkedDocumentIndex(ctx, adapter.Provider(), project)
		if err != nil {
			return err
		}
		for _, item := range items {
			e.pullDocumentItem(ctx, adapter, project, item, index[item.ExternalID], opts, res)
		}
	}

	if len(items) > 0 || wasEpoch {
		if err := e.store.SetSetting(ctx, key, entity.Now().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}
	return nil
}

func (e *Engine) readCursor(ctx context.Context, key string) (time.Time, bool, error) {
	raw, ok, err := e.store.GetSetting(ctx, key)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read cursor: %w", err)
	}
	if !ok || raw == "" {
		return time.Unix(0, 0).UTC(), true, nil
	}
	cursor, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		e.logger.Warn("malformed sync cursor, falling back to epoch",
			zap.String("key", key), zap.String("value", raw))
		return time.Unix(0, 0).UTC(), true, nil
	}
	return cursor, false, nil
}

func (e *Engine) linkedTaskIndex(ctx context.Context, provider, project string) (map[string]*entity.Task, error) {
	tasks, err := e.store.ListLinkedTasks(ctx, provider, project)
	if err != nil {
		return nil, err
	}
	index := make(map[string]*entity.Task, len(tasks))
	for _, t := range tasks {
		if es := entity.ExternalSyncFromMetadata(t.Metadata); es != nil && es.AdapterType == entity.AdapterTask {
			index[es.ExternalID] = t
		}
	}
	return index, nil
}

func (e *Engine) linkedDocumentIndex(ctx context.Context, provider, project string) (map[string]*entity.Document, error) {
	docs, err := e.store.ListLinkedDocuments(ctx, provider, project)
	if err != nil {
		return nil, err
	}
	index := make(map[string]*entity.Document, len(docs))
	for _, d := range docs {
		if es := entity.ExternalSyncFromMetadata(d.Metadata); es != nil && es.AdapterType == entity.AdapterDocument {
			index[es.ExternalID] = d
		}
	}
	return index, nil
}

// pullTaskItem reconciles one remote task item against its local link.
func (e *Engine) pullTaskItem(ctx context.Context, adapter Adapter, project string, item *ExternalItem, local *entity.Task, opts Options, res *Result) {
	remoteHash := Hash(e.mapper.ExternalTaskCanonical(item))

	if local == nil {
		if !opts.All {
			res.add(&res.Skipped, 1)
			return
		}
		if err := e.createTaskFromItem(ctx, adapter, project, item, remoteHash); err != nil {
			res.addError(pullItemError(adapter.Provider(), item.ExternalID, err))
			return
		}
		res.add(&res.Created, 1)
		res.add(&res.Pulled, 1)
		return
	}

	es := entity.ExternalSyncFromMetadata(local.Metadata)
	if es == nil || es.Direction == entity.SyncPushOnly {
		res.add(&res.Skipped, 1)
		return
	}
	if remoteHash == es.LastPulledHash {
		res.add(&res.Skipped, 1)
		return
	}

	// Closed and tombstoned tasks accept only a remote reopen.
	if local.IsTerminal() || local.DeletedAt != nil {
		if item.State != ExternalStateOpen || local.Status == entity.TaskStatusTombstone {
			res.add(&res.Skipped, 1)
			return
		}
		if _, err := e.board.ReopenTask(ctx, local.ID); err != nil {
			res.addError(pullItemError(adapter.Provider(), item.ExternalID, err))
			return
		}
		if err := e.recordPulled(ctx, local.ID, remoteHash); err != nil {
			res.addError(pullItemError(adapter.Provider(), item.ExternalID, err))
			return
		}
		res.add(&res.Pulled, 1)
		return
	}

	body, err := e.taskBody(ctx, local)
	if err != nil {
		res.addError(pullItemError(adapter.Provider(), item.ExternalID, err))
		return
	}
	localHash := Hash(e.mapper.TaskCanonical(local, body))
	localChanged := es.LastPushedHash != "" && localHash != es.LastPushedHash

	if localChanged {
		strategy := opts.Strategy
		if strategy == "" {
			strategy = e.config.DefaultStrategy
		}
		winner := resolveConflict(strategy, local.UpdatedAt, item.UpdatedAt)
		res.add(&res.Conflicts, 1)
		e.publishConflict(ctx, local.ID, es, string(strategy), string(winner))
		switch winner {
		case conflictManual:
			if _, err := e.store.UpdateTask(ctx, local.ID, func(t *entity.Task) error {
				t.AddTag(entity.TagSyncConflict)
				return nil
			}); err != nil {
				res.addError(pullItemError(adapter.Provider(), item.ExternalID, err))
			}
			return
		case conflictLocal:
			// Local content stands; remember the remote state so the same
			// remote revision does not re-conflict. The next push cycle
			// carries the local content out.
			if err := e.recordPulled(ctx, local.ID, remoteHash); err != nil {
				res.addError(pullItemError(adapter.Provider(), item.ExternalID, err))
			}
			return
		}
		// conflictRemote falls through to apply.
	}

	if err := e.applyTaskUpdates(ctx, local, item, remoteHash); err != nil {
		res.addError(pullItemError(adapter.Provider(), item.ExternalID, err))
		return
	}
	res.add(&res.Pulled, 1)
}

// createTaskFromItem materializes an unlinked remote item as a new local
// task carrying the initial sync state.
func (e *Engine) createTaskFromItem(ctx context.Context, adapter Adapter, project string, item *ExternalItem, remoteHash string) error {
	up := e.mapper.ExternalTaskToTaskUpdates(item)
	task := entity.NewTask(item.Title, syncActor)
	if up.Priority != nil {
		task.Priority = *up.Priority
	}
	if up.TaskType != nil {
		task.TaskType = *up.TaskType
	}
	if len(up.Tags) > 0 {
		task.Tags = up.Tags
	}
	if up.Assignee != nil && *up.Assignee != "" {
		task.Assignee = *up.Assignee
	}
	if item.Body != "" {
		doc := entity.NewDocument(item.Title, entity.ContentTypeMarkdown, item.Body, syncActor)
		doc.Category = entity.CategoryReference
		if err := e.store.CreateDocument(ctx, doc); err != nil {
			return fmt.Errorf("create description document: %w", err)
		}
		task.DescriptionRef = doc.ID
	}
	now := entity.Now()
	task.Metadata = entity.SetExternalSync(task.Metadata, &entity.ExternalSync{
		Provider:       adapter.Provider(),
		Project:        project,
		ExternalID:     item.ExternalID,
		URL:            item.URL,
		AdapterType:    entity.AdapterTask,
		Direction:      entity.SyncBidirectional,
		LastPulledAt:   &now,
		LastPulledHash: remoteHash,
	})
	if err := e.store.CreateTask(ctx, task); err != nil {
		return err
	}
	if item.State == ExternalStateClosed {
		if _, err := e.board.CloseTask(ctx, task.ID, "closed upstream"); err != nil {
			return err
		}
	}
	e.logger.Info("task created from remote item",
		zap.String("task_id", task.ID),
		zap.String("provider", adapter.Provider()),
		zap.String("external_id", item.ExternalID))
	return nil
}

// applyTaskUpdates writes the field-map diff onto the local task, records
// the pull watermark in the same update, and routes any state change
// through the board.
func (e *Engine) applyTaskUpdates(ctx context.Context, local *entity.Task, item *ExternalItem, remoteHash string) error {
	up := e.mapper.ExternalTaskToTaskUpdates(item)
	now := entity.Now()
	task, err := e.store.UpdateTask(ctx, local.ID, func(t *entity.Task) error {
		if up.Title != nil && *up.Title != "" {
			t.Title = *up.Title
		}
		if up.Priority != nil {
			t.Priority = *up.Priority
		}
		if up.TaskType != nil {
			t.TaskType = *up.TaskType
		}
		if up.Tags != nil {
			t.Tags = up.Tags
		}
		if up.Assignee != nil {
			t.Assignee = *up.Assignee
		}
		cur := entity.ExternalSyncFromMetadata(t.Metadata)
		if cur != nil {
			cur.LastPulledAt = &now
			cur.LastPulledHash = remoteHash
			if item.URL != "" {
				cur.URL = item.URL
			}
			t.Metadata = entity.SetExternalSync(t.Metadata, cur)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if up.Body != nil {
		if err := e.applyTaskBody(ctx, task, *up.Body); err != nil {
			return err
		}
	}
	if up.State == ExternalStateClosed && !task.IsTerminal() {
		if _, err := e.board.CloseTask(ctx, task.ID, "closed upstream"); err != nil {
			return err
		}
	}
	return nil
}

// applyTaskBody syncs the remote body into the task's description
// document, creating the chain on first use.
func (e *Engine) applyTaskBody(ctx context.Context, task *entity.Task, body string) error {
	if task.DescriptionRef == "" {
		if body == "" {
			return nil
		}
		doc := entity.NewDocument(task.Title, entity.ContentTypeMarkdown, body, syncActor)
		doc.Category = entity.CategoryReference
		if err := e.store.CreateDocument(ctx, doc); err != nil {
			return err
		}
		_, err := e.store.UpdateTask(ctx, task.ID, func(t *entity.Task) error {
			t.DescriptionRef = doc.ID
			return nil
		})
		return err
	}
	doc, err := e.store.GetDocument(ctx, task.DescriptionRef)
	if err != nil {
		return err
	}
	if doc.Content == body {
		return nil
	}
	_, err = e.store.UpdateDocumentContent(ctx, task.DescriptionRef, body, syncActor)
	return err
}

// pullDocumentItem reconciles one remote document item.
func (e *Engine) pullDocumentItem(ctx context.Context, adapter Adapter, project string, item *ExternalItem, local *entity.Document, opts Options, res *Result) {
	remoteHash := Hash(e.mapper.ExternalDocumentCanonical(item))

	if local == nil {
		if !opts.All {
			res.add(&res.Skipped, 1)
			return
		}
		if err := e.createDocumentFromItem(ctx, adapter, project, item, remoteHash); err != nil {
			res.addError(pullItemError(adapter.Provider(), item.ExternalID, err))
			return
		}
		res.add(&res.Created, 1)
		res.add(&res.Pulled, 1)
		return
	}

	es := entity.ExternalSyncFromMetadata(local.Metadata)
	if es == nil || es.Direction == entity.SyncPushOnly {
		res.add(&res.Skipped, 1)
		return
	}
	if remoteHash == es.LastPulledHash {
		res.add(&res.Skipped, 1)
		return
	}

	// Archived documents accept only a remote reopen.
	if local.Status == entity.DocumentStatusArchived {
		if item.State != ExternalStateOpen {
			res.add(&res.Skipped, 1)
			return
		}
		now := entity.Now()
		if _, err := e.store.PatchDocument(ctx, local.ID, func(d *entity.Document) error {
			d.Status = entity.DocumentStatusActive
			cur := entity.ExternalSyncFromMetadata(d.Metadata)
			if cur != nil {
				cur.LastPulledAt = &now
				cur.LastPulledHash = remoteHash
				d.Metadata = entity.SetExternalSync(d.Metadata, cur)
			}
			return nil
		}); err != nil {
			res.addError(pullItemError(adapter.Provider(), item.ExternalID, err))
			return
		}
		res.add(&res.Pulled, 1)
		return
	}

	localHash := Hash(e.mapper.DocumentCanonical(local))
	localChanged := es.LastPushedHash != "" && localHash != es.LastPushedHash

	if localChanged {
		strategy := opts.Strategy
		if strategy == "" {
			strategy = e.config.DefaultStrategy
		}
		winner := resolveConflict(strategy, local.UpdatedAt, item.UpdatedAt)
		res.add(&res.Conflicts, 1)
		e.publishConflict(ctx, local.ID, es, string(strategy), string(winner))
		switch winner {
		case conflictManual:
			if _, err := e.store.PatchDocument(ctx, local.ID, func(d *entity.Document) error {
				d.AddTag(entity.TagSyncConflict)
				return nil
			}); err != nil {
				res.addError(pullItemError(adapter.Provider(), item.ExternalID, err))
			}
			return
		case conflictLocal:
			if err := e.recordDocumentPulled(ctx, local.ID, remoteHash); err != nil {
				res.addError(pullItemError(adapter.Provider(), item.ExternalID, err))
			}
			return
		}
	}

	if err := e.applyDocumentUpdates(ctx, local, item, remoteHash); err != nil {
		res.addError(pullItemError(adapter.Provider(), item.ExternalID, err))
		return
	}
	res.add(&res.Pulled, 1)
}

func (e *Engine) createDocumentFromItem(ctx context.Context, adapter Adapter, project string, item *ExternalItem, remoteHash string) error {
	doc := entity.NewDocument(item.Title, entity.ContentTypeMarkdown, item.Body, syncActor)
	doc.Category = entity.CategoryReference
	if item.State == ExternalStateClosed {
		doc.Status = entity.DocumentStatusArchived
	}
	doc.Tags = append([]string(nil), item.Labels...)
	now := entity.Now()
	doc.Metadata = entity.SetExternalSync(doc.Metadata, &entity.ExternalSync{
		Provider:       adapter.Provider(),
		Project:        project,
		ExternalID:     item.ExternalID,
		URL:            item.URL,
		AdapterType:    entity.AdapterDocument,
		Direction:      entity.SyncBidirectional,
		LastPulledAt:   &now,
		LastPulledHash: remoteHash,
	})
	if err := e.store.CreateDocument(ctx, doc); err != nil {
		return err
	}
	e.logger.Info("document created from remote item",
		zap.String("document_id", doc.ID),
		zap.String("provider", adapter.Provider()),
		zap.String("external_id", item.ExternalID))
	return nil
}

// applyDocumentUpdates writes the remote title and content onto the local
// chain. A content change appends a new version; the sync watermark lands
// on the chain head either way.
func (e *Engine) applyDocumentUpdates(ctx context.Context, local *entity.Document, item *ExternalItem, remoteHash string) error {
	up := e.mapper.ExternalDocumentToDocumentUpdates(item)
	headID := local.ID
	if up.Content != nil && *up.Content != local.Content {
		head, err := e.store.UpdateDocumentContent(ctx, local.ID, *up.Content, syncActor)
		if err != nil {
			return err
		}
		headID = head.ID
	}
	now := entity.Now()
	_, err := e.store.PatchDocument(ctx, headID, func(d *entity.Document) error {
		if up.Title != nil && *up.Title != "" {
			d.Title = *up.Title
		}
		if up.Archive {
			d.Status = entity.DocumentStatusArchived
		}
		cur := entity.ExternalSyncFromMetadata(d.Metadata)
		if cur != nil {
			cur.LastPulledAt = &now
			cur.LastPulledHash = remoteHash
			if item.URL != "" {
				cur.URL = item.URL
			}
			d.Metadata = entity.SetExternalSync(d.Metadata, cur)
		}
		return nil
	})
	return err
}

// recordPulled stamps the pull watermark on a task without touching its
// content fields.
func (e *Engine) recordPulled(ctx context.Context, taskID, remoteHash string) error {
	now := entity.Now()
	_, err := e.store.UpdateTask(ctx, taskID, func(t *entity.Task) error {
		cur := entity.ExternalSyncFromMetadata(t.Metadata)
		if cur == nil {
			return nil
		}
		cur.LastPulledAt = &now
		cur.LastPulledHash = remoteHash
		t.Metadata = entity.SetExternalSync(t.Metadata, cur)
		return nil
	})
	return err
}

// recordDocumentPulled stamps the pull watermark on a document.
func (e *Engine) recordDocumentPulled(ctx context.Context, docID, remoteHash string) error {
	now := entity.Now()
	_, err := e.store.PatchDocument(ctx, docID, func(d *entity.Document) error {
		cur := entity.ExternalSyncFromMetadata(d.Metadata)
		if cur == nil {
			return nil
		}
		cur.LastPulledAt = &now
		cur.LastPulledHash = remoteHash
		d.Metadata = entity.SetExternalSync(d.Metadata, cur)
		return nil
	})
	return err
}

// taskBody loads the content of the task's description document, or ""
// when the task has none.
func (e *Engine) taskBody(ctx context.Context, task *entity.Task) (string, error) {
	if task.DescriptionRef == "" {
		return "", nil
	}
	doc, err := e.store.GetDocument(ctx, task.DescriptionRef)
	if err != nil {
		if entity.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return doc.Content, nil
}

// conflictWinner names which side a resolved conflict kept.
type conflictWinner string

const (
	conflictLocal  conflictWinner = "local"
	conflictRemote conflictWinner = "remote"
	conflictManual conflictWinner = "manual"
)

// resolveConflict picks the winning side. Last-write-wins compares the
// two updatedAt timestamps; ties go to the remote side.
func resolveConflict(strategy entity.ConflictStrategy, localUpdated, remoteUpdated time.Time) conflictWinner {
	switch strategy {
	case entity.ConflictLocalWins:
		return conflictLocal
	case entity.ConflictRemoteWins:
		return conflictRemote
	case entity.ConflictManual:
		return conflictManual
	default: // last_write_wins
		if localUpdated.After(remoteUpdated) {
			return conflictLocal
		}
		return conflictRemote
	}
}

func pushError(elementID string, es *entity.ExternalSync, err error) ItemError {
	return ItemError{
		ElementID:  elementID,
		ExternalID: es.ExternalID,
		Provider:   es.Provider,
		Op:         "push",
		Message:    err.Error(),
		Retryable:  entity.IsRetryable(err),
	}
}

func pullItemError(provider, externalID string, err error) ItemError {
	return ItemError{
		ExternalID: externalID,
		Provider:   provider,
		Op:         "pull",
		Message:    err.Error(),
		Retryable:  entity.IsRetryable(err),
	}
}

func (e *Engine) publishConflict(ctx context.Context, elementID string, es *entity.ExternalSync, strategy, winner string) {
	if e.eventBus == nil {
		return
	}
	ev := bus.NewEvent(events.SyncConflict, "sync-engine", map[string]any{
		"element_id":  elementID,
		"provider":    es.Provider,
		"external_id": es.ExternalID,
		"strategy":    strategy,
		"winner":      winner,
	})
	if err := e.eventBus.Publish(ctx, events.SyncConflict, ev); err != nil {
		e.logger.Warn("failed to publish conflict event", zap.Error(err))
	}
}

func (e *Engine) publishCycle(ctx context.Context, res *Result) {
	if e.eventBus == nil {
		return
	}
	ev := bus.NewEvent(events.SyncCycleCompleted, "sync-engine", map[string]any{
		"pushed":    res.Pushed,
		"pulled":    res.Pulled,
		"created":   res.Created,
		"skipped":   res.Skipped,
		"conflicts": res.Conflicts,
		"errors":    len(res.Errors),
		"dry_run":   res.DryRun,
	})
	if err := e.eventBus.Publish(ctx, events.SyncCycleCompleted, ev); err != nil {
		e.logger.Warn("failed to publish sync cycle event", zap.Error(err))
	}
}
