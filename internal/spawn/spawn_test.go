package spawn

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/provider"
)

// fakeHeadless lets tests drive a headless message stream by hand.
type fakeHeadless struct {
	messages  chan *provider.AgentMessage
	closeOnce sync.Once

	mu         sync.Mutex
	sent       []string
	interrupts int
}

func newFakeHeadless() *fakeHeadless {
	return &fakeHeadless{messages: make(chan *provider.AgentMessage, 32)}
}

func (f *fakeHeadless) Messages() <-chan *provider.AgentMessage { return f.messages }

func (f *fakeHeadless) SendMessage(content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeHeadless) Interrupt(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeHeadless) Close() error {
	f.closeOnce.Do(func() { close(f.messages) })
	return nil
}

func (f *fakeHeadless) emit(msg *provider.AgentMessage) { f.messages <- msg }

func (f *fakeHeadless) interruptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

// fakeInteractive lets tests drive a PTY byte stream by hand.
type fakeInteractive struct {
	pid    int
	output chan []byte
	exit   chan provider.ExitStatus

	mu        sync.Mutex
	sessionID string
	writes    [][]byte
	kills     int
}

func newFakeInteractive(pid int) *fakeInteractive {
	return &fakeInteractive{
		pid:    pid,
		output: make(chan []byte, 32),
		exit:   make(chan provider.ExitStatus, 1),
	}
}

func (f *fakeInteractive) PID() int { return f.pid }

func (f *fakeInteractive) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

func (f *fakeInteractive) setSessionID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionID = id
}

func (f *fakeInteractive) Output() <-chan []byte            { return f.output }
func (f *fakeInteractive) Exit() <-chan provider.ExitStatus { return f.exit }
func (f *fakeInteractive) Resize(cols, rows int) error      { return nil }

func (f *fakeInteractive) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeInteractive) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	return nil
}

func (f *fakeInteractive) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// fakeProvider hands out the prepared fake sessions.
type fakeProvider struct {
	name        string
	executable  string
	headless    *fakeHeadless
	interactive *fakeInteractive
	spawnErr    error
}

func (p *fakeProvider) Name() string                       { return p.name }
func (p *fakeProvider) Executable() string                 { return p.executable }
func (p *fakeProvider) IsAvailable(context.Context) bool   { return true }
func (p *fakeProvider) Headless() provider.HeadlessSpawner { return p }
func (p *fakeProvider) Interactive() provider.InteractiveSpawner {
	return interactiveSpawnerFunc(func(ctx context.Context, opts provider.SpawnOptions) (provider.InteractiveSession, error) {
		if p.spawnErr != nil {
			return nil, p.spawnErr
		}
		return p.interactive, nil
	})
}

func (p *fakeProvider) ListModels(context.Context) ([]provider.Model, error) { return nil, nil }

func (p *fakeProvider) Spawn(_ context.Context, _ provider.SpawnOptions) (provider.HeadlessSession, error) {
	if p.spawnErr != nil {
		return nil, p.spawnErr
	}
	return p.headless, nil
}

type interactiveSpawnerFunc func(context.Context, provider.SpawnOptions) (provider.InteractiveSession, error)

func (f interactiveSpawnerFunc) Spawn(ctx context.Context, opts provider.SpawnOptions) (provider.InteractiveSession, error) {
	return f(ctx, opts)
}

func newTestSpawner(t *testing.T, p *fakeProvider) *Spawner {
	t.Helper()
	reg := provider.NewRegistry()
	reg.Register(p)
	return New(reg, logger.Default(), Config{
		SpawnTimeout: 2 * time.Second,
		CleanupDelay: 40 * time.Millisecond,
	})
}

func initMessage(providerSessionID string) *provider.AgentMessage {
	return &provider.AgentMessage{
		Type:      provider.MessageSystem,
		Subtype:   provider.SubtypeInit,
		SessionID: providerSessionID,
	}
}

func assistantMessage(text string) *provider.AgentMessage {
	return &provider.AgentMessage{Type: provider.MessageAssistant, Text: text}
}

func resultMessage(isError bool, errMsg string) *provider.AgentMessage {
	return &provider.AgentMessage{Type: provider.MessageResult, IsError: isError, ErrMessage: errMsg}
}

func TestHeadlessHappyPathEventOrder(t *testing.T) {
	fake := &fakeProvider{name: "fake", executable: "/usr/bin/fake", headless: newFakeHeadless()}
	s := newTestSpawner(t, fake)

	fake.headless.emit(initMessage("prov-123"))
	res, err := s.Spawn(context.Background(), Request{
		SessionID: "sess-1",
		AgentID:   "agent-1",
		Mode:      entity.ModeHeadless,
	})
	require.NoError(t, err)
	assert.Equal(t, "prov-123", res.ProviderSessionID)

	status, err := s.Status("sess-1")
	require.NoError(t, err)
	assert.Equal(t, entity.SessionRunning, status)

	var mu sync.Mutex
	var order []string
	exited := make(chan ExitNotice, 1)

	cleanup, err := s.TrackListeners("sess-1", map[string]Handler{
		EventMessage: func(payload any) {
			msg := payload.(*provider.AgentMessage)
			mu.Lock()
			order = append(order, string(msg.Type))
			mu.Unlock()
		},
		EventExit: func(payload any) {
			mu.Lock()
			order = append(order, "exit")
			mu.Unlock()
			exited <- payload.(ExitNotice)
		},
	})
	require.NoError(t, err)
	defer cleanup()

	fake.headless.emit(assistantMessage("working on it"))
	fake.headless.emit(&provider.AgentMessage{Type: provider.MessageToolUse, ToolName: "Read"})
	fake.headless.emit(resultMessage(false, ""))

	select {
	case notice := <-exited:
		assert.Equal(t, 0, notice.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("no exit event")
	}

	mu.Lock()
	assert.Equal(t, []string{"assistant", "tool_use", "result", "exit"}, order)
	mu.Unlock()

	status, err = s.Status("sess-1")
	require.NoError(t, err)
	assert.Equal(t, entity.SessionTerminated, status)
}

func TestHeadlessSpawnTimesOutWithoutInit(t *testing.T) {
	fake := &fakeProvider{name: "fake", executable: "/usr/bin/fake", headless: newFakeHeadless()}
	reg := provider.NewRegistry()
	reg.Register(fake)
	s := New(reg, logger.Default(), Config{
		SpawnTimeout: 50 * time.Millisecond,
		CleanupDelay: 20 * time.Millisecond,
	})

	_, err := s.Spawn(context.Background(), Request{
		SessionID: "sess-to",
		AgentID:   "agent-1",
		Mode:      entity.ModeHeadless,
	})
	require.Error(t, err)
	assert.Equal(t, entity.CodeTimeout, entity.ErrorCode(err))

	// The table entry is removed after the cleanup delay.
	assert.Eventually(t, func() bool {
		_, err := s.Status("sess-to")
		return entity.IsNotFound(err)
	}, time.Second, 10*time.Millisecond)
}

func TestRateLimitDetectionEmitsNotice(t *testing.T) {
	fake := &fakeProvider{name: "fake", executable: "/opt/claude/bin/claude", headless: newFakeHeadless()}
	s := newTestSpawner(t, fake)

	fake.headless.emit(initMessage("prov-rl"))
	_, err := s.Spawn(context.Background(), Request{
		SessionID: "sess-rl",
		AgentID:   "agent-1",
		Mode:      entity.ModeHeadless,
	})
	require.NoError(t, err)

	notices := make(chan RateLimitNotice, 1)
	messages := make(chan *provider.AgentMessage, 4)
	cleanup, err := s.TrackListeners("sess-rl", map[string]Handler{
		EventRateLimited: func(payload any) { notices <- payload.(RateLimitNotice) },
		EventMessage:     func(payload any) { messages <- payload.(*provider.AgentMessage) },
	})
	require.NoError(t, err)
	defer cleanup()

	resetAt := time.Now().Add(30 * time.Minute).Unix()
	fake.headless.emit(assistantMessage(fmt.Sprintf("Claude AI usage limit reached|%d", resetAt)))

	select {
	case notice := <-notices:
		assert.Equal(t, "/opt/claude/bin/claude", notice.ExecutablePath)
		assert.Equal(t, time.Unix(resetAt, 0), notice.ResetsAt)
		assert.Contains(t, notice.Message, "usage limit reached")
	case <-time.After(2 * time.Second):
		t.Fatal("no rate_limited event")
	}

	// The assistant message still flows as a normal event.
	select {
	case msg := <-messages:
		assert.Equal(t, provider.MessageAssistant, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no assistant event")
	}
}

func TestResumeUnknownSessionFailsSpawn(t *testing.T) {
	fake := &fakeProvider{name: "fake", executable: "/usr/bin/fake", headless: newFakeHeadless()}
	s := newTestSpawner(t, fake)

	// The CLI reports the unknown session and exits without init.
	fake.headless.emit(&provider.AgentMessage{
		Type:       provider.MessageResult,
		IsError:    true,
		Subtype:    provider.SubtypeSessionNotFound,
		ErrMessage: "No conversation found with session ID: prov-gone",
	})
	fake.headless.Close()

	_, err := s.Spawn(context.Background(), Request{
		SessionID: "sess-gone",
		AgentID:   "agent-1",
		Mode:      entity.ModeHeadless,
		Options:   provider.SpawnOptions{ResumeSessionID: "prov-gone"},
	})
	require.Error(t, err)
	assert.Equal(t, entity.CodeInvalidResume, entity.ErrorCode(err))
}

func TestInterruptLeavesStatusUntouched(t *testing.T) {
	fake := &fakeProvider{name: "fake", executable: "/usr/bin/fake", headless: newFakeHeadless()}
	s := newTestSpawner(t, fake)

	fake.headless.emit(initMessage("prov-int"))
	_, err := s.Spawn(context.Background(), Request{
		SessionID: "sess-int",
		AgentID:   "agent-1",
		Mode:      entity.ModeHeadless,
	})
	require.NoError(t, err)

	interrupted := make(chan struct{}, 1)
	cancel, err := s.On("sess-int", EventInterrupt, func(any) { interrupted <- struct{}{} })
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Interrupt(context.Background(), "sess-int"))
	assert.Equal(t, 1, fake.headless.interruptCount())

	select {
	case <-interrupted:
	case <-time.After(2 * time.Second):
		t.Fatal("no interrupt event")
	}

	status, err := s.Status("sess-int")
	require.NoError(t, err)
	assert.Equal(t, entity.SessionRunning, status)
}

func TestSuspendKeepsRecordAndProviderSessionID(t *testing.T) {
	fake := &fakeProvider{name: "fake", executable: "/usr/bin/fake", headless: newFakeHeadless()}
	s := newTestSpawner(t, fake)

	fake.headless.emit(initMessage("prov-sus"))
	_, err := s.Spawn(context.Background(), Request{
		SessionID: "sess-sus",
		AgentID:   "agent-1",
		Mode:      entity.ModeHeadless,
	})
	require.NoError(t, err)

	exits := make(chan ExitNotice, 1)
	cancel, err := s.On("sess-sus", EventExit, func(payload any) { exits <- payload.(ExitNotice) })
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Suspend("sess-sus"))

	status, err := s.Status("sess-sus")
	require.NoError(t, err)
	assert.Equal(t, entity.SessionSuspended, status)

	psid, err := s.ProviderSessionID("sess-sus")
	require.NoError(t, err)
	assert.Equal(t, "prov-sus", psid)

	// Suspension is not an exit: the record survives the stream closing
	// and no exit event fires.
	time.Sleep(100 * time.Millisecond)
	select {
	case <-exits:
		t.Fatal("unexpected exit event after suspend")
	default:
	}
	status, err = s.Status("sess-sus")
	require.NoError(t, err)
	assert.Equal(t, entity.SessionSuspended, status)

	// Only running sessions suspend.
	err = s.Suspend("sess-sus")
	require.Error(t, err)
	assert.Equal(t, entity.CodeInvalidStatus, entity.ErrorCode(err))
}

func TestTerminateClosesChildAndEmitsExit(t *testing.T) {
	fake := &fakeProvider{name: "fake", executable: "/usr/bin/fake", headless: newFakeHeadless()}
	s := newTestSpawner(t, fake)

	fake.headless.emit(initMessage("prov-term"))
	_, err := s.Spawn(context.Background(), Request{
		SessionID: "sess-term",
		AgentID:   "agent-1",
		Mode:      entity.ModeHeadless,
	})
	require.NoError(t, err)

	exits := make(chan ExitNotice, 1)
	cancel, err := s.On("sess-term", EventExit, func(payload any) { exits <- payload.(ExitNotice) })
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Terminate("sess-term", true))

	select {
	case notice := <-exits:
		assert.NotEqual(t, 0, notice.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("no exit event")
	}

	status, err := s.Status("sess-term")
	require.NoError(t, err)
	assert.Equal(t, entity.SessionTerminated, status)

	// Terminating again is a no-op.
	require.NoError(t, s.Terminate("sess-term", false))
}

func TestNaturalCompletionRemovesEntryAfterDelay(t *testing.T) {
	fake := &fakeProvider{name: "fake", executable: "/usr/bin/fake", headless: newFakeHeadless()}
	s := newTestSpawner(t, fake)

	fake.headless.emit(initMessage("prov-done"))
	_, err := s.Spawn(context.Background(), Request{
		SessionID: "sess-done",
		AgentID:   "agent-1",
		Mode:      entity.ModeHeadless,
	})
	require.NoError(t, err)

	fake.headless.emit(resultMessage(false, ""))

	// Terminated first, gone after the cleanup delay.
	assert.Eventually(t, func() bool {
		status, err := s.Status("sess-done")
		return err == nil && status == entity.SessionTerminated
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, err := s.Status("sess-done")
		return entity.IsNotFound(err)
	}, time.Second, 10*time.Millisecond)
}

func TestInteractiveSessionStreamsAndExits(t *testing.T) {
	interactive := newFakeInteractive(4242)
	fake := &fakeProvider{name: "fake", executable: "/usr/bin/fake", interactive: interactive}
	s := newTestSpawner(t, fake)

	res, err := s.Spawn(context.Background(), Request{
		SessionID: "sess-pty",
		AgentID:   "agent-1",
		Mode:      entity.ModeInteractive,
	})
	require.NoError(t, err)
	assert.Equal(t, 4242, res.PID)

	data := make(chan string, 8)
	ids := make(chan string, 1)
	exits := make(chan ExitNotice, 1)
	cleanup, err := s.TrackListeners("sess-pty", map[string]Handler{
		EventPTYData:         func(payload any) { data <- payload.(string) },
		EventProviderSession: func(payload any) { ids <- payload.(string) },
		EventExit:            func(payload any) { exits <- payload.(ExitNotice) },
	})
	require.NoError(t, err)
	defer cleanup()

	interactive.setSessionID("prov-pty-1")
	interactive.output <- []byte("hello from tui")

	select {
	case chunk := <-data:
		assert.Equal(t, "hello from tui", chunk)
	case <-time.After(2 * time.Second):
		t.Fatal("no pty-data event")
	}
	select {
	case id := <-ids:
		assert.Equal(t, "prov-pty-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no provider-session-id event")
	}

	// Keystrokes go to the terminal.
	require.NoError(t, s.WriteInput("sess-pty", []byte("ls\r")))
	assert.Equal(t, 1, interactive.writeCount())

	close(interactive.output)
	interactive.exit <- provider.ExitStatus{Code: 0}

	select {
	case notice := <-exits:
		assert.Equal(t, 0, notice.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("no exit event")
	}

	status, err := s.Status("sess-pty")
	require.NoError(t, err)
	assert.Equal(t, entity.SessionTerminated, status)
}

func TestHeadlessOnlyOperationsRejectInteractive(t *testing.T) {
	interactive := newFakeInteractive(99)
	fake := &fakeProvider{name: "fake", executable: "/usr/bin/fake", interactive: interactive}
	s := newTestSpawner(t, fake)

	_, err := s.Spawn(context.Background(), Request{
		SessionID: "sess-mode",
		AgentID:   "agent-1",
		Mode:      entity.ModeInteractive,
	})
	require.NoError(t, err)

	err = s.SendMessage("sess-mode", "hello")
	assert.ErrorIs(t, err, ErrNotHeadless)
}

func TestSpawnRejectsDuplicateActiveSession(t *testing.T) {
	fake := &fakeProvider{name: "fake", executable: "/usr/bin/fake", headless: newFakeHeadless()}
	s := newTestSpawner(t, fake)

	fake.headless.emit(initMessage("prov-dup"))
	_, err := s.Spawn(context.Background(), Request{
		SessionID: "sess-dup",
		AgentID:   "agent-1",
		Mode:      entity.ModeHeadless,
	})
	require.NoError(t, err)

	_, err = s.Spawn(context.Background(), Request{
		SessionID: "sess-dup",
		AgentID:   "agent-1",
		Mode:      entity.ModeHeadless,
	})
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestCheckReadyQueueReturnsTopTask(t *testing.T) {
	fake := &fakeProvider{name: "fake", executable: "/usr/bin/fake", headless: newFakeHeadless()}
	s := newTestSpawner(t, fake)

	first := entity.NewTask("urgent fix", "test")
	second := entity.NewTask("later cleanup", "test")

	top, err := s.CheckReadyQueue(context.Background(), "agent-1", ReadyQueueOptions{
		GetReadyTasks: func(_ context.Context, agentID string, limit int) ([]*entity.Task, error) {
			assert.Equal(t, "agent-1", agentID)
			assert.Equal(t, 10, limit)
			return []*entity.Task{first, second}, nil
		},
	})
	require.NoError(t, err)
	require.NotNil(t, top)
	assert.Equal(t, first.ID, top.ID)

	top, err = s.CheckReadyQueue(context.Background(), "agent-1", ReadyQueueOptions{
		GetReadyTasks: func(context.Context, string, int) ([]*entity.Task, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.Nil(t, top)

	_, err = s.CheckReadyQueue(context.Background(), "agent-1", ReadyQueueOptions{})
	assert.Equal(t, entity.CodeInvalidArguments, entity.ErrorCode(err))
}
