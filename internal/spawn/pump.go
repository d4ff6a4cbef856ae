package spawn

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/provider"
)

// pumpHeadless drains the provider message stream. All per-session
// events for a headless session are emitted from this goroutine, which
// is what guarantees per-session ordering.
func (s *Spawner) pumpHeadless(sess *spawnedSession, hs provider.HeadlessSession) {
	for msg := range hs.Messages() {
		s.handleHeadlessMessage(sess, msg)
	}
	// Stream over. Natural completion and suspension settle the entry
	// before the channel closes; anything else is an unexpected death.
	s.finish(sess, ExitNotice{Code: 1})
}

func (s *Spawner) handleHeadlessMessage(sess *spawnedSession, msg *provider.AgentMessage) {
	switch msg.Type {
	case provider.MessageSystem:
		if msg.Subtype == provider.SubtypeInit {
			if sess.setProviderSessionID(msg.SessionID) {
				sess.bus.emit(EventProviderSession, msg.SessionID)
			}
			sess.markRunning()
		}
		sess.bus.emit(EventMessage, msg)

	case provider.MessageAssistant:
		if resetsAt, ok := detectRateLimit(msg.Text, time.Now()); ok {
			notice := RateLimitNotice{
				ExecutablePath: sess.executable,
				ResetsAt:       resetsAt,
				Message:        msg.Text,
			}
			s.logger.Warn("session reported a rate limit",
				zap.String("session_id", sess.id),
				zap.String("executable", sess.executable),
				zap.Time("resets_at", resetsAt))
			sess.bus.emit(EventRateLimited, notice)
		}
		sess.bus.emit(EventMessage, msg)

	case provider.MessageToolUse, provider.MessageToolResult:
		sess.bus.emit(EventMessage, msg)

	case provider.MessageResult:
		sess.bus.emit(EventMessage, msg)
		if !msg.IsError {
			// Natural completion: stop the provider loop and settle
			// the entry; exit(0) follows the result event.
			s.finish(sess, ExitNotice{Code: 0})
			return
		}
		s.emitFailure(sess, msg.Subtype, msg.ErrMessage)

	case provider.MessageError:
		s.emitFailure(sess, msg.Subtype, msg.ErrMessage)
	}
}

// emitFailure routes provider-reported failures: unknown-session errors
// become resume_failed, everything else becomes error.
func (s *Spawner) emitFailure(sess *spawnedSession, subtype, message string) {
	if subtype == provider.SubtypeSessionNotFound {
		sess.setLastErr(&entity.InvalidResumeError{
			SessionID:         sess.id,
			ProviderSessionID: sess.currentProviderSessionID(),
			Reason:            message,
		})
		sess.bus.emit(EventResumeFailed, ResumeFailure{
			Reason:  provider.SubtypeSessionNotFound,
			Message: message,
		})
		return
	}
	if message == "" {
		message = "provider reported an error"
	}
	err := errors.New(message)
	sess.setLastErr(err)
	sess.bus.emit(EventError, err)
}

// pumpInteractive forwards PTY output and, once the stream ends, the
// final exit status. A single goroutine keeps the events ordered.
func (s *Spawner) pumpInteractive(sess *spawnedSession, is provider.InteractiveSession) {
	announced := sess.currentProviderSessionID() != ""
	for data := range is.Output() {
		sess.bus.emit(EventPTYData, string(data))
		if !announced {
			if id := is.SessionID(); sess.setProviderSessionID(id) {
				announced = true
				sess.bus.emit(EventProviderSession, id)
			}
		}
	}
	status := <-is.Exit()
	s.finish(sess, ExitNotice{Code: status.Code, Signal: status.Signal})
}

// finish settles a live entry exactly once: closes the child, emits
// exit, and schedules the table entry for removal. Suspended entries
// are left alone so they can be resumed.
func (s *Spawner) finish(sess *spawnedSession, notice ExitNotice) {
	sess.mu.Lock()
	if sess.status == entity.SessionTerminated || sess.status == entity.SessionSuspended {
		sess.mu.Unlock()
		return
	}
	sess.status = entity.SessionTerminated
	hs, is := sess.headless, sess.interactive
	sess.mu.Unlock()

	if hs != nil {
		_ = hs.Close()
	}
	if is != nil {
		_ = is.Kill()
	}

	sess.endOnce.Do(func() { close(sess.endCh) })
	sess.bus.emit(EventExit, notice)
	s.logger.Info("session ended",
		zap.String("session_id", sess.id),
		zap.String("agent_id", sess.agentID),
		zap.Int("code", notice.Code),
		zap.String("signal", notice.Signal))
	s.scheduleRemoval(sess)
}
