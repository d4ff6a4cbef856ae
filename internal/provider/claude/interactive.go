package claude

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/provider"
	"github.com/stoneforge-ai/stoneforge/internal/provider/pty"
)

const (
	defaultCols = 80
	defaultRows = 24

	// outputBuffer bounds the in-flight PTY chunks between the pump
	// and the consumer.
	outputBuffer = 64
)

type interactiveSpawner struct {
	provider *Provider
}

// Spawn starts the CLI inside a pseudoterminal. The returned session
// owns the child process; Kill terminates it.
func (s *interactiveSpawner) Spawn(_ context.Context, opts provider.SpawnOptions) (provider.InteractiveSession, error) {
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}

	cmd := exec.Command(s.provider.executable, interactiveArgs(opts)...)
	cmd.Dir = opts.WorkingDirectory
	cmd.Env = buildEnv(opts)

	handle, err := pty.Start(cmd, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	sess := &interactiveSession{
		cmd:      cmd,
		handle:   handle,
		tracker:  newScreenTracker(cols, rows),
		resumeID: opts.ResumeSessionID,
		logger:   s.provider.logger.WithFields(zap.Int("pid", cmd.Process.Pid)),
		output:   make(chan []byte, outputBuffer),
		exit:     make(chan provider.ExitStatus, 1),
		done:     make(chan struct{}),
	}
	go sess.pump()

	if opts.InitialPrompt != "" {
		// Typed into the terminal; the CLI picks it up as typeahead.
		if err := sess.Write([]byte(opts.InitialPrompt + "\r")); err != nil {
			_ = sess.Kill()
			return nil, fmt.Errorf("write initial prompt: %w", err)
		}
	}
	return sess, nil
}

// interactiveSession is a running PTY child. A single goroutine pumps
// PTY output into the output channel, feeding the screen tracker on the
// way; the exit channel receives the final status after the stream ends.
type interactiveSession struct {
	cmd      *exec.Cmd
	handle   pty.Handle
	tracker  *screenTracker
	resumeID string
	logger   *logger.Logger

	writeMu sync.Mutex

	output   chan []byte
	exit     chan provider.ExitStatus
	done     chan struct{}
	killOnce sync.Once
}

func (s *interactiveSession) PID() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// SessionID returns the session id discovered from the rendered screen,
// falling back to the resumed id when nothing has surfaced yet.
func (s *interactiveSession) SessionID() string {
	if id := s.tracker.SessionID(); id != "" {
		return id
	}
	return s.resumeID
}

func (s *interactiveSession) Output() <-chan []byte { return s.output }

func (s *interactiveSession) Exit() <-chan provider.ExitStatus { return s.exit }

// Write sends keystrokes to the terminal.
func (s *interactiveSession) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return errors.New("session closed")
	default:
	}
	_, err := s.handle.Write(data)
	return err
}

// Resize changes the terminal dimensions for both the PTY and the
// screen tracker.
func (s *interactiveSession) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	s.tracker.Resize(cols, rows)
	return s.handle.Resize(uint16(cols), uint16(rows))
}

// Busy reports whether the rendered screen shows the CLI mid-operation.
func (s *interactiveSession) Busy() bool {
	return s.tracker.Busy()
}

// Kill terminates the child process. Safe to call multiple times.
func (s *interactiveSession) Kill() error {
	s.killOnce.Do(func() {
		close(s.done)
		_ = s.handle.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	return nil
}

// pump copies PTY output to the output channel and reports the final
// exit status. It owns the single cmd.Wait call.
func (s *interactiveSession) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.handle.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.tracker.Write(data)
			select {
			case s.output <- data:
			case <-s.done:
				// Receiver is gone, drop output until EOF.
			}
		}
		if err != nil {
			break
		}
	}
	close(s.output)

	waitErr := s.cmd.Wait()
	status := exitStatus(waitErr)
	s.logger.Debug("interactive session exited",
		zap.Int("code", status.Code),
		zap.String("signal", status.Signal))
	s.exit <- status
}

// exitStatus classifies how the child ended.
func exitStatus(err error) provider.ExitStatus {
	if err == nil {
		return provider.ExitStatus{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status := provider.ExitStatus{Code: exitErr.ExitCode()}
		if status.Code == -1 {
			// Killed by a signal; ProcessState renders "signal: <name>".
			rendered := exitErr.ProcessState.String()
			if idx := strings.Index(rendered, "signal: "); idx >= 0 {
				status.Signal = strings.TrimSpace(rendered[idx+len("signal: "):])
			}
		}
		return status
	}
	return provider.ExitStatus{Code: -1}
}
