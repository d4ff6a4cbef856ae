package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/provider"
)

// messageBuffer bounds the in-flight message queue between the stdout
// pump and the consumer.
const messageBuffer = 256

type headlessSpawner struct {
	provider *Provider
}

// Spawn starts the CLI in headless stream-json mode. The returned
// session owns the child process; Close terminates it.
func (s *headlessSpawner) Spawn(_ context.Context, opts provider.SpawnOptions) (provider.HeadlessSession, error) {
	cmd := exec.Command(s.provider.executable, headlessArgs(opts)...)
	cmd.Dir = opts.WorkingDirectory
	cmd.Env = buildEnv(opts)

	stderr := newTailBuffer(8 * 1024)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.provider.executable, err)
	}

	sess := &headlessSession{
		cmd:      cmd,
		stdin:    stdin,
		stderr:   stderr,
		logger:   s.provider.logger.WithFields(zap.Int("pid", cmd.Process.Pid)),
		messages: make(chan *provider.AgentMessage, messageBuffer),
		done:     make(chan struct{}),
	}
	go sess.pump(stdout)

	if opts.InitialPrompt != "" {
		if err := sess.SendMessage(opts.InitialPrompt); err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("send initial prompt: %w", err)
		}
	}
	return sess, nil
}

// headlessSession is a running headless child. A single goroutine pumps
// stdout lines into the messages channel; the channel is closed when the
// stream ends and the child has been reaped.
type headlessSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	logger *logger.Logger

	writeMu sync.Mutex

	messages  chan *provider.AgentMessage
	done      chan struct{}
	closeOnce sync.Once
}

func (s *headlessSession) Messages() <-chan *provider.AgentMessage {
	return s.messages
}

// SendMessage writes a user prompt onto the CLI's stdin.
func (s *headlessSession) SendMessage(content string) error {
	return s.send(&userMessage{
		Type: messageTypeUser,
		Message: userMessageBody{
			Role:    "user",
			Content: content,
		},
	})
}

// Interrupt asks the CLI to stop its current operation without ending
// the session.
func (s *headlessSession) Interrupt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.send(&sdkControlRequest{
		Type:      messageTypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   sdkControlRequestBody{Subtype: subtypeInterrupt},
	})
}

// Close terminates the child process. Safe to call multiple times and
// after natural completion.
func (s *headlessSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	return nil
}

func (s *headlessSession) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return errors.New("session closed")
	default:
	}
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// pump reads stdout until EOF, translating each line into agent
// messages. It owns the single cmd.Wait call and closes the messages
// channel last.
func (s *headlessSession) pump(stdout io.Reader) {
	defer close(s.messages)

	scanner := bufio.NewScanner(stdout)
	// Allow for large JSON messages (up to 10MB).
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	sawResult := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg cliMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("unparseable line from claude stdout", zap.Error(err))
			continue
		}

		raw := make([]byte, len(line))
		copy(raw, line)
		for _, out := range translate(&msg, raw) {
			if out.Type == provider.MessageResult {
				sawResult = true
			}
			select {
			case s.messages <- out:
			case <-s.done:
				// Receiver is gone. Keep scanning to EOF so the
				// child can be reaped below.
			}
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("claude stdout read error", zap.Error(err))
	}

	waitErr := s.cmd.Wait()
	if waitErr != nil && !sawResult && !s.closed() {
		errMsg := fmt.Sprintf("claude exited: %v", waitErr)
		if tail := strings.TrimSpace(s.stderr.String()); tail != "" {
			errMsg = fmt.Sprintf("%s: %s", errMsg, tail)
		}
		out := &provider.AgentMessage{Type: provider.MessageError, ErrMessage: errMsg}
		if looksLikeUnknownSession(errMsg) {
			out.Subtype = provider.SubtypeSessionNotFound
		}
		select {
		case s.messages <- out:
		default:
		}
	}
}

func (s *headlessSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// tailBuffer keeps the last max bytes written to it. Used to capture
// the tail of stderr for error reporting.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
