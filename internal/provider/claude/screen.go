package claude

import (
	"regexp"
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

var (
	// The TUI shows an interrupt hint while the agent is mid-operation.
	// Example: "✻ Reading files… (esc to interrupt)"
	workingPattern = regexp.MustCompile(`\((esc|ctrl\+c)\s+to\s+interrupt`)

	// Session ids surface in the TUI footer and in resume banners.
	// Example: "Session: 1f1eeca2-3a18-4f0c-9d1e-b2a4a5ce7c11"
	sessionIDPattern = regexp.MustCompile(`(?i)session(?:\s+id)?[:\s]+([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`)
)

// screenTracker feeds PTY output into a virtual terminal emulator and
// inspects the rendered screen for session metadata and agent state.
// Raw PTY bytes are full of escape sequences, so matching happens on
// the emulated screen content rather than the byte stream.
type screenTracker struct {
	mu   sync.Mutex
	term vt10x.Terminal
	cols int
	rows int

	sessionID string
}

func newScreenTracker(cols, rows int) *screenTracker {
	return &screenTracker{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// Write feeds PTY output to the virtual terminal. Scanning for the
// session id stops once one has been found.
func (t *screenTracker) Write(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.term.Write(data)
	if t.sessionID == "" {
		t.scanSessionIDLocked()
	}
}

// Resize updates the virtual terminal size.
func (t *screenTracker) Resize(cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.term.Resize(cols, rows)
	t.cols = cols
	t.rows = rows
}

// SessionID returns the discovered provider session id, or "" while
// none has appeared on screen.
func (t *screenTracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Busy reports whether the visible screen shows the CLI mid-operation.
func (t *screenTracker) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, line := range t.visibleLinesLocked() {
		if workingPattern.MatchString(line) {
			return true
		}
	}
	return false
}

func (t *screenTracker) scanSessionIDLocked() {
	for _, line := range t.visibleLinesLocked() {
		if m := sessionIDPattern.FindStringSubmatch(line); m != nil {
			t.sessionID = strings.ToLower(m[1])
			return
		}
	}
}

// visibleLinesLocked extracts the rendered text lines from the terminal.
func (t *screenTracker) visibleLinesLocked() []string {
	lines := make([]string, t.rows)
	for row := 0; row < t.rows; row++ {
		chars := make([]rune, 0, t.cols)
		for col := 0; col < t.cols; col++ {
			g := t.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines[row] = strings.TrimRight(string(chars), " ")
	}
	return lines
}
