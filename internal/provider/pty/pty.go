// Package pty starts provider CLIs attached to a pseudoterminal,
// hiding the platform differences between Unix PTYs and Windows ConPTY.
package pty

import (
	"io"
	"os/exec"
)

// Handle abstracts PTY operations across Unix and Windows.
// On Unix, this wraps creack/pty (*os.File).
// On Windows, this wraps Windows ConPTY.
type Handle interface {
	io.ReadWriteCloser
	// Resize changes the PTY window size.
	Resize(cols, rows uint16) error
}

// Start launches cmd attached to a new pseudoterminal with the given
// dimensions. On return cmd.Process is set so callers can manage the
// child lifecycle.
func Start(cmd *exec.Cmd, cols, rows int) (Handle, error) {
	return startWithSize(cmd, cols, rows)
}
