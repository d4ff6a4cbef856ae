//go:build !windows

package pty

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// unixPTY exposes the PTY master as a Handle.
type unixPTY struct {
	*os.File
}

func (p unixPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.File, &pty.Winsize{Cols: cols, Rows: rows})
}

// startWithSize starts the command attached to a Unix PTY. The child is
// already running on return; pty.StartWithSize calls cmd.Start itself.
func startWithSize(cmd *exec.Cmd, cols, rows int) (Handle, error) {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, err
	}
	return unixPTY{File: f}, nil
}
