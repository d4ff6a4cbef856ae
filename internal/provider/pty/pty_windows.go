//go:build windows

package pty

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/UserExistsError/conpty"
)

// windowsPTY exposes a ConPTY pseudo-console as a Handle.
type windowsPTY struct {
	*conpty.ConPty
}

func (p windowsPTY) Resize(cols, rows uint16) error {
	return p.ConPty.Resize(int(cols), int(rows))
}

// startWithSize starts the command attached to a ConPTY. ConPTY creates
// the process itself, so the exec.Cmd is flattened into a command line
// and its Process field is backfilled from the ConPTY pid.
func startWithSize(cmd *exec.Cmd, cols, rows int) (Handle, error) {
	cmdLine := windowsCmdLine(cmd.Args)
	if len(cmd.Args) == 0 {
		cmdLine = quoteWindowsArg(cmd.Path)
	}

	opts := []conpty.ConPtyOption{conpty.ConPtyDimensions(cols, rows)}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}

	proc, err := os.FindProcess(int(cpty.Pid()))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("find conpty process %d: %w", cpty.Pid(), err)
	}
	cmd.Process = proc
	return windowsPTY{ConPty: cpty}, nil
}
