// Package run executes one-shot external commands for the harness,
// optionally wrapped by valgrind.
package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/nadalle/bcachefs-tools/internal/log"
	"github.com/nadalle/bcachefs-tools/internal/valgrind"
)

// DefaultValgrind is the valgrind binary used when none is configured.
const DefaultValgrind = "valgrind"

// Options control how a command is executed.
type Options struct {
	// Valgrind wraps the command with the valgrind binary and audits
	// the captured log after the command exits.
	Valgrind bool
	// ValgrindPath overrides the valgrind binary. Empty means
	// DefaultValgrind.
	ValgrindPath string
	// Check converts a non-zero exit status into an *ExitError.
	Check bool
}

// Result holds the outcome of a completed command. The exit status is
// data, not an error: callers decide what a non-zero status means
// unless Options.Check was set.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExitError is returned for a non-zero exit status when Options.Check
// is set. It carries both captured streams.
type ExitError struct {
	Cmd      string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Cmd, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Run executes a command to completion, capturing stdout and stderr as
// text. When opts.Valgrind is set the command is prefixed with
// `valgrind --leak-check=full --log-file=<tmp>` and the log is audited
// before Run returns; a dirty log surfaces as *valgrind.LeakError.
func Run(ctx context.Context, opts Options, name string, args ...string) (*Result, error) {
	argv := append([]string{name}, args...)

	var vlogPath string
	if opts.Valgrind {
		f, err := os.CreateTemp("", "valgrind-*.log")
		if err != nil {
			return nil, fmt.Errorf("create valgrind log: %w", err)
		}
		vlogPath = f.Name()
		_ = f.Close()
		defer func() { _ = os.Remove(vlogPath) }()

		vbin := opts.ValgrindPath
		if vbin == "" {
			vbin = DefaultValgrind
		}
		argv = append([]string{vbin, "--leak-check=full", "--log-file=" + vlogPath}, argv...)
	}

	log.Debug("running command", "argv", argv)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var xerr *exec.ExitError
		if !errors.As(err, &xerr) {
			return nil, fmt.Errorf("run %s: %w", name, err)
		}
	}

	res := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	log.Debug("command finished", "cmd", name, "exit", res.ExitCode)

	if opts.Check && res.ExitCode != 0 {
		return res, &ExitError{
			Cmd:      name,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	}

	if opts.Valgrind {
		if err := valgrind.CheckFile(vlogPath); err != nil {
			return res, err
		}
	}

	return res, nil
}
