// Package session supervises a single long-running FUSE server process:
// it launches the server, blocks until the mount is ready to serve,
// tears it down with a bounded grace period and audits the valgrind log
// captured along the way.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/nadalle/bcachefs-tools/internal/log"
	"github.com/nadalle/bcachefs-tools/internal/run"
	"github.com/nadalle/bcachefs-tools/internal/valgrind"
)

// ReadyMarker is the stdout line that signals the mount is serviceable.
// Matched against the line start.
const ReadyMarker = "Fuse mount initialized."

// DefaultReadyTimeout bounds how long Start waits for the marker.
const DefaultReadyTimeout = 60 * time.Second

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateUnmounting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateUnmounting:
		return "unmounting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configure a session. Valgrind enablement is threaded through
// here explicitly so concurrent sessions cannot interfere with each
// other's setting.
type Options struct {
	// Bcachefs is the filesystem binary. Empty means "bcachefs".
	Bcachefs string
	// Fusermount is the unmount tool. Empty means "fusermount3".
	Fusermount string
	// Valgrind wraps the server with valgrind and audits its log
	// during Stop.
	Valgrind bool
	// ValgrindPath overrides the valgrind binary.
	ValgrindPath string
	// ReadyTimeout bounds the wait for the readiness marker. Zero
	// means DefaultReadyTimeout.
	ReadyTimeout time.Duration
}

func (o *Options) bcachefs() string {
	if o.Bcachefs == "" {
		return "bcachefs"
	}
	return o.Bcachefs
}

func (o *Options) fusermount() string {
	if o.Fusermount == "" {
		return "fusermount3"
	}
	return o.Fusermount
}

func (o *Options) readyTimeout() time.Duration {
	if o.ReadyTimeout <= 0 {
		return DefaultReadyTimeout
	}
	return o.ReadyTimeout
}

// Session owns one `bcachefs fusemount` process bound to one
// mountpoint. Sessions are single use: once stopped they are not
// restarted; remounting the same device takes a new session.
//
// A background goroutine owns the process while it runs. Fields it
// writes (exit code, captured output) are read only after the done
// channel is closed, which is the synchronization barrier.
type Session struct {
	Dev string
	Mnt string

	opts Options

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd

	ready chan struct{} // closed once, when the marker is seen
	done  chan struct{} // closed when the worker has recorded the exit

	vlogPath string

	// Written by the worker, read after done is closed.
	stdout   string
	stderr   string
	exitCode int
	readyErr error
}

// New creates an idle session for the given device and mountpoint.
func New(dev, mnt string, opts Options) *Session {
	return &Session{
		Dev:   dev,
		Mnt:   mnt,
		opts:  opts,
		state: StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the FUSE server and blocks until the readiness marker
// has been observed on its stdout, the bounded wait expires, or the
// process exits early. On success the mountpoint is ready to serve and
// the worker keeps draining output until the process exits.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session already started (state %s)", state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	var argv []string
	if s.opts.Valgrind {
		f, err := os.CreateTemp("", "valgrind-fuse-*.log")
		if err != nil {
			s.setState(StateIdle)
			return fmt.Errorf("create valgrind log: %w", err)
		}
		s.vlogPath = f.Name()
		_ = f.Close()

		vbin := s.opts.ValgrindPath
		if vbin == "" {
			vbin = run.DefaultValgrind
		}
		argv = append(argv, vbin, "--leak-check=full", "--log-file="+s.vlogPath)
	}
	argv = append(argv, s.opts.bcachefs(), "fusemount", "-f", s.Dev, s.Mnt)

	log.Debug("starting fuse server", "argv", argv)

	cmd := exec.Command(argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.discardLog()
		s.setState(StateIdle)
		return fmt.Errorf("open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.discardLog()
		s.setState(StateIdle)
		return fmt.Errorf("start fuse server: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.ready = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.supervise(stdout, &stderr)

	select {
	case <-s.ready:
		s.setState(StateReady)
		log.Info("fuse mount ready", "dev", s.Dev, "mnt", s.Mnt)
		return nil

	case <-s.done:
		// The worker finished before signalling readiness, unless it
		// raced the signal with a prompt exit.
		select {
		case <-s.ready:
			s.setState(StateReady)
			return nil
		default:
		}
		s.setState(StateStopped)
		s.discardLog()
		if s.readyErr != nil {
			return s.readyErr
		}
		return &ReadinessError{Marker: ReadyMarker, Output: s.stdout}

	case <-time.After(s.opts.readyTimeout()):
	case <-ctx.Done():
	}

	// Bounded wait expired (or the caller gave up). Kill the server so
	// the worker's reads unblock, then reap it unconditionally.
	select {
	case <-s.ready:
		s.setState(StateReady)
		return nil
	default:
	}

	log.Warn("fuse server not ready in time, killing", "mnt", s.Mnt)
	_ = cmd.Process.Kill()
	<-s.done
	s.setState(StateStopped)
	s.discardLog()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("waiting for fuse mount: %w", err)
	}
	return &ReadinessError{Marker: ReadyMarker, Output: s.stdout, TimedOut: true}
}

// supervise runs on the worker goroutine. It watches stdout for the
// readiness marker, keeps draining until the process exits and records
// the outcome. Closing done publishes every field written here.
func (s *Session) supervise(stdout io.Reader, stderr *bytes.Buffer) {
	defer close(s.done)

	head, watchErr := waitForLine(stdout, ReadyMarker)
	if watchErr == nil {
		close(s.ready)
	}

	// Drain the remainder so the process never blocks on a full pipe.
	rest, _ := io.ReadAll(stdout)

	if err := s.cmd.Wait(); err != nil {
		var xerr *exec.ExitError
		if !errors.As(err, &xerr) {
			log.Warn("waiting for fuse server", "error", err)
		}
	}

	s.stdout = head + string(rest)
	s.stderr = stderr.String()
	s.exitCode = s.cmd.ProcessState.ExitCode()

	var rerr *ReadinessError
	if errors.As(watchErr, &rerr) {
		// Attach everything captured, not just the scanned prefix.
		rerr.Output = s.stdout
		s.readyErr = rerr
	} else if watchErr != nil {
		s.readyErr = watchErr
	}

	log.Debug("fuse server exited", "exit", s.exitCode)
}

// Stop unmounts the filesystem and waits for the server to exit within
// timeout, escalating to a forced kill if it does not. It is idempotent
// and safe to call on a session that never became ready. When the
// session was started under valgrind the captured log is audited after
// the exit has been observed.
func (s *Session) Stop(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return nil
	}
	s.state = StateUnmounting
	cmd := s.cmd
	s.mu.Unlock()

	log.Info("unmounting fuse", "mnt", s.Mnt)
	if _, err := run.Run(ctx, run.Options{}, s.opts.fusermount(), "-zu", s.Mnt); err != nil {
		// The unmount tool only requests teardown; a failure here is
		// recoverable because the kill path below still applies.
		log.Warn("unmount command failed", "mnt", s.Mnt, "error", err)
	}

	select {
	case <-s.done:
	case <-time.After(timeout):
		log.Warn("fuse server did not exit, killing", "mnt", s.Mnt, "timeout", timeout)
		_ = cmd.Process.Kill()
		<-s.done
	}

	s.setState(StateStopped)

	if s.vlogPath != "" {
		defer s.discardLog()
		if err := valgrind.CheckFile(s.vlogPath); err != nil {
			return err
		}
	}

	return nil
}

// Verify asserts the outcome of a stopped session: the server must have
// exited cleanly and produced output.
func (s *Session) Verify() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state != StateStopped {
		return fmt.Errorf("session not stopped (state %s)", state)
	}
	if s.exitCode != 0 {
		return fmt.Errorf("fuse server exited with status %d: %s",
			s.exitCode, strings.TrimSpace(s.stderr))
	}
	if s.stdout == "" {
		return errors.New("fuse server produced no output")
	}
	return nil
}

// Stdout returns all captured stdout, both before and after the
// readiness marker. Valid once the session has stopped.
func (s *Session) Stdout() string { return s.stdout }

// Stderr returns the captured stderr text. Valid once the session has
// stopped.
func (s *Session) Stderr() string { return s.stderr }

// ExitCode returns the server's exit status, or -1 if it was killed.
// Valid once the session has stopped.
func (s *Session) ExitCode() int { return s.exitCode }

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) discardLog() {
	if s.vlogPath != "" {
		_ = os.Remove(s.vlogPath)
		s.vlogPath = ""
	}
}
