// Package supervisor owns the lifetime of the external experiment script.
// It enforces the single-active-child invariant, exposes the child's
// combined output for the phase parser, and implements graceful-then-
// forceful termination of the whole process group.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrAlreadyRunning is returned by Spawn while a previously spawned child
// is still alive.
var ErrAlreadyRunning = errors.New("a supervised process is already running")

// DefaultGracePeriod is the time a terminated child gets to exit before
// the stop signal is escalated to SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// killReapTimeout bounds how long Terminate waits for the monitor to reap
// the child after a SIGKILL escalation.
const killReapTimeout = 5 * time.Second

// tailLines is the number of trailing output lines retained per child for
// failure summaries.
const tailLines = 20

// SpawnError indicates the child process could not be launched at all.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Handle references one supervised child process.
type Handle struct {
	cmd    *exec.Cmd
	output io.Reader
	tail   *tailBuffer

	waitOnce sync.Once
	exited   chan struct{}
	exitCode int
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Output returns the child's combined stdout/stderr stream. It yields EOF
// once the child and anything still holding its output pipe have exited.
func (h *Handle) Output() io.Reader {
	return h.output
}

// Tail returns the last output lines seen so far, oldest first.
func (h *Handle) Tail() []string {
	return h.tail.Lines()
}

// Exited reports whether the child has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// Supervisor launches and tracks at most one child process at a time.
type Supervisor struct {
	log         logrus.FieldLogger
	gracePeriod time.Duration

	mu   sync.Mutex
	live *Handle
}

// New creates a supervisor with the given termination grace period.
func New(log logrus.FieldLogger, gracePeriod time.Duration) *Supervisor {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}

	return &Supervisor{
		log:         log.WithField("component", "supervisor"),
		gracePeriod: gracePeriod,
	}
}

// Spawn starts command with the given arguments in its own process group
// and returns a handle for termination and exit-status retrieval. It fails
// with ErrAlreadyRunning while a previous handle is still live, and with a
// SpawnError when the command cannot be launched.
func (s *Supervisor) Spawn(command string, args ...string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live != nil && !s.live.Exited() {
		return nil, ErrAlreadyRunning
	}

	cmd := exec.Command(command, args...)

	// Own process group so Terminate can signal forked sub-steps
	// (capture, shaping) along with the script itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()

		return nil, &SpawnError{Command: command, Err: err}
	}

	// The parent's copy of the write end must be closed so the read end
	// sees EOF when the child side is done.
	pw.Close()

	tail := newTailBuffer(tailLines)

	h := &Handle{
		cmd:    cmd,
		output: io.TeeReader(pr, tail),
		tail:   tail,
		exited: make(chan struct{}),
	}

	s.live = h

	s.log.WithFields(logrus.Fields{
		"command": command,
		"pid":     cmd.Process.Pid,
	}).Info("Spawned process")

	return h, nil
}

// Wait blocks until the child exits and returns its exit code. A nonzero
// exit is a normal, reportable outcome, not a supervisor fault; -1 is
// returned when the process terminated without a usable status (signalled
// before start completion, wait error).
func (s *Supervisor) Wait(h *Handle) int {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()

		switch {
		case err == nil:
			h.exitCode = 0
		default:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				h.exitCode = exitErr.ExitCode()
			} else {
				h.exitCode = -1
			}
		}

		close(h.exited)

		s.mu.Lock()
		if s.live == h {
			s.live = nil
		}
		s.mu.Unlock()
	})

	<-h.exited

	return h.exitCode
}

// Terminate sends SIGTERM to the child's process group, waits up to the
// grace period, and escalates to SIGKILL if the group is still alive.
// Terminating an already-exited handle is a no-op.
func (s *Supervisor) Terminate(h *Handle) {
	if h.Exited() {
		return
	}

	pid := h.PID()
	log := s.log.WithField("pid", pid)

	log.Info("Terminating process group")

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		log.WithError(err).Debug("SIGTERM failed, process likely gone")

		return
	}

	select {
	case <-h.exited:
		return
	case <-time.After(s.gracePeriod):
	}

	log.Warn("Grace period expired, killing process group")

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		log.WithError(err).Debug("SIGKILL failed, process likely gone")

		return
	}

	// Bounded wait for the monitoring task to reap the child.
	select {
	case <-h.exited:
	case <-time.After(killReapTimeout):
		log.Warn("Process not reaped after SIGKILL")
	}
}

// tailBuffer is an io.Writer that retains the last N complete lines.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	lines []string
	cur   []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, b := range p {
		if b == '\n' {
			t.appendLine(string(t.cur))
			t.cur = t.cur[:0]

			continue
		}

		t.cur = append(t.cur, b)
	}

	return len(p), nil
}

func (t *tailBuffer) appendLine(line string) {
	if line == "" {
		return
	}

	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

// Lines returns the retained lines, including any unterminated partial
// line, oldest first.
func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.lines)+1)
	out = append(out, t.lines...)

	if len(t.cur) > 0 {
		out = append(out, string(t.cur))
	}

	return out
}
