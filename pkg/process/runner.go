// Package process runs external commands with streamed output, a timeout
// distinct from cancellation, and a bounded capture of what they printed.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultCaptureBytes bounds how much of stdout and stderr is kept in a Result.
const DefaultCaptureBytes = 64 * 1024

// ErrTimeout is returned when a command outlives its timeout.
var ErrTimeout = errors.New("process timed out")

// LaunchError means the process could not be started at all.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Command describes one process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string

	// Env is added on top of the worker's own environment.
	Env map[string]string

	// Timeout of zero means no timeout.
	Timeout time.Duration

	// Stdout, when set, receives stdout instead of OnLine.
	Stdout io.Writer

	// OnLine receives every output line as it is printed.
	OnLine func(line string)
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is what a finished process left behind.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Tail returns the last n lines of combined captured output.
func (r *Result) Tail(n int) string {
	combined := strings.TrimRight(r.Stdout, "\n")
	if r.Stderr != "" {
		combined = strings.TrimRight(combined+"\n"+r.Stderr, "\n")
	}
	lines := strings.Split(strings.TrimLeft(combined, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Runner executes commands. Implementations must block until exit.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// CaptureBytes bounds the captured output, DefaultCaptureBytes when zero.
	CaptureBytes int

	// GracePeriod is how long an interrupted process may take to exit before it is killed.
	GracePeriod time.Duration
}

// NewExecRunner returns a runner with default limits.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{CaptureBytes: DefaultCaptureBytes, GracePeriod: 10 * time.Second}
}

// Run starts the command and waits for it. A non-zero exit is reported in
// Result.ExitCode with a nil error. Errors are a *LaunchError, ErrTimeout
// (wrapped) or the parent context's error.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Name == "" {
		return nil, &LaunchError{Command: c.String(), Err: errors.New("command is required")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runCtx := ctx
	cancel := func() {}
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	capture := r.CaptureBytes
	if capture <= 0 {
		capture = DefaultCaptureBytes
	}

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = mergeEnv(os.Environ(), c.Env)
	// Terragrunt and terraform release state locks on interrupt.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = r.GracePeriod

	stdout := newTailBuffer(capture)
	stderr := newTailBuffer(capture)
	lines := &lineWriter{fn: c.OnLine}

	if c.Stdout != nil {
		cmd.Stdout = io.MultiWriter(c.Stdout, stdout)
	} else {
		cmd.Stdout = io.MultiWriter(stdout, lines)
	}
	cmd.Stderr = io.MultiWriter(stderr, lines)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Command: c.String(), Err: err}
	}
	waitErr := cmd.Wait()
	lines.Flush()

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	// The parent's cancellation wins over our own timeout.
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if runCtx.Err() != nil {
		return result, fmt.Errorf("%s after %s: %w", c.String(), c.Timeout, ErrTimeout)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return result, nil
		}
		return result, fmt.Errorf("failed waiting for %s: %w", c.String(), waitErr)
	}
	return result, nil
}

// mergeEnv overlays extra onto base, keeping a stable order.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[name]; overridden {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// lineWriter splits a byte stream into lines for fn.
type lineWriter struct {
	mu      sync.Mutex
	fn      func(string)
	partial bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.fn == nil {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial.Write(p)
	for {
		data := w.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := string(data[:i])
		w.partial.Next(i + 1)
		w.fn(strings.TrimRight(line, "\r"))
	}
	return len(p), nil
}

// Flush emits a trailing line without a newline.
func (w *lineWriter) Flush() {
	if w.fn == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.partial.Len() > 0 {
		w.fn(w.partial.String())
		w.partial.Reset()
	}
}
