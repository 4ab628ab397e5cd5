// Package cmdexec runs backup tooling subprocesses with captured output.
package cmdexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// stderrTailLimit bounds how much trailing stderr an Error carries. Dump
// tools can emit megabytes of progress; the failure reason is at the end.
const stderrTailLimit = 4096

// Command describes one subprocess invocation. Env entries are appended to
// the parent environment.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin io.Reader
}

// Error reports a failed invocation with its exit code and stderr tail.
type Error struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s failed: %v", e.Name, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// LookPath checks that a tool is installed before an adapter is registered.
func LookPath(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("command %q not found in PATH", name)
	}
	return nil
}

// Run executes the command and returns its stdout. The process is killed
// when ctx ends; a deadline shows up as context.DeadlineExceeded in the
// error chain so callers can treat it as transient.
func Run(ctx context.Context, c Command) (string, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout bytes.Buffer
	stderr := newTailWriter(stderrTailLimit)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return stdout.String(), &Error{
			Name:     c.Name,
			Args:     c.Args,
			ExitCode: exitCode(cmd),
			Stderr:   stderr.String(),
			Err:      err,
		}
	}
	return stdout.String(), nil
}

// RunToFile executes the command streaming stdout to path and returns the
// number of bytes written. The file is left in place on failure so callers
// can clean up the enclosing directory themselves.
func RunToFile(ctx context.Context, c Command, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	counted := &countingWriter{w: f}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	stderr := newTailWriter(stderrTailLimit)
	cmd.Stdout = counted
	cmd.Stderr = stderr

	runErr := cmd.Run()
	closeErr := f.Close()
	if runErr != nil {
		if ctx.Err() != nil {
			runErr = ctx.Err()
		}
		return counted.n, &Error{
			Name:     c.Name,
			Args:     c.Args,
			ExitCode: exitCode(cmd),
			Stderr:   stderr.String(),
			Err:      runErr,
		}
	}
	if closeErr != nil {
		return counted.n, fmt.Errorf("flush %s: %w", path, closeErr)
	}
	return counted.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Process tracks a long-running invocation started with Start.
type Process struct {
	cmd    *exec.Cmd
	stderr *tailWriter
	done   chan struct{}
	err    error
}

// Start launches the command without waiting for it. The process is not
// tied to a context; use Kill to stop it early.
func Start(c Command) (*Process, error) {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	stderr := newTailWriter(stderrTailLimit)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &Error{Name: c.Name, Args: c.Args, Err: err}
	}
	p := &Process{cmd: cmd, stderr: stderr, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Done reports whether the process has exited.
func (p *Process) Done() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the exit result once Done; nil means a zero exit code.
func (p *Process) Err() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	if p.err == nil {
		return nil
	}
	return &Error{
		Name:     p.cmd.Path,
		Args:     p.cmd.Args,
		ExitCode: exitCode(p.cmd),
		Stderr:   p.stderr.String(),
		Err:      p.err,
	}
}

// PID returns the started process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Kill terminates the process; safe to call after exit.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !p.Done() {
		return err
	}
	return nil
}

// StderrTail returns whatever stderr the process has produced so far.
func (p *Process) StderrTail() string {
	return p.stderr.String()
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// tailWriter keeps the last limit bytes written to it.
type tailWriter struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailWriter(limit int) *tailWriter {
	return &tailWriter{limit: limit}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.limit {
		w.buf = w.buf[len(w.buf)-w.limit:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}
