package runner

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"
)

const ringBufSize = 64 * 1024 // 64KB

// RingBuffer is a fixed-size circular buffer that implements io.Writer.
// It retains only the most recent bytes written, up to its capacity.
type RingBuffer struct {
	buf  []byte
	size int
	pos  int
	full bool
}

// NewRingBuffer creates a RingBuffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, size), size: size}
}

// Write implements io.Writer. It writes p into the ring buffer,
// overwriting the oldest data if capacity is exceeded.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= rb.size {
		copy(rb.buf, p[n-rb.size:])
		rb.pos = 0
		rb.full = true
		return n, nil
	}

	oldPos := rb.pos
	first := rb.size - rb.pos
	if first >= n {
		copy(rb.buf[rb.pos:], p)
	} else {
		copy(rb.buf[rb.pos:], p[:first])
		copy(rb.buf, p[first:])
	}

	rb.pos = (rb.pos + n) % rb.size
	if !rb.full && rb.pos <= oldPos && n > 0 {
		rb.full = true
	}
	return n, nil
}

// String returns the buffered contents in chronological order.
func (rb *RingBuffer) String() string {
	if !rb.full {
		return string(rb.buf[:rb.pos])
	}
	out := make([]byte, rb.size)
	n := copy(out, rb.buf[rb.pos:])
	copy(out[n:], rb.buf[:rb.pos])
	return string(out)
}

// Command is a program invocation. Arguments are passed to the program
// verbatim; no shell is involved.
type Command struct {
	Path    string
	Args    []string
	Env     map[string]string
	Dir     string
	Timeout time.Duration
}

// String renders the command for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// Result holds the outcome of a finished command.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
	Started    time.Time
	Finished   time.Time
	// Err is set when the command could not be started or was killed. A
	// plain non-zero exit leaves Err nil.
	Err error
}

// TimedOut reports whether the command was killed by its timeout.
func (r *Result) TimedOut() bool {
	return errors.Is(r.Err, context.DeadlineExceeded)
}

// Lines returns stdout followed by stderr split into lines, without empty
// trailing lines.
func (r *Result) Lines() []string {
	var lines []string
	for _, s := range []string{r.Stdout, r.Stderr} {
		for _, line := range strings.Split(s, "\n") {
			line = strings.TrimRight(line, "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			lines = append(lines, line)
		}
	}
	return lines
}

// Runner executes commands as child processes.
type Runner struct{}

// NewRunner creates a new Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Run executes cmd, waits for it, and returns the captured result.
func (r *Runner) Run(ctx context.Context, cmd Command) *Result {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Env = BuildEnv(cmd.Env)
	c.Dir = cmd.Dir

	stdoutBuf := NewRingBuffer(ringBufSize)
	stderrBuf := NewRingBuffer(ringBufSize)
	c.Stdout = stdoutBuf
	c.Stderr = stderrBuf

	start := time.Now()
	err := c.Run()
	finished := time.Now()

	result := &Result{
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		DurationMs: finished.Sub(start).Milliseconds(),
		Started:    start,
		Finished:   finished,
	}
	fillExit(result, ctx, err)
	return result
}

// Process is a command started in the background by Spawn.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}
	res  *Result
}

// Spawn starts cmd without waiting for it. Combined stdout and stderr are
// written to out. The process is not tied to a context: it outlives the
// caller and is collected by Wait.
func (r *Runner) Spawn(cmd Command, out io.Writer) (*Process, error) {
	c := exec.Command(cmd.Path, cmd.Args...)
	c.Env = BuildEnv(cmd.Env)
	c.Dir = cmd.Dir
	c.Stdout = out
	c.Stderr = out

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, err
	}

	p := &Process{cmd: c, done: make(chan struct{})}
	go func() {
		err := c.Wait()
		finished := time.Now()
		res := &Result{
			DurationMs: finished.Sub(start).Milliseconds(),
			Started:    start,
			Finished:   finished,
		}
		fillExit(res, context.Background(), err)
		p.res = res
		close(p.done)
	}()
	return p, nil
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-p.done:
		return p.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fillExit(result *Result, ctx context.Context, err error) {
	if err == nil {
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		if ctx.Err() == context.DeadlineExceeded {
			result.Err = context.DeadlineExceeded
		}
		return
	}
	result.ExitCode = -1
	if ctx.Err() == context.DeadlineExceeded {
		result.Err = context.DeadlineExceeded
		return
	}
	result.Err = err
}
