// Package backend talks to the cluster scheduler that runs test jobs.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickspencer/queuewatch/internal/runner"
	"go.uber.org/zap"
)

// Type names a scheduler backend.
type Type string

const (
	TypeSlurm Type = "slurm"
	TypeLocal Type = "local"
)

var (
	// ErrUnsupportedBackend is returned when a test names a backend type
	// outside the supported set. It is fatal at startup.
	ErrUnsupportedBackend = errors.New("unsupported backend")
	// ErrBackendUnavailable marks a transient failure talking to the
	// scheduler. Callers skip the current reconciliation and retry next cycle.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// BackendError wraps a failed scheduler call with the operation that failed.
type BackendError struct {
	Op      string
	Backend Type
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() []error {
	return []error{ErrBackendUnavailable, e.Err}
}

func unavailable(op string, typ Type, err error) error {
	return &BackendError{Op: op, Backend: typ, Err: err}
}

// SubmitRequest carries everything a backend needs to enqueue one job.
type SubmitRequest struct {
	Counter     int64
	TestName    string
	ScriptPath  string
	ConfigPath  string
	AccountName string
	// LogDir receives the job's output file.
	LogDir string
}

// SubmitResult is the outcome of one submission attempt. ReturnCode != 0
// means the scheduler rejected the job; that is a normal result, not an
// error.
type SubmitResult struct {
	Time       time.Time
	ReturnCode int
	Output     []string
	JobID      string
}

// CompletionQuery scopes completion and queue queries.
type CompletionQuery struct {
	AccountName string
	UserName    string
	Lookback    time.Duration
}

// Backend is implemented by every scheduler.
type Backend interface {
	Type() Type
	// Submit enqueues one job. It returns an error only when the scheduler
	// could not be invoked at all.
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	// QueryCompleted returns scheduler job ids that reached a terminal
	// state within the lookback. The list may contain ids this process
	// never submitted.
	QueryCompleted(ctx context.Context, q CompletionQuery) ([]string, error)
	// LogFileName is the base name of a job's output file.
	LogFileName(jobID, testName string) string
	// EnqueuedCount returns how many jobs are queued or running.
	EnqueuedCount(ctx context.Context, q CompletionQuery) (int, error)
}

// ExitStatus is a completion fact known to the backend itself.
type ExitStatus struct {
	Code     int
	Finished time.Time
}

// ExitStatusReporter is implemented by backends that observe job exit codes
// directly rather than through the job log.
type ExitStatusReporter interface {
	ExitStatus(jobID string) (ExitStatus, bool)
}

// CommandRunner executes a scheduler command line.
type CommandRunner interface {
	Run(ctx context.Context, cmd runner.Command) *runner.Result
}

// Options configures backend construction.
type Options struct {
	// BinDir holds the scheduler binaries. Empty resolves them from PATH.
	BinDir  string
	Timeout time.Duration
	Runner  CommandRunner
	Logger  *zap.Logger
	Now     func() time.Time
}

func (o *Options) defaults() {
	if o.Runner == nil {
		o.Runner = runner.NewRunner()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ParseType validates a backend name.
func ParseType(name string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(name)))
	switch t {
	case TypeSlurm, TypeLocal:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedBackend, name)
	}
}

// New returns the backend for typ. No scheduler command is run.
func New(typ Type, opts Options) (Backend, error) {
	opts.defaults()
	switch typ {
	case TypeSlurm:
		return newSlurm(opts), nil
	case TypeLocal:
		return newLocal(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, string(typ))
	}
}

func logFileName(typ Type, jobID, testName string) string {
	return testName + "." + string(typ) + ".o" + jobID
}
