package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/patrickspencer/queuewatch/internal/runner"
	"go.uber.org/zap"
)

// Spawner starts a command without waiting for it.
type Spawner interface {
	Spawn(cmd runner.Command, out io.Writer) (*runner.Process, error)
}

// local runs job scripts as child processes of this process. It is meant
// for development and for sites without a batch scheduler.
type local struct {
	opts    Options
	spawner Spawner
	log     *zap.Logger

	mu       sync.Mutex
	running  map[string]struct{}
	finished map[string]ExitStatus
}

func newLocal(opts Options) *local {
	sp, ok := opts.Runner.(Spawner)
	if !ok {
		sp = runner.NewRunner()
	}
	return &local{
		opts:     opts,
		spawner:  sp,
		log:      opts.Logger.Named("local"),
		running:  make(map[string]struct{}),
		finished: make(map[string]ExitStatus),
	}
}

func (l *local) Type() Type { return TypeLocal }

func (l *local) LogFileName(jobID, testName string) string {
	return logFileName(TypeLocal, jobID, testName)
}

func (l *local) Submit(_ context.Context, req SubmitRequest) (SubmitResult, error) {
	now := l.opts.Now()
	jobID := ulid.Make().String()

	out := io.Discard
	var logFile *os.File
	if req.LogDir != "" {
		if err := os.MkdirAll(req.LogDir, 0755); err != nil {
			return rejected(now, err), nil
		}
		f, err := os.Create(filepath.Join(req.LogDir, l.LogFileName(jobID, req.TestName)))
		if err != nil {
			return rejected(now, err), nil
		}
		logFile = f
		out = f
	}

	p, err := l.spawner.Spawn(runner.Command{
		Path: req.ScriptPath,
		Dir:  filepath.Dir(req.ScriptPath),
		Env: map[string]string{
			runner.EnvCounter:    strconv.FormatInt(req.Counter, 10),
			runner.EnvConfigFile: req.ConfigPath,
			runner.EnvTest:       req.TestName,
		},
	}, out)
	if err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return rejected(now, err), nil
	}

	l.mu.Lock()
	l.running[jobID] = struct{}{}
	l.mu.Unlock()

	go l.collect(jobID, p, logFile)

	l.log.Debug("job started",
		zap.String("test", req.TestName),
		zap.String("job_id", jobID),
		zap.Int("pid", p.PID()))
	return SubmitResult{
		Time:   now,
		Output: []string{fmt.Sprintf("Started local job %s", jobID)},
		JobID:  jobID,
	}, nil
}

func rejected(now time.Time, err error) SubmitResult {
	return SubmitResult{Time: now, ReturnCode: -1, Output: []string{err.Error()}}
}

func (l *local) collect(jobID string, p *runner.Process, logFile *os.File) {
	res, _ := p.Wait(context.Background())
	if logFile != nil {
		_ = logFile.Close()
	}

	status := ExitStatus{Code: res.ExitCode, Finished: res.Finished}
	l.mu.Lock()
	delete(l.running, jobID)
	l.finished[jobID] = status
	l.mu.Unlock()
}

func (l *local) QueryCompleted(_ context.Context, q CompletionQuery) ([]string, error) {
	cutoff := time.Time{}
	if q.Lookback > 0 {
		cutoff = l.opts.Now().Add(-q.Lookback)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.finished))
	for id, st := range l.finished {
		if st.Finished.Before(cutoff) {
			continue
		}
		ids = append(ids, id)
	}
	// ULIDs sort by creation time.
	sort.Strings(ids)
	return ids, nil
}

func (l *local) EnqueuedCount(context.Context, CompletionQuery) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running), nil
}

// ExitStatus implements ExitStatusReporter.
func (l *local) ExitStatus(jobID string) (ExitStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.finished[jobID]
	return st, ok
}
