package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickspencer/queuewatch/internal/backend"
	"github.com/patrickspencer/queuewatch/internal/config"
	"github.com/patrickspencer/queuewatch/internal/publish"
	"github.com/patrickspencer/queuewatch/internal/realtime"
	"github.com/patrickspencer/queuewatch/internal/runlog"
	"github.com/patrickspencer/queuewatch/internal/store"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu         sync.Mutex
	nextID     int
	queued     map[string]bool
	completed  []string
	queryErr   error
	rejectCode int
	submits    int

	entered chan struct{}
	release chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{queued: make(map[string]bool)}
}

func (f *fakeBackend) Type() backend.Type { return backend.TypeSlurm }

func (f *fakeBackend) LogFileName(jobID, testName string) string {
	return testName + ".slurm.o" + jobID
}

func (f *fakeBackend) Submit(_ context.Context, req backend.SubmitRequest) (backend.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.rejectCode != 0 {
		return backend.SubmitResult{Time: now, ReturnCode: f.rejectCode, Output: []string{"sbatch: error: invalid account"}}, nil
	}
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.queued[id] = true
	return backend.SubmitResult{Time: now.Add(-time.Hour), JobID: id, Output: []string{"Submitted batch job " + id}}, nil
}

func (f *fakeBackend) QueryCompleted(context.Context, backend.CompletionQuery) ([]string, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	for _, id := range f.completed {
		delete(f.queued, id)
	}
	return append([]string(nil), f.completed...), nil
}

func (f *fakeBackend) EnqueuedCount(context.Context, backend.CompletionQuery) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return 0, f.queryErr
	}
	return len(f.queued), nil
}

func (f *fakeBackend) complete(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
}

type recorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recorder) Publish(evt realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) last(typ string) (realtime.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return realtime.Event{}, false
}

type fixture struct {
	mon     *Monitor
	fake    *fakeBackend
	store   *store.MemoryStore
	events  *recorder
	cfg     *config.Config
	publish string
}

func newFixture(t *testing.T, testYAML string) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.BaseDir = t.TempDir()

	tst, err := config.ParseTestYAML([]byte(testYAML))
	require.NoError(t, err)

	fx := &fixture{
		fake:    newFakeBackend(),
		store:   store.NewMemoryStore(),
		events:  &recorder{},
		cfg:     cfg,
		publish: t.TempDir(),
	}
	fx.mon, err = New(cfg, []*config.Test{tst}, fx.store,
		WithClock(func() time.Time { return now }),
		WithEvents(fx.events),
		WithSinks(publish.NewDirSink(fx.publish)),
		WithBackendFactory(func(backend.Type, backend.Options) (backend.Backend, error) {
			return fx.fake, nil
		}))
	require.NoError(t, err)
	return fx
}

func (fx *fixture) writeLog(t *testing.T, test, jobID string, start, end time.Time, exit int) {
	t.Helper()
	dir := fx.mon.Logs().Dir(test)
	require.NoError(t, os.MkdirAll(dir, 0755))
	lines := []string{
		"payload output",
		runlog.FormatMarker("start_time", runlog.FormatTime(start)),
		runlog.FormatMarker("node", "cn07"),
		runlog.FormatMarker("end_time", runlog.FormatTime(end)),
		runlog.FormatMarker("exit_status", strconv.Itoa(exit)),
	}
	path := filepath.Join(dir, fx.fake.LogFileName(jobID, test))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
}

func TestNewRejectsUnsupportedBackend(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.BaseDir = t.TempDir()

	good, err := config.ParseTestYAML([]byte("name: skim\n"))
	require.NoError(t, err)
	bad, err := config.ParseTestYAML([]byte("name: reco\nbackend: pbs\n"))
	require.NoError(t, err)

	calls := 0
	_, err = New(cfg, []*config.Test{good, bad}, store.NewMemoryStore(),
		WithBackendFactory(func(typ backend.Type, opts backend.Options) (backend.Backend, error) {
			calls++
			return newFakeBackend(), nil
		}))
	require.ErrorIs(t, err, backend.ErrUnsupportedBackend)
	assert.Contains(t, err.Error(), "reco")
	assert.LessOrEqual(t, calls, 1, "no backend is built past the unsupported one")
}

func TestNewDefaultBackends(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.BaseDir = t.TempDir()
	a, err := config.ParseTestYAML([]byte("name: skim\n"))
	require.NoError(t, err)
	b, err := config.ParseTestYAML([]byte("name: dev\nbackend: local\n"))
	require.NoError(t, err)

	mon, err := New(cfg, []*config.Test{a, b}, store.NewMemoryStore())
	require.NoError(t, err)
	assert.Equal(t, []string{"dev", "skim"}, mon.Tests())

	be, ok := mon.Backend("dev")
	require.True(t, ok)
	assert.Equal(t, backend.TypeLocal, be.Type())

	_, err = New(cfg, []*config.Test{a, a}, store.NewMemoryStore())
	assert.Error(t, err)
}

func TestRunCycleSubmitsReconcilesAndHarvests(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, "name: skim\nmax_queued: 2\nsubmit_rate_per_minute: 600\n")
	ctx := context.Background()

	res, err := fx.mon.RunCycle(ctx, "skim")
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Empty(t, res.BackendError)
	assert.Equal(t, 0, res.Row.Success)
	require.Len(t, res.Submitted, 2)
	assert.Equal(t, int64(1), res.Submitted[0].Counter)
	assert.Equal(t, "2", res.Submitted[1].SchedulerJobID)

	fx.writeLog(t, "skim", "1", now.Add(-20*time.Minute), now.Add(-10*time.Minute), 0)
	fx.fake.complete("1")

	res, err = fx.mon.RunCycle(ctx, "skim")
	require.NoError(t, err)
	require.NotNil(t, res.Reconcile)
	assert.Equal(t, []int64{1}, res.Reconcile.Completed)
	assert.Equal(t, 1, res.Row.Success)
	assert.Equal(t, int64(600), res.Row.MinRuntime)
	require.Len(t, res.Submitted, 1, "one slot freed by the completion")
	assert.Equal(t, int64(3), res.Submitted[0].Counter)

	rec, err := fx.store.Get(ctx, "skim", 1)
	require.NoError(t, err)
	assert.Equal(t, store.StateSuccess, rec.State())
	assert.Equal(t, "cn07", rec.Node)

	rows, err := fx.mon.StatsLog("skim").Load()
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	data, err := os.ReadFile(filepath.Join(fx.publish, "skim", publish.StatisticsFile))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
	_, err = os.Stat(filepath.Join(fx.publish, "skim", publish.ReportFile))
	assert.NoError(t, err)
	assert.Empty(t, res.PublishErrors)

	types := fx.events.types()
	assert.Contains(t, types, realtime.TypeJobSubmitted)
	assert.Contains(t, types, realtime.TypeJobCompleted)
	assert.Contains(t, types, realtime.TypeStatsHarvested)
	evt, ok := fx.events.last(realtime.TypeCycleCompleted)
	require.True(t, ok)
	assert.Equal(t, "ok", evt.Status)
	assert.Equal(t, res.ID, evt.CycleID)
}

func TestRunCycleBackendUnavailable(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, "name: skim\nmax_queued: 5\nsubmit_rate_per_minute: 600\n")
	ctx := context.Background()

	require.NoError(t, fx.store.Append(ctx, &store.JobRecord{
		Test: "skim", Counter: 1, SubmitTime: now.Add(-72 * time.Hour), SchedulerJobID: "41",
	}))
	fx.fake.queryErr = &backend.BackendError{Op: "sacct", Backend: backend.TypeSlurm, Err: errors.New("connection refused")}

	res, err := fx.mon.RunCycle(ctx, "skim")
	require.NoError(t, err)
	assert.Contains(t, res.BackendError, "connection refused")
	assert.Nil(t, res.Reconcile)
	assert.Empty(t, res.Submitted)
	assert.Equal(t, 0, fx.fake.submits)

	rec, err := fx.store.Get(ctx, "skim", 1)
	require.NoError(t, err)
	assert.False(t, rec.Completed, "no lost classification while the backend is down")
	assert.Equal(t, 1, fx.store.Versions("skim"))

	rows, err := fx.mon.StatsLog("skim").Load()
	require.NoError(t, err)
	assert.Len(t, rows, 1, "harvest still runs")

	evt, ok := fx.events.last(realtime.TypeCycleCompleted)
	require.True(t, ok)
	assert.Equal(t, "degraded", evt.Status)
}

func TestRunCycleDoesNotOverlap(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, "name: skim\n")
	fx.fake.entered = make(chan struct{})
	fx.fake.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := fx.mon.RunCycle(context.Background(), "skim")
		done <- err
	}()
	<-fx.fake.entered

	_, err := fx.mon.RunCycle(context.Background(), "skim")
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(fx.fake.release)
	require.NoError(t, <-done)
}

func TestSubmitRejectedIsRecorded(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, "name: skim\nmax_queued: 3\nsubmit_rate_per_minute: 600\n")
	fx.fake.rejectCode = 1
	ctx := context.Background()

	rec, err := fx.mon.Submit(ctx, "skim")
	require.NoError(t, err)
	assert.Equal(t, store.StateSubmitFailed, rec.State())
	assert.True(t, rec.Terminal())
	assert.Equal(t, []string{"sbatch: error: invalid account"}, rec.SubmitOutput)

	res, err := fx.mon.RunCycle(ctx, "skim")
	require.NoError(t, err)
	require.Len(t, res.Submitted, 1, "top-up stops at the first rejection")
	assert.Equal(t, int64(2), res.Submitted[0].Counter)
	assert.Equal(t, store.StateSubmitFailed, res.Submitted[0].State())
	assert.Equal(t, 1, res.Row.SubmissionFailure, "harvest runs before this cycle's top-up")

	res, err = fx.mon.RunCycle(ctx, "skim")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Row.SubmissionFailure)
	assert.Equal(t, 0, res.Row.Failure)
}

func TestTopUpRespectsRateLimit(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, "name: skim\nmax_queued: 10\nsubmit_rate_per_minute: 1\n")
	res, err := fx.mon.RunCycle(context.Background(), "skim")
	require.NoError(t, err)
	assert.Len(t, res.Submitted, 1)
}

func TestUnknownTest(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, "name: skim\n")
	_, err := fx.mon.RunCycle(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTest)
	_, err = fx.mon.Submit(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTest)
	_, err = fx.mon.Harvest(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTest)
}
