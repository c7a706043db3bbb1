package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/patrickspencer/queuewatch/internal/backend"
	"github.com/patrickspencer/queuewatch/internal/realtime"
	"github.com/patrickspencer/queuewatch/internal/runlog"
	"github.com/patrickspencer/queuewatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	ids   []string
	err   error
	exits map[string]backend.ExitStatus
	calls int
}

func (f *fakeBackend) Type() backend.Type { return backend.TypeSlurm }

func (f *fakeBackend) Submit(context.Context, backend.SubmitRequest) (backend.SubmitResult, error) {
	return backend.SubmitResult{}, errors.New("not used")
}

func (f *fakeBackend) QueryCompleted(context.Context, backend.CompletionQuery) ([]string, error) {
	f.calls++
	return f.ids, f.err
}

func (f *fakeBackend) LogFileName(jobID, testName string) string {
	return testName + ".slurm.o" + jobID
}

func (f *fakeBackend) EnqueuedCount(context.Context, backend.CompletionQuery) (int, error) {
	return 0, nil
}

type reportingBackend struct {
	*fakeBackend
}

func (r reportingBackend) ExitStatus(jobID string) (backend.ExitStatus, bool) {
	st, ok := r.exits[jobID]
	return st, ok
}

type recorder struct {
	events []realtime.Event
}

func (r *recorder) Publish(evt realtime.Event) { r.events = append(r.events, evt) }

type fixture struct {
	store *store.MemoryStore
	logs  *runlog.Manager
	rec   *recorder
	r     *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		logs:  runlog.NewManager(t.TempDir(), 14, 0),
		rec:   &recorder{},
	}
	f.r = New(f.store, f.logs, WithEvents(f.rec), WithClock(func() time.Time { return now }))
	return f
}

func (f *fixture) submit(t *testing.T, counter int64, jobID string, at time.Time) {
	t.Helper()
	require.NoError(t, f.store.Append(context.Background(), &store.JobRecord{
		Test:           "skim",
		Counter:        counter,
		SubmitTime:     at,
		SchedulerJobID: jobID,
	}))
}

func (f *fixture) writeLog(t *testing.T, jobID, body string) {
	t.Helper()
	dir := f.logs.Dir("skim")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skim.slurm.o"+jobID), []byte(body), 0644))
}

func (f *fixture) get(t *testing.T, counter int64) *store.JobRecord {
	t.Helper()
	rec, err := f.store.Get(context.Background(), "skim", counter)
	require.NoError(t, err)
	return rec
}

func target(b backend.Backend) Target {
	return Target{Test: "skim", Backend: b, Lookback: 48 * time.Hour, GracePeriod: 48 * time.Hour}
}

func TestReconcileAppliesSignalsFromLogs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, 1, "101", now.Add(-2*time.Hour))
	f.submit(t, 2, "102", now.Add(-2*time.Hour))
	f.submit(t, 3, "103", now.Add(-time.Hour))

	f.writeLog(t, "101", "QUEUEWATCH start_time=1773136800\nQUEUEWATCH node=cn01\nQUEUEWATCH proc_count=8\nQUEUEWATCH end_time=1773140400\nQUEUEWATCH exit_status=0\n")
	f.writeLog(t, "102", "QUEUEWATCH node=cn02\nQUEUEWATCH exit_status=65\n")

	fb := &fakeBackend{ids: []string{"101", "102", "103"}}
	res, err := f.r.Reconcile(context.Background(), target(fb))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, res.Completed)
	assert.Equal(t, []int64{3}, res.Deferred)
	assert.Empty(t, res.Unmatched)

	ok := f.get(t, 1)
	assert.Equal(t, store.OutcomeSuccess, ok.Outcome)
	assert.Equal(t, time.Unix(1773136800, 0).UTC(), ok.StartTime)
	assert.Equal(t, time.Unix(1773140400, 0).UTC(), ok.EndTime)
	assert.Equal(t, "cn01", ok.Node)
	assert.Equal(t, "8", ok.Attributes["proc_count"])
	assert.Empty(t, ok.FailureReason)

	failed := f.get(t, 2)
	assert.Equal(t, store.OutcomeFailure, failed.Outcome)
	assert.Equal(t, 65, failed.ExitStatus)
	assert.Equal(t, "exit status 65", failed.FailureReason)
	assert.Equal(t, now, failed.EndTime)

	assert.Equal(t, store.StatePending, f.get(t, 3).State())

	require.Len(t, f.rec.events, 2)
	assert.Equal(t, realtime.TypeJobCompleted, f.rec.events[0].Type)
}

func TestReconcileWaitsForLateLog(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, 1, "101", now.Add(-time.Hour))
	fb := &fakeBackend{ids: []string{"101"}}

	for i := 0; i < 2; i++ {
		res, err := f.r.Reconcile(context.Background(), target(fb))
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, res.Deferred)
		assert.Empty(t, res.Completed)
		assert.False(t, f.get(t, 1).Completed)
	}

	f.writeLog(t, "101", "QUEUEWATCH node=cn03\nQUEUEWATCH exit_status=0\n")
	res, err := f.r.Reconcile(context.Background(), target(fb))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.Completed)
	assert.Empty(t, res.Deferred)

	rec := f.get(t, 1)
	assert.Equal(t, store.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, "cn03", rec.Node)
}

func TestReconcileMissingLogPastGraceIsLost(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, 1, "101", now.Add(-72*time.Hour))

	res, err := f.r.Reconcile(context.Background(), target(&fakeBackend{ids: []string{"101"}}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.Deferred)
	assert.Equal(t, []int64{1}, res.Lost)
	assert.Equal(t, store.StateLost, f.get(t, 1).State())
}

func TestReconcileMissingLogWithoutGraceFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, 1, "101", now.Add(-time.Hour))

	tgt := target(&fakeBackend{ids: []string{"101"}})
	tgt.GracePeriod = 0
	res, err := f.r.Reconcile(context.Background(), tgt)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.Completed)

	rec := f.get(t, 1)
	assert.Equal(t, store.OutcomeFailure, rec.Outcome)
	assert.Equal(t, ReasonNoExitStatus, rec.FailureReason)
	assert.Equal(t, -1, rec.ExitStatus)
}

func TestReconcileIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, 1, "101", now.Add(-time.Hour))
	f.writeLog(t, "101", "QUEUEWATCH exit_status=0\n")

	fb := &fakeBackend{ids: []string{"101"}}
	_, err := f.r.Reconcile(context.Background(), target(fb))
	require.NoError(t, err)
	first := f.get(t, 1)

	f.writeLog(t, "101", "QUEUEWATCH exit_status=1\n")
	res, err := f.r.Reconcile(context.Background(), target(fb))
	require.NoError(t, err)
	assert.Empty(t, res.Completed)
	assert.Equal(t, []string{"101"}, res.Duplicates)
	assert.Equal(t, first, f.get(t, 1))
	assert.Equal(t, 2, f.store.Versions("skim"))
}

func TestReconcileDuplicateSignalsInOneCycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, 1, "101", now.Add(-time.Hour))
	f.writeLog(t, "101", "QUEUEWATCH exit_status=0\n")

	fb := &fakeBackend{ids: []string{"101", "101", "101"}}
	res, err := f.r.Reconcile(context.Background(), target(fb))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Signals)
	assert.Equal(t, []int64{1}, res.Completed)
	assert.Len(t, f.rec.events, 1)
}

func TestReconcileUnmatchedSignalsAreIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, 1, "101", now.Add(-time.Hour))
	f.writeLog(t, "101", "QUEUEWATCH exit_status=0\n")

	fb := &fakeBackend{ids: []string{"999", "101"}}
	res, err := f.r.Reconcile(context.Background(), target(fb))
	require.NoError(t, err)
	assert.Equal(t, []string{"999"}, res.Unmatched)
	assert.Equal(t, []int64{1}, res.Completed)

	all, err := f.store.Query(context.Background(), "skim", store.Query{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReconcileBackendUnavailableWritesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, 1, "101", now.Add(-100*time.Hour))

	fb := &fakeBackend{err: &backend.BackendError{
		Op:      "query completed",
		Backend: backend.TypeSlurm,
		Err:     errors.New("sacct exited 1"),
	}}
	res, err := f.r.Reconcile(context.Background(), target(fb))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, backend.ErrBackendUnavailable)

	rec := f.get(t, 1)
	assert.False(t, rec.Completed, "lost sweep must not run without a completion list")
	assert.Equal(t, 1, f.store.Versions("skim"))
	assert.Empty(t, f.rec.events)
}

func TestReconcileLostSweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, 1, "101", now.Add(-72*time.Hour))
	f.submit(t, 2, "102", now.Add(-time.Hour))
	require.NoError(t, f.store.Append(context.Background(), &store.JobRecord{
		Test:         "skim",
		Counter:      3,
		SubmitTime:   now.Add(-100 * time.Hour),
		SubmitStatus: 1,
	}))

	fb := &fakeBackend{}
	res, err := f.r.Reconcile(context.Background(), target(fb))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.Lost)

	lost := f.get(t, 1)
	assert.Equal(t, store.StateLost, lost.State())
	assert.Equal(t, ReasonLost, lost.FailureReason)
	assert.Equal(t, now, lost.EndTime)

	assert.Equal(t, store.StatePending, f.get(t, 2).State())
	assert.Equal(t, store.StateSubmitFailed, f.get(t, 3).State())

	res, err = f.r.Reconcile(context.Background(), target(fb))
	require.NoError(t, err)
	assert.Empty(t, res.Lost)

	// A late signal for a lost job does not reclassify it.
	fb.ids = []string{"101"}
	res, err = f.r.Reconcile(context.Background(), target(fb))
	require.NoError(t, err)
	assert.Equal(t, []string{"101"}, res.Duplicates)
	assert.Equal(t, store.OutcomeLost, f.get(t, 1).Outcome)
}

func TestReconcileLostSweepDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, 1, "101", now.Add(-1000*time.Hour))

	tgt := target(&fakeBackend{})
	tgt.GracePeriod = 0
	res, err := f.r.Reconcile(context.Background(), tgt)
	require.NoError(t, err)
	assert.Empty(t, res.Lost)
	assert.False(t, f.get(t, 1).Completed)
}

func TestReconcileUsesExitStatusReporter(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t, 1, "01HZX", now.Add(-time.Hour))

	finished := now.Add(-10 * time.Minute)
	rb := reportingBackend{&fakeBackend{
		ids:   []string{"01HZX"},
		exits: map[string]backend.ExitStatus{"01HZX": {Code: 0, Finished: finished}},
	}}
	_, err := f.r.Reconcile(context.Background(), target(rb))
	require.NoError(t, err)

	rec := f.get(t, 1)
	assert.Equal(t, store.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, finished, rec.EndTime)
}
