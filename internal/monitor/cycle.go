package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickspencer/queuewatch/internal/backend"
	"github.com/patrickspencer/queuewatch/internal/publish"
	"github.com/patrickspencer/queuewatch/internal/realtime"
	"github.com/patrickspencer/queuewatch/internal/reconcile"
	"github.com/patrickspencer/queuewatch/internal/stats"
	"github.com/patrickspencer/queuewatch/internal/store"
)

// CycleResult reports what one monitoring cycle did.
type CycleResult struct {
	ID        string            `json:"id"`
	Test      string            `json:"test"`
	Started   time.Time         `json:"started"`
	Finished  time.Time         `json:"finished"`
	Reconcile *reconcile.Result `json:"reconcile,omitempty"`

	// BackendError is set when the scheduler could not be reached. The
	// cycle still harvests.
	BackendError  string             `json:"backend_error,omitempty"`
	Row           stats.Row          `json:"row"`
	Submitted     []*store.JobRecord `json:"submitted,omitempty"`
	PublishErrors []string           `json:"publish_errors,omitempty"`
}

// RunCycle runs one monitoring cycle for a test. Cycles of the same test
// never overlap; a second caller gets ErrCycleInProgress.
func (m *Monitor) RunCycle(ctx context.Context, name string) (*CycleResult, error) {
	ts, err := m.state(name)
	if err != nil {
		return nil, err
	}
	if !ts.cycleMu.TryLock() {
		return nil, fmt.Errorf("%s: %w", name, ErrCycleInProgress)
	}
	defer ts.cycleMu.Unlock()

	res := &CycleResult{ID: uuid.NewString(), Test: name, Started: m.now()}
	log := m.log.With(zap.String("test", name), zap.String("cycle_id", res.ID))
	log.Debug("cycle started")

	res.Reconcile, err = m.reconcile.Reconcile(ctx, m.target(ts))
	backendDown := false
	if err != nil {
		if !errors.Is(err, backend.ErrBackendUnavailable) {
			return m.failCycle(log, res, err)
		}
		backendDown = true
		res.BackendError = err.Error()
		log.Warn("backend unavailable, skipping reconciliation", zap.Error(err))
	}

	res.Row, err = m.harvest(ctx, ts)
	if err != nil {
		return m.failCycle(log, res, err)
	}

	if !backendDown {
		res.Submitted, err = m.topUp(ctx, ts, log)
		if err != nil {
			if !errors.Is(err, backend.ErrBackendUnavailable) {
				return m.failCycle(log, res, err)
			}
			res.BackendError = err.Error()
			log.Warn("backend unavailable, skipping submission", zap.Error(err))
		}
	}

	res.PublishErrors = m.publishArtifacts(ctx, ts, log)

	res.Finished = m.now()
	fields := []zap.Field{
		zap.Int("success", res.Row.Success),
		zap.Int("failure", res.Row.Failure),
		zap.Int("submission_failure", res.Row.SubmissionFailure),
		zap.Int("submitted", len(res.Submitted)),
	}
	if res.Reconcile != nil {
		fields = append(fields,
			zap.Int("completed", len(res.Reconcile.Completed)),
			zap.Int("deferred", len(res.Reconcile.Deferred)),
			zap.Int("lost", len(res.Reconcile.Lost)))
	}
	log.Info("cycle completed", fields...)
	m.publishEvent(realtime.Event{
		Type:    realtime.TypeCycleCompleted,
		Test:    name,
		CycleID: res.ID,
		Status:  cycleStatus(res),
		Message: res.BackendError,
	})
	return res, nil
}

func cycleStatus(res *CycleResult) string {
	if res.BackendError != "" {
		return "degraded"
	}
	return "ok"
}

func (m *Monitor) failCycle(log *zap.Logger, res *CycleResult, err error) (*CycleResult, error) {
	res.Finished = m.now()
	log.Error("cycle failed", zap.Error(err))
	m.publishEvent(realtime.Event{
		Type:    realtime.TypeCycleFailed,
		Test:    res.Test,
		CycleID: res.ID,
		Status:  "failed",
		Message: err.Error(),
	})
	return res, err
}

// Harvest computes and appends one statistics row without reconciling.
func (m *Monitor) Harvest(ctx context.Context, name string) (stats.Row, error) {
	ts, err := m.state(name)
	if err != nil {
		return stats.Row{}, err
	}
	return m.harvest(ctx, ts)
}

func (m *Monitor) harvest(ctx context.Context, ts *testState) (stats.Row, error) {
	records, err := m.store.Query(ctx, ts.test.Name, store.Query{})
	if err != nil {
		return stats.Row{}, fmt.Errorf("harvest %s: %w", ts.test.Name, err)
	}
	row := stats.Harvest(records, ts.settings.StatIntervalHours, m.now())
	if err := ts.statsLog.Append(row); err != nil {
		return row, fmt.Errorf("harvest %s: %w", ts.test.Name, err)
	}
	msg := fmt.Sprintf("success=%d failure=%d submission_failure=%d",
		row.Success, row.Failure, row.SubmissionFailure)
	m.publishEvent(realtime.Event{
		Type:    realtime.TypeStatsHarvested,
		Test:    ts.test.Name,
		Message: msg,
	})
	return row, nil
}

// topUp submits jobs until the backend reports max_queued enqueued jobs,
// the rate limiter runs dry or a submission is rejected.
func (m *Monitor) topUp(ctx context.Context, ts *testState, log *zap.Logger) ([]*store.JobRecord, error) {
	if ts.test.MaxQueued <= 0 {
		return nil, nil
	}
	var submitted []*store.JobRecord
	for {
		n, err := ts.backend.EnqueuedCount(ctx, m.query())
		if err != nil {
			return submitted, err
		}
		if n >= ts.test.MaxQueued {
			return submitted, nil
		}
		if !ts.limiter.Allow() {
			log.Debug("submission rate limit reached", zap.Int("enqueued", n))
			return submitted, nil
		}
		rec, err := m.submit(ctx, ts)
		if err != nil {
			return submitted, err
		}
		submitted = append(submitted, rec)
		if !rec.Accepted() {
			return submitted, nil
		}
	}
}

// Submit enqueues one job for a test and records the attempt. A rejected
// submission is recorded as a terminal record and is not an error.
func (m *Monitor) Submit(ctx context.Context, name string) (*store.JobRecord, error) {
	ts, err := m.state(name)
	if err != nil {
		return nil, err
	}
	return m.submit(ctx, ts)
}

func (m *Monitor) submit(ctx context.Context, ts *testState) (*store.JobRecord, error) {
	ts.submitMu.Lock()
	defer ts.submitMu.Unlock()

	name := ts.test.Name
	counter, err := m.store.NextCounter(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", name, err)
	}

	out, subErr := ts.backend.Submit(ctx, backend.SubmitRequest{
		Counter:     counter,
		TestName:    name,
		ScriptPath:  ts.settings.ScriptPath,
		ConfigPath:  m.cfg.Path,
		AccountName: m.cfg.AccountName,
		LogDir:      m.logs.Dir(name),
	})
	if subErr != nil && out.ReturnCode == 0 {
		return nil, fmt.Errorf("submit %s: %w", name, subErr)
	}
	if out.Time.IsZero() {
		out.Time = m.now()
	}

	rec := &store.JobRecord{
		Test:           name,
		Counter:        counter,
		SubmitTime:     out.Time,
		SubmitStatus:   out.ReturnCode,
		SchedulerJobID: out.JobID,
		SubmitOutput:   out.Output,
	}
	if err := m.store.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("record submission %s/%d: %w", name, counter, err)
	}

	log := m.log.With(zap.String("test", name), zap.Int64("counter", counter))
	if rec.Accepted() {
		log.Info("job submitted", zap.String("job_id", rec.SchedulerJobID))
	} else {
		fields := []zap.Field{zap.Int("return_code", rec.SubmitStatus), zap.Strings("output", rec.SubmitOutput)}
		if subErr != nil {
			fields = append(fields, zap.Error(subErr))
		}
		log.Warn("submission rejected", fields...)
	}
	m.publishEvent(realtime.Event{
		Type:    realtime.TypeJobSubmitted,
		Test:    name,
		Counter: counter,
		JobID:   rec.SchedulerJobID,
		Status:  strconv.Itoa(rec.SubmitStatus),
	})
	return rec, nil
}

// publishArtifacts sends the statistics file and the JSON report to every
// sink. Failures are logged and returned, never fatal to the cycle.
func (m *Monitor) publishArtifacts(ctx context.Context, ts *testState, log *zap.Logger) []string {
	if len(m.sinks) == 0 {
		return nil
	}
	name := ts.test.Name
	var failures []string

	csvData, err := ts.statsLog.Raw()
	if err != nil {
		failures = append(failures, err.Error())
	}
	reportData, err := m.encodeReport(ctx, ts.test)
	if err != nil {
		failures = append(failures, err.Error())
	}

	for _, sink := range m.sinks {
		if csvData != nil {
			if err := sink.Put(ctx, publish.Key(name, publish.StatisticsFile), "text/csv", csvData); err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", sink.Name(), err))
				log.Warn("publish failed", zap.String("sink", sink.Name()), zap.Error(err))
			}
		}
		if reportData != nil {
			if err := sink.Put(ctx, publish.Key(name, publish.ReportFile), "application/json", reportData); err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", sink.Name(), err))
				log.Warn("publish failed", zap.String("sink", sink.Name()), zap.Error(err))
			}
		}
	}
	return failures
}
