// Package reconcile applies scheduler completion signals to job records.
//
// The scheduler's view is authoritative but lossy: it reports ids of jobs
// that finished recently, including jobs this process never submitted, and
// may silently forget jobs. Reconciliation matches signals to records,
// resolves each job's outcome from its log, and classifies accepted jobs
// that never report back as lost.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/patrickspencer/queuewatch/internal/backend"
	"github.com/patrickspencer/queuewatch/internal/realtime"
	"github.com/patrickspencer/queuewatch/internal/runlog"
	"github.com/patrickspencer/queuewatch/internal/store"
	"go.uber.org/zap"
)

// ErrUnmatchedCompletion describes a completion signal with no record.
// Such signals are logged and counted, never turned into records.
var ErrUnmatchedCompletion = errors.New("unmatched completion signal")

// Failure reasons recorded by reconciliation.
const (
	ReasonNoExitStatus = "no exit status found"
	ReasonLost         = "lost"
)

// LogReader reads the structured markers of a job log.
type LogReader interface {
	Read(test, fileName string) (*runlog.JobLog, error)
}

// Target names one test and how to reach its scheduler.
type Target struct {
	Test     string
	Backend  backend.Backend
	Account  string
	User     string
	Lookback time.Duration
	// GracePeriod is how long an accepted job may go unconfirmed before it
	// is classified lost. Zero or negative disables the sweep.
	GracePeriod time.Duration
}

// Result summarizes one reconciliation.
type Result struct {
	Test    string `json:"test"`
	Signals int    `json:"signals"`
	// Completed holds counters newly marked completed from signals.
	Completed  []int64  `json:"completed,omitempty"`
	Unmatched  []string `json:"unmatched,omitempty"`
	Duplicates []string `json:"duplicates,omitempty"`
	// Deferred holds counters signalled complete whose log has not
	// appeared yet. They stay pending until the log shows up or the lost
	// sweep claims them.
	Deferred []int64 `json:"deferred,omitempty"`
	Lost     []int64 `json:"lost,omitempty"`
}

// Reconciler updates a RecordStore from scheduler signals.
type Reconciler struct {
	store  store.RecordStore
	logs   LogReader
	events realtime.Publisher
	log    *zap.Logger
	now    func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// WithEvents publishes job.completed and job.lost events to p.
func WithEvents(p realtime.Publisher) Option {
	return func(r *Reconciler) { r.events = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a Reconciler. logs may be nil when jobs write no log.
func New(st store.RecordStore, logs LogReader, opts ...Option) *Reconciler {
	r := &Reconciler{
		store: st,
		logs:  logs,
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile runs one reconciliation for a test. When the completion query
// fails, nothing is written and the lost sweep is skipped; the returned
// error wraps backend.ErrBackendUnavailable.
func (r *Reconciler) Reconcile(ctx context.Context, t Target) (*Result, error) {
	log := r.log.With(zap.String("test", t.Test))

	ids, err := t.Backend.QueryCompleted(ctx, backend.CompletionQuery{
		AccountName: t.Account,
		UserName:    t.User,
		Lookback:    t.Lookback,
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", t.Test, err)
	}

	res := &Result{Test: t.Test, Signals: len(ids)}
	seen := make(map[string]bool, len(ids))
	observed := r.now()

	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		rec, err := r.store.FindBySchedulerID(ctx, t.Test, id)
		if errors.Is(err, store.ErrRecordNotFound) {
			res.Unmatched = append(res.Unmatched, id)
			log.Debug("ignoring completion signal",
				zap.Error(fmt.Errorf("%w: job %s", ErrUnmatchedCompletion, id)))
			continue
		}
		if err != nil {
			return res, fmt.Errorf("reconcile %s job %s: %w", t.Test, id, err)
		}
		if rec.Completed || !rec.Accepted() {
			res.Duplicates = append(res.Duplicates, id)
			continue
		}

		c := r.resolve(log, t, id, observed)
		if c.deferred {
			res.Deferred = append(res.Deferred, rec.Counter)
			log.Debug("job log not written yet, deferring",
				zap.Int64("counter", rec.Counter), zap.String("job_id", id))
			continue
		}
		updated, changed, err := r.store.Update(ctx, t.Test, rec.Counter, c.apply)
		if err != nil {
			return res, fmt.Errorf("complete %s/%d: %w", t.Test, rec.Counter, err)
		}
		if !changed {
			res.Duplicates = append(res.Duplicates, id)
			continue
		}
		res.Completed = append(res.Completed, rec.Counter)
		log.Info("job completed",
			zap.Int64("counter", updated.Counter),
			zap.String("job_id", id),
			zap.String("outcome", string(updated.Outcome)),
			zap.Int("exit_status", updated.ExitStatus))
		r.publish(realtime.Event{
			Type:    realtime.TypeJobCompleted,
			Test:    t.Test,
			Counter: updated.Counter,
			JobID:   id,
			Status:  string(updated.Outcome),
			Message: updated.FailureReason,
		})
	}

	lost, err := r.sweepLost(ctx, log, t)
	res.Lost = lost
	if err != nil {
		return res, err
	}
	return res, nil
}

// sweepLost marks accepted jobs that stayed unconfirmed past the grace
// period as lost.
func (r *Reconciler) sweepLost(ctx context.Context, log *zap.Logger, t Target) ([]int64, error) {
	if t.GracePeriod <= 0 {
		return nil, nil
	}
	now := r.now()
	cutoff := now.Add(-t.GracePeriod)

	stale, err := r.store.Query(ctx, t.Test, store.Query{
		Completed: store.Bool(false),
		Match: func(rec *store.JobRecord) bool {
			return rec.Accepted() && rec.SubmitTime.Before(cutoff)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("lost sweep %s: %w", t.Test, err)
	}

	var lost []int64
	for _, rec := range stale {
		updated, changed, err := r.store.Update(ctx, t.Test, rec.Counter, func(j *store.JobRecord) error {
			if j.Completed || !j.Accepted() {
				return nil
			}
			j.Completed = true
			j.Outcome = store.OutcomeLost
			j.EndTime = now
			j.FailureReason = ReasonLost
			return nil
		})
		if err != nil {
			return lost, fmt.Errorf("mark %s/%d lost: %w", t.Test, rec.Counter, err)
		}
		if !changed {
			continue
		}
		lost = append(lost, rec.Counter)
		log.Warn("job lost",
			zap.Int64("counter", rec.Counter),
			zap.String("job_id", rec.SchedulerJobID),
			zap.Time("submitted", rec.SubmitTime))
		r.publish(realtime.Event{
			Type:    realtime.TypeJobLost,
			Test:    t.Test,
			Counter: updated.Counter,
			JobID:   updated.SchedulerJobID,
			Status:  string(store.OutcomeLost),
		})
	}
	return lost, nil
}

// completion is everything learned about one finished job.
type completion struct {
	exitStatus int
	found      bool
	start      time.Time
	end        time.Time
	node       string
	reason     string
	attrs      map[string]string
	// deferred is set when the log is missing and nothing else reported
	// an exit status.
	deferred bool
}

func (r *Reconciler) resolve(log *zap.Logger, t Target, jobID string, observed time.Time) completion {
	c := completion{end: observed}
	logMissing := false

	if r.logs != nil {
		jl, err := r.logs.Read(t.Test, t.Backend.LogFileName(jobID, t.Test))
		switch {
		case err == nil:
			if jl.HasExitStatus() {
				c.exitStatus, c.found = *jl.ExitStatus, true
			}
			c.start = jl.StartTime
			if !jl.EndTime.IsZero() {
				c.end = jl.EndTime
			}
			c.node = jl.Node
			c.reason = jl.Error
			c.attrs = jl.Attributes
		case errors.Is(err, runlog.ErrLogNotFound):
			logMissing = true
		default:
			log.Warn("unreadable job log", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	if !c.found {
		if rep, ok := t.Backend.(backend.ExitStatusReporter); ok {
			if st, ok := rep.ExitStatus(jobID); ok {
				c.exitStatus, c.found = st.Code, true
				if !st.Finished.IsZero() {
					c.end = st.Finished
				}
			}
		}
	}

	// Shared filesystems may publish the log after the scheduler reports
	// the job finished. Without a grace period there is no later sweep, so
	// the job is classified now.
	if !c.found && logMissing && t.GracePeriod > 0 {
		c.deferred = true
		return c
	}

	switch {
	case !c.found:
		c.exitStatus = -1
		c.reason = ReasonNoExitStatus
	case c.exitStatus != 0 && c.reason == "":
		c.reason = "exit status " + strconv.Itoa(c.exitStatus)
	case c.exitStatus == 0:
		c.reason = ""
	}
	return c
}

// apply is the store mutation for a completion. It re-checks Completed so
// a concurrent re-delivery becomes a no-op.
func (c completion) apply(j *store.JobRecord) error {
	if j.Completed || !j.Accepted() {
		return nil
	}
	j.Completed = true
	j.EndTime = c.end
	if !c.start.IsZero() {
		j.StartTime = c.start
	}
	j.ExitStatus = c.exitStatus
	j.FailureReason = c.reason
	if c.node != "" {
		j.Node = c.node
	}
	if len(c.attrs) > 0 {
		if j.Attributes == nil {
			j.Attributes = make(map[string]string, len(c.attrs))
		}
		maps.Copy(j.Attributes, c.attrs)
	}
	if c.found && c.exitStatus == 0 {
		j.Outcome = store.OutcomeSuccess
	} else {
		j.Outcome = store.OutcomeFailure
	}
	return nil
}

func (r *Reconciler) publish(evt realtime.Event) {
	if r.events != nil {
		r.events.Publish(evt)
	}
}
