package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

var (
	// ErrRecordNotFound is returned for an unknown (test, counter) or
	// scheduler job id.
	ErrRecordNotFound = errors.New("job record not found")
	// ErrCounterNotIncreasing is returned when an appended record does not
	// have a counter above every counter already used by its test.
	ErrCounterNotIncreasing = errors.New("counter not strictly increasing")
	// ErrInvalidRecord is returned when a record violates a structural
	// invariant.
	ErrInvalidRecord = errors.New("invalid job record")
	// ErrOutcomeImmutable is returned when an update would change an outcome
	// that is already set.
	ErrOutcomeImmutable = errors.New("outcome is immutable once set")
)

// Outcome is the terminal classification of an accepted job.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeLost    Outcome = "lost"
)

// State is the lifecycle position derived from a record's fields.
type State string

const (
	StateSubmitFailed State = "submit_failed"
	StatePending      State = "pending"
	StateRunning      State = "running"
	StateSuccess      State = "success"
	StateFailure      State = "failure"
	StateLost         State = "lost"
)

// JobRecord is the persisted lifecycle of one submission attempt.
type JobRecord struct {
	Test    string `json:"test"`
	Counter int64  `json:"counter"`

	SubmitTime time.Time `json:"submit_time"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`

	SubmitStatus   int      `json:"submit_status"`
	SchedulerJobID string   `json:"scheduler_job_id,omitempty"`
	SubmitOutput   []string `json:"submit_output,omitempty"`

	Completed     bool    `json:"completed"`
	Outcome       Outcome `json:"outcome,omitempty"`
	ExitStatus    int     `json:"exit_status"`
	FailureReason string  `json:"failure_reason,omitempty"`
	Node          string  `json:"node,omitempty"`

	Attributes map[string]string `json:"attributes,omitempty"`
}

// Accepted reports whether the scheduler accepted the submission.
func (r *JobRecord) Accepted() bool {
	return r.SubmitStatus == 0
}

// Terminal reports whether the record will never change state again.
// Rejected submissions are terminal from the start.
func (r *JobRecord) Terminal() bool {
	return r.Completed || !r.Accepted()
}

// State derives the lifecycle state.
func (r *JobRecord) State() State {
	switch {
	case !r.Accepted():
		return StateSubmitFailed
	case r.Completed && r.Outcome == OutcomeSuccess:
		return StateSuccess
	case r.Completed && r.Outcome == OutcomeLost:
		return StateLost
	case r.Completed:
		return StateFailure
	case !r.StartTime.IsZero():
		return StateRunning
	default:
		return StatePending
	}
}

// Runtime returns end minus start for completed jobs with both times set.
func (r *JobRecord) Runtime() (time.Duration, bool) {
	if !r.Completed || r.StartTime.IsZero() || r.EndTime.IsZero() {
		return 0, false
	}
	return r.EndTime.Sub(r.StartTime), true
}

// Clone returns a deep copy.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.SubmitOutput != nil {
		c.SubmitOutput = slices.Clone(r.SubmitOutput)
	}
	if r.Attributes != nil {
		c.Attributes = maps.Clone(r.Attributes)
	}
	return &c
}

// normalize reduces timestamps to UTC seconds, the precision the stores
// persist.
func (r *JobRecord) normalize() {
	r.SubmitTime = truncate(r.SubmitTime)
	r.StartTime = truncate(r.StartTime)
	r.EndTime = truncate(r.EndTime)
}

func truncate(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Second)
}

// Validate checks the invariants that hold for any single record version.
func (r *JobRecord) Validate() error {
	if r.Test == "" {
		return fmt.Errorf("%w: test is required", ErrInvalidRecord)
	}
	if r.Counter <= 0 {
		return fmt.Errorf("%w: counter must be positive", ErrInvalidRecord)
	}
	switch r.Outcome {
	case OutcomeNone, OutcomeSuccess, OutcomeFailure, OutcomeLost:
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidRecord, r.Outcome)
	}
	if !r.Accepted() {
		if r.SchedulerJobID != "" {
			return fmt.Errorf("%w: rejected submission has a scheduler job id", ErrInvalidRecord)
		}
		if r.Completed || r.Outcome != OutcomeNone {
			return fmt.Errorf("%w: rejected submission cannot complete", ErrInvalidRecord)
		}
	}
	if r.Completed {
		if r.EndTime.IsZero() {
			return fmt.Errorf("%w: completed without end time", ErrInvalidRecord)
		}
		if r.Outcome == OutcomeNone {
			return fmt.Errorf("%w: completed without outcome", ErrInvalidRecord)
		}
	} else if r.Outcome != OutcomeNone {
		return fmt.Errorf("%w: outcome set on incomplete record", ErrInvalidRecord)
	}
	return nil
}

// checkTransition validates next as the successor of prev.
func checkTransition(prev, next *JobRecord) error {
	if next.Test != prev.Test || next.Counter != prev.Counter {
		return fmt.Errorf("%w: test and counter cannot change", ErrInvalidRecord)
	}
	if prev.Outcome != OutcomeNone && next.Outcome != prev.Outcome {
		return fmt.Errorf("%w: %s/%d is %s", ErrOutcomeImmutable, prev.Test, prev.Counter, prev.Outcome)
	}
	if prev.Completed && !next.Completed {
		return fmt.Errorf("%w: %s/%d is already completed", ErrOutcomeImmutable, prev.Test, prev.Counter)
	}
	if prev.Completed && !sameTerminalFacts(prev, next) {
		return fmt.Errorf("%w: %s/%d completion facts cannot change", ErrOutcomeImmutable, prev.Test, prev.Counter)
	}
	if next.SubmitStatus != prev.SubmitStatus || next.SchedulerJobID != prev.SchedulerJobID {
		return fmt.Errorf("%w: submission fields cannot change", ErrInvalidRecord)
	}
	return next.Validate()
}

// sameTerminalFacts compares the fields fixed once a record completes.
// Attributes may still be merged.
func sameTerminalFacts(a, b *JobRecord) bool {
	return a.StartTime.Equal(b.StartTime) &&
		a.EndTime.Equal(b.EndTime) &&
		a.ExitStatus == b.ExitStatus &&
		a.FailureReason == b.FailureReason &&
		a.Node == b.Node
}

func sameRecord(a, b *JobRecord) bool {
	return a.Test == b.Test &&
		a.Counter == b.Counter &&
		a.SubmitTime.Equal(b.SubmitTime) &&
		a.StartTime.Equal(b.StartTime) &&
		a.EndTime.Equal(b.EndTime) &&
		a.SubmitStatus == b.SubmitStatus &&
		a.SchedulerJobID == b.SchedulerJobID &&
		slices.Equal(a.SubmitOutput, b.SubmitOutput) &&
		a.Completed == b.Completed &&
		a.Outcome == b.Outcome &&
		a.ExitStatus == b.ExitStatus &&
		a.FailureReason == b.FailureReason &&
		a.Node == b.Node &&
		maps.Equal(a.Attributes, b.Attributes)
}

// Mutation edits a private copy of a record. Returning an error aborts the
// update without writing.
type Mutation func(r *JobRecord) error

// Query selects records of one test. Zero values do not filter.
type Query struct {
	SubmittedSince time.Time
	EndedSince     time.Time
	Completed      *bool
	// Limit keeps only the newest N matches.
	Limit int
	Match func(r *JobRecord) bool
}

func (q Query) matches(r *JobRecord) bool {
	if !q.SubmittedSince.IsZero() && r.SubmitTime.Before(q.SubmittedSince) {
		return false
	}
	if !q.EndedSince.IsZero() && (r.EndTime.IsZero() || r.EndTime.Before(q.EndedSince)) {
		return false
	}
	if q.Completed != nil && r.Completed != *q.Completed {
		return false
	}
	if q.Match != nil && !q.Match(r) {
		return false
	}
	return true
}

// limit trims records, ordered by counter ascending, to the newest n.
func limit(records []*JobRecord, n int) []*JobRecord {
	if n > 0 && len(records) > n {
		return records[len(records)-n:]
	}
	return records
}

// RecordStore persists job records namespaced by test name. Every method is
// safe for concurrent use and each write is atomic.
type RecordStore interface {
	// NextCounter reserves the next counter for test. Counters are never
	// handed out twice.
	NextCounter(ctx context.Context, test string) (int64, error)
	Append(ctx context.Context, r *JobRecord) error
	Get(ctx context.Context, test string, counter int64) (*JobRecord, error)
	// Update applies m to a copy of the current record and stores the
	// result. changed is false when m left the record as it was.
	Update(ctx context.Context, test string, counter int64, m Mutation) (rec *JobRecord, changed bool, err error)
	// Query returns matching records ordered by counter ascending.
	Query(ctx context.Context, test string, q Query) ([]*JobRecord, error)
	FindBySchedulerID(ctx context.Context, test, jobID string) (*JobRecord, error)
	Tests(ctx context.Context) ([]string, error)
	Close() error
}

// Bool returns a pointer to b, for Query.Completed.
func Bool(b bool) *bool {
	return &b
}
