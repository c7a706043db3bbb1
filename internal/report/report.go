// Package report assembles a presentation-ready summary of one test from
// its job records and statistics log.
package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickspencer/queuewatch/internal/config"
	"github.com/patrickspencer/queuewatch/internal/stats"
	"github.com/patrickspencer/queuewatch/internal/store"
)

// DefaultHistoryRows is how many statistics rows a summary carries.
const DefaultHistoryRows = 48

// RateStatus is a success rate with its threshold verdict.
type RateStatus struct {
	stats.Rate
	BelowThreshold bool `json:"below_threshold"`
}

// JobLine is a flattened job record for listings.
type JobLine struct {
	Counter    int64       `json:"counter"`
	JobID      string      `json:"job_id,omitempty"`
	State      store.State `json:"state"`
	Submitted  time.Time   `json:"submitted"`
	Started    time.Time   `json:"started,omitempty"`
	Ended      time.Time   `json:"ended,omitempty"`
	Runtime    int64       `json:"runtime,omitempty"`
	Wait       int64       `json:"wait,omitempty"`
	ExitStatus int         `json:"exit_status"`
	Node       string      `json:"node,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

func lineFor(r *store.JobRecord) JobLine {
	l := JobLine{
		Counter:    r.Counter,
		JobID:      r.SchedulerJobID,
		State:      r.State(),
		Submitted:  r.SubmitTime,
		Started:    r.StartTime,
		Ended:      r.EndTime,
		ExitStatus: r.ExitStatus,
		Node:       r.Node,
		Reason:     r.FailureReason,
	}
	if d, ok := r.Runtime(); ok {
		l.Runtime = int64(d / time.Second)
	}
	if !r.StartTime.IsZero() && !r.SubmitTime.IsZero() {
		l.Wait = int64(r.StartTime.Sub(r.SubmitTime) / time.Second)
	}
	return l
}

func linesFor(records []*store.JobRecord) []JobLine {
	out := make([]JobLine, 0, len(records))
	for _, r := range records {
		out = append(out, lineFor(r))
	}
	return out
}

// Summary is everything a report shows for one test.
type Summary struct {
	Test        string    `json:"test"`
	Description string    `json:"description,omitempty"`
	Backend     string    `json:"backend"`
	GeneratedAt time.Time `json:"generated_at"`
	WindowHours int       `json:"window_hours"`

	Latest  *stats.Row  `json:"latest,omitempty"`
	History []stats.Row `json:"history"`

	States map[store.State]int `json:"states"`

	SuccessThreshold float64       `json:"success_threshold"`
	FailureRates     []RateStatus  `json:"failure_rates"`
	FailuresByNode   []stats.Count `json:"failures_by_node"`
	FailuresByReason []stats.Count `json:"failures_by_reason"`
	FailedJobs       []JobLine     `json:"failed_jobs"`

	RuntimeWarningSeconds int64     `json:"runtime_warning_seconds,omitempty"`
	LongRunning           []JobLine `json:"long_running"`
	Successes             []JobLine `json:"successes,omitempty"`

	Percentiles []stats.Percentile    `json:"percentiles,omitempty"`
	Occupancy   stats.OccupancyReport `json:"occupancy"`
}

// Warnings lists the conditions a reader should act on.
func (s *Summary) Warnings() []string {
	var out []string
	for _, r := range s.FailureRates {
		if r.BelowThreshold {
			out = append(out, fmt.Sprintf("success rate %.1f%% over %dh is below %.0f%%",
				r.SuccessPercent, r.Hours, s.SuccessThreshold))
		}
	}
	if n := len(s.LongRunning); n > 0 {
		out = append(out, fmt.Sprintf("%d job(s) ran longer than %ds", n, s.RuntimeWarningSeconds))
	}
	return out
}

// Assembler builds summaries. It only reads.
type Assembler struct {
	store       store.RecordStore
	cfg         *config.Config
	now         func() time.Time
	historyRows int
	statsLogs   func(test string) *stats.CSVLog

	mu   sync.Mutex
	logs map[string]*stats.CSVLog
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithHistoryRows sets how many statistics rows are included.
func WithHistoryRows(n int) Option {
	return func(a *Assembler) { a.historyRows = n }
}

// WithStatsLogs makes Build read statistics through the logs the writer
// appends to, so reads and appends share one lock.
func WithStatsLogs(lookup func(test string) *stats.CSVLog) Option {
	return func(a *Assembler) { a.statsLogs = lookup }
}

// NewAssembler creates an Assembler.
func NewAssembler(st store.RecordStore, cfg *config.Config, opts ...Option) *Assembler {
	a := &Assembler{store: st, cfg: cfg, now: time.Now, historyRows: DefaultHistoryRows}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Build assembles the summary for t.
func (a *Assembler) Build(ctx context.Context, t *config.Test) (*Summary, error) {
	records, err := a.store.Query(ctx, t.Name, store.Query{})
	if err != nil {
		return nil, fmt.Errorf("load records for %s: %w", t.Name, err)
	}
	rows, err := a.statsLog(t.Name).Load()
	if err != nil {
		return nil, fmt.Errorf("load stats for %s: %w", t.Name, err)
	}

	settings := a.cfg.Resolve(t)
	now := a.now().UTC().Truncate(time.Second)
	hours := t.ReportWindowHours

	s := &Summary{
		Test:                  t.Name,
		Description:           t.Description,
		Backend:               t.Backend,
		GeneratedAt:           now,
		WindowHours:           hours,
		History:               rows,
		States:                make(map[store.State]int),
		SuccessThreshold:      t.FailureRateThreshold,
		FailuresByNode:        stats.FailuresByNode(records, hours, now),
		FailuresByReason:      stats.FailuresByReason(records, hours, now),
		FailedJobs:            linesFor(stats.FailedJobs(records, hours, now)),
		RuntimeWarningSeconds: int64(settings.RuntimeWarningThreshold / time.Second),
		LongRunning:           linesFor(stats.LongRunning(records, settings.RuntimeWarningThreshold, hours, now)),
		Percentiles:           stats.RuntimePercentiles(records, hours, now, 50, 90, 99),
		Occupancy:             stats.Occupancy(records, hours, now),
	}
	if n := len(rows); n > 0 {
		latest := rows[n-1]
		s.Latest = &latest
		if a.historyRows > 0 && n > a.historyRows {
			s.History = rows[n-a.historyRows:]
		}
	}
	if s.History == nil {
		s.History = []stats.Row{}
	}

	for _, r := range records {
		s.States[r.State()]++
	}
	for _, rate := range stats.FailureRates(records, t.FailureRateWindows, now) {
		s.FailureRates = append(s.FailureRates, RateStatus{
			Rate:           rate,
			BelowThreshold: rate.Total > 0 && rate.SuccessPercent < t.FailureRateThreshold,
		})
	}
	if settings.PrintSuccess {
		s.Successes = linesFor(stats.RecentSuccesses(records, hours, now))
	}
	return s, nil
}

func (a *Assembler) statsLog(test string) *stats.CSVLog {
	if a.statsLogs != nil {
		if l := a.statsLogs(test); l != nil {
			return l
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.logs == nil {
		a.logs = make(map[string]*stats.CSVLog)
	}
	l, ok := a.logs[test]
	if !ok {
		l = stats.NewCSVLog(a.cfg.StatsDir(), test)
		a.logs[test] = l
	}
	return l
}
