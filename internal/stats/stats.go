// Package stats aggregates job records into windowed statistics rows and
// read-only derived views.
package stats

import (
	"time"

	"github.com/patrickspencer/queuewatch/internal/store"
)

// Row is one harvest: counts and successful-job runtimes over a trailing
// window. Runtimes are whole seconds.
type Row struct {
	Time              time.Time `json:"time"`
	Success           int       `json:"success"`
	Failure           int       `json:"failure"`
	MinRuntime        int64     `json:"min_runtime"`
	MeanRuntime       float64   `json:"mean_runtime"`
	MaxRuntime        int64     `json:"max_runtime"`
	SubmissionFailure int       `json:"submission_failure"`
}

// Window is a half-open interval [From, To). A zero To is unbounded.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if t.IsZero() || t.Before(w.From) {
		return false
	}
	return w.To.IsZero() || t.Before(w.To)
}

// Trailing returns the window covering the last hours up to and including
// now.
func Trailing(hours int, now time.Time) Window {
	return Window{From: now.Add(-time.Duration(hours) * time.Hour)}
}

// Harvest computes the row for the trailing windowHours ending at now.
// Completed records with an end time at or after the window start are
// counted; lost jobs count as failures. Submission failures are selected by
// submit time because they never complete.
func Harvest(records []*store.JobRecord, windowHours int, now time.Time) Row {
	return HarvestWindow(records, Trailing(windowHours, now), now)
}

// HarvestWindow computes a row over an explicit window, stamped with now.
// Adjacent windows partition records by end time without overlap.
func HarvestWindow(records []*store.JobRecord, w Window, now time.Time) Row {
	row := Row{Time: now.UTC().Truncate(time.Second)}

	var runtimes []int64
	for _, r := range records {
		if !r.Accepted() {
			if w.Contains(r.SubmitTime) {
				row.SubmissionFailure++
			}
			continue
		}
		if !r.Completed || !w.Contains(r.EndTime) {
			continue
		}
		if r.Outcome != store.OutcomeSuccess {
			row.Failure++
			continue
		}
		row.Success++
		if d, ok := r.Runtime(); ok {
			runtimes = append(runtimes, int64(d/time.Second))
		}
	}

	if len(runtimes) == 0 {
		return row
	}
	var sum int64
	row.MinRuntime, row.MaxRuntime = runtimes[0], runtimes[0]
	for _, v := range runtimes {
		sum += v
		row.MinRuntime = min(row.MinRuntime, v)
		row.MaxRuntime = max(row.MaxRuntime, v)
	}
	row.MeanRuntime = float64(sum) / float64(len(runtimes))
	return row
}
