package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/patrickspencer/queuewatch/internal/store"
)

// Renderer writes a summary in one output format.
type Renderer interface {
	Render(w io.Writer, s *Summary) error
	ContentType() string
}

// JSONRenderer writes the summary as indented JSON.
type JSONRenderer struct{}

func (JSONRenderer) ContentType() string { return "application/json" }

func (JSONRenderer) Render(w io.Writer, s *Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// TextRenderer writes aligned plain-text tables for terminals and mail.
type TextRenderer struct{}

func (TextRenderer) ContentType() string { return "text/plain; charset=utf-8" }

func (TextRenderer) Render(w io.Writer, s *Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Test:\t%s (%s)\n", s.Test, s.Backend)
	if s.Description != "" {
		fmt.Fprintf(tw, "Description:\t%s\n", s.Description)
	}
	fmt.Fprintf(tw, "Generated:\t%s\n", s.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "States:\t%s\n", formatStates(s.States))
	if s.Latest != nil {
		l := s.Latest
		fmt.Fprintf(tw, "Last harvest:\t%s  success=%d failure=%d submit_failure=%d runtime min/mean/max=%d/%.1f/%d\n",
			l.Time.Format(time.RFC3339), l.Success, l.Failure, l.SubmissionFailure,
			l.MinRuntime, l.MeanRuntime, l.MaxRuntime)
	}
	for _, warn := range s.Warnings() {
		fmt.Fprintf(tw, "WARNING:\t%s\n", warn)
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "WINDOW\tSUCCESS\tFAILURE\tSUCCESS %\t")
	for _, r := range s.FailureRates {
		flag := ""
		if r.BelowThreshold {
			flag = " !"
		}
		fmt.Fprintf(tw, "%dh\t%d\t%d\t%.1f%s\t\n", r.Hours, r.Success, r.Failure, r.SuccessPercent, flag)
	}

	if len(s.Percentiles) > 0 {
		fmt.Fprintln(tw)
		parts := make([]string, 0, len(s.Percentiles))
		for _, p := range s.Percentiles {
			parts = append(parts, fmt.Sprintf("p%g=%ds", p.P, p.Seconds))
		}
		fmt.Fprintf(tw, "Runtime percentiles (%dh):\t%s\n", s.WindowHours, strings.Join(parts, " "))
	}
	if s.Occupancy.HasCorrelation {
		fmt.Fprintf(tw, "Runtime vs proc_count correlation:\t%.3f (%d jobs)\n",
			s.Occupancy.Correlation, len(s.Occupancy.Points))
	}

	if len(s.FailuresByNode) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "NODE\tFAILURES\t")
		for _, c := range s.FailuresByNode {
			fmt.Fprintf(tw, "%s\t%d\t\n", c.Key, c.Count)
		}
	}
	if len(s.FailuresByReason) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "REASON\tFAILURES\t")
		for _, c := range s.FailuresByReason {
			fmt.Fprintf(tw, "%s\t%d\t\n", c.Key, c.Count)
		}
	}

	writeJobs(tw, fmt.Sprintf("Failed jobs (last %dh):", s.WindowHours), s.FailedJobs)
	writeJobs(tw, fmt.Sprintf("Long running jobs (over %ds):", s.RuntimeWarningSeconds), s.LongRunning)
	writeJobs(tw, fmt.Sprintf("Successful jobs (last %dh):", s.WindowHours), s.Successes)

	return tw.Flush()
}

func writeJobs(tw *tabwriter.Writer, title string, jobs []JobLine) {
	if len(jobs) == 0 {
		return
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, title)
	fmt.Fprintln(tw, "COUNTER\tJOB ID\tSTATE\tENDED\tRUNTIME\tEXIT\tNODE\tREASON\t")
	for _, j := range jobs {
		ended := "-"
		if !j.Ended.IsZero() {
			ended = j.Ended.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%ds\t%d\t%s\t%s\t\n",
			j.Counter, dash(j.JobID), j.State, ended, j.Runtime, j.ExitStatus, dash(j.Node), dash(j.Reason))
	}
}

func formatStates(states map[store.State]int) string {
	if len(states) == 0 {
		return "no jobs"
	}
	keys := make([]string, 0, len(states))
	for k := range states {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, states[store.State(k)]))
	}
	return strings.Join(parts, " ")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
