package report

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/patrickspencer/queuewatch/internal/config"
	"github.com/patrickspencer/queuewatch/internal/stats"
	"github.com/patrickspencer/queuewatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func fixture(t *testing.T, printSuccess bool) (*Assembler, *config.Test) {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.BaseDir = t.TempDir()
	cfg.RuntimeWarningThresholdSeconds = 3600
	cfg.PrintSuccess = printSuccess

	tst, err := config.ParseTestYAML([]byte("name: skim\ndescription: CMSSW skim\n"))
	require.NoError(t, err)

	st := store.NewMemoryStore()
	add := func(r *store.JobRecord) {
		require.NoError(t, st.Append(ctx, r))
	}
	add(&store.JobRecord{Test: "skim", Counter: 1, SubmitTime: now.Add(-5 * time.Hour), SchedulerJobID: "1",
		StartTime: now.Add(-4 * time.Hour), EndTime: now.Add(-2 * time.Hour), Completed: true,
		Outcome: store.OutcomeSuccess, Node: "cn01", Attributes: map[string]string{"proc_count": "4"}})
	add(&store.JobRecord{Test: "skim", Counter: 2, SubmitTime: now.Add(-3 * time.Hour), SchedulerJobID: "2",
		StartTime: now.Add(-150 * time.Minute), EndTime: now.Add(-2 * time.Hour), Completed: true,
		Outcome: store.OutcomeFailure, ExitStatus: 65, Node: "cn02", FailureReason: "exit status 65"})
	add(&store.JobRecord{Test: "skim", Counter: 3, SubmitTime: now.Add(-time.Hour), SubmitStatus: 1})
	add(&store.JobRecord{Test: "skim", Counter: 4, SubmitTime: now.Add(-time.Hour), SchedulerJobID: "4"})

	log := stats.NewCSVLog(cfg.StatsDir(), "skim")
	require.NoError(t, log.Append(stats.Row{Time: now.Add(-time.Hour), Success: 1, Failure: 1,
		MinRuntime: 7200, MeanRuntime: 7200, MaxRuntime: 7200, SubmissionFailure: 1}))

	return NewAssembler(st, cfg, WithClock(func() time.Time { return now })), tst
}

func TestBuildSummary(t *testing.T) {
	t.Parallel()

	a, tst := fixture(t, false)
	s, err := a.Build(context.Background(), tst)
	require.NoError(t, err)

	assert.Equal(t, "skim", s.Test)
	assert.Equal(t, "slurm", s.Backend)
	require.NotNil(t, s.Latest)
	assert.Equal(t, 1, s.Latest.SubmissionFailure)
	assert.Len(t, s.History, 1)

	assert.Equal(t, map[store.State]int{
		store.StateSuccess:      1,
		store.StateFailure:      1,
		store.StateSubmitFailed: 1,
		store.StatePending:      1,
	}, s.States)

	require.Len(t, s.FailureRates, 2)
	assert.Equal(t, 24, s.FailureRates[0].Hours)
	assert.Equal(t, 50.0, s.FailureRates[0].SuccessPercent)
	assert.True(t, s.FailureRates[0].BelowThreshold)

	assert.Equal(t, []stats.Count{{Key: "cn02", Count: 1}}, s.FailuresByNode)
	require.Len(t, s.FailedJobs, 1)
	assert.Equal(t, int64(2), s.FailedJobs[0].Counter)

	require.Len(t, s.LongRunning, 1)
	assert.Equal(t, int64(7200), s.LongRunning[0].Runtime)
	assert.Equal(t, int64(3600), s.LongRunning[0].Wait)
	assert.Nil(t, s.Successes)

	assert.Len(t, s.Warnings(), 3)
}

func TestBuildSummaryPrintSuccess(t *testing.T) {
	t.Parallel()

	a, tst := fixture(t, true)
	s, err := a.Build(context.Background(), tst)
	require.NoError(t, err)
	require.Len(t, s.Successes, 1)
	assert.Equal(t, "1", s.Successes[0].JobID)
}

func TestRenderers(t *testing.T) {
	t.Parallel()

	a, tst := fixture(t, true)
	s, err := a.Build(context.Background(), tst)
	require.NoError(t, err)

	var text bytes.Buffer
	require.NoError(t, TextRenderer{}.Render(&text, s))
	out := text.String()
	assert.Contains(t, out, "skim (slurm)")
	assert.Contains(t, out, "WARNING:")
	assert.Contains(t, out, "cn02")
	assert.Contains(t, out, "exit status 65")
	assert.Contains(t, out, "Successful jobs")

	var js bytes.Buffer
	require.NoError(t, JSONRenderer{}.Render(&js, s))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, "skim", decoded["test"])
	assert.Contains(t, decoded, "failure_rates")
	assert.Equal(t, "application/json", JSONRenderer{}.ContentType())
}

func TestBuildReadsSharedStatsLog(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	tst, err := config.ParseTestYAML([]byte("name: skim\n"))
	require.NoError(t, err)

	shared := stats.NewCSVLog(t.TempDir(), "skim")
	require.NoError(t, shared.Append(stats.Row{Time: now, Success: 7}))

	a := NewAssembler(store.NewMemoryStore(), cfg,
		WithClock(func() time.Time { return now }),
		WithStatsLogs(func(test string) *stats.CSVLog {
			if test == "skim" {
				return shared
			}
			return nil
		}))
	s, err := a.Build(context.Background(), tst)
	require.NoError(t, err)
	require.NotNil(t, s.Latest)
	assert.Equal(t, 7, s.Latest.Success)
}
