package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/patrickspencer/queuewatch/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []runner.Command
	results map[string]*runner.Result
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: make(map[string]*runner.Result)}
}

func (f *fakeRunner) on(bin string, res *runner.Result) {
	f.results[bin] = res
}

func (f *fakeRunner) Run(_ context.Context, cmd runner.Command) *runner.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	if res, ok := f.results[filepath.Base(cmd.Path)]; ok {
		return res
	}
	return &runner.Result{ExitCode: -1, Err: errors.New("exec: not found")}
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
}

func TestNewUnknownTypeFailsWithoutRunningCommands(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	b, err := New(Type("pbs"), Options{Runner: fr})
	require.Error(t, err)
	assert.Nil(t, b)
	assert.True(t, errors.Is(err, ErrUnsupportedBackend))
	assert.Empty(t, fr.calls)
}

func TestParseType(t *testing.T) {
	t.Parallel()

	typ, err := ParseType(" SLURM ")
	require.NoError(t, err)
	assert.Equal(t, TypeSlurm, typ)

	_, err = ParseType("condor")
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
}

func TestLogFileName(t *testing.T) {
	t.Parallel()

	b, err := New(TypeSlurm, Options{Runner: newFakeRunner()})
	require.NoError(t, err)
	assert.Equal(t, "skim_test.slurm.o12345", b.LogFileName("12345", "skim_test"))
}

func TestSlurmSubmitParsesJobID(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	finished := fixedNow()
	fr.on("sbatch", &runner.Result{Stdout: "Submitted batch job 4242\n", Finished: finished})

	b, err := New(TypeSlurm, Options{Runner: fr, BinDir: "/usr/scheduler/slurm/bin", Timeout: time.Minute})
	require.NoError(t, err)

	res, err := b.Submit(context.Background(), SubmitRequest{
		Counter:     7,
		TestName:    "skim_test",
		ScriptPath:  "/base/skim_test/skim_test.slurm",
		ConfigPath:  "/base/queuewatch.yaml",
		AccountName: "cms",
		LogDir:      "/base/skim_test",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ReturnCode)
	assert.Equal(t, "4242", res.JobID)
	assert.Equal(t, finished, res.Time)
	assert.Equal(t, []string{"Submitted batch job 4242"}, res.Output)

	require.Len(t, fr.calls, 1)
	call := fr.calls[0]
	assert.Equal(t, "/usr/scheduler/slurm/bin/sbatch", call.Path)
	assert.Equal(t, []string{
		"--account=cms",
		"--output=/base/skim_test/skim_test.slurm.o%j",
		"--export=ALL",
		"/base/skim_test/skim_test.slurm",
	}, call.Args)
	assert.Equal(t, "7", call.Env[runner.EnvCounter])
	assert.Equal(t, "/base/queuewatch.yaml", call.Env[runner.EnvConfigFile])
	assert.Equal(t, time.Minute, call.Timeout)
}

func TestSlurmSubmitRejectionIsNotAnError(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	fr.on("sbatch", &runner.Result{
		ExitCode: 1,
		Stderr:   "sbatch: error: Batch job submission failed: Invalid account\n",
	})
	b, err := New(TypeSlurm, Options{Runner: fr})
	require.NoError(t, err)

	res, err := b.Submit(context.Background(), SubmitRequest{Counter: 1, TestName: "t", ScriptPath: "t.slurm"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReturnCode)
	assert.Empty(t, res.JobID)
	assert.Equal(t, []string{"sbatch: error: Batch job submission failed: Invalid account"}, res.Output)
	assert.False(t, res.Time.IsZero())
}

func TestSlurmSubmitMissingBinary(t *testing.T) {
	t.Parallel()

	b, err := New(TypeSlurm, Options{Runner: newFakeRunner()})
	require.NoError(t, err)

	res, err := b.Submit(context.Background(), SubmitRequest{Counter: 1, TestName: "t", ScriptPath: "t.slurm"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.NotEqual(t, 0, res.ReturnCode)
}

func TestSlurmQueryCompleted(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	fr.on("sacct", &runner.Result{Stdout: strings.Join([]string{
		"      1001 ",
		"1001.batch",
		"1001.extern",
		"      1002 ",
		"1003_[1-4]",
		"",
		"      1001 ",
	}, "\n")})

	b, err := New(TypeSlurm, Options{Runner: fr, Now: fixedNow})
	require.NoError(t, err)

	ids, err := b.QueryCompleted(context.Background(), CompletionQuery{
		AccountName: "cms",
		UserName:    "autocms",
		Lookback:    48 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1001", "1002"}, ids)

	require.Len(t, fr.calls, 1)
	assert.Equal(t, []string{
		"--state=CA,CD,F,NF,TO", "-S", "2026-03-08",
		"--accounts=cms", "--user=autocms",
		"-n", "-o", "jobid",
	}, fr.calls[0].Args)
}

func TestSlurmQueryFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	fr.on("sacct", &runner.Result{ExitCode: 1, Stderr: "sacct: error: slurmdbd unreachable"})
	b, err := New(TypeSlurm, Options{Runner: fr})
	require.NoError(t, err)

	ids, err := b.QueryCompleted(context.Background(), CompletionQuery{})
	assert.Nil(t, ids)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, TypeSlurm, be.Backend)
	assert.Equal(t, "query completed", be.Op)
	assert.Contains(t, err.Error(), "slurmdbd unreachable")
}

func TestSlurmEnqueuedCount(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	fr.on("squeue", &runner.Result{Stdout: "11\n12\n\n13\n"})
	b, err := New(TypeSlurm, Options{Runner: fr})
	require.NoError(t, err)

	n, err := b.EnqueuedCount(context.Background(), CompletionQuery{AccountName: "cms", UserName: "u"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"-h", "--account=cms", "--user=u", "-o", "%i"}, fr.calls[0].Args)
}

func TestParseJobIDs(t *testing.T) {
	t.Parallel()

	assert.Empty(t, ParseJobIDs(""))
	assert.Equal(t, []string{"5", "6"}, ParseJobIDs("5\n5.0\n6\nabc\n"))
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestLocalRunsScriptAndReportsExitStatus(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	script := writeScript(t, dir, "probe.local", "echo counter=$QUEUEWATCH_COUNTER\nexit 3\n")

	b, err := New(TypeLocal, Options{})
	require.NoError(t, err)

	res, err := b.Submit(context.Background(), SubmitRequest{
		Counter:    9,
		TestName:   "probe",
		ScriptPath: script,
		LogDir:     dir,
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ReturnCode)
	require.NotEmpty(t, res.JobID)

	reporter, ok := b.(ExitStatusReporter)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, done := reporter.ExitStatus(res.JobID)
		return done
	}, 5*time.Second, 10*time.Millisecond)

	st, _ := reporter.ExitStatus(res.JobID)
	assert.Equal(t, 3, st.Code)

	ids, err := b.QueryCompleted(context.Background(), CompletionQuery{Lookback: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []string{res.JobID}, ids)

	n, err := b.EnqueuedCount(context.Background(), CompletionQuery{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	data, err := os.ReadFile(filepath.Join(dir, b.LogFileName(res.JobID, "probe")))
	require.NoError(t, err)
	assert.Equal(t, "counter=9\n", string(data))
}

func TestLocalMissingScriptIsRejected(t *testing.T) {
	t.Parallel()

	b, err := New(TypeLocal, Options{})
	require.NoError(t, err)

	res, err := b.Submit(context.Background(), SubmitRequest{
		Counter:    1,
		TestName:   "probe",
		ScriptPath: filepath.Join(t.TempDir(), "missing.local"),
	})
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.ReturnCode)
	assert.Empty(t, res.JobID)
	assert.NotEmpty(t, res.Output)
}
