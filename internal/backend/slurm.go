package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/patrickspencer/queuewatch/internal/runner"
	"go.uber.org/zap"
)

// sacct states treated as terminal: cancelled, completed, failed,
// node failure, timeout.
const terminalStates = "CA,CD,F,NF,TO"

var submittedRe = regexp.MustCompile(`Submitted batch job (\d+)`)

type slurm struct {
	opts Options
	log  *zap.Logger
}

func newSlurm(opts Options) *slurm {
	return &slurm{opts: opts, log: opts.Logger.Named("slurm")}
}

func (s *slurm) Type() Type { return TypeSlurm }

func (s *slurm) LogFileName(jobID, testName string) string {
	return logFileName(TypeSlurm, jobID, testName)
}

func (s *slurm) bin(name string) string {
	if s.opts.BinDir == "" {
		return name
	}
	return filepath.Join(s.opts.BinDir, name)
}

func (s *slurm) command(name string, args []string, env map[string]string) runner.Command {
	return runner.Command{
		Path:    s.bin(name),
		Args:    args,
		Env:     env,
		Timeout: s.opts.Timeout,
	}
}

func (s *slurm) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	args := make([]string, 0, 4)
	if req.AccountName != "" {
		args = append(args, "--account="+req.AccountName)
	}
	if req.LogDir != "" {
		args = append(args, "--output="+filepath.Join(req.LogDir, s.LogFileName("%j", req.TestName)))
	}
	args = append(args, "--export=ALL", req.ScriptPath)

	cmd := s.command("sbatch", args, map[string]string{
		runner.EnvCounter:    strconv.FormatInt(req.Counter, 10),
		runner.EnvConfigFile: req.ConfigPath,
		runner.EnvTest:       req.TestName,
	})
	res := s.opts.Runner.Run(ctx, cmd)

	out := SubmitResult{
		Time:       res.Finished,
		ReturnCode: res.ExitCode,
		Output:     res.Lines(),
	}
	if out.Time.IsZero() {
		out.Time = s.opts.Now()
	}
	if res.Err != nil {
		if out.ReturnCode == 0 {
			out.ReturnCode = -1
		}
		out.Output = append(out.Output, res.Err.Error())
		return out, unavailable("submit", TypeSlurm, res.Err)
	}
	if out.ReturnCode == 0 {
		if m := submittedRe.FindStringSubmatch(res.Stdout); m != nil {
			out.JobID = m[1]
		} else {
			s.log.Warn("sbatch accepted job without reporting an id",
				zap.String("test", req.TestName),
				zap.Int64("counter", req.Counter))
		}
	}
	return out, nil
}

func (s *slurm) QueryCompleted(ctx context.Context, q CompletionQuery) ([]string, error) {
	start := s.opts.Now().Add(-q.Lookback).Format("2006-01-02")
	args := []string{"--state=" + terminalStates, "-S", start}
	if q.AccountName != "" {
		args = append(args, "--accounts="+q.AccountName)
	}
	if q.UserName != "" {
		args = append(args, "--user="+q.UserName)
	}
	args = append(args, "-n", "-o", "jobid")

	res, err := s.query(ctx, "query completed", "sacct", args)
	if err != nil {
		return nil, err
	}
	return ParseJobIDs(res.Stdout), nil
}

func (s *slurm) EnqueuedCount(ctx context.Context, q CompletionQuery) (int, error) {
	args := []string{"-h"}
	if q.AccountName != "" {
		args = append(args, "--account="+q.AccountName)
	}
	if q.UserName != "" {
		args = append(args, "--user="+q.UserName)
	}
	args = append(args, "-o", "%i")

	res, err := s.query(ctx, "enqueued count", "squeue", args)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n, nil
}

func (s *slurm) query(ctx context.Context, op, name string, args []string) (*runner.Result, error) {
	cmd := s.command(name, args, nil)
	res := s.opts.Runner.Run(ctx, cmd)
	if res.Err != nil {
		return nil, unavailable(op, TypeSlurm, res.Err)
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = "no output"
		}
		return nil, unavailable(op, TypeSlurm, fmt.Errorf("%s exited %d: %s", name, res.ExitCode, msg))
	}
	return res, nil
}

// ParseJobIDs extracts top-level job ids from sacct output, one per line.
// Job steps such as "123.batch" and anything non-numeric are dropped, and
// each id is returned once in first-seen order.
func ParseJobIDs(output string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, line := range strings.Split(output, "\n") {
		id := strings.TrimSpace(line)
		if id == "" || !isDigits(id) || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func isDigits(s string) bool {
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return s != ""
}
