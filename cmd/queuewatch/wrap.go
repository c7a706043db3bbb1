package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/patrickspencer/queuewatch/internal/runlog"
	"github.com/patrickspencer/queuewatch/internal/runner"
)

var wrapCmd = &cobra.Command{
	Use:   "wrap [--attr key=value]... -- command [args...]",
	Short: "Run a job payload and write the markers the reconciler reads",
	Long: `Run a command inside a batch job and print QUEUEWATCH marker lines for
start time, node, end time and exit status around its output. Job scripts
call this so their logs can be reconciled without editing the payload.

The wrapper exits with the payload's exit status.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetStringArray("attr")
		attrs, err := parseAttrs(pairs)
		if err != nil {
			return err
		}
		code, err := wrapCommand(cmd.Context(), cmd.OutOrStdout(), attrs, args)
		if err != nil {
			return err
		}
		if code != 0 {
			return &exitError{code: code}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(wrapCmd)
	wrapCmd.Flags().StringArray("attr", nil, "extra key=value attribute to record (repeatable)")
}

func parseAttrs(pairs []string) (map[string]string, error) {
	attrs := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" || strings.ContainsAny(k, " =") {
			return nil, fmt.Errorf("invalid attribute %q: want key=value", p)
		}
		attrs[k] = v
	}
	return attrs, nil
}

// wrapCommand runs args[0] with the remaining arguments, streaming its
// combined output to out between the marker lines. It returns the payload
// exit status. A payload that cannot be started still gets an end marker.
func wrapCommand(ctx context.Context, out io.Writer, attrs map[string]string, args []string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("no command specified")
	}
	marker := func(key, value string) {
		fmt.Fprintln(out, runlog.FormatMarker(key, value))
	}

	marker(runlog.KeyStartTime, runlog.FormatTime(time.Now()))
	if host, err := os.Hostname(); err == nil {
		marker(runlog.KeyNode, host)
	}

	code := 0
	var runErr error
	proc, err := runner.NewRunner().Spawn(runner.Command{Path: args[0], Args: args[1:]}, out)
	if err != nil {
		code, runErr = 127, err
	} else {
		res, err := proc.Wait(ctx)
		if err != nil {
			return 0, err
		}
		code, runErr = res.ExitCode, res.Err
	}

	marker(runlog.KeyEndTime, runlog.FormatTime(time.Now()))
	marker(runlog.KeyExitStatus, strconv.Itoa(code))
	if runErr != nil {
		marker(runlog.KeyError, runErr.Error())
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		marker(k, attrs[k])
	}
	return code, nil
}
