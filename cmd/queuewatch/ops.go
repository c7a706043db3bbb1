package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/patrickspencer/queuewatch/internal/report"
	"github.com/patrickspencer/queuewatch/internal/stats"
	"github.com/patrickspencer/queuewatch/internal/store"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one monitoring cycle for a test",
	Long: `Reconcile completed jobs, harvest statistics, top up the queue and
publish artifacts for one test, then print the cycle result as JSON.
This is the command installed into crontab by cron-install.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := rt.mon.RunCycle(cmd.Context(), testFlag(cmd))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit one job for a test",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		rec, err := rt.mon.Submit(cmd.Context(), testFlag(cmd))
		if err != nil {
			return err
		}
		if !rec.Accepted() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%d rejected (status %d)\n", rec.Test, rec.Counter, rec.SubmitStatus)
			for _, line := range rec.SubmitOutput {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", line)
			}
			return &exitError{code: 1}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s/%d submitted as job %s\n", rec.Test, rec.Counter, rec.SchedulerJobID)
		return nil
	},
}

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Compute and append one statistics row for a test",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		row, err := rt.mon.Harvest(cmd.Context(), testFlag(cmd))
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(stats.EncodeRow(row))
		return err
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the report for a test",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		name := testFlag(cmd)
		t, ok := rt.mon.Test(name)
		if !ok {
			return fmt.Errorf("unknown test %q", name)
		}
		s, err := rt.mon.Assembler().Build(cmd.Context(), t)
		if err != nil {
			return err
		}
		var r report.Renderer = report.TextRenderer{}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			r = report.JSONRenderer{}
		}
		return r.Render(cmd.OutOrStdout(), s)
	},
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List the newest job records of a test",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		records, err := rt.store.Query(cmd.Context(), testFlag(cmd), store.Query{Limit: limit})
		if err != nil {
			return err
		}
		return writeRecords(cmd.OutOrStdout(), records)
	},
}

func init() {
	for _, c := range []*cobra.Command{cycleCmd, submitCmd, harvestCmd, reportCmd, recordsCmd} {
		c.Flags().String("test", "", "test name")
		_ = c.MarkFlagRequired("test")
		rootCmd.AddCommand(c)
	}
	reportCmd.Flags().Bool("json", false, "print the report as JSON")
	recordsCmd.Flags().Int("limit", 20, "number of records to show (0 for all)")
}

func testFlag(cmd *cobra.Command) string {
	name, _ := cmd.Flags().GetString("test")
	return name
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRecords(w io.Writer, records []*store.JobRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COUNTER\tJOB ID\tSTATE\tSUBMITTED\tRUNTIME\tEXIT\tNODE\t")
	for _, r := range records {
		jobID := r.SchedulerJobID
		if jobID == "" {
			jobID = "-"
		}
		took := "-"
		if d, ok := r.Runtime(); ok {
			took = d.String()
		}
		exit := "-"
		if r.Completed {
			exit = fmt.Sprint(r.ExitStatus)
		}
		node := r.Node
		if node == "" {
			node = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			r.Counter, jobID, r.State(), r.SubmitTime.Format(time.RFC3339), took, exit, node)
	}
	return tw.Flush()
}
