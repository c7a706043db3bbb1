package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/patrickspencer/queuewatch/internal/config"
)

const (
	cronBeginMarker = "# --- queuewatch managed begin ---"
	cronEndMarker   = "# --- queuewatch managed end ---"
	cronTag         = "#queuewatch"
)

var cronInstallCmd = &cobra.Command{
	Use:   "cron-install",
	Short: "Install one crontab entry per enabled test",
	Long: `Write a managed section into the user's crontab that runs
"queuewatch cycle" for every enabled test on its schedule. Lines outside the
managed section are preserved.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tests, err := config.LoadTests(cfg.TestsDir)
		if err != nil {
			return err
		}

		bin, err := os.Executable()
		if err != nil {
			bin = "queuewatch"
		}
		section, n := buildCrontabSection(tests, bin, cfg.Path)
		out := cmd.OutOrStdout()

		if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
			fmt.Fprintln(out, "--- dry run: would install the following crontab section ---")
			fmt.Fprint(out, section)
			return nil
		}

		existing, err := readCrontab()
		if err != nil {
			return fmt.Errorf("read crontab: %w", err)
		}
		if err := writeCrontab(mergeCrontab(existing, section)); err != nil {
			return fmt.Errorf("write crontab: %w", err)
		}
		fmt.Fprintf(out, "installed %d test(s) into crontab\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cronInstallCmd)
	cronInstallCmd.Flags().Bool("dry-run", false, "print the managed section without modifying crontab")
}

// buildCrontabSection renders the managed block and returns how many tests
// it schedules. Disabled tests are left out. An empty cfgPath leaves the
// entries on the default configuration lookup.
func buildCrontabSection(tests []*config.Test, bin, cfgPath string) (string, int) {
	var b strings.Builder
	b.WriteString(cronBeginMarker + "\n")
	n := 0
	for _, t := range tests {
		if !t.IsEnabled() {
			continue
		}
		line := fmt.Sprintf("%s %s cycle --test %s", t.Schedule, bin, t.Name)
		if cfgPath != "" {
			line += " --config " + cfgPath
		}
		b.WriteString(line + "  " + cronTag + "\n")
		n++
	}
	b.WriteString(cronEndMarker + "\n")
	return b.String(), n
}

func readCrontab() (string, error) {
	cmd := exec.Command("crontab", "-l")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		// crontab -l fails when no crontab exists yet.
		return "", nil
	}
	return out.String(), nil
}

func writeCrontab(content string) error {
	cmd := exec.Command("crontab", "-")
	cmd.Stdin = strings.NewReader(content)
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// mergeCrontab replaces the managed section of existing with managed,
// keeping every other line in place. Without a managed section the block
// is appended.
func mergeCrontab(existing, managed string) string {
	var before, after []string
	inManaged, found := false, false

	for _, line := range strings.Split(existing, "\n") {
		switch strings.TrimSpace(line) {
		case cronBeginMarker:
			inManaged, found = true, true
			continue
		case cronEndMarker:
			inManaged = false
			continue
		}
		switch {
		case inManaged:
		case !found:
			before = append(before, line)
		default:
			after = append(after, line)
		}
	}

	var result strings.Builder
	if s := strings.TrimRight(strings.Join(before, "\n"), "\n"); s != "" {
		result.WriteString(s + "\n")
	}
	result.WriteString(managed)
	if s := strings.TrimLeft(strings.Join(after, "\n"), "\n"); s != "" {
		result.WriteString(s)
	}

	s := result.String()
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
