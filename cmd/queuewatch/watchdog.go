package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Check the daemon's health endpoint and optionally restart it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		apiURL, _ := cmd.Flags().GetString("api")
		restart, _ := cmd.Flags().GetString("restart-cmd")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		if err := checkHealth(apiURL, timeout); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			return handleUnhealthy(restart)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchdogCmd)
	f := watchdogCmd.Flags()
	f.String("api", "http://localhost:8080", "queuewatch API URL")
	f.String("restart-cmd", "", "shell command to run if unhealthy")
	f.Duration("timeout", 5*time.Second, "health check timeout")
}

func checkHealth(apiURL string, timeout time.Duration) error {
	url := strings.TrimRight(apiURL, "/") + "/api/v1/health"
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func handleUnhealthy(restartCmd string) error {
	if restartCmd == "" {
		return &exitError{code: 1}
	}
	fmt.Fprintf(os.Stderr, "attempting restart: %s\n", restartCmd)
	cmd := exec.Command("sh", "-c", restartCmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("restart command failed: %w", err)
	}
	return nil
}
