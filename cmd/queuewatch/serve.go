package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/patrickspencer/queuewatch/internal/monitor"
	"github.com/patrickspencer/queuewatch/internal/schedule"
	"github.com/patrickspencer/queuewatch/internal/web"
	"github.com/patrickspencer/queuewatch/internal/web/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled monitoring cycles and serve the HTTP API",
	Long: `Run every enabled test's monitoring cycle on its cron schedule, clean up
old job logs periodically, and serve the HTTP API until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	log := rt.log

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		rt.cfg.Listen = listen
	}
	if err := os.MkdirAll(rt.cfg.BaseDir, 0755); err != nil {
		return err
	}

	timer := schedule.NewTimer(func(test string) {
		go runCycle(ctx, rt.mon, log, test)
	})
	for _, name := range rt.mon.Tests() {
		t, _ := rt.mon.Test(name)
		if err := timer.Add(name, t.Schedule); err != nil {
			log.Error("invalid schedule, test will not run", zap.String("test", name), zap.Error(err))
			continue
		}
		if next, ok := timer.NextRunTime(name); ok {
			log.Info("scheduled test", zap.String("test", name), zap.Time("next_run", next))
		}
	}
	timer.Start()
	defer timer.Stop()

	go cleanupLoop(ctx, rt, rt.cfg.CleanupEvery())

	a := api.New(rt.mon, rt.events, log.Named("api"))
	a.NextRunTime = timer.NextRunTime
	srv := web.NewServer(rt.cfg.Listen, a, log.Named("http"))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	log.Info("queuewatch started", zap.String("listen", rt.cfg.Listen), zap.Int("tests", len(rt.mon.Tests())))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown", zap.Error(err))
	}
	log.Info("queuewatch stopped")
	return nil
}

func runCycle(ctx context.Context, mon *monitor.Monitor, log *zap.Logger, test string) {
	if _, err := mon.RunCycle(ctx, test); err != nil {
		if errors.Is(err, monitor.ErrCycleInProgress) {
			log.Warn("previous cycle still running, skipping", zap.String("test", test))
			return
		}
		log.Error("cycle failed", zap.String("test", test), zap.Error(err))
	}
}

func cleanupLoop(ctx context.Context, rt *runtime, every time.Duration) {
	clean := func() {
		removed, err := rt.mon.Logs().Cleanup()
		if err != nil {
			rt.log.Warn("job log cleanup failed", zap.Error(err))
			return
		}
		if removed > 0 {
			rt.log.Info("job logs removed", zap.Int("count", removed))
		}
	}
	clean()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			clean()
		}
	}
}
