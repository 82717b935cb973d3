package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tickvault/internal/metrics"
	"tickvault/internal/scheduler"

	"github.com/spf13/cobra"
)

var syncOnce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Keep configured series warm on a cron schedule",
	Long:  "sync refreshes every series listed in SYNC_SERIES over its trailing\nlookback window. With --once a single pass runs and the command exits;\notherwise it runs on SYNC_SPEC until interrupted, serving /metrics and\n/healthz on METRICS_ADDR.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if len(a.cfg.SyncSeries) == 0 {
			return fmt.Errorf("no series configured: set SYNC_SERIES")
		}
		series := make([]scheduler.Series, 0, len(a.cfg.SyncSeries))
		for _, s := range a.cfg.SyncSeries {
			sr, err := scheduler.ParseSeries(s)
			if err != nil {
				return err
			}
			series = append(series, sr)
		}

		sched, err := scheduler.New(a.mgr, a.met, a.log, a.cfg.SyncSpec, series)
		if err != nil {
			return err
		}

		if syncOnce {
			sched.Sync(context.Background())
			return nil
		}

		health := metrics.NewHealthStatus()
		health.CheckSQLite(context.Background(), a.store.DB())
		health.StartLivenessChecker(context.Background(), a.store.DB(), 30*time.Second)
		srv := metrics.NewServer(a.cfg.MetricsAddr, a.reg, health, a.log)
		srv.Start()

		sched.Start()
		a.log.Info("sync running",
			slog.String("spec", a.cfg.SyncSpec),
			slog.Int("series", len(series)))

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop

		a.log.Info("shutting down")
		<-sched.Stop().Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(shutdownCtx)
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncOnce, "once", false, "run a single sync pass and exit")
	rootCmd.AddCommand(syncCmd)
}
