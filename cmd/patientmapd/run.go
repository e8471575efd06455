package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/patientmap/patientmapd/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <patient-key>",
	Short: "Run the pipeline for a patient",
	Long: `Run the full intake, research, clinical, and reporting pipeline for one
patient. Phases already recorded on the patient's graph are skipped, so
an interrupted run picks up where it left off.

Examples:
  # Run with the default config
  patientmapd run P1

  # Run with an explicit config file
  patientmapd run --config /etc/patientmapd.yaml P1`,
	Args: cobra.ExactArgs(1),
	RunE: runPipeline,
}

func runPipeline(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Metrics.Enabled {
		startMetricsServer(ctx, a)
	}

	patientKey := args[0]
	a.sequencer.OnProgress(func(p pipeline.Progress) {
		fmt.Fprintf(cmd.OutOrStdout(), "[%3d%%] %s\n", p.Percentage, p.Message)
	})

	start := time.Now()
	out, err := a.sequencer.Run(ctx, patientKey)
	if err != nil {
		a.logger.Error(ctx, "pipeline failed",
			zap.String("patient", patientKey),
			zap.Error(err))
		for _, rec := range out.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s\n", rec.Code, rec.Message)
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s for %s in %s\n",
		out.Status, patientKey, time.Since(start).Round(time.Millisecond))
	return nil
}

// startMetricsServer serves Prometheus metrics until the run context ends.
func startMetricsServer(ctx context.Context, a *app) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Warn(ctx, "metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
