package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/invoice-inspector/internal/bootstrap"
	"github.com/kirillkom/invoice-inspector/internal/config"
	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/observability/logging"
	"github.com/kirillkom/invoice-inspector/internal/observability/metrics"
)

const serviceName = "inspector-worker"

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger(serviceName, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		Service:              serviceName,
		OnBreakerStateChange: workerMetrics.ObserveBreakerState,
		Observer:             workerMetrics,
	})
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		slog.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		slog.Info("worker_subscribed", "subject", cfg.NATSJobsSubject)
		return app.Queue.SubscribeExtractionJobs(groupCtx, func(handlerCtx context.Context, job domain.ExtractionJob) error {
			if !job.QueuedAt.IsZero() {
				workerMetrics.ObserveQueueLag(time.Since(job.QueuedAt))
			}
			processCtx, cancel := context.WithTimeout(handlerCtx, cfg.ExtractionTimeout)
			defer cancel()

			workerMetrics.StartJob()
			started := time.Now()
			err := app.Processor.Process(processCtx, job)
			workerMetrics.FinishJob(time.Since(started), err)
			return err
		})
	})

	group.Go(func() error {
		runEvery(groupCtx, cfg.SchedulerInterval, func(tickCtx context.Context) {
			dispatched, err := app.Scheduler.Tick(tickCtx)
			workerMetrics.RecordDispatched(dispatched)
			if err != nil {
				slog.Warn("scheduler_tick_failed", "dispatched", dispatched, "error", err)
			}
		})
		return nil
	})

	group.Go(func() error {
		runEvery(groupCtx, cfg.WatchdogInterval, func(tickCtx context.Context) {
			recovered, err := app.Watchdog.Sweep(tickCtx)
			workerMetrics.RecordTimeouts(recovered)
			if err != nil {
				slog.Warn("watchdog_sweep_failed", "recovered", recovered, "error", err)
			}
		})
		return nil
	})

	if err := group.Wait(); err != nil {
		slog.Error("worker_stopped", "error", err)
		os.Exit(1)
	}
}

// runEvery calls fn on every tick until ctx is done. Runs do not overlap.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
