package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/risklens/internal/bootstrap"
	"github.com/dunamismax/risklens/internal/config"
	"github.com/dunamismax/risklens/internal/lifecycle"
	"github.com/dunamismax/risklens/internal/logging"
	"github.com/dunamismax/risklens/internal/telemetry"
	"github.com/dunamismax/risklens/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logging.New("worker", cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("worker exited")
	}
}

func run(cfg config.Config, logger *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName + "-worker",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	// The worker only sees jobs the API persisted, so memory storage is
	// useless here.
	deps, err := bootstrap.Build(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer deps.Close()

	registry := prometheus.NewRegistry()
	controller := lifecycle.New(
		deps.Store,
		deps.Payment,
		deps.Analyzer,
		nil,
		deps.ControllerOptions(logger.WithField("component", "lifecycle"), registry),
	)

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, controller, registry)
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.WithFields(logrus.Fields{
		"concurrency":     cfg.Worker.Concurrency,
		"max_active_jobs": cfg.Worker.MaxActiveJobs,
		"queue":           cfg.Queue.Name,
		"redis":           cfg.Queue.RedisAddr,
	}).Info("starting worker")

	if err := srv.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.Worker.MetricsAddr).Info("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Shutdown waits for running tasks up to asynq's own timeout.
		srv.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()
		if err := controller.Close(shutdownCtx); err != nil {
			logger.WithError(err).Warn("controller close timed out")
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("metrics shutdown failed")
		}
		return nil
	})
	return g.Wait()
}
