package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/risklens/internal/api"
	"github.com/dunamismax/risklens/internal/bootstrap"
	"github.com/dunamismax/risklens/internal/config"
	"github.com/dunamismax/risklens/internal/lifecycle"
	"github.com/dunamismax/risklens/internal/logging"
	"github.com/dunamismax/risklens/internal/monitor"
	"github.com/dunamismax/risklens/internal/queue"
	"github.com/dunamismax/risklens/internal/ratelimit"
	"github.com/dunamismax/risklens/internal/status"
	"github.com/dunamismax/risklens/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logging.New("api", cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("api exited")
	}
}

func run(cfg config.Config, logger *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName + "-api",
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

	deps, err := bootstrap.Build(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mon := monitor.New(logger.WithField("component", "monitor"), deps.Payment, monitor.Config{
		PollInterval:   cfg.Monitor.PollInterval,
		MaxWait:        cfg.Monitor.MaxWait,
		OnErrorBackoff: cfg.Monitor.OnErrorBackoff,
	}, registry)

	opts := deps.ControllerOptions(logger.WithField("component", "lifecycle"), registry)
	if cfg.API.DispatchMode == config.DispatchQueue {
		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, queue.Options{
			MaxRetry: cfg.Queue.MaxRetry,
			Timeout:  cfg.Queue.TaskTimeout,
		}, logger.WithField("component", "queue"))
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.WithError(err).Warn("queue client close failed")
			}
		}()
		opts.Dispatcher = queueClient
	}
	controller := lifecycle.New(deps.Store, deps.Payment, deps.Analyzer, mon, opts)

	if cfg.API.ResumeWatches {
		resumed, err := controller.Resume(ctx)
		if err != nil {
			logger.WithError(err).Warn("resume payment watches failed")
		} else if resumed > 0 {
			logger.WithField("jobs", resumed).Info("resumed payment watches")
		}
	}

	var limiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()
		fw, err := ratelimit.NewFixedWindow(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.KeyPrefix)
		if err != nil {
			return err
		}
		limiter = fw
	}

	app := api.NewServer(
		controller,
		status.NewService(deps.Store, deps.Payment, mon, logger.WithField("component", "status")),
		deps.Store,
		api.Options{
			Logger:                 logger,
			AgentIdentifier:        cfg.Payment.AgentIdentifier,
			SellerVKey:             cfg.Payment.SellerVKey,
			RateLimiter:            limiter,
			RateLimitSubjectHeader: cfg.RateLimit.SubjectHeader,
			Registry:               registry,
			Ready:                  deps.Ready,
		},
	)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"addr":          cfg.API.Addr,
			"dispatch_mode": cfg.API.DispatchMode,
		}).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http shutdown failed")
		}
		// Stop watches first so no new pipeline starts while draining.
		mon.Close()
		if err := controller.Close(shutdownCtx); err != nil {
			logger.WithError(err).Warn("in-flight jobs did not finish before shutdown timeout")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		logger.Info("stopped")
	}
	return nil
}
