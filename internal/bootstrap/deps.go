// Package bootstrap wires the adapters both binaries share from config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/risklens/internal/analysis"
	"github.com/dunamismax/risklens/internal/config"
	"github.com/dunamismax/risklens/internal/lifecycle"
	"github.com/dunamismax/risklens/internal/payment"
	"github.com/dunamismax/risklens/internal/storage"
	"github.com/dunamismax/risklens/internal/store"
	"github.com/dunamismax/risklens/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Dependencies struct {
	Store    store.JobStore
	Payment  *payment.Client
	Analyzer *analysis.Client

	postgres   *store.PostgresJobStore
	archiver   *storage.Client
	webhook    *webhook.Client
	webhookURL string
}

// Build connects the job store, payment and analysis clients and, when
// configured, the report archive and webhook. requireDurable refuses the
// in-memory store.
func Build(ctx context.Context, cfg config.Config, logger logrus.FieldLogger, requireDurable bool) (*Dependencies, error) {
	deps := &Dependencies{}

	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		deps.postgres = pg
		deps.Store = pg
	} else {
		if requireDurable {
			return nil, errors.New("POSTGRES_DSN is required")
		}
		logger.Warn("POSTGRES_DSN not set, jobs are kept in memory and lost on restart")
		deps.Store = store.NewMemoryJobStore()
	}

	var err error
	deps.Payment, err = payment.NewClient(payment.Config{
		BaseURL:            cfg.Payment.ServiceURL,
		APIKey:             cfg.Payment.APIKey,
		AgentIdentifier:    cfg.Payment.AgentIdentifier,
		Network:            cfg.Payment.Network,
		Timeout:            cfg.Payment.Timeout,
		MaxAttempts:        cfg.Payment.MaxAttempts,
		InitialBackoff:     cfg.Payment.InitialBackoff,
		MaxBackoff:         cfg.Payment.MaxBackoff,
		PayByWindow:        cfg.Payment.PayByWindow,
		SubmitResultWindow: cfg.Payment.SubmitResultWindow,
	}, logger.WithField("component", "payment"))
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("payment client: %w", err)
	}

	deps.Analyzer, err = analysis.NewClient(analysis.Config{
		BaseURL:          cfg.Analysis.ServiceURL,
		APIKey:           cfg.Analysis.APIKey,
		Timeout:          cfg.Analysis.Timeout,
		MaxResponseBytes: cfg.Analysis.MaxResponseBytes,
	}, logger.WithField("component", "analysis"))
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("analysis client: %w", err)
	}

	if cfg.Storage.Endpoint != "" {
		archive, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("storage client: %w", err)
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			deps.Close()
			return nil, fmt.Errorf("ensure bucket %s: %w", archive.Bucket(), err)
		}
		deps.archiver = archive
	}

	if cfg.Webhook.URL != "" {
		deps.webhook = webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		}, logger.WithField("component", "webhook"))
		deps.webhookURL = cfg.Webhook.URL
	}

	return deps, nil
}

// ControllerOptions fills the optional collaborators. Disabled ones stay
// nil interfaces, never typed nils.
func (d *Dependencies) ControllerOptions(logger logrus.FieldLogger, reg prometheus.Registerer) lifecycle.Options {
	opts := lifecycle.Options{
		Logger:     logger,
		Registerer: reg,
	}
	if d.archiver != nil {
		opts.Archiver = d.archiver
	}
	if d.webhook != nil {
		opts.Webhook = d.webhook
		opts.WebhookURL = d.webhookURL
	}
	return opts
}

// Ready reports whether the durable store answers.
func (d *Dependencies) Ready(ctx context.Context) error {
	if d.postgres == nil {
		return nil
	}
	return d.postgres.Ping(ctx)
}

func (d *Dependencies) Close() {
	if d.postgres != nil {
		_ = d.postgres.Close()
	}
}
