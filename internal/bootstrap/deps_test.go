package bootstrap

import (
	"context"
	"io"
	"testing"

	"github.com/dunamismax/risklens/internal/config"
	"github.com/dunamismax/risklens/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func baseConfig() config.Config {
	var cfg config.Config
	cfg.Payment.ServiceURL = "http://payment.local/api/v1"
	cfg.Analysis.ServiceURL = "http://analysis.local"
	return cfg
}

func TestBuildFallsBackToMemoryStore(t *testing.T) {
	deps, err := Build(context.Background(), baseConfig(), quietLogger(), false)
	require.NoError(t, err)
	defer deps.Close()

	assert.IsType(t, &store.MemoryJobStore{}, deps.Store)
	assert.NotNil(t, deps.Payment)
	assert.NotNil(t, deps.Analyzer)
	assert.NoError(t, deps.Ready(context.Background()))
}

func TestBuildRequiresDurableStoreWhenAsked(t *testing.T) {
	_, err := Build(context.Background(), baseConfig(), quietLogger(), true)
	assert.ErrorContains(t, err, "POSTGRES_DSN")
}

func TestBuildRejectsMissingServiceURLs(t *testing.T) {
	cfg := baseConfig()
	cfg.Analysis.ServiceURL = ""
	_, err := Build(context.Background(), cfg, quietLogger(), false)
	assert.ErrorContains(t, err, "analysis client")
}

func TestControllerOptionsLeavesDisabledCollaboratorsNil(t *testing.T) {
	deps, err := Build(context.Background(), baseConfig(), quietLogger(), false)
	require.NoError(t, err)

	opts := deps.ControllerOptions(quietLogger(), nil)
	assert.Nil(t, opts.Archiver)
	assert.Nil(t, opts.Webhook)
	assert.Empty(t, opts.WebhookURL)
}

func TestControllerOptionsWiresWebhook(t *testing.T) {
	cfg := baseConfig()
	cfg.Webhook.URL = "http://hooks.local/risklens"
	deps, err := Build(context.Background(), cfg, quietLogger(), false)
	require.NoError(t, err)

	opts := deps.ControllerOptions(quietLogger(), nil)
	assert.NotNil(t, opts.Webhook)
	assert.Equal(t, "http://hooks.local/risklens", opts.WebhookURL)
}
