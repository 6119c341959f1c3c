package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/risklens/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func TestCheckAvailability(t *testing.T) {
	cases := map[string]struct {
		status  int
		body    string
		wantErr string
	}{
		"available":    {status: http.StatusOK, body: `{"status":"available"}`},
		"down":         {status: http.StatusServiceUnavailable, wantErr: "status=503"},
		"wrong status": {status: http.StatusOK, body: `{"status":"maintenance"}`, wantErr: "maintenance"},
		"not json":     {status: http.StatusOK, body: `<html>`, wantErr: "decode availability"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/availability", r.URL.Path)
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			err := checkAvailability(context.Background(), srv.Client(), srv.URL+"/")
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestRunRegistersAfterAvailabilityCheck(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"status":"available"}`)
	}))
	defer agent.Close()

	var registered atomic.Bool
	payments := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/register", r.URL.Path)
		registered.Store(true)
		w.WriteHeader(http.StatusCreated)
	}))
	defer payments.Close()

	var cfg config.Config
	cfg.Payment.ServiceURL = payments.URL
	cfg.Payment.AgentIdentifier = "agent-1"

	err := run(cfg, options{agentURL: agent.URL, timeout: 5 * time.Second}, quietEntry())
	require.NoError(t, err)
	assert.True(t, registered.Load())
}

func TestRunRequiresIdentity(t *testing.T) {
	var cfg config.Config
	cfg.Payment.ServiceURL = "http://payments.test"

	err := run(cfg, options{agentURL: "http://agent.test"}, quietEntry())
	assert.ErrorContains(t, err, "AGENT_IDENTIFIER")

	cfg.Payment.AgentIdentifier = "agent-1"
	err = run(cfg, options{}, quietEntry())
	assert.ErrorContains(t, err, "AGENT_URL")
}
