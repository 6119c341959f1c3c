package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
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

func analysisServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			InputData map[string]string `json:"input_data"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "addr_test1", body.InputData["wallet_address"])
		_, _ = io.WriteString(w, `{"wallet_address":"addr_test1","risk_score":72,"risk_category":"High"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunPrintsFormattedReport(t *testing.T) {
	srv := analysisServer(t)
	var cfg config.Config
	cfg.Analysis.ServiceURL = srv.URL

	var out bytes.Buffer
	err := run(cfg, options{wallet: " addr_test1 ", timeout: 5 * time.Second}, &out, quietEntry())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "addr_test1")
	assert.Contains(t, out.String(), "72")
	assert.Contains(t, out.String(), "High")
}

func TestRunPrintsRawJSON(t *testing.T) {
	srv := analysisServer(t)
	var cfg config.Config
	cfg.Analysis.ServiceURL = srv.URL

	var out bytes.Buffer
	err := run(cfg, options{wallet: "addr_test1", raw: true, timeout: 5 * time.Second}, &out, quietEntry())
	require.NoError(t, err)

	var report map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, "High", report["risk_category"])
}

func TestRunRequiresWallet(t *testing.T) {
	var cfg config.Config
	cfg.Analysis.ServiceURL = "http://analysis.test"

	err := run(cfg, options{}, io.Discard, quietEntry())
	assert.ErrorContains(t, err, "-wallet")
}
