package analysis

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	return newTestClientWithConfig(t, Config{APIKey: "secret"}, handler)
}

func newTestClientWithConfig(t *testing.T, cfg Config, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg.BaseURL = srv.URL + "/"
	client, err := NewClient(cfg, logger)
	require.NoError(t, err)
	return client
}

func TestRunReturnsObjectReport(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathAnalyze, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body struct {
			InputData map[string]string `json:"input_data"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "abc", body.InputData["target"])

		_, _ = io.WriteString(w, `{"score": 42, "risk_category": "Low"}`)
	})

	report, err := client.Run(context.Background(), map[string]string{"target": "abc"})
	require.NoError(t, err)
	assert.EqualValues(t, 42, report["score"])
	assert.Equal(t, "Low", report["risk_category"])
}

func TestRunWrapsNonObjectResponses(t *testing.T) {
	cases := map[string]struct {
		body string
		want any
	}{
		"json string": {body: `"looks fine"`, want: "looks fine"},
		"json array":  {body: `[1,2]`, want: []any{float64(1), float64(2)}},
		"plain text":  {body: "not json\n", want: "not json"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, tc.body)
			})

			report, err := client.Run(context.Background(), map[string]string{"target": "abc"})
			require.NoError(t, err)
			assert.Equal(t, tc.want, report["result"])
		})
	}
}

func TestRunFailsOnErrorStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "crew exploded", http.StatusInternalServerError)
	})

	_, err := client.Run(context.Background(), map[string]string{"target": "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500")
	assert.Contains(t, err.Error(), "crew exploded")
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.Error(t, err)
}

func TestRunRejectsOversizedReport(t *testing.T) {
	client := newTestClientWithConfig(t, Config{MaxResponseBytes: 64}, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"summary":"`+strings.Repeat("a", 128)+`"}`)
	})

	report, err := client.Run(context.Background(), map[string]string{"target": "abc"})
	require.ErrorIs(t, err, ErrResponseTooLarge)
	assert.Nil(t, report)
}

func TestRunAcceptsReportAtLimit(t *testing.T) {
	body := `{"summary":"` + strings.Repeat("a", 50) + `"}`
	client := newTestClientWithConfig(t, Config{MaxResponseBytes: int64(len(body))}, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, body)
	})

	report, err := client.Run(context.Background(), map[string]string{"target": "abc"})
	require.NoError(t, err)
	assert.Len(t, report["summary"], 50)
}
