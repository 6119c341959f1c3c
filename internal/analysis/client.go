// Package analysis calls the remote risk-analysis crew service. The analysis
// itself is opaque: the client posts the job input and returns whatever
// structured report comes back.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/risklens/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	pathAnalyze = "/analyze"

	defaultMaxResponseBytes = 8 << 20
)

// ErrResponseTooLarge means the analysis output exceeded the configured cap.
// A truncated report is never returned.
var ErrResponseTooLarge = errors.New("analysis response too large")

type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds a single analysis run. Crew runs are slow, so the
	// default is generous.
	Timeout time.Duration
	// MaxResponseBytes caps the report body. Defaults to 8 MiB.
	MaxResponseBytes int64
}

type Client struct {
	httpClient *http.Client
	logger     logrus.FieldLogger
	baseURL    string
	apiKey     string
	maxBody    int64
}

func NewClient(cfg Config, logger logrus.FieldLogger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("analysis service url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	maxBody := cfg.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = defaultMaxResponseBytes
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		maxBody:    maxBody,
	}, nil
}

// Run posts input to the analysis service. A response body that is not a JSON
// object is wrapped as {"result": body}.
func (c *Client) Run(ctx context.Context, input map[string]string) (domain.Report, error) {
	payload, err := json.Marshal(map[string]any{"input_data": input})
	if err != nil {
		return nil, fmt.Errorf("marshal analysis input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathAnalyze, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call analysis service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read analysis response: %w", err)
	}
	if int64(len(raw)) > c.maxBody {
		return nil, fmt.Errorf("%w: status=%d, more than %d bytes", ErrResponseTooLarge, resp.StatusCode, c.maxBody)
	}

	c.logger.WithFields(logrus.Fields{
		"status_code": resp.StatusCode,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Debug("analysis service responded")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := strings.TrimSpace(string(raw))
		if len(body) > 256 {
			body = body[:256] + "..."
		}
		return nil, fmt.Errorf("analysis service returned status=%d: %s", resp.StatusCode, body)
	}

	var report domain.Report
	if err := json.Unmarshal(raw, &report); err == nil && report != nil {
		return report, nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return domain.Report{"result": strings.TrimSpace(string(raw))}, nil
	}
	return domain.Report{"result": value}, nil
}
