package payment

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

	"github.com/sirupsen/logrus"
)

const (
	HeaderToken = "token"

	pathCreatePayment = "/payment/"
	pathResolve       = "/payment/resolve-blockchain-identifier"
	pathSubmitResult  = "/payment/submit-result"
	pathRegisterAgent = "/agents/register"

	maxResponseBytes = 1 << 20
)

type Config struct {
	BaseURL         string
	APIKey          string
	AgentIdentifier string
	Network         string
	Timeout         time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	// PayByWindow and SubmitResultWindow are offsets from request creation
	// used to fill payByTime and submitResultTime.
	PayByWindow        time.Duration
	SubmitResultWindow time.Duration
}

// Client is a Provider backed by the Masumi payment service REST API.
type Client struct {
	httpClient         *http.Client
	logger             logrus.FieldLogger
	baseURL            string
	apiKey             string
	agentIdentifier    string
	network            string
	maxAttempts        int
	initialBackoff     time.Duration
	maxBackoff         time.Duration
	payByWindow        time.Duration
	submitResultWindow time.Duration
	now                func() time.Time
}

func NewClient(cfg Config, logger logrus.FieldLogger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("payment service url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 1 * time.Second
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}

	network := cfg.Network
	if network == "" {
		network = "Preprod"
	}

	payBy := cfg.PayByWindow
	if payBy <= 0 {
		payBy = 12 * time.Hour
	}
	submitBy := cfg.SubmitResultWindow
	if submitBy <= payBy {
		submitBy = payBy + 12*time.Hour
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:             logger,
		baseURL:            baseURL,
		apiKey:             cfg.APIKey,
		agentIdentifier:    cfg.AgentIdentifier,
		network:            network,
		maxAttempts:        maxAttempts,
		initialBackoff:     initialBackoff,
		maxBackoff:         maxBackoff,
		payByWindow:        payBy,
		submitResultWindow: submitBy,
		now:                time.Now,
	}, nil
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// flexString accepts both JSON strings and numbers; the provider reports
// timestamps as either depending on version.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(data)
	return nil
}

func (c *Client) CreateRequest(ctx context.Context, req Request) (PaymentRequest, error) {
	inputHash, err := HashInput(req.PurchaserReference, req.Input)
	if err != nil {
		return PaymentRequest{}, &ProviderError{Op: "create_request", Err: err}
	}

	now := c.now().UTC()
	body := map[string]any{
		"agentIdentifier":         c.agentIdentifier,
		"network":                 c.network,
		"inputHash":               inputHash,
		"identifierFromPurchaser": req.PurchaserReference,
		"payByTime":               now.Add(c.payByWindow).Format(time.RFC3339),
		"submitResultTime":        now.Add(c.submitResultWindow).Format(time.RFC3339),
		"metadata":                "job_id=" + req.JobID,
	}

	var data struct {
		BlockchainIdentifier      string     `json:"blockchainIdentifier"`
		PayByTime                 flexString `json:"payByTime"`
		SubmitResultTime          flexString `json:"submitResultTime"`
		UnlockTime                flexString `json:"unlockTime"`
		ExternalDisputeUnlockTime flexString `json:"externalDisputeUnlockTime"`
	}
	if _, err := c.do(ctx, "create_request", pathCreatePayment, body, &data, c.maxAttempts); err != nil {
		return PaymentRequest{}, err
	}
	if data.BlockchainIdentifier == "" {
		return PaymentRequest{}, &ProviderError{Op: "create_request", Err: errors.New("response is missing blockchainIdentifier")}
	}

	return PaymentRequest{
		Reference:                 data.BlockchainIdentifier,
		PayByTime:                 string(data.PayByTime),
		SubmitResultTime:          string(data.SubmitResultTime),
		UnlockTime:                string(data.UnlockTime),
		ExternalDisputeUnlockTime: string(data.ExternalDisputeUnlockTime),
		InputHash:                 inputHash,
	}, nil
}

// PollStatus makes a single attempt; callers own the retry cadence.
func (c *Client) PollStatus(ctx context.Context, reference string) (string, error) {
	body := map[string]any{
		"blockchainIdentifier": reference,
		"network":              c.network,
	}

	var data struct {
		OnChainState *string `json:"onChainState"`
	}
	if _, err := c.do(ctx, "poll_status", pathResolve, body, &data, 1); err != nil {
		return "", err
	}
	if data.OnChainState == nil || *data.OnChainState == "" {
		return "pending", nil
	}
	return *data.OnChainState, nil
}

func (c *Client) SubmitResult(ctx context.Context, reference, result string) (Submission, error) {
	resultHash := HashResult(result)
	body := map[string]any{
		"network":              c.network,
		"blockchainIdentifier": reference,
		"submitResultHash":     resultHash,
	}

	var data struct {
		ResultHash string `json:"resultHash"`
	}
	status, err := c.do(ctx, "submit_result", pathSubmitResult, body, &data, c.maxAttempts)
	if err != nil {
		return Submission{}, err
	}
	if data.ResultHash != "" {
		resultHash = data.ResultHash
	}
	return Submission{Status: status, ResultHash: resultHash}, nil
}

// do posts body to path and decodes the envelope's data into out, retrying
// transient failures with capped exponential backoff.
func (c *Client) do(ctx context.Context, op, path string, body, out any, attempts int) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", &ProviderError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
	}

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		status, err := c.send(ctx, op, path, payload, out)
		if err == nil {
			return status, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		lastErr = err
		if !IsTransient(err) || attempt == attempts {
			break
		}

		c.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"of":      attempts,
		}).WithError(err).Warn("payment provider call failed, retrying")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, c.maxBackoff)
	}

	return "", lastErr
}

func (c *Client) send(ctx context.Context, op, path string, payload []byte, out any) (string, error) {
	code, raw, err := c.exchange(ctx, op, http.MethodPost, path, payload)
	if err != nil {
		return "", err
	}
	if code < 200 || code >= 300 {
		return "", &ProviderError{
			Op:         op,
			StatusCode: code,
			Transient:  retryableStatus(code),
			Err:        fmt.Errorf("unexpected response: %s", truncate(string(raw), 256)),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", &ProviderError{Op: op, StatusCode: code, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return "", &ProviderError{Op: op, StatusCode: code, Err: fmt.Errorf("decode response data: %w", err)}
		}
	}
	return env.Status, nil
}

// exchange performs one request and returns the status code with the
// capped body. Only transport and read failures are errors here.
func (c *Client) exchange(ctx context.Context, op, method, path string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, &ProviderError{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderToken, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &ProviderError{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return 0, nil, &ProviderError{Op: op, StatusCode: resp.StatusCode, Transient: true, Err: fmt.Errorf("read response: %w", err)}
	}
	if len(raw) > maxResponseBytes {
		return 0, nil, &ProviderError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("response exceeds %d bytes", maxResponseBytes)}
	}
	return resp.StatusCode, raw, nil
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
