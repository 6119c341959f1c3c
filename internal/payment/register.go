package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const pathAgents = "/agents/"

type Registration string

const (
	RegistrationCreated Registration = "registered"
	RegistrationUpdated Registration = "updated"
)

// Agent is the listing announced to the payment service.
type Agent struct {
	URL        string
	SellerVKey string
}

// RegisterAgent announces the agent under the configured identifier. An
// identifier the service already knows is updated in place.
func (c *Client) RegisterAgent(ctx context.Context, agent Agent) (Registration, error) {
	const op = "register_agent"

	if c.agentIdentifier == "" {
		return "", &ProviderError{Op: op, Err: errors.New("agent identifier is required")}
	}
	if strings.TrimSpace(agent.URL) == "" {
		return "", &ProviderError{Op: op, Err: errors.New("agent url is required")}
	}

	payload, err := json.Marshal(map[string]any{
		"agentIdentifier": c.agentIdentifier,
		"agentUrl":        strings.TrimRight(agent.URL, "/"),
		"sellerVKey":      agent.SellerVKey,
		"network":         c.network,
	})
	if err != nil {
		return "", &ProviderError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
	}

	code, raw, err := c.exchange(ctx, op, http.MethodPost, pathRegisterAgent, payload)
	if err != nil {
		return "", err
	}
	switch {
	case code == http.StatusOK || code == http.StatusCreated:
		return RegistrationCreated, nil
	case code != http.StatusConflict:
		return "", registrationError(op, code, raw)
	}

	c.logger.WithField("agent_identifier", c.agentIdentifier).Info("agent already registered, updating")

	code, raw, err = c.exchange(ctx, op, http.MethodPut, pathAgents+url.PathEscape(c.agentIdentifier), payload)
	if err != nil {
		return "", err
	}
	if code != http.StatusOK && code != http.StatusNoContent {
		return "", registrationError(op, code, raw)
	}
	return RegistrationUpdated, nil
}

func registrationError(op string, code int, raw []byte) error {
	return &ProviderError{
		Op:         op,
		StatusCode: code,
		Transient:  retryableStatus(code),
		Err:        fmt.Errorf("unexpected response: %s", truncate(string(raw), 256)),
	}
}
