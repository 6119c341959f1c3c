package payment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAgentCreates(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, pathRegisterAgent, r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get(HeaderToken))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	})

	outcome, err := client.RegisterAgent(context.Background(), Agent{URL: "https://agent.example/", SellerVKey: "vkey-1"})
	require.NoError(t, err)
	assert.Equal(t, RegistrationCreated, outcome)
	assert.Equal(t, "agent-1", got["agentIdentifier"])
	assert.Equal(t, "https://agent.example", got["agentUrl"])
	assert.Equal(t, "vkey-1", got["sellerVKey"])
	assert.Equal(t, "Preprod", got["network"])
}

func TestRegisterAgentUpdatesOnConflict(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"error":"exists"}`)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	outcome, err := client.RegisterAgent(context.Background(), Agent{URL: "https://agent.example"})
	require.NoError(t, err)
	assert.Equal(t, RegistrationUpdated, outcome)
	assert.Equal(t, []string{"POST /agents/register", "PUT /agents/agent-1"}, calls)
}

func TestRegisterAgentReportsRejection(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, "bad key")
	})

	_, err := client.RegisterAgent(context.Background(), Agent{URL: "https://agent.example"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorContains(t, err, "status=401")
}

func TestRegisterAgentRequiresURL(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
	})

	_, err := client.RegisterAgent(context.Background(), Agent{URL: "  "})
	assert.ErrorContains(t, err, "agent url is required")
}

func TestOversizedResponseIsRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"status":"success","data":{"onChainState":"`)
		_, _ = io.WriteString(w, strings.Repeat("x", maxResponseBytes))
		_, _ = io.WriteString(w, `"}}`)
	})

	_, err := client.PollStatus(context.Background(), "bc-1")
	require.Error(t, err)
	assert.ErrorContains(t, err, "response exceeds")
	assert.False(t, IsTransient(err))
}
