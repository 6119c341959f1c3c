package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartJobRequestValidate(t *testing.T) {
	valid := StartJobRequest{
		IdentifierFromPurchaser: "exchange_kyc_check_001",
		InputData:               map[string]string{"wallet_address": "addr_test1qz"},
	}
	require.NoError(t, valid.Validate())

	cases := map[string]StartJobRequest{
		"empty request":     {},
		"missing purchaser": {InputData: map[string]string{"target": "abc"}},
		"missing input":     {IdentifierFromPurchaser: "p-1"},
		"blank value":       {IdentifierFromPurchaser: "p-1", InputData: map[string]string{"target": "  "}},
		"blank key":         {IdentifierFromPurchaser: "p-1", InputData: map[string]string{"": "abc"}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			err := req.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobStatusAwaitingPayment.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
}

func TestParseJobStatus(t *testing.T) {
	status, err := ParseJobStatus(" Running ")
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, status)

	_, err = ParseJobStatus("queued")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestJobCloneDoesNotShareMaps(t *testing.T) {
	job := Job{
		ID:     "job-1",
		Input:  map[string]string{"target": "abc"},
		Result: Report{"score": 42},
	}

	clone := job.Clone()
	clone.Input["target"] = "changed"
	clone.Result["score"] = 7

	assert.Equal(t, "abc", job.Input["target"])
	assert.Equal(t, 42, job.Result["score"])
	assert.Nil(t, clone.UndeliveredResult)
}
