//go:generate mockgen -source=provider.go -destination=mock_provider.go -package=payment

// Package payment talks to the payment-settlement provider: it opens payment
// requests, reports their on-chain state and accepts result submissions.
package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Request struct {
	JobID              string
	PurchaserReference string
	Input              map[string]string
}

type PaymentRequest struct {
	Reference                 string
	PayByTime                 string
	SubmitResultTime          string
	UnlockTime                string
	ExternalDisputeUnlockTime string
	InputHash                 string
}

type Submission struct {
	Status     string
	ResultHash string
}

func (s Submission) Accepted() bool {
	return strings.EqualFold(s.Status, "success")
}

type Provider interface {
	CreateRequest(ctx context.Context, req Request) (PaymentRequest, error)
	PollStatus(ctx context.Context, reference string) (string, error)
	SubmitResult(ctx context.Context, reference, result string) (Submission, error)
}

var (
	ErrTransient = errors.New("transient provider error")
	ErrPermanent = errors.New("permanent provider error")
)

// ProviderError carries the failing operation and whether a retry could help.
type ProviderError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("payment %s: status=%d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("payment %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Transient
	case ErrPermanent:
		return !e.Transient
	}
	return false
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// On-chain states reported once the purchaser's funds are locked in escrow.
var confirmedStates = map[string]struct{}{
	"fundslocked": {},
	"paid":        {},
	"confirmed":   {},
}

// IsConfirmed reports whether a polled status means the payment settled.
func IsConfirmed(status string) bool {
	_, ok := confirmedStates[strings.ToLower(strings.TrimSpace(status))]
	return ok
}

// HashInput is the digest the provider binds a payment request to:
// sha256(purchaser + ";" + json(input)). Map keys are sorted by encoding/json.
func HashInput(purchaserReference string, input map[string]string) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal input: %w", err)
	}
	sum := sha256.Sum256([]byte(purchaserReference + ";" + string(body)))
	return hex.EncodeToString(sum[:]), nil
}

func HashResult(result string) string {
	sum := sha256.Sum256([]byte(result))
	return hex.EncodeToString(sum[:])
}
