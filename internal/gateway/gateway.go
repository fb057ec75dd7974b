// Package gateway defines the narrow contract the connector needs from a
// payment service provider and a sandbox implementation of it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
)

var ErrUnknownProvider = errors.New("unknown payment provider")

// CaptureOutcome classifies a capture call that reached the gateway.
type CaptureOutcome int

const (
	// CaptureSucceeded means the gateway accepted the capture.
	CaptureSucceeded CaptureOutcome = iota
	// CaptureFailed means the gateway rejected the capture; it may be retried.
	CaptureFailed
	// CaptureConflict means the gateway already holds a capture for the
	// transaction, so this request changed nothing.
	CaptureConflict
)

func (o CaptureOutcome) String() string {
	switch o {
	case CaptureSucceeded:
		return "succeeded"
	case CaptureFailed:
		return "failed"
	case CaptureConflict:
		return "conflict"
	default:
		return fmt.Sprintf("CaptureOutcome(%d)", int(o))
	}
}

// CaptureResult is the gateway's answer to a capture request. Settled is set
// when the gateway confirmed settlement in the same call.
type CaptureResult struct {
	Outcome       CaptureOutcome
	Settled       bool
	TransactionID string
	Message       string
}

type AuthoriseRequest struct {
	ChargeExternalID string
	Amount           int64
	CardNumber       string
}

// AuthoriseResult carries the status the charge should move to.
type AuthoriseResult struct {
	Status        domain.ChargeStatus
	TransactionID string
}

type RefundRequest struct {
	RefundExternalID    string
	ChargeTransactionID string
	Amount              int64
}

type RefundResult struct {
	Status    domain.RefundStatus
	Reference string
}

// Client talks to one payment provider. Errors are transport or protocol
// failures; business outcomes are reported in the results.
type Client interface {
	Authorise(ctx context.Context, req AuthoriseRequest) (AuthoriseResult, error)
	Capture(ctx context.Context, charge *domain.Charge) (CaptureResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	QueryStatus(ctx context.Context, charge *domain.Charge) (domain.ChargeStatus, error)
}

// Registry resolves the client for a charge's payment provider.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

func (r *Registry) Register(provider string, client Client) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[provider] = client
	return r
}

func (r *Registry) For(provider string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return client, nil
}
