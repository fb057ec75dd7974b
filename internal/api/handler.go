// Package api serves the connector's operational HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/capture"
	"github.com/alphagov-mirror/pay-connector/internal/domain"
	"github.com/alphagov-mirror/pay-connector/internal/refund"
)

// CaptureRunner runs one capture batch on demand.
type CaptureRunner interface {
	TryRunCapture(ctx context.Context) (capture.RunSummary, error)
}

// Refunder submits refunds and applies refund notifications.
type Refunder interface {
	Submit(ctx context.Context, chargeExternalID string, req refund.Request) (*domain.Refund, error)
	ApplyNotification(ctx context.Context, refundExternalID string, status domain.RefundStatus) (*domain.Refund, error)
}

// HistoryReplayer re-queues the events implied by a charge's history.
type HistoryReplayer interface {
	ReplayCharge(ctx context.Context, chargeExternalID string) (int, error)
}

type Handler struct {
	capture  CaptureRunner
	refunds  Refunder
	replayer HistoryReplayer
	logger   *zap.Logger
}

func NewHandler(runner CaptureRunner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		capture: runner,
		logger:  logger,
	}
}

// WithRefunds enables the refund endpoints.
func (h *Handler) WithRefunds(r Refunder) *Handler {
	h.refunds = r
	return h
}

// WithReplay enables the charge history replay endpoint.
func (h *Handler) WithReplay(r HistoryReplayer) *Handler {
	h.replayer = r
	return h
}

type CaptureRunResponse struct {
	RunID            string `json:"run_id"`
	QueueSize        int    `json:"queue_size"`
	WaitingQueueSize int    `json:"waiting_queue_size"`
	Total            int    `json:"total"`
	Captured         int    `json:"captured"`
	Skipped          int    `json:"skipped"`
	CaptureError     int    `json:"capture_error"`
	FailedCapture    int    `json:"failed_capture"`
}

// TriggerCapture runs a capture batch. It answers 409 when a run is already
// in flight on this instance or the fleet limit is reached.
func (h *Handler) TriggerCapture(w http.ResponseWriter, r *http.Request) {
	summary, err := h.capture.TryRunCapture(r.Context())
	if errors.Is(err, domain.ErrCaptureInProgress) {
		h.respondError(w, http.StatusConflict, "capture already in progress")
		return
	}
	if err != nil {
		h.logger.Error("capture run failed", zap.String("run_id", summary.RunID), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "capture run failed")
		return
	}

	h.respondJSON(w, http.StatusAccepted, CaptureRunResponse{
		RunID:            summary.RunID,
		QueueSize:        summary.QueueSize,
		WaitingQueueSize: summary.WaitingQueueSize,
		Total:            summary.Total,
		Captured:         summary.Captured,
		Skipped:          summary.Skipped,
		CaptureError:     summary.Errored,
		FailedCapture:    summary.FailedCapture,
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}
