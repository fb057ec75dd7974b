package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
	"github.com/alphagov-mirror/pay-connector/internal/refund"
	"github.com/alphagov-mirror/pay-connector/internal/resilience"
)

type SubmitRefundRequest struct {
	Amount                int64  `json:"amount"`
	RefundAmountAvailable int64  `json:"refund_amount_available"`
	UserExternalID        string `json:"user_external_id,omitempty"`
}

type RefundNotificationRequest struct {
	Status string `json:"status"`
}

type RefundResponse struct {
	RefundID             string    `json:"refund_id"`
	ChargeID             string    `json:"charge_id"`
	Amount               int64     `json:"amount"`
	Status               string    `json:"status"`
	GatewayTransactionID string    `json:"gateway_transaction_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

type ReplayResponse struct {
	ChargeID  string `json:"charge_id"`
	Emissions int    `json:"emissions"`
}

// SubmitRefund refunds part or all of a captured charge. A refund the gateway
// rejected is recorded and answered with 500.
func (h *Handler) SubmitRefund(w http.ResponseWriter, r *http.Request) {
	if h.refunds == nil {
		h.respondError(w, http.StatusNotImplemented, "refunds are not enabled")
		return
	}
	chargeID := chi.URLParam(r, "chargeId")

	var req SubmitRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.refunds.Submit(r.Context(), chargeID, refund.Request{
		Amount:          req.Amount,
		AmountAvailable: req.RefundAmountAvailable,
		UserExternalID:  req.UserExternalID,
	})
	if err != nil {
		h.respondDomainError(w, err, "refund failed", zap.String("charge_id", chargeID))
		return
	}

	status := http.StatusAccepted
	if created.Status == domain.RefundStatusError {
		status = http.StatusInternalServerError
	}
	h.respondJSON(w, status, toRefundResponse(created))
}

// NotifyRefund applies the gateway's final status for a submitted refund.
func (h *Handler) NotifyRefund(w http.ResponseWriter, r *http.Request) {
	if h.refunds == nil {
		h.respondError(w, http.StatusNotImplemented, "refunds are not enabled")
		return
	}
	refundID := chi.URLParam(r, "refundId")

	var req RefundNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status := domain.RefundStatus(req.Status)
	if status != domain.RefundStatusRefunded && status != domain.RefundStatusError {
		h.respondError(w, http.StatusBadRequest, "status must be REFUNDED or REFUND ERROR")
		return
	}

	updated, err := h.refunds.ApplyNotification(r.Context(), refundID, status)
	if err != nil {
		h.respondDomainError(w, err, "refund notification failed", zap.String("refund_id", refundID))
		return
	}
	h.respondJSON(w, http.StatusOK, toRefundResponse(updated))
}

// ReplayChargeEvents queues a charge's events for re-emission. Events the
// ledger already holds are not published again.
func (h *Handler) ReplayChargeEvents(w http.ResponseWriter, r *http.Request) {
	if h.replayer == nil {
		h.respondError(w, http.StatusNotImplemented, "history replay is not enabled")
		return
	}
	chargeID := chi.URLParam(r, "chargeId")

	n, err := h.replayer.ReplayCharge(r.Context(), chargeID)
	if err != nil {
		h.respondDomainError(w, err, "history replay failed", zap.String("charge_id", chargeID))
		return
	}
	h.respondJSON(w, http.StatusAccepted, ReplayResponse{ChargeID: chargeID, Emissions: n})
}

func (h *Handler) respondDomainError(w http.ResponseWriter, err error, message string, fields ...zap.Field) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrRefundNotAvailable):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrRefundAmountMismatch):
		h.respondError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConflict):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, resilience.ErrCircuitOpen):
		h.respondError(w, http.StatusServiceUnavailable, "gateway unavailable")
	default:
		h.logger.Error(message, append(fields, zap.Error(err))...)
		h.respondError(w, http.StatusInternalServerError, message)
	}
}

func toRefundResponse(r *domain.Refund) RefundResponse {
	return RefundResponse{
		RefundID:             r.ExternalID,
		ChargeID:             r.ChargeExternalID,
		Amount:               r.Amount,
		Status:               string(r.Status),
		GatewayTransactionID: r.GatewayReference,
		CreatedAt:            r.CreatedAt,
	}
}
