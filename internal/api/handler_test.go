package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/capture"
	"github.com/alphagov-mirror/pay-connector/internal/domain"
	"github.com/alphagov-mirror/pay-connector/internal/observability"
)

type mockRunner struct {
	summary capture.RunSummary
	err     error
	calls   int
}

func (m *mockRunner) TryRunCapture(ctx context.Context) (capture.RunSummary, error) {
	m.calls++
	return m.summary, m.err
}

func newTestRouter(runner CaptureRunner, checks ...observability.HealthChecker) *chi.Mux {
	health := observability.NewHealthHandler()
	health.SetReady(true)
	for i, c := range checks {
		health.WithCheck(fmt.Sprintf("check-%d", i), c)
	}

	reg := prometheus.NewRegistry()
	return NewRouter(RouterConfig{
		Handler:       NewHandler(runner, zap.NewNop()),
		HealthHandler: health,
		Metrics:       observability.NewMetrics("test", reg),
		Gatherer:      reg,
		Logger:        zap.NewNop(),
	})
}

func TestHandler_TriggerCapture(t *testing.T) {
	runner := &mockRunner{summary: capture.RunSummary{
		RunID:         "runCapture-1",
		QueueSize:     4,
		Total:         3,
		Captured:      2,
		FailedCapture: 1,
	}}
	router := newTestRouter(runner)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/capture", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, rec.Code)
	}

	var resp CaptureRunResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.RunID != "runCapture-1" {
		t.Errorf("expected run id 'runCapture-1', got %q", resp.RunID)
	}
	if resp.Captured != 2 || resp.FailedCapture != 1 || resp.QueueSize != 4 {
		t.Errorf("unexpected summary: %+v", resp)
	}
	if runner.calls != 1 {
		t.Errorf("expected 1 run, got %d", runner.calls)
	}
}

func TestHandler_TriggerCapture_InProgress(t *testing.T) {
	runner := &mockRunner{err: fmt.Errorf("%w: fleet limit reached", domain.ErrCaptureInProgress)}
	router := newTestRouter(runner)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/capture", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("expected status %d, got %d", http.StatusConflict, rec.Code)
	}
}

func TestHandler_TriggerCapture_StoreFailure(t *testing.T) {
	runner := &mockRunner{err: errors.New("connection reset")}
	router := newTestRouter(runner)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/capture", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection reset") {
		t.Error("internal error leaked into response body")
	}
}

func TestHandler_TriggerCapture_MethodNotAllowed(t *testing.T) {
	router := newTestRouter(&mockRunner{})

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/capture", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestRouter_Healthcheck(t *testing.T) {
	router := newTestRouter(&mockRunner{})

	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestRouter_Ready_DatabaseDown(t *testing.T) {
	db := observability.HealthCheckFunc(func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	router := newTestRouter(&mockRunner{}, db)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestRouter_Metrics(t *testing.T) {
	router := newTestRouter(&mockRunner{})

	// One request so the HTTP counters have a sample to export.
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthcheck", nil))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_http_requests_total") {
		t.Error("expected http request counter in metrics output")
	}
}
