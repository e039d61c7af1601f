package routes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/resourcerent/api/controllers"
	"github.com/angelmondragon/resourcerent/pkg/config"
	"github.com/angelmondragon/resourcerent/pkg/logger"
	"github.com/angelmondragon/resourcerent/pkg/metrics"
)

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error {
	return s.err
}

func newTestRouter(deps map[string]controllers.Pinger) (http.Handler, *prometheus.Registry) {
	cfg := &config.Config{App: config.AppConfig{Env: "test"}}
	reg := prometheus.NewRegistry()
	return NewRouter(cfg, logger.Nop(), deps, reg), reg
}

func TestHealthLive(t *testing.T) {
	router, _ := newTestRouter(nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestHealthReadyReportsFailedDependency(t *testing.T) {
	router, _ := newTestRouter(map[string]controllers.Pinger{
		"db":    stubPinger{},
		"redis": stubPinger{err: errors.New("connection refused")},
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "redis") {
		t.Fatalf("expected failing dependency in body: %s", rec.Body.String())
	}
}

func TestHealthReadyAllHealthy(t *testing.T) {
	router, _ := newTestRouter(map[string]controllers.Pinger{"db": stubPinger{}, "redis": stubPinger{}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsEndpointExposesEngineCounters(t *testing.T) {
	router, reg := newTestRouter(nil)
	engine := metrics.NewEngineMetrics(reg)
	engine.PoolExhausted("nile")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "resourcerent_") {
		t.Fatalf("expected engine metrics in output")
	}
}
