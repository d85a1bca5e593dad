package server

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/paperdrift/paperdrift/internal/cache"
)

type stubStats struct {
	snapshot cache.Statistics
}

func (s *stubStats) Statistics() cache.Statistics {
	return s.snapshot
}

func newTestApp(t *testing.T, stats *stubStats) *fiber.App {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := NewApp(AppOptions{
		Logger:     logger,
		Stats:      stats,
		ListenPort: 7878,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app
}

func TestHealthzReportsOK(t *testing.T) {
	app := newTestApp(t, &stubStats{})

	resp, err := app.Test(httptest.NewRequest("GET", "/healthz", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 status, got %d", resp.StatusCode)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestStatisticsReturnsSnapshot(t *testing.T) {
	stats := &stubStats{snapshot: cache.Statistics{
		HitRate:             0.75,
		TotalRequests:       40,
		CurrentSizeEstimate: 1024,
		FormattedSize:       "1.0 KB",
		State:               "normal",
	}}
	app := newTestApp(t, stats)

	resp, err := app.Test(httptest.NewRequest("GET", "/statistics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 status, got %d", resp.StatusCode)
	}

	var got cache.Statistics
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode statistics payload: %v", err)
	}
	if got.HitRate != 0.75 || got.TotalRequests != 40 || got.State != "normal" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestNewAppValidatesDependencies(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	if _, err := NewApp(AppOptions{Stats: &stubStats{}, ListenPort: 7878}); err == nil {
		t.Fatalf("missing logger must be rejected")
	}
	if _, err := NewApp(AppOptions{Logger: logger, ListenPort: 7878}); err == nil {
		t.Fatalf("missing stats provider must be rejected")
	}
	if _, err := NewApp(AppOptions{Logger: logger, Stats: &stubStats{}}); err == nil {
		t.Fatalf("invalid port must be rejected")
	}
}
