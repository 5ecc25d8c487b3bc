package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"inspection-sync/internal/shared/telemetry"
)

func syncGroup(c *gin.Context) string {
	if c.Request.Method == http.MethodPost && c.FullPath() == "/api/v1/sync" {
		return "SYNC"
	}
	return "DEFAULT"
}

func TestRateLimitOnlyThrottlesConfiguredGroups(t *testing.T) {
	gin.SetMode(gin.TestMode)
	telemetry.SetOutput(io.Discard)
	defer telemetry.SetOutput(os.Stdout)

	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(func() time.Time { return now })

	r := gin.New()
	r.Use(RateLimit(RateLimitConfig{
		GroupFor: syncGroup,
		Limiter:  limiter,
		Rules: map[string]RateLimitRule{
			"SYNC": {Rate: 0.5, Burst: 2},
		},
	}))
	r.POST("/api/v1/sync", func(c *gin.Context) {
		c.JSON(http.StatusAccepted, gin.H{"ok": true})
	})
	r.GET("/api/v1/queue", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	for i := 0; i < 5; i++ {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("queue request %d expected 200, got %d", i+1, resp.Code)
		}
	}

	for i := 0; i < 2; i++ {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil))
		if resp.Code != http.StatusAccepted {
			t.Fatalf("sync request %d expected 202, got %d", i+1, resp.Code)
		}
	}

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil))
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("sync request 3 expected 429, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", resp.Header().Get("Retry-After"))
	}

	var payload struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Error.Code != "rate_limited" {
		t.Fatalf("expected code rate_limited, got %q", payload.Error.Code)
	}
	if _, ok := payload.Error.Details["retryAfterMs"]; !ok {
		t.Fatalf("expected retryAfterMs in details")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(func() time.Time { return now })
	rule := RateLimitRule{Rate: 1, Burst: 1}

	if ok, _ := limiter.Allow("k", rule); !ok {
		t.Fatalf("expected first call allowed")
	}
	if ok, wait := limiter.Allow("k", rule); ok || wait != time.Second {
		t.Fatalf("expected denial with 1s wait, got %v %s", ok, wait)
	}
	now = now.Add(time.Second)
	if ok, _ := limiter.Allow("k", rule); !ok {
		t.Fatalf("expected refill after one second")
	}
}

func TestRateLimitKeysByInspection(t *testing.T) {
	gin.SetMode(gin.TestMode)
	telemetry.SetOutput(io.Discard)
	defer telemetry.SetOutput(os.Stdout)

	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	r := gin.New()
	r.Use(RateLimit(RateLimitConfig{
		GroupFor: func(*gin.Context) string { return "RETRY" },
		Limiter:  NewRateLimiter(func() time.Time { return now }),
		Rules:    map[string]RateLimitRule{"RETRY": {Rate: 1, Burst: 1}},
	}))
	r.POST("/api/v1/inspections/:templateId/:subjectId/media/retry", func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/inspections/vehicle/MH12/media/retry", http.StatusAccepted},
		{"/api/v1/inspections/vehicle/MH12/media/retry", http.StatusTooManyRequests},
		{"/api/v1/inspections/vehicle/KA01/media/retry", http.StatusAccepted},
	}
	for i, tt := range tests {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, tt.path, nil))
		if resp.Code != tt.want {
			t.Fatalf("request %d %s: got %d, want %d", i+1, tt.path, resp.Code, tt.want)
		}
	}
}
