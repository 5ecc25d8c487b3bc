package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"inspection-sync/internal/shared/telemetry"
)

func TestLoggingIncludesRequiredFields(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	telemetry.SetOutput(&buf)
	defer telemetry.SetOutput(os.Stdout)

	router := gin.New()
	router.Use(RequestID(), Logging())
	router.POST("/api/v1/submissions/:templateId/:subjectId", func(c *gin.Context) {
		c.Set("templateId", c.Param("templateId"))
		c.Set("subjectId", c.Param("subjectId"))
		c.Set("syncOutcome", "queued")
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions/tpl-7/veh-3", nil)
	req.Header.Set("X-Request-Id", "req-123")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	last := lines[len(lines)-1]
	var payload map[string]any
	if err := json.Unmarshal([]byte(last), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}

	required := []string{"request_id", "template_id", "subject_id", "duration_ms", "status", "sync_outcome", "route"}
	for _, key := range required {
		if _, ok := payload[key]; !ok {
			t.Fatalf("missing log field: %s", key)
		}
	}
	if payload["request_id"] != "req-123" {
		t.Fatalf("unexpected request_id: %v", payload["request_id"])
	}
	if payload["template_id"] != "tpl-7" || payload["subject_id"] != "veh-3" {
		t.Fatalf("unexpected inspection ids: %v %v", payload["template_id"], payload["subject_id"])
	}
	if payload["sync_outcome"] != "queued" {
		t.Fatalf("unexpected sync_outcome: %v", payload["sync_outcome"])
	}
	if payload["route"] != "/api/v1/submissions/:templateId/:subjectId" {
		t.Fatalf("unexpected route: %v", payload["route"])
	}
}
