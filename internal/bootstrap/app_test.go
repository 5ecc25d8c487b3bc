package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"inspection-sync/internal/shared/config"
	"inspection-sync/internal/shared/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.SetOutput(io.Discard)
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func testConfig(t *testing.T, driver string) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Env:               "dev",
		StoreDriver:       driver,
		LocalDBPath:       filepath.Join(dir, "inspections.db"),
		SpoolDir:          filepath.Join(dir, "spool"),
		ObjectStoreType:   "local",
		LocalStoreDir:     filepath.Join(dir, "media"),
		DeliveryTransport: "http",
		RequestTimeout:    time.Second,
		SyncInterval:      time.Minute,
		RetryBaseDelay:    time.Millisecond,
		RetryMaxDelay:     time.Second,
		WarnAfterAttempts: 5,
		MediaConcurrency:  2,
		TemplateCacheTTL:  time.Minute,
	}
}

func TestBuildRequiresRemoteOutsideDev(t *testing.T) {
	cfg := testConfig(t, "memory")
	cfg.Env = "production"
	if _, err := Build(cfg); err == nil {
		t.Fatalf("expected error without FLEET_API_URL in production")
	}
}

func TestAppHealthAndOfflineSave(t *testing.T) {
	for _, driver := range []string{"memory", "sqlite3"} {
		t.Run(driver, func(t *testing.T) {
			app, err := Build(testConfig(t, driver))
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			ctx, cancel := context.WithCancel(context.Background())
			app.Start(ctx)
			t.Cleanup(func() {
				cancel()
				if err := app.Close(context.Background()); err != nil {
					t.Errorf("Close: %v", err)
				}
			})
			if app.Probe != nil {
				t.Fatalf("probe should be disabled without a remote")
			}

			resp := httptest.NewRecorder()
			app.Router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
			if resp.Code != http.StatusOK {
				t.Fatalf("health: %d", resp.Code)
			}
			var health struct {
				OK     bool `json:"ok"`
				Online bool `json:"online"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				t.Fatalf("decode health: %v", err)
			}
			if !health.OK || health.Online {
				t.Fatalf("health = %+v", health)
			}

			body, _ := json.Marshal(map[string]any{"answers": map[string]any{"q1": "Tata"}})
			req := httptest.NewRequest(http.MethodPut, "/api/v1/inspections/vehicle/MH12/draft", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			resp = httptest.NewRecorder()
			app.Router.ServeHTTP(resp, req)
			if resp.Code != http.StatusOK {
				t.Fatalf("save: %d %s", resp.Code, resp.Body.String())
			}
			var saved struct {
				DraftID string `json:"draftId"`
				Queued  bool   `json:"queued"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&saved); err != nil {
				t.Fatalf("decode save: %v", err)
			}
			if saved.DraftID == "" || !saved.Queued {
				t.Fatalf("save = %+v", saved)
			}

			st, err := app.Capture.QueueStatus(context.Background())
			if err != nil {
				t.Fatalf("QueueStatus: %v", err)
			}
			if st.Pending != 1 {
				t.Fatalf("pending = %d", st.Pending)
			}
		})
	}
}

func TestQueueRouteMounted(t *testing.T) {
	app, err := Build(testConfig(t, "memory"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	resp := httptest.NewRecorder()
	app.Router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("queue: %d", resp.Code)
	}
}
