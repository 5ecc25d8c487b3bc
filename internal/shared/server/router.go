package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"inspection-sync/internal/capture"
	"inspection-sync/internal/connectivity"
	"inspection-sync/internal/shared/config"
	"inspection-sync/internal/shared/metrics"
	"inspection-sync/internal/shared/server/middleware"
	"inspection-sync/internal/shared/server/respond"
)

// RouterDeps are the handlers the router mounts.
type RouterDeps struct {
	Config  config.Config
	Capture *capture.Handler
	Online  connectivity.Provider
	Limiter *middleware.RateLimiter
}

const (
	rateGroupSync  = "sync"
	rateGroupMedia = "media-retry"
)

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.RateLimit(middleware.RateLimitConfig{
			Rules: map[string]middleware.RateLimitRule{
				rateGroupSync:  {Rate: 0.5, Burst: 3},
				rateGroupMedia: {Rate: 1, Burst: 5},
			},
			GroupFor: rateGroupFor,
			Limiter:  deps.Limiter,
		}),
	)

	health := func(c *gin.Context) {
		body := gin.H{"ok": true}
		if deps.Online != nil {
			body["online"] = deps.Online.IsOnline()
		}
		respond.JSON(c, http.StatusOK, body)
	}
	r.GET("/health", health)
	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", health)
	if deps.Capture != nil {
		deps.Capture.RegisterRoutes(api)
	}
	return r
}

func rateGroupFor(c *gin.Context) string {
	if c.Request.Method != http.MethodPost {
		return ""
	}
	switch c.FullPath() {
	case "/api/v1/sync":
		return rateGroupSync
	case "/api/v1/inspections/:templateId/:subjectId/media/retry":
		return rateGroupMedia
	}
	return ""
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8787"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
