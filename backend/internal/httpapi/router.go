package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"readsync/backend/internal/httpapi/handlers"
	"readsync/backend/internal/httpapi/middleware"
	"readsync/backend/internal/ws"
)

// Deps are the handlers the router mounts. Auth guards everything under /v1.
type Deps struct {
	Auth      gin.HandlerFunc
	Channels  *ws.Manager
	Heartbeat *handlers.HeartbeatHandler
	Documents *handlers.DocumentHandler
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		// any origin, including file:// pages that send Origin: null
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.DeviceHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", handlers.Healthz)

	v1 := r.Group("/v1")
	if d.Auth != nil {
		v1.Use(d.Auth)
	}

	docs := v1.Group("/docs/:docId")
	docs.GET("/live", d.Channels.Live)
	docs.GET("/audit", d.Channels.Audit)
	docs.GET("/snapshot", d.Documents.Snapshot)
	docs.GET("/state", d.Documents.State)
	docs.GET("/conflicts", d.Documents.Conflicts)
	docs.POST("/drafts/recover", d.Documents.RecoverDraft)
	docs.GET("/presence", d.Documents.Presence)

	v1.POST("/sync/heartbeat", d.Heartbeat.Heartbeat)
	return r
}
