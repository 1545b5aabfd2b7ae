// Package workerapi serves the HTTP surface workers talk to: registration,
// heartbeats, and the operator status endpoints.
package workerapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/roundhouse/internal/config"
)

// StartOpts holds configuration for the worker API server.
type StartOpts struct {
	DB  *gorm.DB
	Cfg *config.Config
	Log zerolog.Logger
}

// Start launches the worker API. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("workerapi: db is required")
	}
	if opts.Cfg == nil {
		return fmt.Errorf("workerapi: config is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	h := &handlers{
		db:        opts.DB,
		cfg:       opts.Cfg,
		log:       opts.Log.With().Str("component", "workerapi").Logger(),
		staleness: opts.Cfg.Scheduler.HeartbeatStaleness,
	}
	registerRoutes(router, h)

	srv := &http.Server{
		Addr:    opts.Cfg.API.Addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	h.log.Info().Str("addr", opts.Cfg.API.Addr).Msg("worker api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("workerapi: %w", err)
	}
	return nil
}

func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.POST("/workers/register", h.register)
	v1.POST("/workers/heartbeat", h.heartbeat)

	admin := router.Group("/admin")
	admin.GET("/status", h.adminStatus)
	admin.GET("/instances/:id", h.adminInstance)
}
