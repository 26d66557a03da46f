// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package api exposes the emulator fleet over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forkbombeu/emuhub/internal/adb"
	"github.com/forkbombeu/emuhub/internal/fleet"
	"github.com/forkbombeu/emuhub/internal/session"
	"github.com/forkbombeu/emuhub/internal/vnc"
)

// Service is what the routes need from the fleet. *fleet.Service
// implements it.
type Service interface {
	DiscoverExisting(ctx context.Context) ([]session.Session, error)
	Create(ctx context.Context, req fleet.CreateRequest) (fleet.Created, error)
	List(ctx context.Context) []fleet.View
	Get(id string) (session.Session, error)
	Delete(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (fleet.StatusView, error)
	Screenshot(ctx context.Context, id string) ([]byte, error)
	Reconnect(ctx context.Context, id string) (adb.ReconnectReport, error)

	StartProxy(ctx context.Context, id string) (vnc.Info, error)
	StopProxy(id string) (bool, error)
	VNCStatus(ctx context.Context, id string) (vnc.Status, error)
	VNCEndpoint(id string) (string, int, error)

	Devices(ctx context.Context, serverPort int) ([]adb.DeviceRecord, error)
	Connect(ctx context.Context, serverPort int, host string, port int) (string, error)
	Disconnect(ctx context.Context, serverPort int, host string, port int) (string, error)
	KillServer(ctx context.Context, serverPort int) (string, error)
	StartServer(ctx context.Context, serverPort int) (string, error)

	Diagnose(ctx context.Context) map[string]fleet.NetworkCheck
}

var _ Service = (*fleet.Service)(nil)

type Options struct {
	TokenHash string
	Log       *slog.Logger
}

type handlers struct {
	svc    Service
	log    *slog.Logger
	bridge *vnc.Bridge
}

// NewRouter builds the gin engine serving svc.
func NewRouter(svc Service, opts Options) *gin.Engine {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	h := &handlers{svc: svc, log: log, bridge: &vnc.Bridge{Log: log}}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(log), CORSMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, SuccessResponse(gin.H{"status": "ok"}))
	})

	api := router.Group("/api", TokenAuth(opts.TokenHash))
	{
		api.POST("/containers/discover", h.discover)

		emulators := api.Group("/emulators")
		{
			emulators.POST("", h.create)
			emulators.GET("", h.list)
			emulators.GET("/:id", h.get)
			emulators.DELETE("/:id", h.delete)
			emulators.GET("/:id/status", h.status)
			emulators.GET("/:id/screenshot", h.screenshot)
			emulators.POST("/:id/reconnect", h.reconnect)
			emulators.POST("/:id/vnc/start", h.startVNC)
			emulators.POST("/:id/vnc/stop", h.stopVNC)
			emulators.GET("/:id/vnc/status", h.vncStatus)
			emulators.GET("/:id/live_view", h.liveView)
		}

		adbRoutes := api.Group("/adb")
		{
			adbRoutes.GET("/devices", h.devices)
			adbRoutes.POST("/connect", h.connect)
			adbRoutes.POST("/disconnect", h.disconnect)
			adbRoutes.POST("/kill-server", h.killServer)
			adbRoutes.POST("/start-server", h.startServer)
		}

		api.GET("/debug/test-networking", h.testNetworking)
	}
	return router
}

// RequestLogger logs one record per request.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
