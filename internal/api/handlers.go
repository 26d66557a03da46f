// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package api

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/forkbombeu/emuhub/internal/fleet"
)

// DefaultServerPort is used by the adb routes when no server_port is given.
const DefaultServerPort = 5037

func (h *handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, ErrorResponse(err.Error()))
}

func (h *handlers) discover(c *gin.Context) {
	registered, err := h.svc.DiscoverExisting(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(gin.H{"registered": registered, "count": len(registered)}))
}

func (h *handlers) create(c *gin.Context) {
	var req fleet.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, ErrorResponse(err.Error()))
		return
	}
	created, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, SuccessResponse(created))
}

func (h *handlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse(h.svc.List(c.Request.Context())))
}

func (h *handlers) get(c *gin.Context) {
	sess, err := h.svc.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(sess))
}

func (h *handlers) delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse("emulator deleted"))
}

func (h *handlers) status(c *gin.Context) {
	st, err := h.svc.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(st))
}

// screenshot returns a data URL, or the PNG itself with ?raw=1.
func (h *handlers) screenshot(c *gin.Context) {
	png, err := h.svc.Screenshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if raw, _ := strconv.ParseBool(c.Query("raw")); raw {
		c.Data(http.StatusOK, "image/png", png)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(gin.H{
		"screenshot": "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		"bytes":      len(png),
	}))
}

func (h *handlers) reconnect(c *gin.Context) {
	report, err := h.svc.Reconnect(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(report))
}

func (h *handlers) startVNC(c *gin.Context) {
	info, err := h.svc.StartProxy(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(info))
}

func (h *handlers) stopVNC(c *gin.Context) {
	stopped, err := h.svc.StopProxy(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(gin.H{"stopped": stopped}))
}

func (h *handlers) vncStatus(c *gin.Context) {
	st, err := h.svc.VNCStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(st))
}

// liveView bridges a websocket to the session's VNC server.
func (h *handlers) liveView(c *gin.Context) {
	host, port, err := h.svc.VNCEndpoint(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.bridge.Serve(c.Writer, c.Request, host, port)
}

// adbRequest is the body of the adb passthrough routes.
type adbRequest struct {
	ServerPort int    `json:"server_port"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
}

func (h *handlers) bindADB(c *gin.Context, needPort bool) (adbRequest, bool) {
	var req adbRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, ErrorResponse(err.Error()))
		return req, false
	}
	if req.ServerPort == 0 {
		req.ServerPort = DefaultServerPort
	}
	if needPort && req.Port <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse("port is required"))
		return req, false
	}
	return req, true
}

func (h *handlers) devices(c *gin.Context) {
	serverPort := DefaultServerPort
	if v := c.Query("server_port"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse("invalid server_port"))
			return
		}
		serverPort = p
	}
	records, err := h.svc.Devices(c.Request.Context(), serverPort)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(gin.H{"server_port": serverPort, "devices": records}))
}

func (h *handlers) connect(c *gin.Context) {
	req, ok := h.bindADB(c, true)
	if !ok {
		return
	}
	out, err := h.svc.Connect(c.Request.Context(), req.ServerPort, req.Host, req.Port)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(gin.H{"output": out}))
}

func (h *handlers) disconnect(c *gin.Context) {
	req, ok := h.bindADB(c, true)
	if !ok {
		return
	}
	out, err := h.svc.Disconnect(c.Request.Context(), req.ServerPort, req.Host, req.Port)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(gin.H{"output": out}))
}

func (h *handlers) killServer(c *gin.Context) {
	req, ok := h.bindADB(c, false)
	if !ok {
		return
	}
	out, err := h.svc.KillServer(c.Request.Context(), req.ServerPort)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(gin.H{"output": out}))
}

func (h *handlers) startServer(c *gin.Context) {
	req, ok := h.bindADB(c, false)
	if !ok {
		return
	}
	out, err := h.svc.StartServer(c.Request.Context(), req.ServerPort)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(gin.H{"output": out}))
}

func (h *handlers) testNetworking(c *gin.Context) {
	results := h.svc.Diagnose(c.Request.Context())
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "Networking tests completed",
		Data:    gin.H{"results": results},
	})
}
