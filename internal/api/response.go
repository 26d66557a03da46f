// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package api

import (
	"errors"
	"net/http"

	"github.com/forkbombeu/emuhub/internal/adb"
	"github.com/forkbombeu/emuhub/internal/container"
	"github.com/forkbombeu/emuhub/internal/fleet"
	"github.com/forkbombeu/emuhub/internal/ports"
	"github.com/forkbombeu/emuhub/internal/session"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func SuccessResponse(data any) Response {
	return Response{Success: true, Data: data}
}

func ErrorResponse(err string) Response {
	return Response{Success: false, Error: err}
}

func MessageResponse(message string) Response {
	return Response{Success: true, Message: message}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var notReady *adb.NotReadyError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrPredefined):
		return http.StatusForbidden
	case errors.Is(err, fleet.ErrVNCUnavailable):
		return http.StatusBadRequest
	case errors.As(err, &notReady),
		errors.Is(err, fleet.ErrRuntimeUnavailable),
		errors.Is(err, ports.ErrPortsExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, container.ErrPortConflict):
		return http.StatusConflict
	case errors.Is(err, adb.ErrToolMissing):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
