// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package adb

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// ErrServerFailed is returned when the adb server cannot be started.
var ErrServerFailed = errors.New("failed to restart ADB server")

// KillAll terminates every adb process on the host, then asks the default
// server to exit. Best effort: nothing here aborts a restart.
func (c *Controller) KillAll(ctx context.Context) {
	timeout := timeoutOr(c.env.KillTimeout, 10*time.Second)
	logEvent(c.env, "killing adb processes")

	killer := Invocation{Bin: c.env.Pkill, Args: []string{"-f", "adb"}, Timeout: timeout}
	if killer.Bin == "" {
		killer.Bin = "pkill"
	}
	if runtime.GOOS == "windows" {
		killer = Invocation{Bin: "taskkill", Args: []string{"/F", "/IM", "adb.exe"}, Timeout: timeout}
	}
	if _, err := c.exec.Run(ctx, killer); err != nil {
		logWarn(c.env, "kill adb processes failed", "bin", killer.Bin, "error", err)
	}

	// pkill exits 1 when nothing matched; kill-server is the portable fallback.
	res, err := c.exec.Run(ctx, Invocation{Args: []string{"kill-server"}, Timeout: timeout})
	switch {
	case errors.Is(err, ErrToolMissing):
		logWarn(c.env, "adb binary not found in PATH")
	case err != nil:
		logWarn(c.env, "adb kill-server failed", "error", err)
	case !res.OK():
		logEvent(c.env, "adb kill-server reported failure", "detail", res.Detail())
	}
}

// StartServer starts an adb server listening on serverPort.
func (c *Controller) StartServer(ctx context.Context, serverPort int) (Result, error) {
	ctx, release, err := c.locks.acquire(ctx, serverPort)
	if err != nil {
		return Result{}, err
	}
	defer release()
	return c.exec.Run(ctx, Invocation{
		Scope:   Bind(serverPort, 0),
		Args:    []string{"start-server"},
		Timeout: timeoutOr(c.env.StartServerTimeout, 15*time.Second),
	})
}

// Restart replaces whatever adb servers are running with a fresh one on
// serverPort. Only a failed start-server is fatal; kill failures are logged.
// It returns after the start settle interval: the server reports "started"
// before it can answer device queries.
func (c *Controller) Restart(ctx context.Context, serverPort int) error {
	ctx, span := startSpan(ctx, c.env, "adb.Restart", attribute.Int("server_port", serverPort))
	defer span.End()

	ctx, release, err := c.locks.acquire(ctx, serverPort)
	if err != nil {
		recordSpanError(span, err)
		return err
	}
	defer release()
	logEvent(c.env, "adb server restart", "server_port", serverPort)

	c.KillAll(ctx)
	if err := c.clock.Sleep(ctx, timeoutOr(c.env.KillSettle, 2*time.Second)); err != nil {
		recordSpanError(span, err)
		return err
	}

	res, err := c.StartServer(ctx, serverPort)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrServerFailed, err)
		recordSpanError(span, err)
		logWarn(c.env, "adb server start failed", "server_port", serverPort, "error", err)
		return err
	}
	if !res.OK() {
		err = fmt.Errorf("%w on port %d: %s", ErrServerFailed, serverPort, res.Detail())
		recordSpanError(span, err)
		logWarn(c.env, "adb server start failed", "server_port", serverPort, "status", res.Status.String(), "detail", res.Detail())
		return err
	}

	logEvent(c.env, "adb server started", "server_port", serverPort)
	if err := c.clock.Sleep(ctx, timeoutOr(c.env.StartSettle, 3*time.Second)); err != nil {
		recordSpanError(span, err)
		return err
	}
	return nil
}
