// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package adb

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// WaitFor polls the listing of the server on serverPort until target's exact
// serial appears, returning its state, or until timeout elapses, returning
// StateAbsent. There is no connect step. Cancellation of ctx also yields
// StateAbsent.
func (c *Controller) WaitFor(ctx context.Context, serverPort int, target Address, timeout, interval time.Duration) DeviceState {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx, span := startSpan(ctx, c.env, "adb.WaitFor",
		attribute.Int("server_port", serverPort),
		attribute.String("target", target.Serial()),
		attribute.String("timeout", timeout.String()),
	)
	defer span.End()

	want := target.Serial()
	deadline := c.clock.Now().Add(timeout)
	polls := 0
	for c.clock.Now().Before(deadline) {
		polls++
		res, err := c.poll(ctx, serverPort)
		if err != nil {
			logWarn(c.env, "adb poll failed", "server_port", serverPort, "error", err)
			if ctx.Err() != nil {
				break
			}
		} else if res.OK() {
			for _, rec := range ParseDevices(res.Output()) {
				if rec.Serial == want {
					span.SetAttributes(attribute.String("state", string(rec.State)), attribute.Int("polls", polls))
					logEvent(c.env, "adb device seen", "serial", want, "state", string(rec.State), "polls", polls)
					return rec.State
				}
			}
		}
		if err := c.clock.Sleep(ctx, interval); err != nil {
			break
		}
	}

	span.SetAttributes(attribute.String("state", string(StateAbsent)), attribute.Int("polls", polls))
	logEvent(c.env, "adb device absent", "serial", want, "timeout", timeout.String(), "polls", polls)
	return StateAbsent
}

// poll takes the port lock for a single listing only, so a long wait does
// not starve restarts on the same server.
func (c *Controller) poll(ctx context.Context, serverPort int) (Result, error) {
	ctx, release, err := c.locks.acquire(ctx, serverPort)
	if err != nil {
		return Result{}, err
	}
	defer release()
	return c.exec.Run(ctx, Invocation{
		Scope:   Bind(serverPort, 0),
		Args:    []string{"devices"},
		Timeout: timeoutOr(c.env.DevicesTimeout, 10*time.Second),
	})
}
