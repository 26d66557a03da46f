// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package adb

import (
	"context"
	"fmt"
)

// Passthrough runs a single adb command on behalf of a caller and reports
// its output. Used by the raw adb routes. It holds the lock of scope's
// server port for the duration of the command.
func (c *Controller) Passthrough(ctx context.Context, scope Scope, args ...string) (string, error) {
	ctx, release, err := c.locks.acquire(ctx, scope.ServerPort)
	if err != nil {
		return "", err
	}
	defer release()
	res, err := c.exec.Run(ctx, Invocation{Scope: scope, Args: args})
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return res.Output(), fmt.Errorf("adb %s: %s: %s", args[0], res.Status, res.Detail())
	}
	return res.Output(), nil
}

// Devices lists the devices attached to the server on serverPort.
func (c *Controller) Devices(ctx context.Context, serverPort int) ([]DeviceRecord, error) {
	out, err := c.Passthrough(ctx, Bind(serverPort, 0), "devices")
	if err != nil {
		return nil, err
	}
	return ParseDevices(out), nil
}

// Connect dials addr from the server on serverPort.
func (c *Controller) Connect(ctx context.Context, serverPort int, addr Address) (string, error) {
	return c.Passthrough(ctx, Bind(serverPort, 0), "connect", addr.Serial())
}

// Disconnect drops addr from the server on serverPort.
func (c *Controller) Disconnect(ctx context.Context, serverPort int, addr Address) (string, error) {
	return c.Passthrough(ctx, Bind(serverPort, 0), "disconnect", addr.Serial())
}

// KillServer stops the server on serverPort.
func (c *Controller) KillServer(ctx context.Context, serverPort int) (string, error) {
	return c.Passthrough(ctx, Bind(serverPort, 0), "kill-server")
}
