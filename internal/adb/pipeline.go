// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package adb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
)

// ServerController restarts the adb server bound to a port.
type ServerController interface {
	Restart(ctx context.Context, serverPort int) error
}

// Discoverer brings a device to a terminal connectivity state.
type Discoverer interface {
	Discover(ctx context.Context, serverPort int, target Address, opts DiscoverOptions) (Discovery, error)
}

// Target identifies one emulator as seen from this host: the adb server
// dedicated to it, the host port its adbd is published on and, for
// containers reachable over the Docker network, the container name.
type Target struct {
	ServerPort    int    `json:"server_port"`
	DevicePort    int    `json:"device_port"`
	ContainerName string `json:"container_name,omitempty"`
}

// Address returns where the server should dial the device.
func (t Target) Address() Address { return AddressFor(t.ContainerName, t.DevicePort) }

// Scope returns the command scope addressing the device by its dialed serial.
func (t Target) Scope() Scope {
	return Scope{ServerPort: t.ServerPort, Serial: t.Address().Serial()}
}

// Plan configures one pass through the pipeline.
type Plan struct {
	Name string
	// Restart the server before discovery.
	Restart bool
	// BestEffortRestart logs a failed restart and carries on with discovery.
	BestEffortRestart bool
	Discover          DiscoverOptions
	// Always runs the action whatever the discovery outcome; otherwise a
	// device that is not ready ends the pass with a *NotReadyError.
	Always bool
}

// Ready is handed to pipeline actions.
type Ready struct {
	Target    Target
	Discovery Discovery
}

// Scope addresses commands to the discovered device.
func (r Ready) Scope() Scope { return r.Target.Scope() }

// Action is the last pipeline step.
type Action func(ctx context.Context, dev Ready) error

// NotReadyError reports a discovery outcome that does not allow the action.
type NotReadyError struct {
	Outcome Outcome
	Serial  string
}

func (e *NotReadyError) Error() string {
	switch e.Outcome {
	case OutcomeNotFound:
		return "ADB device not found after multiple attempts. Emulator may still be booting."
	case OutcomeTimeout:
		return "ADB timed out while probing the device. Emulator may still be booting."
	}
	return fmt.Sprintf("Device is %s. Please wait for emulator to fully boot.", e.Outcome)
}

// Pipeline composes restart → discover → act. One pass per server port runs
// at a time; passes on different ports run concurrently.
type Pipeline struct {
	Server     ServerController
	Discoverer Discoverer
	Exec       Executor

	env      Env
	locks    *portLocks
	initOnce sync.Once
}

// NewPipeline wires a pipeline onto c. The pipeline and c share the same
// per-port locks.
func NewPipeline(c *Controller) *Pipeline {
	return &Pipeline{Server: c, Discoverer: c, Exec: c.exec, env: c.env, locks: c.locks}
}

func (p *Pipeline) lockSet() *portLocks {
	p.initOnce.Do(func() {
		if p.locks == nil {
			p.locks = &portLocks{}
		}
	})
	return p.locks
}

// Run executes plan against t. The returned Discovery carries
// OutcomeServerFailed when the restart failed.
func (p *Pipeline) Run(ctx context.Context, t Target, plan Plan, action Action) (Discovery, error) {
	name := plan.Name
	if name == "" {
		name = "run"
	}
	ctx, span := startSpan(ctx, p.env, "adb.Pipeline."+name,
		attribute.Int("server_port", t.ServerPort),
		attribute.Int("device_port", t.DevicePort),
		attribute.String("container_name", t.ContainerName),
	)
	defer span.End()

	ctx, release, err := p.lockSet().acquire(ctx, t.ServerPort)
	if err != nil {
		recordSpanError(span, err)
		return Discovery{}, err
	}
	defer release()

	if plan.Restart {
		if err := p.Server.Restart(ctx, t.ServerPort); err != nil {
			if ctx.Err() != nil {
				recordSpanError(span, ctx.Err())
				return Discovery{}, ctx.Err()
			}
			if !plan.BestEffortRestart {
				if !errors.Is(err, ErrServerFailed) {
					err = fmt.Errorf("%w: %w", ErrServerFailed, err)
				}
				recordSpanError(span, err)
				return Discovery{Outcome: OutcomeServerFailed}, err
			}
			logWarn(p.env, "adb server restart failed, trying existing connection", "server_port", t.ServerPort, "error", err)
		}
	}

	d, err := p.Discoverer.Discover(ctx, t.ServerPort, t.Address(), plan.Discover)
	if err != nil {
		recordSpanError(span, err)
		return d, err
	}
	span.SetAttributes(attribute.String("outcome", string(d.Outcome)))

	if !plan.Always && !d.Outcome.Ready() {
		err := &NotReadyError{Outcome: d.Outcome, Serial: d.Serial}
		logEvent(p.env, "adb device not ready", "action", name, "outcome", string(d.Outcome))
		return d, err
	}
	if action == nil {
		return d, nil
	}
	if err := action(ctx, Ready{Target: t, Discovery: d}); err != nil {
		recordSpanError(span, err)
		return d, err
	}
	return d, nil
}
