// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package adb

import "time"

// Controller drives one or more adb servers: restarts, discovery, polling.
// It holds no per-emulator state, so one Controller can serve every emulator
// concurrently. Calls that touch a server hold that server port's lock,
// which is shared with every Pipeline built on the Controller.
type Controller struct {
	env   Env
	exec  Executor
	clock Clock
	locks *portLocks

	// retryWait, when set, observes each wait between discovery attempts.
	retryWait func(time.Duration)
}

type Option func(*Controller)

// WithExecutor swaps the subprocess executor (tests use fakes).
func WithExecutor(e Executor) Option {
	return func(c *Controller) { c.exec = e }
}

// WithClock swaps the time source.
func WithClock(clk Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

func NewController(env Env, opts ...Option) *Controller {
	c := &Controller{env: env, clock: RealClock(), locks: &portLocks{}}
	for _, opt := range opts {
		opt(c)
	}
	if c.exec == nil {
		c.exec = NewCommandExecutor(env)
	}
	return c
}

// Env returns the controller configuration.
func (c *Controller) Env() Env { return c.env }

// Executor exposes the executor for one-off passthrough commands.
func (c *Controller) Executor() Executor { return c.exec }
