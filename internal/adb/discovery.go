// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package adb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
)

// Outcome is the terminal classification of a discovery run.
type Outcome string

const (
	OutcomeDevice       Outcome = "device"
	OutcomeOffline      Outcome = "offline"
	OutcomeUnauthorized Outcome = "unauthorized"
	// OutcomeNotFound: enumeration ran but the target never matched.
	OutcomeNotFound Outcome = "not_found"
	// OutcomeAbsent: a deadline-bound wait ended without seeing the device.
	OutcomeAbsent Outcome = "absent"
	// OutcomeServerFailed: the server lifecycle step itself failed.
	OutcomeServerFailed Outcome = "server_failed"
	// OutcomeTimeout: every attempt hung in the adb client.
	OutcomeTimeout Outcome = "timeout"
)

// Ready reports whether the device accepts commands.
func (o Outcome) Ready() bool { return o == OutcomeDevice }

// DiscoverOptions bound the discovery loop.
type DiscoverOptions struct {
	MaxRetries int           // default 10
	RetryDelay time.Duration // default 3s
}

func (o DiscoverOptions) withDefaults() DiscoverOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 3 * time.Second
	}
	return o
}

// Discovery is the result of Discover.
type Discovery struct {
	Outcome Outcome `json:"outcome"`
	// Serial is the listing serial that matched, which may be an
	// emulator-<n> alias for container addresses.
	Serial   string `json:"serial,omitempty"`
	Attempts int    `json:"attempts"`
	Timeouts int    `json:"timeouts"`
	// LastErr is the failure of the final attempt, for diagnostics only.
	LastErr string `json:"last_error,omitempty"`
}

var (
	errNoMatch     = errors.New("device not listed")
	errListTimeout = errors.New("device listing timed out")
)

// Discover connects the server on serverPort to target and waits until the
// listing reports it in a known state, retrying up to opts.MaxRetries times.
// Every per-attempt failure, a missing adb binary included, is logged and
// consumes a retry. Only cancellation of ctx ends the loop early. When the
// retries run out because adb is missing, ErrToolMissing is returned.
func (c *Controller) Discover(ctx context.Context, serverPort int, target Address, opts DiscoverOptions) (Discovery, error) {
	opts = opts.withDefaults()
	ctx, span := startSpan(ctx, c.env, "adb.Discover",
		attribute.Int("server_port", serverPort),
		attribute.String("target", target.Serial()),
		attribute.Int("max_retries", opts.MaxRetries),
	)
	defer span.End()

	ctx, release, err := c.locks.acquire(ctx, serverPort)
	if err != nil {
		recordSpanError(span, err)
		return Discovery{}, err
	}
	defer release()

	var out Discovery
	scope := Bind(serverPort, 0)
	operation := func() (DeviceRecord, error) {
		out.Attempts++
		rec, timedOut, err := c.attempt(ctx, scope, target)
		if timedOut {
			out.Timeouts++
		}
		if err != nil {
			out.LastErr = err.Error()
			logEvent(c.env, "adb discovery attempt failed",
				"server_port", serverPort,
				"target", target.Serial(),
				"attempt", out.Attempts,
				"max_retries", opts.MaxRetries,
				"error", err,
			)
		}
		return rec, err
	}

	rec, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(opts.RetryDelay)),
		backoff.WithMaxTries(uint(opts.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(_ error, next time.Duration) {
			if c.retryWait != nil {
				c.retryWait(next)
			}
		}),
	)
	switch {
	case err == nil:
		out.Outcome = Outcome(rec.State)
		out.Serial = rec.Serial
		out.LastErr = ""
	case errors.Is(err, ErrToolMissing):
		recordSpanError(span, err)
		return out, err
	case ctx.Err() != nil:
		recordSpanError(span, ctx.Err())
		return out, ctx.Err()
	case out.Timeouts == out.Attempts:
		out.Outcome = OutcomeTimeout
	default:
		out.Outcome = OutcomeNotFound
	}

	span.SetAttributes(
		attribute.String("outcome", string(out.Outcome)),
		attribute.String("serial", out.Serial),
		attribute.Int("attempts", out.Attempts),
	)
	logEvent(c.env, "adb discovery finished",
		"server_port", serverPort,
		"target", target.Serial(),
		"outcome", string(out.Outcome),
		"serial", out.Serial,
		"attempts", out.Attempts,
		"timeouts", out.Timeouts,
	)
	return out, nil
}

// attempt runs one connect → stabilize → list → match round. timedOut is set
// when the round failed because an adb call hung.
func (c *Controller) attempt(ctx context.Context, scope Scope, target Address) (DeviceRecord, bool, error) {
	conn, err := c.exec.Run(ctx, Invocation{
		Scope:   scope,
		Args:    []string{"connect", target.Serial()},
		Timeout: timeoutOr(c.env.ConnectTimeout, 15*time.Second),
	})
	if err != nil {
		return DeviceRecord{}, false, err
	}
	// A failed connect is not fatal: a device already attached over the
	// container network shows up in the listing regardless.
	if !conn.OK() {
		logEvent(c.env, "adb connect did not succeed", "target", target.Serial(), "status", conn.Status.String(), "detail", conn.Detail())
	}

	if err := c.clock.Sleep(ctx, timeoutOr(c.env.Stabilize, 2*time.Second)); err != nil {
		return DeviceRecord{}, false, err
	}

	list, err := c.exec.Run(ctx, Invocation{
		Scope:   scope,
		Args:    []string{"devices"},
		Timeout: timeoutOr(c.env.DevicesTimeout, 10*time.Second),
	})
	if err != nil {
		return DeviceRecord{}, false, err
	}
	switch list.Status {
	case StatusTimeout:
		return DeviceRecord{}, true, errListTimeout
	case StatusFailed:
		return DeviceRecord{}, conn.Status == StatusTimeout, fmt.Errorf("adb devices failed: %s", list.Detail())
	}

	records := ParseDevices(list.Output())
	rec, ok := Match(records, target)
	if !ok {
		return DeviceRecord{}, conn.Status == StatusTimeout, errNoMatch
	}
	if !rec.State.Known() {
		return rec, false, fmt.Errorf("%w: %s is %s", errNoMatch, rec.Serial, rec.State)
	}
	return rec, false, nil
}
