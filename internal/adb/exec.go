// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// ErrToolMissing is returned when the binary to execute cannot be found.
var ErrToolMissing = errors.New("executable not found")

// Status classifies how an invocation ended.
type Status int

const (
	StatusOK Status = iota
	// StatusFailed: the tool ran and exited nonzero.
	StatusFailed
	// StatusTimeout: the tool hung past its timeout and was killed.
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusTimeout:
		return "timeout"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Invocation is one run of a control-channel tool.
type Invocation struct {
	// Bin overrides the adb binary (used for pkill/taskkill).
	Bin   string
	Scope Scope
	Args  []string
	// Timeout bounds the run; zero means Env.CommandTimeout.
	Timeout time.Duration
}

// Result of an invocation. Stdout is kept on failure: diagnostic commands
// print useful output before exiting nonzero.
type Result struct {
	Status   Status
	Stdout   []byte
	Stderr   string
	ExitCode int
	Duration time.Duration
}

func (r Result) OK() bool { return r.Status == StatusOK }

// Output returns stdout as a string.
func (r Result) Output() string { return string(r.Stdout) }

// Detail is the most useful failure text for logs and error messages.
func (r Result) Detail() string {
	if r.Status == StatusTimeout {
		return fmt.Sprintf("command timed out after %s", r.Duration.Round(time.Millisecond))
	}
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(string(r.Stdout))
}

// Executor runs control-channel commands. Expected failures (nonzero exit,
// timeout) are reported through Result; the error is reserved for a missing
// binary and for cancellation of ctx.
type Executor interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// CommandExecutor runs invocations as subprocesses.
type CommandExecutor struct {
	env Env
}

func NewCommandExecutor(env Env) *CommandExecutor {
	return &CommandExecutor{env: env}
}

func (e *CommandExecutor) Run(ctx context.Context, inv Invocation) (Result, error) {
	bin := inv.Bin
	if bin == "" {
		bin = e.env.ADB
	}
	if bin == "" {
		bin = "adb"
	}
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = timeoutOr(e.env.CommandTimeout, 30*time.Second)
	}
	args := inv.Args
	if inv.Bin == "" {
		args = append(inv.Scope.Args(), inv.Args...)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, span := startSpan(ctx, e.env, "adb.Exec",
		attribute.String("bin", bin),
		attribute.String("args", strings.Join(args, " ")),
	)
	defer span.End()

	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Env = append(os.Environ(), inv.Scope.Environ()...)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, newCommandLogWriter(e.env, bin, args))

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case err == nil:
		res.Status = StatusOK
	case errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist):
		err = fmt.Errorf("%s: %w", bin, ErrToolMissing)
		recordSpanError(span, err)
		return res, err
	case ctx.Err() != nil:
		recordSpanError(span, ctx.Err())
		return res, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Status = StatusTimeout
		logWarn(e.env, "command timed out", "command", bin, "args", strings.Join(args, " "), "timeout", timeout.String())
	default:
		res.Status = StatusFailed
		logWarn(e.env, "command failed", "command", bin, "args", strings.Join(args, " "), "exit_code", res.ExitCode, "error", res.Detail())
	}
	span.SetAttributes(attribute.String("status", res.Status.String()), attribute.Int("exit_code", res.ExitCode))
	return res, nil
}
