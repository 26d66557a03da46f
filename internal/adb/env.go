// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package adb

import (
	"context"
	"time"

	"github.com/forkbombeu/emuhub/internal/config"
)

type Env struct {
	ADB   string // EMUHUB_ADB (default adb)
	Pkill string // EMUHUB_PKILL (default pkill)

	CommandTimeout     time.Duration // EMUHUB_COMMAND_TIMEOUT (30s)
	ConnectTimeout     time.Duration // EMUHUB_CONNECT_TIMEOUT (15s)
	DevicesTimeout     time.Duration // EMUHUB_DEVICES_TIMEOUT (10s)
	StartServerTimeout time.Duration // EMUHUB_START_SERVER_TIMEOUT (15s)
	KillTimeout        time.Duration // EMUHUB_KILL_TIMEOUT (10s)
	ScreencapTimeout   time.Duration // EMUHUB_SCREENCAP_TIMEOUT (30s)
	ProbeTimeout       time.Duration // EMUHUB_PROBE_TIMEOUT (5s)

	// Settle intervals absorb the lag between a process action and its
	// observable effect.
	KillSettle  time.Duration // EMUHUB_KILL_SETTLE (2s)
	StartSettle time.Duration // EMUHUB_START_SETTLE (3s)
	Stabilize   time.Duration // EMUHUB_STABILIZE (2s)

	// CorrelationID is used to tie logs to a specific request or workflow.
	CorrelationID string
	// Context is used to parent OpenTelemetry spans.
	Context context.Context
}

func Detect() Env {
	return Env{
		ADB:                config.String("EMUHUB_ADB", "adb"),
		Pkill:              config.String("EMUHUB_PKILL", "pkill"),
		CommandTimeout:     config.Duration("EMUHUB_COMMAND_TIMEOUT", 30*time.Second),
		ConnectTimeout:     config.Duration("EMUHUB_CONNECT_TIMEOUT", 15*time.Second),
		DevicesTimeout:     config.Duration("EMUHUB_DEVICES_TIMEOUT", 10*time.Second),
		StartServerTimeout: config.Duration("EMUHUB_START_SERVER_TIMEOUT", 15*time.Second),
		KillTimeout:        config.Duration("EMUHUB_KILL_TIMEOUT", 10*time.Second),
		ScreencapTimeout:   config.Duration("EMUHUB_SCREENCAP_TIMEOUT", 30*time.Second),
		ProbeTimeout:       config.Duration("EMUHUB_PROBE_TIMEOUT", 5*time.Second),
		KillSettle:         config.Duration("EMUHUB_KILL_SETTLE", 2*time.Second),
		StartSettle:        config.Duration("EMUHUB_START_SETTLE", 3*time.Second),
		Stabilize:          config.Duration("EMUHUB_STABILIZE", 2*time.Second),
		CorrelationID:      config.String("EMUHUB_CORRELATION_ID", ""),
		Context:            context.Background(),
	}
}

// WithCorrelationID returns a copy of env scoped to one request.
func (env Env) WithCorrelationID(id string) Env {
	env.CorrelationID = id
	return env
}

// timeoutOr falls back to def when a zero-value Env is used (tests, facades).
func timeoutOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
