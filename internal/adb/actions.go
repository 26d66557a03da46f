// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package adb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ScreenshotPlan = Plan{Name: "Screenshot", Restart: true, Discover: DiscoverOptions{MaxRetries: 3, RetryDelay: 3 * time.Second}}
	StatusPlan     = Plan{Name: "Status", Discover: DiscoverOptions{MaxRetries: 2, RetryDelay: time.Second}, Always: true}
	ReconnectPlan  = Plan{Name: "Reconnect", Restart: true, Discover: DiscoverOptions{MaxRetries: 5, RetryDelay: 2 * time.Second}, Always: true}
	ProvisionPlan  = Plan{Name: "Provision", Restart: true, Discover: DiscoverOptions{MaxRetries: 3, RetryDelay: 2 * time.Second}, Always: true}
	// AttachPlan is used for emulators this process did not start: the
	// restart is advisory, the server may already be theirs.
	AttachPlan = Plan{Name: "Attach", Restart: true, BestEffortRestart: true, Discover: DiscoverOptions{MaxRetries: 5, RetryDelay: 3 * time.Second}, Always: true}
)

// ErrEmptyCapture is returned when screencap succeeded but printed nothing.
var ErrEmptyCapture = errors.New("failed to capture screenshot - no data returned")

// Screenshot captures the device frame buffer as PNG bytes.
func (p *Pipeline) Screenshot(ctx context.Context, t Target) ([]byte, error) {
	var png []byte
	_, err := p.Run(ctx, t, ScreenshotPlan, func(ctx context.Context, dev Ready) error {
		res, err := p.Exec.Run(ctx, Invocation{
			Scope:   dev.Scope(),
			Args:    []string{"exec-out", "screencap", "-p"},
			Timeout: timeoutOr(p.env.ScreencapTimeout, 30*time.Second),
		})
		if err != nil {
			return err
		}
		switch res.Status {
		case StatusTimeout:
			return errors.New("screenshot command timed out. Emulator may still be booting")
		case StatusFailed:
			return screencapError(res.Detail())
		}
		if len(res.Stdout) == 0 {
			return ErrEmptyCapture
		}
		png = res.Stdout
		return nil
	})
	if err != nil {
		return nil, err
	}
	logEvent(p.env, "screenshot captured", "server_port", t.ServerPort, "bytes", len(png))
	return png, nil
}

func screencapError(detail string) error {
	switch {
	case strings.Contains(detail, "device offline"):
		return &NotReadyError{Outcome: OutcomeOffline}
	case strings.Contains(detail, "device") && strings.Contains(detail, "not found"):
		return &NotReadyError{Outcome: OutcomeNotFound}
	}
	return fmt.Errorf("adb command failed: %s", detail)
}

// StatusReport describes device connectivity and boot progress.
type StatusReport struct {
	Target         Target  `json:"target"`
	Serial         string  `json:"device_serial"`
	Found          bool    `json:"device_found"`
	Outcome        Outcome `json:"device_status"`
	BootCompleted  bool    `json:"boot_completed"`
	AndroidVersion string  `json:"android_version"`
	Attempts       int     `json:"attempts"`
}

// Status checks connectivity without restarting the server, so a status poll
// never disturbs a healthy connection. Property probes run only for devices
// in the device state; probe failures leave the defaults in place.
func (p *Pipeline) Status(ctx context.Context, t Target) (StatusReport, error) {
	report := StatusReport{Target: t, Serial: t.Address().Serial(), AndroidVersion: "unknown"}
	d, err := p.Run(ctx, t, StatusPlan, func(ctx context.Context, dev Ready) error {
		if !dev.Discovery.Outcome.Ready() {
			return nil
		}
		if v, ok := p.getprop(ctx, dev.Scope(), "sys.boot_completed"); ok {
			report.BootCompleted = v == "1"
		}
		if v, ok := p.getprop(ctx, dev.Scope(), "ro.build.version.release"); ok && v != "" {
			report.AndroidVersion = v
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	report.Outcome = d.Outcome
	report.Found = d.Outcome != OutcomeNotFound && d.Outcome != OutcomeTimeout
	report.Attempts = d.Attempts
	return report, nil
}

func (p *Pipeline) getprop(ctx context.Context, scope Scope, name string) (string, bool) {
	res, err := p.Exec.Run(ctx, Invocation{
		Scope:   scope,
		Args:    []string{"shell", "getprop", name},
		Timeout: timeoutOr(p.env.ProbeTimeout, 5*time.Second),
	})
	if err != nil || !res.OK() {
		return "", false
	}
	return strings.TrimSpace(res.Output()), true
}

// ReconnectReport is the result of Reconnect.
type ReconnectReport struct {
	Target    Target  `json:"target"`
	Outcome   Outcome `json:"final_device_status"`
	Devices   string  `json:"devices_output"`
	Connected bool    `json:"connection_successful"`
}

// Reconnect restarts the server, rediscovers the device and reports the
// server's final device listing.
func (p *Pipeline) Reconnect(ctx context.Context, t Target) (ReconnectReport, error) {
	report := ReconnectReport{Target: t}
	d, err := p.Run(ctx, t, ReconnectPlan, func(ctx context.Context, dev Ready) error {
		res, err := p.Exec.Run(ctx, Invocation{
			Scope:   Bind(t.ServerPort, 0),
			Args:    []string{"devices"},
			Timeout: timeoutOr(p.env.DevicesTimeout, 10*time.Second),
		})
		if err != nil {
			return err
		}
		report.Devices = res.Output()
		return nil
	})
	if err != nil {
		return report, err
	}
	report.Outcome = d.Outcome
	report.Connected = d.Outcome == OutcomeDevice || d.Outcome == OutcomeOffline
	return report, nil
}

// Provision brings a freshly started emulator under the control of its
// server. A failed restart is recorded as OutcomeServerFailed rather than
// returned as an error, so callers can still store the session.
func (p *Pipeline) Provision(ctx context.Context, t Target) (Discovery, error) {
	d, err := p.Run(ctx, t, ProvisionPlan, nil)
	if errors.Is(err, ErrServerFailed) {
		return Discovery{Outcome: OutcomeServerFailed, LastErr: err.Error()}, nil
	}
	return d, err
}

// Attach connects to an emulator started elsewhere, such as a compose
// service publishing its adb ports on the host.
func (p *Pipeline) Attach(ctx context.Context, t Target) (Discovery, error) {
	return p.Run(ctx, t, AttachPlan, nil)
}

// Commands are copy-pasteable shell commands for reaching an emulator from
// the host.
type Commands struct {
	Connect              string `json:"connect"`
	Server               string `json:"server"`
	SetServerUnix        string `json:"set_server_unix"`
	SetServerWindows     string `json:"set_server_windows"`
	KillAndRestartServer string `json:"kill_and_restart_server"`
}

func CommandsFor(t Target) Commands {
	return Commands{
		Connect:              "adb connect " + HostAddress(t.DevicePort).Serial(),
		Server:               fmt.Sprintf("adb -P %d devices", t.ServerPort),
		SetServerUnix:        fmt.Sprintf("export ANDROID_ADB_SERVER_PORT=%d", t.ServerPort),
		SetServerWindows:     fmt.Sprintf("$env:ANDROID_ADB_SERVER_PORT = \"%d\"", t.ServerPort),
		KillAndRestartServer: fmt.Sprintf("adb kill-server && adb -P %d start-server", t.ServerPort),
	}
}
