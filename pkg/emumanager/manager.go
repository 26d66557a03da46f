// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emumanager

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkbombeu/emuhub/internal/adb"
)

// ErrServerFailed is returned when the adb server could not be restarted.
var ErrServerFailed = adb.ErrServerFailed

// NotReadyError reports a device that was not usable after discovery.
type NotReadyError = adb.NotReadyError

// Manager provides high-level adb readiness operations.
type Manager struct {
	env      adb.Env
	ctrl     *adb.Controller
	pipeline *adb.Pipeline
}

func newManager(env adb.Env) *Manager {
	ctrl := adb.NewController(env)
	return &Manager{env: env, ctrl: ctrl, pipeline: adb.NewPipeline(ctrl)}
}

// New creates a new Manager with auto-detected environment.
func New() *Manager {
	return newManager(adb.Detect())
}

// NewWithCorrelationID creates a new Manager with a correlation ID for structured logs.
func NewWithCorrelationID(correlationID string) *Manager {
	return NewWithContextAndCorrelationID(context.Background(), correlationID)
}

// NewWithContext creates a new Manager with a custom context for tracing and cancellation.
func NewWithContext(ctx context.Context) *Manager {
	return NewWithContextAndCorrelationID(ctx, "")
}

// NewWithContextAndCorrelationID creates a new Manager with a custom context and correlation ID.
func NewWithContextAndCorrelationID(ctx context.Context, correlationID string) *Manager {
	env := adb.Detect()
	if ctx == nil {
		ctx = context.Background()
	}
	env.Context = ctx
	env.CorrelationID = correlationID
	return newManager(env)
}

// NewWithEnv creates a new Manager with custom environment configuration.
// Zero durations fall back to the built-in defaults.
func NewWithEnv(env Environment) *Manager {
	ctx := env.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return newManager(adb.Env{
		ADB:                env.ADBBin,
		Pkill:              env.PkillBin,
		CommandTimeout:     env.CommandTimeout,
		ConnectTimeout:     env.ConnectTimeout,
		DevicesTimeout:     env.DevicesTimeout,
		StartServerTimeout: env.StartServerTimeout,
		KillTimeout:        env.KillTimeout,
		ScreencapTimeout:   env.ScreencapTimeout,
		ProbeTimeout:       env.ProbeTimeout,
		KillSettle:         env.KillSettle,
		StartSettle:        env.StartSettle,
		Stabilize:          env.Stabilize,
		CorrelationID:      env.CorrelationID,
		Context:            ctx,
	})
}

// Environment holds configuration for the adb tooling.
type Environment struct {
	ADBBin             string          // Path to adb binary (default: "adb")
	PkillBin           string          // Path to pkill binary (default: "pkill")
	CommandTimeout     time.Duration   // Default per-command timeout (30s)
	ConnectTimeout     time.Duration   // adb connect timeout (15s)
	DevicesTimeout     time.Duration   // adb devices timeout (10s)
	StartServerTimeout time.Duration   // adb start-server timeout (15s)
	KillTimeout        time.Duration   // pkill and kill-server timeout (10s)
	ScreencapTimeout   time.Duration   // screencap timeout (30s)
	ProbeTimeout       time.Duration   // Status probe (getprop, echo) timeout (5s)
	KillSettle         time.Duration   // Pause after killing adb (2s)
	StartSettle        time.Duration   // Pause after starting the server (3s)
	Stabilize          time.Duration   // Pause between connect and devices (2s)
	CorrelationID      string          // Correlation ID for log enrichment
	Context            context.Context // Context for tracing and cancellation
}

// DeviceOptions addresses one emulator.
type DeviceOptions struct {
	ServerPort    int    // adb server port (required)
	DevicePort    int    // Host-mapped adb port (default: 5555)
	ContainerName string // Container name; when set the device is dialed at <name>:5555
}

func (o DeviceOptions) target() adb.Target {
	if o.DevicePort == 0 {
		o.DevicePort = adb.ContainerADBPort
	}
	return adb.Target{ServerPort: o.ServerPort, DevicePort: o.DevicePort, ContainerName: o.ContainerName}
}

// DiscoverOptions contains options for device discovery.
type DiscoverOptions struct {
	Device     DeviceOptions
	MaxRetries int           // Maximum attempts (default: 10)
	RetryDelay time.Duration // Delay between attempts (default: 3s)
}

// WaitOptions contains options for waiting on a device.
type WaitOptions struct {
	Device   DeviceOptions
	Timeout  time.Duration // Maximum wait (default: 60s)
	Interval time.Duration // Poll interval (default: 2s)
}

// DeviceInfo is one entry of an adb device listing.
type DeviceInfo struct {
	Serial string // e.g. emulator-5554 or localhost:6000
	State  string // device, offline, unauthorized, ...
}

// DiscoveryInfo is the result of a discovery run.
type DiscoveryInfo struct {
	Outcome  string // device, offline, unauthorized, not_found or timeout
	Serial   string // Serial the device was listed under
	Attempts int    // Attempts performed
	Timeouts int    // Attempts that hit a command timeout
	Ready    bool   // Whether the device is usable
}

// StatusInfo describes a device after a status check.
type StatusInfo struct {
	Serial         string
	Found          bool
	Outcome        string
	BootCompleted  bool
	AndroidVersion string
}

// Commands are shell commands for reaching the emulator from the host.
type Commands = adb.Commands

func (m *Manager) startSpan(name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx := m.env.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if m.env.CorrelationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", m.env.CorrelationID))
	}
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func deviceAttrs(o DeviceOptions) []attribute.KeyValue {
	t := o.target()
	return []attribute.KeyValue{
		attribute.Int("adb_server_port", t.ServerPort),
		attribute.String("device_address", t.Address().Serial()),
	}
}

// Discover connects to the device and reports its state, retrying while it
// is absent from the server's listing.
func (m *Manager) Discover(opts DiscoverOptions) (info DiscoveryInfo, err error) {
	ctx, span := m.startSpan("emumanager.Discover", deviceAttrs(opts.Device)...)
	defer func() { endSpan(span, err) }()

	t := opts.Device.target()
	d, err := m.ctrl.Discover(ctx, t.ServerPort, t.Address(), adb.DiscoverOptions{
		MaxRetries: opts.MaxRetries,
		RetryDelay: opts.RetryDelay,
	})
	if err != nil {
		return DiscoveryInfo{}, err
	}
	return DiscoveryInfo{
		Outcome:  string(d.Outcome),
		Serial:   d.Serial,
		Attempts: d.Attempts,
		Timeouts: d.Timeouts,
		Ready:    d.Outcome.Ready(),
	}, nil
}

// WaitForDevice polls the device listing until the device is in the device
// state, returning an error with the last state otherwise.
func (m *Manager) WaitForDevice(opts WaitOptions) (err error) {
	ctx, span := m.startSpan("emumanager.WaitForDevice", deviceAttrs(opts.Device)...)
	defer func() { endSpan(span, err) }()

	t := opts.Device.target()
	state := m.ctrl.WaitFor(ctx, t.ServerPort, t.Address(), opts.Timeout, opts.Interval)
	if state != adb.StateDevice {
		return fmt.Errorf("device %s not ready: %s", t.Address(), state)
	}
	return nil
}

// RestartServer kills every adb process and starts a server on port.
func (m *Manager) RestartServer(port int) (err error) {
	ctx, span := m.startSpan("emumanager.RestartServer", attribute.Int("adb_server_port", port))
	defer func() { endSpan(span, err) }()
	return m.ctrl.Restart(ctx, port)
}

// Devices lists the devices known to the adb server on port.
func (m *Manager) Devices(port int) (devices []DeviceInfo, err error) {
	ctx, span := m.startSpan("emumanager.Devices", attribute.Int("adb_server_port", port))
	defer func() { endSpan(span, err) }()

	records, err := m.ctrl.Devices(ctx, port)
	if err != nil {
		return nil, err
	}
	devices = make([]DeviceInfo, len(records))
	for i, r := range records {
		devices[i] = DeviceInfo{Serial: r.Serial, State: string(r.State)}
	}
	return devices, nil
}

// Screenshot restarts the server, finds the device and returns a PNG of its screen.
func (m *Manager) Screenshot(opts DeviceOptions) (png []byte, err error) {
	ctx, span := m.startSpan("emumanager.Screenshot", deviceAttrs(opts)...)
	defer func() { endSpan(span, err) }()
	return m.pipeline.Screenshot(ctx, opts.target())
}

// Status reports the device state, boot completion and Android version
// without restarting the server.
func (m *Manager) Status(opts DeviceOptions) (info StatusInfo, err error) {
	ctx, span := m.startSpan("emumanager.Status", deviceAttrs(opts)...)
	defer func() { endSpan(span, err) }()

	r, err := m.pipeline.Status(ctx, opts.target())
	if err != nil {
		return StatusInfo{}, err
	}
	return StatusInfo{
		Serial:         r.Serial,
		Found:          r.Found,
		Outcome:        string(r.Outcome),
		BootCompleted:  r.BootCompleted,
		AndroidVersion: r.AndroidVersion,
	}, nil
}

// Reconnect restarts the server and rediscovers the device. It reports
// whether the device ended up usable.
func (m *Manager) Reconnect(opts DeviceOptions) (connected bool, err error) {
	ctx, span := m.startSpan("emumanager.Reconnect", deviceAttrs(opts)...)
	defer func() { endSpan(span, err) }()

	r, err := m.pipeline.Reconnect(ctx, opts.target())
	if err != nil {
		return false, err
	}
	return r.Connected, nil
}

// ADBCommands returns copy-pasteable commands for reaching the device.
func (m *Manager) ADBCommands(opts DeviceOptions) Commands {
	return adb.CommandsFor(opts.target())
}
