// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package fleet runs the emulators behind the HTTP API: it creates their
// containers, registers compose-managed ones, and routes user actions to
// the adb pipeline of the right emulator.
package fleet

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkbombeu/emuhub/internal/adb"
	"github.com/forkbombeu/emuhub/internal/container"
	"github.com/forkbombeu/emuhub/internal/ports"
	"github.com/forkbombeu/emuhub/internal/session"
	"github.com/forkbombeu/emuhub/internal/vnc"
)

var (
	ErrRuntimeUnavailable = errors.New("docker daemon is not accessible")
	ErrPredefined         = errors.New("predefined emulators cannot be deleted")
	ErrVNCUnavailable     = errors.New("VNC not available for this emulator")
)

// Pipeline is the adb work done on behalf of a session.
type Pipeline interface {
	Provision(ctx context.Context, t adb.Target) (adb.Discovery, error)
	Attach(ctx context.Context, t adb.Target) (adb.Discovery, error)
	Screenshot(ctx context.Context, t adb.Target) ([]byte, error)
	Status(ctx context.Context, t adb.Target) (adb.StatusReport, error)
	Reconnect(ctx context.Context, t adb.Target) (adb.ReconnectReport, error)
}

// ADBClient runs single adb commands for the passthrough routes.
type ADBClient interface {
	Devices(ctx context.Context, serverPort int) ([]adb.DeviceRecord, error)
	Connect(ctx context.Context, serverPort int, addr adb.Address) (string, error)
	Disconnect(ctx context.Context, serverPort int, addr adb.Address) (string, error)
	KillServer(ctx context.Context, serverPort int) (string, error)
	StartServer(ctx context.Context, serverPort int) (adb.Result, error)
}

type Config struct {
	Memory      string        // container memory limit, e.g. "4g"
	PortWait    time.Duration // how long to wait for 5555/tcp to be published
	PortPoll    time.Duration
	StopTimeout time.Duration
	VNCProbe    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PortWait <= 0 {
		c.PortWait = 60 * time.Second
	}
	if c.PortPoll <= 0 {
		c.PortPoll = time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.VNCProbe <= 0 {
		c.VNCProbe = 2 * time.Second
	}
	return c
}

type Service struct {
	Runtime container.Runtime // nil when Docker is unreachable
	Store   *session.Store
	Ports   *ports.Allocator
	ADB     Pipeline
	Client  ADBClient
	VNC     *vnc.Manager

	cfg   Config
	log   *slog.Logger
	newID func() string
	now   func() time.Time
	reach func(ctx context.Context, host string, port int, timeout time.Duration) bool
}

func New(cfg Config, rt container.Runtime, store *session.Store, alloc *ports.Allocator, pipeline Pipeline, client ADBClient, proxies *vnc.Manager, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		Runtime: rt,
		Store:   store,
		Ports:   alloc,
		ADB:     pipeline,
		Client:  client,
		VNC:     proxies,
		cfg:     cfg.withDefaults(),
		log:     log,
		newID:   uuid.NewString,
		now:     time.Now,
		reach:   vnc.Reachable,
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("emuhub/fleet").Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// deviceID derives the 8 character AVD name from a fresh identifier.
func deviceID(id string) string {
	return strings.ReplaceAll(id, "-", "")[:8]
}

// Get returns a session.
func (s *Service) Get(id string) (session.Session, error) {
	return s.Store.Get(id)
}

// Shutdown stops proxies and releases the runtime and the store.
func (s *Service) Shutdown() error {
	if s.VNC != nil {
		s.VNC.StopAll()
	}
	var errs []error
	if s.Runtime != nil {
		errs = append(errs, s.Runtime.Close())
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	return errors.Join(errs...)
}
