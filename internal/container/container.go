// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package container starts and tracks emulator containers.
package container

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/docker/go-units"

	"github.com/forkbombeu/emuhub/internal/ports"
)

var (
	ErrNotFound      = errors.New("container not found")
	ErrImageNotFound = errors.New("emulator image not found, build the image first")
	ErrPortConflict  = errors.New("port allocation conflict")
	ErrPortsTimeout  = errors.New("emulator failed to start properly")
)

// Ports published by every emulator container.
const (
	ConsolePort    = "5554/tcp"
	ADBPort        = "5555/tcp"
	ADBServerPort  = "5037/tcp"
	VNCPort        = "5900/tcp"
	WebsockifyPort = "6080/tcp"
)

// Labels put on containers created by this process.
const (
	LabelManaged = "emuhub.managed"
	LabelSession = "emuhub.session"
	LabelDevice  = "emuhub.device"
	LabelVersion = "emuhub.android_version"
)

// Images maps Android versions to emulator images.
var Images = map[string]string{
	"11": "qemu-emulator",
	"14": "qemu-emulator-android14",
}

const DefaultVersion = "11"

// ImageFor returns the image for version, falling back to Android 11 for
// unsupported versions. The returned version is the one actually used.
func ImageFor(version string) (string, string) {
	if img, ok := Images[version]; ok {
		return img, version
	}
	return Images[DefaultVersion], DefaultVersion
}

// Spec describes a container to create.
type Spec struct {
	Name       string
	Image      string
	Env        map[string]string
	Ports      map[string]int // container port ("5555/tcp") -> host port
	Privileged bool
	Memory     int64
	Labels     map[string]string
}

// Container is the runtime view of a container.
type Container struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	State     string            `json:"state"`
	Running   bool              `json:"running"`
	Cmd       []string          `json:"cmd,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Ports     map[string]int    `json:"ports,omitempty"`
	StartedAt time.Time         `json:"started_at,omitzero"`
}

// Uptime renders how long the container has been running.
func (c Container) Uptime(now time.Time) string {
	if !c.Running || c.StartedAt.IsZero() {
		return ""
	}
	return units.HumanDuration(now.Sub(c.StartedAt))
}

// Dormant reports whether the container only runs `sleep infinity`, the
// placeholder command of compose prototypes.
func (c Container) Dormant() bool {
	return len(c.Cmd) >= 2 && c.Cmd[0] == "sleep" && c.Cmd[1] == "infinity"
}

// Managed reports whether this process created the container.
func (c Container) Managed() bool { return c.Labels[LabelManaged] == "true" }

// HostPorts extracts the emulator port set from the published ports.
func (c Container) HostPorts() ports.Set {
	return ports.Set{
		Console:    c.Ports[ConsolePort],
		ADB:        c.Ports[ADBPort],
		ADBServer:  c.Ports[ADBServerPort],
		VNC:        c.Ports[VNCPort],
		Websockify: c.Ports[WebsockifyPort],
	}
}

// ListOptions filter List.
type ListOptions struct {
	All     bool
	Managed bool
}

// Runtime is the subset of container engine operations emuhub needs.
type Runtime interface {
	Create(ctx context.Context, spec Spec) (Container, error)
	Inspect(ctx context.Context, id string) (Container, error)
	List(ctx context.Context, opts ListOptions) ([]Container, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	Close() error
}

// EmulatorRequest is the input of EmulatorSpec.
type EmulatorRequest struct {
	AndroidVersion string
	DeviceID       string
	SessionID      string
	Ports          ports.Set
	Memory         string // e.g. "4g"; empty means no limit
}

// EmulatorSpec builds the container spec for an emulator.
func EmulatorSpec(req EmulatorRequest) (Spec, error) {
	image, version := ImageFor(req.AndroidVersion)
	var memory int64
	if req.Memory != "" {
		m, err := units.RAMInBytes(req.Memory)
		if err != nil {
			return Spec{}, fmt.Errorf("parse memory limit %q: %w", req.Memory, err)
		}
		memory = m
	}
	short := req.SessionID
	if len(short) > 8 {
		short = short[:8]
	}
	spec := Spec{
		Name:       fmt.Sprintf("emu_%s_%s", req.DeviceID, short),
		Image:      image,
		Privileged: true,
		Memory:     memory,
		Env: map[string]string{
			"ANDROID_EMULATOR_WAIT_TIME": "120",
			"ANDROID_EMULATED_DEVICE":    version,
			"ANDROID_EXTRA_OPTS":         "-gpu swiftshader_indirect -no-snapshot -noaudio -no-boot-anim -no-snapshot-save -avd " + req.DeviceID,
			"DEVICE_PORT":                "5554",
			"DEVICE_ID":                  req.DeviceID,
			"ENABLE_VNC":                 "true",
			"VNC_PORT":                   "5900",
			"ENABLE_WEBSOCKIFY":          "true",
			"WEBSOCKIFY_PORT":            "6080",
		},
		Ports: map[string]int{
			ConsolePort:   req.Ports.Console,
			ADBPort:       req.Ports.ADB,
			ADBServerPort: req.Ports.ADBServer,
			VNCPort:       req.Ports.VNC,
		},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelSession: req.SessionID,
			LabelDevice:  req.DeviceID,
			LabelVersion: version,
		},
	}
	if req.Ports.Websockify > 0 {
		spec.Ports[WebsockifyPort] = req.Ports.Websockify
	}
	return spec, nil
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// WaitForPort polls the container until port is published on the host,
// checking every interval for at most timeout.
func WaitForPort(ctx context.Context, rt Runtime, id, port string, timeout, interval time.Duration) (Container, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if interval <= 0 {
		interval = time.Second
	}
	op := func() (Container, error) {
		c, err := rt.Inspect(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return c, backoff.Permanent(err)
			}
			return c, err
		}
		if c.Ports[port] == 0 {
			return c, fmt.Errorf("%s not published yet", port)
		}
		return c, nil
	}
	c, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return c, err
		}
		return c, fmt.Errorf("%w: %w", ErrPortsTimeout, err)
	}
	return c, nil
}

// trimName strips the leading slash the engine puts on container names.
func trimName(name string) string { return strings.TrimPrefix(name, "/") }
