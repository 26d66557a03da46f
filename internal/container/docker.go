// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package container

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	containertypes "github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// Docker is the Runtime backed by a Docker engine.
type Docker struct {
	api *client.Client
	log *slog.Logger
}

// NewDocker connects using DOCKER_HOST and friends from the environment.
func NewDocker(ctx context.Context, log *slog.Logger) (*Docker, error) {
	if log == nil {
		log = slog.Default()
	}
	api, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := api.Ping(ctx, client.PingOptions{}); err != nil {
		_ = api.Close()
		return nil, fmt.Errorf("docker daemon is not accessible: %w", err)
	}
	log.Info("docker client connected", "host", api.DaemonHost())
	return &Docker{api: api, log: log}, nil
}

func (d *Docker) Close() error { return d.api.Close() }

func (d *Docker) Create(ctx context.Context, spec Spec) (Container, error) {
	exposed := network.PortSet{}
	bindings := network.PortMap{}
	for containerPort, hostPort := range spec.Ports {
		if hostPort <= 0 {
			continue
		}
		p, err := network.ParsePort(containerPort)
		if err != nil {
			return Container{}, fmt.Errorf("parse port %q: %w", containerPort, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []network.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
	}

	hostCfg := &containertypes.HostConfig{
		Privileged:   spec.Privileged,
		PortBindings: bindings,
	}
	hostCfg.Memory = spec.Memory

	created, err := d.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name: spec.Name,
		Config: &containertypes.Config{
			Image:        spec.Image,
			Env:          envList(spec.Env),
			Labels:       spec.Labels,
			ExposedPorts: exposed,
		},
		HostConfig: hostCfg,
	})
	if err != nil {
		return Container{}, classify(err, spec.Image)
	}
	for _, w := range created.Warnings {
		d.log.Warn("container create warning", "name", spec.Name, "warning", w)
	}
	if _, err := d.api.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		_, _ = d.api.ContainerRemove(context.WithoutCancel(ctx), created.ID, client.ContainerRemoveOptions{Force: true})
		return Container{}, classify(err, spec.Image)
	}
	d.log.Info("container started", "id", created.ID, "name", spec.Name, "image", spec.Image)
	return d.Inspect(ctx, created.ID)
}

func (d *Docker) Inspect(ctx context.Context, id string) (Container, error) {
	res, err := d.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return Container{}, classify(err, "")
	}
	info := res.Container
	c := Container{
		ID:    info.ID,
		Name:  trimName(info.Name),
		Ports: map[string]int{},
	}
	if info.Config != nil {
		c.Image = info.Config.Image
		c.Cmd = info.Config.Cmd
		c.Labels = info.Config.Labels
	}
	if info.State != nil {
		c.State = string(info.State.Status)
		c.Running = info.State.Running
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			c.StartedAt = t
		}
	}
	if info.NetworkSettings != nil {
		for port, bindings := range info.NetworkSettings.Ports {
			for _, b := range bindings {
				if hp, err := strconv.Atoi(b.HostPort); err == nil && hp > 0 {
					c.Ports[port.String()] = hp
					break
				}
			}
		}
	}
	return c, nil
}

func (d *Docker) List(ctx context.Context, opts ListOptions) ([]Container, error) {
	listOpts := client.ContainerListOptions{All: opts.All}
	if opts.Managed {
		listOpts.Filters = make(client.Filters).Add("label", LabelManaged+"=true")
	}
	res, err := d.api.ContainerList(ctx, listOpts)
	if err != nil {
		return nil, classify(err, "")
	}
	out := make([]Container, 0, len(res.Items))
	for _, item := range res.Items {
		c := Container{
			ID:      item.ID,
			Image:   item.Image,
			State:   string(item.State),
			Running: item.State == containertypes.StateRunning,
			Labels:  item.Labels,
			Ports:   map[string]int{},
		}
		if len(item.Names) > 0 {
			c.Name = trimName(item.Names[0])
		}
		if item.Command != "" {
			c.Cmd = strings.Fields(item.Command)
		}
		for _, p := range item.Ports {
			if p.PublicPort > 0 {
				c.Ports[fmt.Sprintf("%d/%s", p.PrivatePort, p.Type)] = int(p.PublicPort)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (d *Docker) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if _, err := d.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &secs}); err != nil {
		return classify(err, "")
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, id string) error {
	if _, err := d.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true}); err != nil {
		return classify(err, "")
	}
	return nil
}

// classify maps engine errors onto the package sentinels.
func classify(err error, image string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "port is already allocated"):
		return fmt.Errorf("%w: %w", ErrPortConflict, err)
	case errdefs.IsNotFound(err) && image != "" && strings.Contains(strings.ToLower(msg), "image"):
		return fmt.Errorf("%w: %s", ErrImageNotFound, image)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("container conflict: %w", err)
	}
	return fmt.Errorf("docker api error: %w", err)
}
