// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/emuhub/internal/adb"
	"github.com/forkbombeu/emuhub/internal/container"
	"github.com/forkbombeu/emuhub/internal/session"
)

// CreateRequest asks for a new emulator. Zero ports are allocated.
type CreateRequest struct {
	AndroidVersion string `json:"android_version"`
	ConsolePort    int    `json:"console_port,omitempty"`
	ADBPort        int    `json:"adb_port,omitempty"`
	ADBServerPort  int    `json:"adb_server_port,omitempty"`
}

// Created is the result of Create.
type Created struct {
	Session   session.Session `json:"session"`
	Discovery adb.Discovery   `json:"adb_setup"`
	Commands  adb.Commands    `json:"adb_commands"`
}

// Create starts an emulator container, waits for its adb port to be
// published and provisions its adb server. A device that is not ready yet
// does not fail the creation; the outcome is recorded on the session.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Created, error) {
	if s.Runtime == nil {
		return Created{}, ErrRuntimeUnavailable
	}
	ctx, span := s.startSpan(ctx, "fleet.Create", attribute.String("android_version", req.AndroidVersion))
	defer span.End()

	if n, err := s.CleanupOrphans(ctx); err != nil {
		s.log.Warn("orphan cleanup failed", "error", err)
	} else if n > 0 {
		s.log.Info("removed orphaned containers", "count", n)
	}

	id := s.newID()
	dev := deviceID(s.newID())
	set, err := s.Ports.Allocate(id)
	if err != nil {
		recordSpanError(span, err)
		return Created{}, fmt.Errorf("port allocation failed: %w", err)
	}
	if req.ConsolePort > 0 {
		set.Console = req.ConsolePort
	}
	if req.ADBPort > 0 {
		set.ADB = req.ADBPort
	}
	if req.ADBServerPort > 0 {
		set.ADBServer = req.ADBServerPort
	}
	s.Ports.MarkUsed(id, set.Ports()...)

	spec, err := container.EmulatorSpec(container.EmulatorRequest{
		AndroidVersion: req.AndroidVersion,
		DeviceID:       dev,
		SessionID:      id,
		Ports:          set,
		Memory:         s.cfg.Memory,
	})
	if err != nil {
		s.Ports.Release(id)
		recordSpanError(span, err)
		return Created{}, err
	}
	s.log.Info("creating emulator", "session_id", id, "device_id", dev, "image", spec.Image, "ports", set)

	c, err := s.Runtime.Create(ctx, spec)
	if err != nil {
		s.Ports.Release(id)
		recordSpanError(span, err)
		return Created{}, fmt.Errorf("emulator creation failed: %w", err)
	}

	createdID := c.ID
	c, err = container.WaitForPort(ctx, s.Runtime, createdID, container.ADBPort, s.cfg.PortWait, s.cfg.PortPoll)
	if err != nil {
		s.removeContainer(context.WithoutCancel(ctx), createdID)
		s.Ports.Release(id)
		recordSpanError(span, err)
		return Created{}, err
	}

	mapped := c.HostPorts()
	if mapped.Websockify == 0 {
		mapped.Websockify = set.Websockify
	}
	sess, err := s.Store.Put(ctx, session.Session{
		ID:             id,
		DeviceID:       dev,
		AndroidVersion: spec.Labels[container.LabelVersion],
		ContainerID:    c.ID,
		ContainerName:  c.Name,
		Ports:          mapped,
	})
	if err != nil {
		s.removeContainer(context.WithoutCancel(ctx), c.ID)
		s.Ports.Release(id)
		recordSpanError(span, err)
		return Created{}, err
	}

	d, err := s.ADB.Provision(ctx, sess.Target())
	if err != nil {
		// The container is up; adb problems are reported, not fatal.
		s.log.Warn("adb provisioning failed", "session_id", id, "error", err)
		d.LastErr = err.Error()
		if d.Outcome == "" {
			d.Outcome = adb.OutcomeNotFound
		}
	}
	s.recordStatus(ctx, id, d.Outcome)
	sess.Status = d.Outcome
	span.SetAttributes(attribute.String("session_id", id), attribute.String("outcome", string(d.Outcome)))
	s.log.Info("emulator created", "session_id", id, "device_id", dev, "adb_server_port", mapped.ADBServer, "outcome", string(d.Outcome))

	return Created{Session: sess, Discovery: d, Commands: adb.CommandsFor(sess.Target())}, nil
}

// Delete disconnects, stops and removes a created emulator.
func (s *Service) Delete(ctx context.Context, id string) error {
	sess, err := s.Store.Get(id)
	if err != nil {
		return err
	}
	if sess.Predefined {
		return ErrPredefined
	}
	ctx, span := s.startSpan(ctx, "fleet.Delete", attribute.String("session_id", id))
	defer span.End()

	if s.VNC != nil {
		s.VNC.Stop(id)
	}
	if s.Client != nil {
		t := sess.Target()
		if _, err := s.Client.Disconnect(ctx, t.ServerPort, t.Address()); err != nil {
			s.log.Warn("adb disconnect failed", "session_id", id, "error", err)
		}
	}
	if s.Runtime != nil && sess.ContainerID != "" {
		s.removeContainer(ctx, sess.ContainerID)
	}
	s.Ports.Release(id)
	if err := s.Store.Delete(ctx, id); err != nil {
		recordSpanError(span, err)
		return err
	}
	s.log.Info("emulator deleted", "session_id", id)
	return nil
}

func (s *Service) removeContainer(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := s.Runtime.Stop(ctx, id, s.cfg.StopTimeout); err != nil && !errors.Is(err, container.ErrNotFound) {
		s.log.Warn("container stop failed", "container_id", id, "error", err)
	}
	if err := s.Runtime.Remove(ctx, id); err != nil && !errors.Is(err, container.ErrNotFound) {
		s.log.Warn("container remove failed", "container_id", id, "error", err)
	}
}

// CleanupOrphans removes managed containers that no session owns, so their
// ports become free again.
func (s *Service) CleanupOrphans(ctx context.Context) (int, error) {
	if s.Runtime == nil {
		return 0, ErrRuntimeUnavailable
	}
	managed, err := s.Runtime.List(ctx, container.ListOptions{All: true, Managed: true})
	if err != nil {
		return 0, err
	}
	owned := s.Store.ContainerIDs()
	removed := 0
	for _, c := range managed {
		if owned[c.ID] {
			continue
		}
		s.log.Info("removing orphaned container", "container_id", c.ID, "name", c.Name)
		s.removeContainer(ctx, c.ID)
		removed++
	}
	return removed, nil
}

// DiscoverExisting registers running compose emulators as predefined
// sessions and attaches to their adb servers.
func (s *Service) DiscoverExisting(ctx context.Context) ([]session.Session, error) {
	if s.Runtime == nil {
		return nil, ErrRuntimeUnavailable
	}
	ctx, span := s.startSpan(ctx, "fleet.DiscoverExisting")
	defer span.End()

	running, err := s.Runtime.List(ctx, container.ListOptions{})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	s.log.Info("checking running containers", "count", len(running))

	var registered []session.Session
	for _, c := range running {
		if c.Dormant() {
			s.log.Info("skipping dormant container", "name", c.Name)
			continue
		}
		p, ok := container.MatchPredefined(c)
		if !ok {
			continue
		}
		id := p.SessionID()
		if s.Store.Has(id) {
			continue
		}
		sess, err := s.Store.Put(ctx, session.Session{
			ID:             id,
			DeviceID:       p.DeviceID,
			AndroidVersion: p.AndroidVersion,
			ContainerID:    c.ID,
			ContainerName:  c.Name,
			Ports:          p.Ports,
			Predefined:     true,
			Host:           p.Host,
		})
		if err != nil {
			return registered, err
		}
		s.Ports.MarkUsed(id, p.Ports.Ports()...)
		s.log.Info("registered existing container", "name", c.Name, "session_id", id, "ports", p.Ports)

		d, err := s.ADB.Attach(ctx, sess.Target())
		if err != nil {
			s.log.Warn("adb attach failed", "session_id", id, "error", err)
		} else if s.recordStatus(ctx, id, d.Outcome) {
			sess.Status = d.Outcome
		}
		registered = append(registered, sess)
	}
	span.SetAttributes(attribute.Int("registered", len(registered)))
	return registered, nil
}

// View is a session together with the live state of its container.
type View struct {
	session.Session
	ContainerState string       `json:"container_status"`
	Uptime         string       `json:"uptime,omitempty"`
	Commands       adb.Commands `json:"adb_commands"`
}

// List returns every session with its container state.
func (s *Service) List(ctx context.Context) []View {
	sessions := s.Store.List()
	views := make([]View, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, s.view(ctx, sess))
	}
	return views
}

func (s *Service) view(ctx context.Context, sess session.Session) View {
	v := View{Session: sess, ContainerState: "unknown", Commands: adb.CommandsFor(sess.Target())}
	if s.Runtime == nil || sess.ContainerID == "" {
		return v
	}
	c, err := s.Runtime.Inspect(ctx, sess.ContainerID)
	switch {
	case errors.Is(err, container.ErrNotFound):
		v.ContainerState = "removed"
	case err != nil:
		s.log.Warn("container inspect failed", "session_id", sess.ID, "error", err)
	default:
		v.ContainerState = c.State
		v.Uptime = c.Uptime(s.now())
	}
	return v
}

// StatusView is the result of Status.
type StatusView struct {
	View
	ADB adb.StatusReport `json:"adb"`
}

// Status reports container state and adb connectivity of a session.
func (s *Service) Status(ctx context.Context, id string) (StatusView, error) {
	sess, err := s.Store.Get(id)
	if err != nil {
		return StatusView{}, err
	}
	report, err := s.ADB.Status(ctx, sess.Target())
	if err != nil {
		return StatusView{}, err
	}
	if s.recordStatus(ctx, id, report.Outcome) {
		sess.Status = report.Outcome
	}
	return StatusView{View: s.view(ctx, sess), ADB: report}, nil
}

// Screenshot captures the session's screen as PNG.
func (s *Service) Screenshot(ctx context.Context, id string) ([]byte, error) {
	sess, err := s.Store.Get(id)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	png, err := s.ADB.Screenshot(ctx, sess.Target())
	var notReady *adb.NotReadyError
	switch {
	case errors.As(err, &notReady):
		s.recordStatus(ctx, id, notReady.Outcome)
	case errors.Is(err, adb.ErrServerFailed):
		s.recordStatus(ctx, id, adb.OutcomeServerFailed)
	case err == nil:
		s.recordStatus(ctx, id, adb.OutcomeDevice)
		s.log.Info("screenshot taken", "session_id", id, "bytes", len(png), "took", time.Since(start).String())
	}
	return png, err
}

// Reconnect restarts the session's adb server and rediscovers the device.
func (s *Service) Reconnect(ctx context.Context, id string) (adb.ReconnectReport, error) {
	sess, err := s.Store.Get(id)
	if err != nil {
		return adb.ReconnectReport{}, err
	}
	report, err := s.ADB.Reconnect(ctx, sess.Target())
	if errors.Is(err, adb.ErrServerFailed) {
		s.recordStatus(ctx, id, adb.OutcomeServerFailed)
		return report, err
	}
	if err != nil {
		return report, err
	}
	s.recordStatus(ctx, id, report.Outcome)
	return report, nil
}

// recordStatus stores the latest adb outcome of a session. A failed write
// is logged, never returned: the adb work itself already happened.
func (s *Service) recordStatus(ctx context.Context, id string, outcome adb.Outcome) bool {
	if err := s.Store.SetStatus(ctx, id, outcome); err != nil {
		s.log.Warn("record adb status failed", "session_id", id, "outcome", string(outcome), "error", err)
		return false
	}
	return true
}
