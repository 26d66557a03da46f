// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package fleet

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/emuhub/internal/adb"
	"github.com/forkbombeu/emuhub/internal/session"
)

// NetworkTests are the checks run from the host against one created
// emulator over the container network.
type NetworkTests struct {
	ADBPort         bool   `json:"adb_port_5555"`
	VNCPort         bool   `json:"vnc_port_5900"`
	ADBConnect      string `json:"adb_connect"`
	ADBConnectError string `json:"adb_connect_error,omitempty"`
}

// NetworkCheck is the connectivity report of one session. Predefined
// emulators are listed without tests.
type NetworkCheck struct {
	ContainerName string        `json:"container_name"`
	Predefined    bool          `json:"is_predefined"`
	Tests         *NetworkTests `json:"tests,omitempty"`
}

// Diagnose checks, for every created emulator, that its adbd and VNC ports
// answer on the container network and that its adb server can connect to
// it. Results are keyed by session ID.
func (s *Service) Diagnose(ctx context.Context) map[string]NetworkCheck {
	ctx, span := s.startSpan(ctx, "fleet.Diagnose")
	defer span.End()

	sessions := s.Store.List()
	out := make(map[string]NetworkCheck, len(sessions))
	for _, sess := range sessions {
		check := NetworkCheck{ContainerName: sess.ContainerName, Predefined: sess.Predefined}
		if !sess.Predefined {
			check.Tests = s.networkTests(ctx, sess)
		}
		out[sess.ID] = check
	}
	span.SetAttributes(attribute.Int("sessions", len(out)))
	return out
}

func (s *Service) networkTests(ctx context.Context, sess session.Session) *NetworkTests {
	name := sess.ContainerName
	t := &NetworkTests{
		ADBPort: s.reach(ctx, name, adb.ContainerADBPort, s.cfg.VNCProbe),
		VNCPort: s.reach(ctx, name, session.ContainerVNCPort, s.cfg.VNCProbe),
	}
	out, err := s.Client.Connect(ctx, sess.Ports.ADBServer, adb.ContainerAddress(name))
	t.ADBConnect = out
	if err != nil {
		t.ADBConnectError = err.Error()
		s.log.Warn("diagnostic adb connect failed", "session_id", sess.ID, "container_name", name, "error", err)
	}
	return t
}
