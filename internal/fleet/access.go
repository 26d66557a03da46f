// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package fleet

import (
	"context"
	"fmt"

	"github.com/forkbombeu/emuhub/internal/adb"
	"github.com/forkbombeu/emuhub/internal/vnc"
)

// StartProxy starts (or returns) the websockify proxy of a session.
func (s *Service) StartProxy(ctx context.Context, id string) (vnc.Info, error) {
	sess, err := s.Store.Get(id)
	if err != nil {
		return vnc.Info{}, err
	}
	host, port := sess.VNCEndpoint()
	if port == 0 || s.VNC == nil {
		return vnc.Info{}, ErrVNCUnavailable
	}
	return s.VNC.Start(ctx, id, host, port)
}

// StopProxy stops the websockify proxy of a session, reporting whether one
// was running.
func (s *Service) StopProxy(id string) (bool, error) {
	if _, err := s.Store.Get(id); err != nil {
		return false, err
	}
	if s.VNC == nil {
		return false, nil
	}
	return s.VNC.Stop(id), nil
}

// VNCStatus probes the session's VNC server and reports its proxy.
func (s *Service) VNCStatus(ctx context.Context, id string) (vnc.Status, error) {
	sess, err := s.Store.Get(id)
	if err != nil {
		return vnc.Status{}, err
	}
	host, port := sess.VNCEndpoint()
	st := vnc.Status{Host: host, Port: port}
	if port == 0 {
		return st, ErrVNCUnavailable
	}
	st.Reachable = s.reach(ctx, host, port, s.cfg.VNCProbe)
	if s.VNC != nil {
		if info, ok := s.VNC.Info(id); ok {
			st.Proxy = &info
			st.NoVNCURL = fmt.Sprintf("/api/emulators/%s/live_view", id)
		}
	}
	return st, nil
}

// VNCEndpoint returns where the bridge should dial for a session.
func (s *Service) VNCEndpoint(id string) (string, int, error) {
	sess, err := s.Store.Get(id)
	if err != nil {
		return "", 0, err
	}
	host, port := sess.VNCEndpoint()
	if port == 0 {
		return "", 0, ErrVNCUnavailable
	}
	return host, port, nil
}

// Devices lists the devices of an adb server.
func (s *Service) Devices(ctx context.Context, serverPort int) ([]adb.DeviceRecord, error) {
	return s.Client.Devices(ctx, serverPort)
}

// Connect dials host:port from an adb server.
func (s *Service) Connect(ctx context.Context, serverPort int, host string, port int) (string, error) {
	if host == "" {
		host = "localhost"
	}
	return s.Client.Connect(ctx, serverPort, adb.Address{Host: host, Port: port})
}

// Disconnect drops host:port from an adb server.
func (s *Service) Disconnect(ctx context.Context, serverPort int, host string, port int) (string, error) {
	if host == "" {
		host = "localhost"
	}
	return s.Client.Disconnect(ctx, serverPort, adb.Address{Host: host, Port: port})
}

// KillServer stops an adb server.
func (s *Service) KillServer(ctx context.Context, serverPort int) (string, error) {
	return s.Client.KillServer(ctx, serverPort)
}

// StartServer starts an adb server.
func (s *Service) StartServer(ctx context.Context, serverPort int) (string, error) {
	res, err := s.Client.StartServer(ctx, serverPort)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return res.Output(), fmt.Errorf("%w: %s", adb.ErrServerFailed, res.Detail())
	}
	return res.Output(), nil
}
