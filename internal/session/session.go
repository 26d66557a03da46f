// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package session keeps the emulators known to this process: their
// container, published ports and last known adb outcome.
package session

import (
	"time"

	"github.com/forkbombeu/emuhub/internal/adb"
	"github.com/forkbombeu/emuhub/internal/ports"
)

type Session struct {
	ID             string      `json:"id"`
	DeviceID       string      `json:"device_id"`
	AndroidVersion string      `json:"android_version"`
	ContainerID    string      `json:"container_id"`
	ContainerName  string      `json:"container_name"`
	Ports          ports.Set   `json:"ports"`
	Predefined     bool        `json:"is_predefined"`
	Host           string      `json:"host,omitempty"` // compose service name of predefined emulators
	Status         adb.Outcome `json:"status,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Target addresses the session's emulator. Predefined emulators are reached
// through their host ports, created ones over the container network.
func (s Session) Target() adb.Target {
	t := adb.Target{ServerPort: s.Ports.ADBServer, DevicePort: s.Ports.ADB}
	if !s.Predefined {
		t.ContainerName = s.ContainerName
	}
	return t
}

// ContainerVNCPort is the VNC port inside emulator containers.
const ContainerVNCPort = 5900

// VNCEndpoint is where the session's VNC server is reachable from here:
// the published host port for predefined emulators, the container port on
// the Docker network otherwise.
func (s Session) VNCEndpoint() (string, int) {
	if s.Predefined {
		return "localhost", s.Ports.VNC
	}
	return s.ContainerName, ContainerVNCPort
}
