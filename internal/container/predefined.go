// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package container

import (
	"strings"

	"github.com/forkbombeu/emuhub/internal/ports"
)

// Predefined is an emulator started by docker compose rather than by us. Its
// ports are fixed by the compose file and it is reached over host ports.
type Predefined struct {
	Service        string
	NamePattern    string
	Host           string
	AndroidVersion string
	DeviceID       string
	Ports          ports.Set
}

// SessionID is the stable session identifier used for the service.
func (p Predefined) SessionID() string {
	return "existing_" + p.Service + "_" + p.DeviceID
}

// Matches reports whether a running container belongs to the service.
// Compose may prefix the project name, so a substring match is enough.
func (p Predefined) Matches(name string) bool {
	name = trimName(name)
	return strings.Contains(name, p.NamePattern)
}

var PredefinedServices = []Predefined{
	{
		Service:        "emulator",
		NamePattern:    "qemu-emulator-1",
		Host:           "emulator",
		AndroidVersion: "11",
		DeviceID:       "android11_main",
		Ports:          ports.Set{Console: 5554, ADB: 5555, ADBServer: 5037, VNC: 5901},
	},
	{
		Service:        "emulator14",
		NamePattern:    "qemu-emulator14-1",
		Host:           "emulator14",
		AndroidVersion: "14",
		DeviceID:       "android14_main",
		Ports:          ports.Set{Console: 6654, ADB: 6655, ADBServer: 6037, VNC: 5902},
	},
}

// MatchPredefined finds the compose service a container belongs to.
func MatchPredefined(c Container) (Predefined, bool) {
	for _, p := range PredefinedServices {
		if p.Matches(c.Name) {
			return p, true
		}
	}
	return Predefined{}, false
}
