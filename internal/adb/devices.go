// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package adb

import (
	"fmt"
	"regexp"
	"strings"
)

// DeviceState is the second column of an `adb devices` line.
type DeviceState string

const (
	StateDevice       DeviceState = "device"
	StateOffline      DeviceState = "offline"
	StateUnauthorized DeviceState = "unauthorized"
	StateUnknown      DeviceState = "unknown"
	// StateAbsent is returned by WaitFor when the serial never showed up.
	StateAbsent DeviceState = "absent"
)

// Known reports whether the state is one the discovery loop may stop on.
func (s DeviceState) Known() bool {
	switch s {
	case StateDevice, StateOffline, StateUnauthorized:
		return true
	}
	return false
}

// DeviceRecord is one parsed line of an `adb devices` listing.
type DeviceRecord struct {
	Serial string      `json:"serial"`
	State  DeviceState `json:"state"`
}

// ParseDevices parses `adb devices` output. The first line is the header and
// is skipped, as are blank lines and "* daemon ..." notices printed when the
// server had to be started. Each remaining line is split on tabs.
func ParseDevices(output string) []DeviceRecord {
	var records []DeviceRecord
	headerSeen := false
	for _, raw := range strings.Split(strings.TrimSpace(output), "\n") {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "* ") {
			continue
		}
		if !headerSeen {
			headerSeen = true
			continue
		}
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		serial := strings.TrimSpace(parts[0])
		if serial == "" {
			continue
		}
		state := StateUnknown
		if len(parts) > 1 {
			if s := strings.TrimSpace(parts[1]); s != "" {
				state = DeviceState(s)
			}
		}
		records = append(records, DeviceRecord{Serial: serial, State: state})
	}
	return records
}

// ContainerADBPort is the adbd port inside every emulator container,
// whatever host port it is published on.
const ContainerADBPort = 5555

// Address is where the adb server dials the device. Exactly one addressing
// mode applies: host network (localhost:<mapped port>) or container network
// (<container name>:5555).
type Address struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Container bool   `json:"container"`
}

// HostAddress addresses a device through its host-mapped adb port.
func HostAddress(port int) Address {
	return Address{Host: "localhost", Port: port}
}

// ContainerAddress addresses a device by container name on the Docker network.
func ContainerAddress(name string) Address {
	return Address{Host: name, Port: ContainerADBPort, Container: true}
}

// AddressFor picks the container-network mode when a container name is known.
func AddressFor(containerName string, hostPort int) Address {
	if strings.TrimSpace(containerName) != "" {
		return ContainerAddress(containerName)
	}
	return HostAddress(hostPort)
}

// Serial is the serial adb reports for a device connected at this address.
func (a Address) Serial() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

func (a Address) String() string { return a.Serial() }

var emulatorSerial = regexp.MustCompile(`^emulator-\d+$`)

// IsEmulatorSerial reports whether serial is an emulator auto-assigned alias.
func IsEmulatorSerial(serial string) bool {
	return emulatorSerial.MatchString(serial)
}

// Match returns the first record, in listing order, that stands for target:
// the exact serial, or for container addresses any emulator-<n> alias, since
// the server may list a container device under the alias instead of the
// dialed address. With several emulators on one server the alias rule can
// pick the wrong one.
func Match(records []DeviceRecord, target Address) (DeviceRecord, bool) {
	want := target.Serial()
	for _, rec := range records {
		if rec.Serial == want {
			return rec, true
		}
		if target.Container && IsEmulatorSerial(rec.Serial) {
			return rec, true
		}
	}
	return DeviceRecord{}, false
}
