// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package adb

import (
	"fmt"
	"strconv"
)

// Scope addresses one adb control channel and, optionally, a default device.
// It replaces ANDROID_ADB_SERVER_PORT/ANDROID_SERIAL as process-wide state:
// the values travel with every invocation and only reach the child process,
// so concurrent operations on different emulators cannot clobber each other.
type Scope struct {
	ServerPort int    `json:"server_port,omitempty"`
	Serial     string `json:"serial,omitempty"`
}

// Bind scopes commands to serverPort and, when devicePort is set, to the
// device at localhost:<devicePort>. Zero values leave that part unset.
func Bind(serverPort, devicePort int) Scope {
	s := Scope{ServerPort: serverPort}
	if devicePort > 0 {
		s.Serial = HostAddress(devicePort).Serial()
	}
	return s
}

// OnDevice returns a copy of s targeting serial.
func (s Scope) OnDevice(serial string) Scope {
	s.Serial = serial
	return s
}

// Args renders the global adb flags: [-P <port>] [-s <serial>].
func (s Scope) Args() []string {
	var args []string
	if s.ServerPort > 0 {
		args = append(args, "-P", strconv.Itoa(s.ServerPort))
	}
	if s.Serial != "" {
		args = append(args, "-s", s.Serial)
	}
	return args
}

// Environ renders the child-process environment for the scope.
func (s Scope) Environ() []string {
	var env []string
	if s.ServerPort > 0 {
		env = append(env, fmt.Sprintf("ANDROID_ADB_SERVER_PORT=%d", s.ServerPort))
	}
	if s.Serial != "" {
		env = append(env, "ANDROID_SERIAL="+s.Serial)
	}
	return env
}
