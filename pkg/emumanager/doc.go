// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

/*
Package emumanager provides a Go library for bringing the adb connection of
Docker Android emulators to a ready state and recovering it when it drops.

# Overview

Emulators running in containers expose adb on a host-mapped port, or on port
5555 of the container when reached over the Docker network. A fresh or
restarted emulator is often listed as offline, or not at all, for a while.
This library restarts the adb server, connects to the device and retries
discovery until the device settles in a known state.

# Quick Start

	import "github.com/forkbombeu/emuhub/pkg/emumanager"

	func main() {
		mgr := emumanager.New()

		device := emumanager.DeviceOptions{ServerPort: 7000, ContainerName: "emu_a1b2c3d4_5e6f7a8b"}

		// Connect and wait for the device to show up
		info, _ := mgr.Discover(emumanager.DiscoverOptions{Device: device})

		// Restart the server, rediscover and capture the screen
		png, _ := mgr.Screenshot(device)
	}

# Key Concepts

**Server port**: every emulator gets its own adb server, selected with
`adb -P <port>`. The library never sets ANDROID_ADB_SERVER_PORT in the calling
process; it is only passed to the adb child processes.

**Outcome**: discovery ends with one of device, offline, unauthorized,
not_found or timeout. Only device is usable; offline and unauthorized end the
retries early because waiting longer does not change them.

**Restart**: restarting kills every adb process on the host, then starts a
server on the requested port. Operations on the same server port are
serialized; different ports run in parallel.

# Environment Configuration

By default, the manager reads its settings from environment variables:
  - EMUHUB_ADB, EMUHUB_PKILL
  - EMUHUB_CONNECT_TIMEOUT, EMUHUB_DEVICES_TIMEOUT, EMUHUB_START_SERVER_TIMEOUT
  - EMUHUB_SCREENCAP_TIMEOUT, EMUHUB_PROBE_TIMEOUT, EMUHUB_COMMAND_TIMEOUT
  - EMUHUB_KILL_SETTLE, EMUHUB_START_SETTLE, EMUHUB_STABILIZE

Use NewWithEnv() to override them.

# Tracing

Every operation opens an OpenTelemetry span on the manager's context, tagged
with the correlation id. Install a tracer provider to collect them.

# Thread Safety

A Manager can be shared between goroutines.

# License

Copyright (C) 2025 Forkbomb B.V. Licensed under AGPL-3.0-only.
*/
package emumanager
