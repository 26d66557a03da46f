// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package vnc exposes emulator VNC servers to browsers, either through a
// websockify process serving noVNC or through an in-process websocket bridge.
package vnc

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Reachable reports whether a TCP connection to host:port succeeds within
// timeout.
func Reachable(ctx context.Context, host string, port int, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Status is the VNC view of one emulator.
type Status struct {
	Host      string `json:"vnc_host"`
	Port      int    `json:"vnc_port"`
	Reachable bool   `json:"vnc_reachable"`
	Proxy     *Info  `json:"proxy,omitempty"`
	NoVNCURL  string `json:"novnc_url,omitempty"`
}
