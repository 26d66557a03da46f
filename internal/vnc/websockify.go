// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package vnc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/forkbombeu/emuhub/internal/ports"
)

// ErrProxyFailed is returned when websockify exits during startup.
var ErrProxyFailed = errors.New("failed to start websockify")

// Info describes a running proxy.
type Info struct {
	SessionID string `json:"session_id"`
	WSPort    int    `json:"ws_port"`
	VNCHost   string `json:"vnc_host"`
	VNCPort   int    `json:"vnc_port"`
	PID       int    `json:"pid"`
	// Reused is set when Start found the proxy already running.
	Reused bool `json:"reused,omitempty"`
}

type proxy struct {
	info   Info
	cmd    *exec.Cmd
	done   chan struct{}
	stderr *bytes.Buffer
}

func (p *proxy) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Manager runs one websockify process per session.
type Manager struct {
	Bin        string        // websockify
	WebDir     string        // noVNC static files
	StartGrace time.Duration // time allowed for an early exit to show up
	StopGrace  time.Duration // SIGTERM to SIGKILL delay

	ports *ports.Allocator
	log   *slog.Logger

	mu      sync.Mutex
	proxies map[string]*proxy
}

func NewManager(bin, webDir string, alloc *ports.Allocator, log *slog.Logger) *Manager {
	if bin == "" {
		bin = "websockify"
	}
	if log == nil {
		log = slog.Default()
	}
	if alloc == nil {
		alloc = ports.New()
	}
	return &Manager{
		Bin:        bin,
		WebDir:     webDir,
		StartGrace: time.Second,
		StopGrace:  5 * time.Second,
		ports:      alloc,
		log:        log,
		proxies:    make(map[string]*proxy),
	}
}

func owner(sessionID string) string { return "websockify:" + sessionID }

// Start launches websockify for sessionID, bridging a free websocket port to
// vncHost:vncPort. Starting an already running proxy returns it unchanged.
func (m *Manager) Start(ctx context.Context, sessionID, vncHost string, vncPort int) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.proxies[sessionID]; ok {
		if p.alive() {
			info := p.info
			info.Reused = true
			return info, nil
		}
		m.log.Info("cleaning up dead websockify", "session_id", sessionID, "pid", p.info.PID)
		m.forgetLocked(sessionID)
	}

	wsPort, err := m.ports.Next(ports.Websockify, owner(sessionID))
	if err != nil {
		return Info{}, err
	}

	args := []string{}
	if m.WebDir != "" {
		args = append(args, "--web="+m.WebDir)
	}
	args = append(args, strconv.Itoa(wsPort), fmt.Sprintf("%s:%d", vncHost, vncPort))
	cmd := exec.Command(m.Bin, args...)
	setProcessGroup(cmd)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	m.log.Info("starting websockify", "session_id", sessionID, "command", m.Bin, "args", args)
	if err := cmd.Start(); err != nil {
		m.ports.Release(owner(sessionID))
		return Info{}, fmt.Errorf("%w: %w", ErrProxyFailed, err)
	}
	p := &proxy{
		info:   Info{SessionID: sessionID, WSPort: wsPort, VNCHost: vncHost, VNCPort: vncPort, PID: cmd.Process.Pid},
		cmd:    cmd,
		done:   make(chan struct{}),
		stderr: &stderr,
	}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()

	select {
	case <-p.done:
		m.ports.Release(owner(sessionID))
		return Info{}, fmt.Errorf("%w: %s", ErrProxyFailed, bytes.TrimSpace(stderr.Bytes()))
	case <-ctx.Done():
		m.terminate(p)
		m.ports.Release(owner(sessionID))
		return Info{}, ctx.Err()
	case <-time.After(m.StartGrace):
	}

	m.proxies[sessionID] = p
	m.log.Info("websockify started", "session_id", sessionID, "ws_port", wsPort, "vnc", fmt.Sprintf("%s:%d", vncHost, vncPort), "pid", p.info.PID)
	return p.info, nil
}

// Stop terminates the proxy for sessionID. Stopping a session without a
// proxy is not an error.
func (m *Manager) Stop(sessionID string) bool {
	m.mu.Lock()
	p, ok := m.proxies[sessionID]
	if ok {
		delete(m.proxies, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.terminate(p)
	m.ports.Release(owner(sessionID))
	m.log.Info("websockify stopped", "session_id", sessionID, "pid", p.info.PID)
	return true
}

// terminate sends SIGTERM to the process group, then SIGKILL after StopGrace.
func (m *Manager) terminate(p *proxy) {
	if !p.alive() {
		return
	}
	if err := signalGroup(p.cmd, false); err != nil {
		m.log.Warn("websockify terminate failed", "pid", p.info.PID, "error", err)
	}
	select {
	case <-p.done:
		return
	case <-time.After(m.StopGrace):
	}
	if err := signalGroup(p.cmd, true); err != nil {
		m.log.Warn("websockify kill failed", "pid", p.info.PID, "error", err)
	}
	<-p.done
}

// Info returns the running proxy for sessionID, reaping it if it died.
func (m *Manager) Info(sessionID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[sessionID]
	if !ok {
		return Info{}, false
	}
	if !p.alive() {
		m.forgetLocked(sessionID)
		return Info{}, false
	}
	return p.info, true
}

// List returns every live proxy.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Info
	for id, p := range m.proxies {
		if !p.alive() {
			m.forgetLocked(id)
			continue
		}
		out = append(out, p.info)
	}
	return out
}

// StopAll terminates every proxy; used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.proxies))
	for id := range m.proxies {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Stop(id)
		}()
	}
	wg.Wait()
}

func (m *Manager) forgetLocked(sessionID string) {
	delete(m.proxies, sessionID)
	m.ports.Release(owner(sessionID))
}
