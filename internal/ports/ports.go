// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package ports hands out host ports for emulator containers. A port is
// never handed out twice while its owner is alive, and a candidate is only
// returned after the OS confirms nothing else has bound it.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
)

// ErrPortsExhausted is returned when a range has no free port left.
var ErrPortsExhausted = errors.New("no free port in range")

type Kind string

const (
	Console    Kind = "console"
	ADB        Kind = "adb"
	ADBServer  Kind = "adb_server"
	VNC        Kind = "vnc"
	Websockify Kind = "websockify"
)

// Range is an inclusive port range.
type Range struct {
	Lo, Hi int
}

func (r Range) Contains(port int) bool { return port >= r.Lo && port <= r.Hi }

var DefaultRanges = map[Kind]Range{
	Console:    {5000, 5999},
	ADB:        {6000, 6999},
	ADBServer:  {7000, 7999},
	VNC:        {5900, 5950},
	Websockify: {6090, 6300},
}

// Set is the group of host ports published by one emulator container.
type Set struct {
	Console    int `json:"console"`
	ADB        int `json:"adb"`
	ADBServer  int `json:"adb_server"`
	VNC        int `json:"vnc"`
	Websockify int `json:"websockify,omitempty"`
}

// Ports lists the non-zero ports of s.
func (s Set) Ports() []int {
	var out []int
	for _, p := range []int{s.Console, s.ADB, s.ADBServer, s.VNC, s.Websockify} {
		if p > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Prober reports whether port can be bound on this host.
type Prober func(port int) bool

// IsFree probes by binding the port on loopback.
func IsFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

type Allocator struct {
	mu     sync.Mutex
	ranges map[Kind]Range
	probe  Prober
	used   map[int]string
}

type Option func(*Allocator)

// WithProber replaces the OS bind probe.
func WithProber(p Prober) Option {
	return func(a *Allocator) { a.probe = p }
}

// WithRange overrides the range for one kind.
func WithRange(kind Kind, r Range) Option {
	return func(a *Allocator) { a.ranges[kind] = r }
}

func New(opts ...Option) *Allocator {
	a := &Allocator{
		ranges: make(map[Kind]Range, len(DefaultRanges)),
		probe:  IsFree,
		used:   make(map[int]string),
	}
	for k, r := range DefaultRanges {
		a.ranges[k] = r
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate reserves one port of each kind for owner. Either every port is
// reserved or none is.
func (a *Allocator) Allocate(owner string) (Set, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var set Set
	var taken []int
	for _, slot := range []struct {
		kind Kind
		dst  *int
	}{
		{Console, &set.Console},
		{ADB, &set.ADB},
		{ADBServer, &set.ADBServer},
		{VNC, &set.VNC},
		{Websockify, &set.Websockify},
	} {
		port, err := a.nextLocked(slot.kind, owner)
		if err != nil {
			for _, p := range taken {
				delete(a.used, p)
			}
			return Set{}, err
		}
		taken = append(taken, port)
		*slot.dst = port
	}
	return set, nil
}

// Next reserves a single port of kind for owner.
func (a *Allocator) Next(kind Kind, owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextLocked(kind, owner)
}

func (a *Allocator) nextLocked(kind Kind, owner string) (int, error) {
	r, ok := a.ranges[kind]
	if !ok {
		return 0, fmt.Errorf("unknown port kind %q", kind)
	}
	for p := r.Lo; p <= r.Hi; p++ {
		if _, busy := a.used[p]; busy {
			continue
		}
		if !a.probe(p) {
			continue
		}
		a.used[p] = owner
		return p, nil
	}
	return 0, fmt.Errorf("%s %d-%d: %w", kind, r.Lo, r.Hi, ErrPortsExhausted)
}

// MarkUsed records ports bound by an existing container so they are skipped.
func (a *Allocator) MarkUsed(owner string, ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		if p > 0 {
			a.used[p] = owner
		}
	}
}

// Release frees every port held by owner and returns them sorted.
func (a *Allocator) Release(owner string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var freed []int
	for p, o := range a.used {
		if o == owner {
			delete(a.used, p)
			freed = append(freed, p)
		}
	}
	sort.Ints(freed)
	return freed
}

// Owner returns who holds port, if anyone.
func (a *Allocator) Owner(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.used[port]
	return o, ok
}

// InUse returns the number of reserved ports.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
