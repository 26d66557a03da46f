// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package adb

import (
	"context"
	"sync"
)

// portLocks serializes work per adb server port. A plain mutex cannot be
// abandoned on cancellation, so each port gets a one-slot channel.
//
// The lock is re-entrant through the context: a ctx returned by acquire
// already holds the port, so a pipeline pass can call the controller's
// locked entry points without blocking on itself.
type portLocks struct {
	mu    sync.Mutex
	slots map[int]chan struct{}
}

type heldPort struct {
	locks *portLocks
	port  int
}

func (l *portLocks) slot(port int) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		l.slots = make(map[int]chan struct{})
	}
	ch, ok := l.slots[port]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[port] = ch
	}
	return ch
}

// acquire blocks until port is free or ctx is done. The returned ctx marks
// the port as held and the returned func releases it.
func (l *portLocks) acquire(ctx context.Context, port int) (context.Context, func(), error) {
	key := heldPort{locks: l, port: port}
	if ctx.Value(key) != nil {
		return ctx, func() {}, nil
	}
	ch := l.slot(port)
	held := context.WithValue(ctx, key, struct{}{})
	release := func() { <-ch }
	// A free port is taken even when ctx is already done; the work under
	// the lock reports the cancellation itself.
	select {
	case ch <- struct{}{}:
		return held, release, nil
	default:
	}
	select {
	case ch <- struct{}{}:
		return held, release, nil
	case <-ctx.Done():
		return ctx, nil, ctx.Err()
	}
}
