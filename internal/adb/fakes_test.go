package adb

import (
	"context"
	"strings"
	"sync"
	"time"
)

type fakeExecutor struct {
	mu      sync.Mutex
	calls   []Invocation
	respond func(inv Invocation, n int) (Result, error)
}

func (f *fakeExecutor) Run(ctx context.Context, inv Invocation) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	n := f.countLocked(verb(inv))
	respond := f.respond
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if respond == nil {
		return Result{Status: StatusOK}, nil
	}
	return respond(inv, n)
}

// verb is the adb subcommand (or the binary for pkill/taskkill).
func verb(inv Invocation) string {
	if inv.Bin != "" {
		return inv.Bin
	}
	if len(inv.Args) == 0 {
		return ""
	}
	return inv.Args[0]
}

func (f *fakeExecutor) countLocked(v string) int {
	n := 0
	for _, c := range f.calls {
		if verb(c) == v {
			n++
		}
	}
	return n
}

func (f *fakeExecutor) count(v string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.countLocked(v)
}

func (f *fakeExecutor) find(v string) (Invocation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if verb(c) == v {
			return c, true
		}
	}
	return Invocation{}, false
}

func listing(lines ...string) Result {
	out := "List of devices attached\n" + strings.Join(lines, "\n") + "\n"
	return Result{Status: StatusOK, Stdout: []byte(out)}
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func newTestController(exec Executor, clk Clock) *Controller {
	return NewController(Env{}, WithExecutor(exec), WithClock(clk))
}

var fastRetry = DiscoverOptions{MaxRetries: 10, RetryDelay: time.Millisecond}
