// Package idle implements the idle-wait gate: before an invocation runs inside
// the application process, the gate polls every registered busy tracker until
// all of them report not-busy in the same pass.
package idle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"greybridge/rpcerr"
)

// Tracker answers "is there pending work right now". Implementations are the
// animation, dispatch queue, network and UI event monitors of the host
// application. Busy must be cheap and safe to call from any goroutine.
type Tracker interface {
	Busy() bool
}

// TrackerFunc adapts a function to Tracker.
type TrackerFunc func() bool

func (f TrackerFunc) Busy() bool { return f() }

// Counter is a tracker for counted work: Begin before scheduling, Done when
// the work finishes. Busy while the count is positive.
type Counter struct {
	n atomic.Int64
}

func (c *Counter) Begin() { c.n.Add(1) }

func (c *Counter) Done() {
	if c.n.Add(-1) < 0 {
		c.n.Store(0)
	}
}

func (c *Counter) Pending() int64 { return c.n.Load() }

func (c *Counter) Busy() bool { return c.n.Load() > 0 }

const (
	DefaultMinPoll = 2 * time.Millisecond
	DefaultMaxPoll = 50 * time.Millisecond
)

// Snapshot is the idle state at one poll instant.
type Snapshot struct {
	Idle bool      `json:"idle"`
	Busy []string  `json:"busy,omitempty"`
	At   time.Time `json:"at"`
}

type namedTracker struct {
	name    string
	tracker Tracker
}

// Gate polls the registered trackers.
type Gate struct {
	mu       sync.RWMutex
	trackers []namedTracker
	minPoll  time.Duration
	maxPoll  time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithPollInterval sets the bounds of the polling back-off. The first sleep is
// min and each following sleep doubles up to max.
func WithPollInterval(min, max time.Duration) Option {
	return func(g *Gate) {
		if min > 0 {
			g.minPoll = min
		}
		if max >= g.minPoll {
			g.maxPoll = max
		}
	}
}

func NewGate(opts ...Option) *Gate {
	g := &Gate{minPoll: DefaultMinPoll, maxPoll: DefaultMaxPoll}
	for _, opt := range opts {
		opt(g)
	}
	if g.maxPoll < g.minPoll {
		g.maxPoll = g.minPoll
	}
	return g
}

// Register adds a tracker under a unique name. Trackers are registered once at
// process start.
func (g *Gate) Register(name string, t Tracker) error {
	if t == nil {
		return fmt.Errorf("idle: nil tracker %q", name)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, nt := range g.trackers {
		if nt.name == name {
			return fmt.Errorf("idle: tracker %q already registered", name)
		}
	}
	g.trackers = append(g.trackers, namedTracker{name: name, tracker: t})
	return nil
}

// Trackers returns the registered tracker names in registration order.
func (g *Gate) Trackers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, len(g.trackers))
	for i, nt := range g.trackers {
		names[i] = nt.name
	}
	return names
}

// Snapshot polls every tracker once.
func (g *Gate) Snapshot() Snapshot {
	g.mu.RLock()
	trackers := g.trackers
	g.mu.RUnlock()

	snap := Snapshot{At: time.Now()}
	for _, nt := range trackers {
		if nt.tracker.Busy() {
			snap.Busy = append(snap.Busy, nt.name)
		}
	}
	snap.Idle = len(snap.Busy) == 0
	return snap
}

// WaitUntilIdle blocks until a poll pass finds every tracker idle, the timeout
// elapses, or ctx is done. A tracker turning busy right after the idle pass is
// not noticed; the next invocation waits again.
//
// On timeout the returned error wraps rpcerr.ErrIdleTimeout and names the
// trackers that were busy on the last pass.
func (g *Gate) WaitUntilIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	interval := g.minPoll
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		snap := g.Snapshot()
		if snap.Idle {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return g.timeoutError(ctx, timeout, snap)
		}

		sleep := interval
		if sleep > remaining {
			sleep = remaining
		}
		timer.Reset(sleep)
		select {
		case <-ctx.Done():
			return g.timeoutError(ctx, timeout, snap)
		case <-timer.C:
		}

		interval *= 2
		if interval > g.maxPoll {
			interval = g.maxPoll
		}
	}
}

func (g *Gate) timeoutError(ctx context.Context, timeout time.Duration, snap Snapshot) error {
	busy := append([]string(nil), snap.Busy...)
	sort.Strings(busy)
	if err := ctx.Err(); err != nil && err != context.DeadlineExceeded {
		return fmt.Errorf("idle wait: %w", err)
	}
	return rpcerr.New("idle", rpcerr.ErrIdleTimeout, "still busy after %s: %s", timeout, strings.Join(busy, ", "))
}
