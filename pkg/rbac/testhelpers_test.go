package rbac

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/dormgate/pkg/auth"
)

var errTransport = errors.New("connection refused")

type lookupResult struct {
	allowed bool
	err     error
}

// fakeStore answers lookups from a table and counts calls per role
type fakeStore struct {
	mu    sync.Mutex
	rows  map[string]lookupResult
	calls map[auth.Role]int
	// failures makes the next N lookups fail with errTransport
	failures atomic.Int32
	// block, when set, holds every lookup until closed
	block chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]lookupResult), calls: make(map[auth.Role]int)}
}

func (f *fakeStore) set(path string, role auth.Role, allowed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[cacheKey(path, role)] = lookupResult{allowed: allowed}
}

func (f *fakeStore) fail(path string, role auth.Role, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[cacheKey(path, role)] = lookupResult{err: err}
}

func (f *fakeStore) Lookup(ctx context.Context, path string, role auth.Role) (bool, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls[role]++
	res, ok := f.rows[cacheKey(path, role)]
	f.mu.Unlock()

	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return false, errTransport
	}
	if !ok {
		return false, ErrNoRuling
	}
	return res.allowed, res.err
}

func (f *fakeStore) callsFor(role auth.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[role]
}

func (f *fakeStore) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// clock is a settable time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
