package gate

import (
	"context"
	"sync"

	"github.com/platinummonkey/dormgate/pkg/async"
	"github.com/platinummonkey/dormgate/pkg/auth"
	"github.com/platinummonkey/dormgate/pkg/rbac"
	"github.com/platinummonkey/dormgate/pkg/session"
)

// SessionSource is the part of session.Store a gate reads
type SessionSource interface {
	Snapshot() session.State
	Subscribe(fn func(session.State)) (unsubscribe func())
}

// identityKey is what a gate re-evaluates on
type identityKey struct {
	userID  string
	role    auth.Role
	loading bool
}

func keyOf(st session.State) identityKey {
	return identityKey{userID: st.Session.UserID(), role: st.Role, loading: authLoading(st)}
}

// Gate is the state machine guarding the page a browser is on.
//
// Navigate starts a new evaluation. Results of permission checks that
// resolve after the gate moved to another path, or after the identity
// changed, are discarded.
type Gate struct {
	engine *Engine
	store  SessionSource

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	mu        sync.Mutex
	path      string
	epoch     uint64
	key       identityKey
	outcome   Outcome
	changed   chan struct{}
	listeners map[int]func(Outcome)
	nextID    int
}

// NewGate creates a gate bound to store. It re-evaluates whenever the
// store's identity changes.
func (e *Engine) NewGate(store SessionSource) *Gate {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gate{
		engine:    e,
		store:     store,
		ctx:       ctx,
		cancel:    cancel,
		changed:   make(chan struct{}),
		listeners: make(map[int]func(Outcome)),
	}
	g.unsubscribe = store.Subscribe(g.onSession)
	return g
}

// Navigate evaluates path and returns the immediate outcome
func (g *Gate) Navigate(path string) Outcome {
	g.mu.Lock()
	g.path = path
	g.mu.Unlock()
	return g.evaluate()
}

// Outcome returns the current outcome
func (g *Gate) Outcome() Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outcome
}

// OnChange registers fn to receive every outcome change
func (g *Gate) OnChange(fn func(Outcome)) (unsubscribe func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = fn
	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

// Wait blocks until the outcome for the current path is final
func (g *Gate) Wait(ctx context.Context) (Outcome, error) {
	for {
		g.mu.Lock()
		out, ch := g.outcome, g.changed
		g.mu.Unlock()

		if out.Final() {
			return out, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

// Close stops listening to the store and abandons checks in flight
func (g *Gate) Close() {
	g.unsubscribe()
	g.cancel()
}

func (g *Gate) onSession(st session.State) {
	g.mu.Lock()
	if g.path == "" || keyOf(st) == g.key {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.evaluate()
}

// evaluate starts a new epoch for the current path and identity
func (g *Gate) evaluate() Outcome {
	st := g.store.Snapshot()

	g.mu.Lock()
	path := g.path
	g.epoch++
	epoch := g.epoch
	g.key = keyOf(st)
	g.mu.Unlock()

	out, route, needsCheck := g.engine.start(st, path)
	g.apply(epoch, out)

	if needsCheck {
		role := st.Role
		async.SafeGo(g.ctx, g.engine.logger, 0, "gate-permission-check", func(ctx context.Context) error {
			d := g.engine.check(ctx, route, role)
			g.resolved(ctx, epoch, out, d)
			return nil
		})
	}
	return out
}

// resolved applies a permission decision, then the default route on denial
func (g *Gate) resolved(ctx context.Context, epoch uint64, out Outcome, d rbac.Decision) {
	out.Decision = &d
	if d.Allowed {
		out.State = StateAuthorized
		g.apply(epoch, out)
		return
	}

	out.State = StateDenied
	out.Render = false
	if !g.apply(epoch, out) {
		return
	}
	out.Redirect = g.engine.deniedTarget(ctx, out.Path, out.Role)
	g.apply(epoch, out)
}

// apply installs out if epoch is still current and reports whether it did
func (g *Gate) apply(epoch uint64, out Outcome) bool {
	g.mu.Lock()
	if epoch != g.epoch {
		g.mu.Unlock()
		return false
	}
	g.outcome = out
	close(g.changed)
	g.changed = make(chan struct{})
	listeners := make([]func(Outcome), 0, len(g.listeners))
	for _, fn := range g.listeners {
		listeners = append(listeners, fn)
	}
	g.mu.Unlock()

	if out.Final() {
		g.engine.metrics.RecordGateOutcome(string(out.State))
	}
	for _, fn := range listeners {
		fn(out)
	}
	return true
}
