package redirect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/platinummonkey/dormgate/pkg/async"
	"github.com/platinummonkey/dormgate/pkg/identity"
	"github.com/platinummonkey/dormgate/pkg/observability"
	"github.com/platinummonkey/dormgate/pkg/routing"
	"github.com/platinummonkey/dormgate/pkg/session"
)

// Navigator is the browser as seen by the coordinator
type Navigator interface {
	CurrentPath() string
	Navigate(path string, reason Reason)
}

// SessionSource is the part of session.Store the coordinator needs
type SessionSource interface {
	OnSignedIn(fn func(identity.Event)) (unsubscribe func())
	WaitForProfile(ctx context.Context, userID string) (session.State, error)
}

// Options configures a Coordinator
type Options struct {
	// SettleTimeout bounds the wait for the signed-in user's profile (default 2s)
	SettleTimeout time.Duration
	Logger        *observability.Logger
	Metrics       *observability.Metrics
}

// Coordinator moves a user who just signed in to the area matching their
// role. It reacts to SIGNED_IN events only.
type Coordinator struct {
	store   SessionSource
	tables  routing.TableSource
	nav     Navigator
	settle  time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	mu       sync.Mutex
	inflight int
	idle     chan struct{}
}

// NewCoordinator subscribes to store's SIGNED_IN events
func NewCoordinator(store SessionSource, tables routing.TableSource, nav Navigator, opts Options) *Coordinator {
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	c := &Coordinator{
		store:   store,
		tables:  tables,
		nav:     nav,
		settle:  opts.SettleTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		idle:    idle,
	}
	c.unsubscribe = store.OnSignedIn(c.onSignedIn)
	return c
}

// Wait blocks until no sign-in is being evaluated
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close unsubscribes and abandons evaluations in flight
func (c *Coordinator) Close() {
	c.unsubscribe()
	c.cancel()
}

func (c *Coordinator) onSignedIn(ev identity.Event) {
	c.begin()
	async.SafeGo(c.ctx, c.logger, 0, "signed-in-redirect", func(ctx context.Context) error {
		defer c.end()
		return c.evaluate(ctx, ev)
	})
}

func (c *Coordinator) begin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == 0 {
		c.idle = make(chan struct{})
	}
	c.inflight++
}

func (c *Coordinator) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if c.inflight == 0 {
		close(c.idle)
	}
}

// evaluate waits for the signed-in user's profile and navigates if needed
func (c *Coordinator) evaluate(ctx context.Context, ev identity.Event) error {
	userID := ev.Session.UserID()
	if userID == "" {
		return nil
	}
	logger := c.logger.WithField("user_id", userID)

	waitCtx, cancel := context.WithTimeout(ctx, c.settle)
	st, err := c.store.WaitForProfile(waitCtx, userID)
	cancel()

	switch {
	case err == nil:
	case errors.Is(err, session.ErrUserChanged), errors.Is(err, session.ErrDisposed):
		logger.Debug("session changed before sign-in settled, not redirecting")
		return nil
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		// The role is still the pre-profile default; acting on it could move
		// staff out of an area that already matches them
		logger.WithField("timeout", c.settle.String()).Warn("profile did not settle, not redirecting")
		return nil
	default:
		return err
	}

	current := c.nav.CurrentPath()
	d := Decide(c.tables.Current(), current, st.Role, ev.Fragment)
	if !d.Redirect {
		return nil
	}

	c.metrics.RecordRedirect(string(d.Reason))
	logger.WithFields(map[string]interface{}{
		"from":   current,
		"to":     d.Target,
		"reason": d.Reason,
		"role":   st.Role,
	}).Info("redirecting after sign-in")
	c.nav.Navigate(d.Target, d.Reason)
	return nil
}
