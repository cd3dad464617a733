package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/platinummonkey/dormgate/pkg/async"
	"github.com/platinummonkey/dormgate/pkg/auth"
	"github.com/platinummonkey/dormgate/pkg/identity"
	"github.com/platinummonkey/dormgate/pkg/observability"
	"github.com/platinummonkey/dormgate/pkg/profiles"
)

// ErrUserChanged is returned by WaitForProfile when the store moved to a
// different user before the profile settled
var ErrUserChanged = errors.New("session user changed")

// ErrDisposed is returned by operations on a disposed store
var ErrDisposed = errors.New("session store disposed")

// Options configures a Store
type Options struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Store is the SessionStore for one browser session
type Store struct {
	provider identity.Provider
	profiles ProfileSource
	logger   *observability.Logger
	metrics  *observability.Metrics

	// ctx bounds background profile refreshes; cancelled by Dispose
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	// changed is closed and replaced on every state change
	changed chan struct{}
	// seq numbers profile refreshes; applied is the newest one applied
	seq     uint64
	applied uint64
	// eventSeen is set once a provider event has updated the session
	eventSeen bool
	disposed  bool

	listeners   map[int]func(State)
	signedIn    map[int]func(identity.Event)
	nextID      int
	unsubscribe func()
	initOnce    sync.Once
}

// NewStore creates a store. The store subscribes to provider events in Init.
func NewStore(provider identity.Provider, profileSource ProfileSource, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		provider:  provider,
		profiles:  profileSource,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		state:     State{Loading: true},
		changed:   make(chan struct{}),
		listeners: make(map[int]func(State)),
		signedIn:  make(map[int]func(identity.Event)),
	}
}

// Init subscribes to provider events and fetches the current session and its
// profile. Only the first call does any work.
func (s *Store) Init(ctx context.Context) {
	s.initOnce.Do(func() {
		s.mu.Lock()
		disposed := s.disposed
		s.mu.Unlock()
		if disposed {
			return
		}

		unsubscribe := s.provider.OnAuthStateChange(s.handleEvent)
		s.mu.Lock()
		s.unsubscribe = unsubscribe
		s.mu.Unlock()

		session, err := s.provider.CurrentSession(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("failed to fetch current session")
		}

		s.mu.Lock()
		// An event that arrived while fetching is newer than the fetch
		if !s.eventSeen {
			s.setSessionLocked(session)
		}
		userID := s.state.Session.UserID()
		seq, start := s.beginRefreshLocked(userID)
		s.mu.Unlock()

		if start {
			s.fetchProfile(ctx, userID, seq)
		}

		s.update(func(st *State) { st.Loading = false })
	})
}

// Snapshot returns the current state
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn to receive every state change. fn is called outside
// the store lock.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// OnSignedIn registers fn for SIGNED_IN provider events only
func (s *Store) OnSignedIn(fn func(identity.Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.signedIn[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.signedIn, id)
		s.mu.Unlock()
	}
}

// SignIn authenticates with email and password and loads the profile.
// Failures are returned as *AuthError and leave the session unchanged.
func (s *Store) SignIn(ctx context.Context, email, password string) error {
	session, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return authError("sign in", err)
	}
	s.adopt(ctx, session)
	return nil
}

// SignUp registers a new account. When the provider requires the address to
// be confirmed first, it returns SignUpConfirmationRequired and no error.
func (s *Store) SignUp(ctx context.Context, email, password string, metadata map[string]string) (SignUpResult, error) {
	session, err := s.provider.SignUp(ctx, identity.SignUpRequest{
		Email:    email,
		Password: password,
		Metadata: metadata,
	})
	if err != nil {
		return SignUpSignedIn, authError("sign up", err)
	}
	if session == nil {
		return SignUpConfirmationRequired, nil
	}
	s.adopt(ctx, session)
	return SignUpSignedIn, nil
}

// SignOut clears the session and profile whatever the provider answers. The
// provider error is returned for logging only.
func (s *Store) SignOut(ctx context.Context) error {
	err := s.provider.SignOut(ctx)

	s.mu.Lock()
	s.setSessionLocked(nil)
	s.mu.Unlock()
	s.notify()

	if err != nil {
		s.logger.WithError(err).Warn("remote sign out failed, local session cleared")
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// RefreshProfile refetches the current user's profile
func (s *Store) RefreshProfile(ctx context.Context) error {
	s.mu.Lock()
	userID := s.state.Session.UserID()
	seq, start := s.beginRefreshLocked(userID)
	s.mu.Unlock()

	if !start {
		return identity.ErrNoSession
	}
	s.notify()
	return s.fetchProfile(ctx, userID, seq)
}

// WaitSettled blocks until no session or profile work is pending
func (s *Store) WaitSettled(ctx context.Context) (State, error) {
	return s.waitFor(ctx, func(st State) (bool, error) {
		return st.Settled(), nil
	})
}

// WaitForProfile blocks until the profile fetch for userID has settled. It
// returns ErrUserChanged if the store moves to another user first.
func (s *Store) WaitForProfile(ctx context.Context, userID string) (State, error) {
	return s.waitFor(ctx, func(st State) (bool, error) {
		if st.Session.UserID() != userID {
			return true, ErrUserChanged
		}
		return st.Settled(), nil
	})
}

func (s *Store) waitFor(ctx context.Context, done func(State) (bool, error)) (State, error) {
	for {
		s.mu.Lock()
		st, ch, disposed := s.state, s.changed, s.disposed
		s.mu.Unlock()

		if disposed {
			return st, ErrDisposed
		}
		if ok, err := done(st); ok || err != nil {
			return st, err
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Dispose unsubscribes from the provider and stops background refreshes.
// Listeners are dropped. Safe to call more than once.
func (s *Store) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	unsubscribe := s.unsubscribe
	s.listeners = make(map[int]func(State))
	s.signedIn = make(map[int]func(identity.Event))
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	s.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// handleEvent applies a provider event. Every event updates the session and
// refreshes the profile; only SIGNED_IN is forwarded.
func (s *Store) handleEvent(ev identity.Event) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.eventSeen = true
	s.setSessionLocked(ev.Session)
	userID := s.state.Session.UserID()
	seq, start := s.beginRefreshLocked(userID)

	var forward []func(identity.Event)
	if ev.Type == identity.EventSignedIn {
		forward = make([]func(identity.Event), 0, len(s.signedIn))
		for _, id := range sortedKeys(s.signedIn) {
			forward = append(forward, s.signedIn[id])
		}
	}
	s.mu.Unlock()

	s.logger.WithField("event", ev.Type).WithField("user_id", userID).Debug("auth state changed")
	s.notify()

	if start {
		async.SafeGo(s.ctx, s.logger, 0, "profile-refresh", func(ctx context.Context) error {
			if err := s.fetchProfile(ctx, userID, seq); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	for _, fn := range forward {
		fn(ev)
	}
}

// adopt installs a session returned by a direct call and loads its profile
func (s *Store) adopt(ctx context.Context, session *auth.Session) {
	s.mu.Lock()
	s.setSessionLocked(session)
	userID := s.state.Session.UserID()
	seq, start := s.beginRefreshLocked(userID)
	s.mu.Unlock()
	s.notify()

	if start {
		s.fetchProfile(ctx, userID, seq)
	}
}

// setSessionLocked installs session. Switching users drops the profile and
// invalidates refreshes in flight for the previous user.
func (s *Store) setSessionLocked(session *auth.Session) {
	if s.state.Session.UserID() != session.UserID() {
		s.state.Profile = nil
		s.state.ProfileLoading = false
		s.applied = s.seq
	}
	s.state.Session = session
	s.state.Role = auth.ResolveSession(session, s.state.Profile)
}

// beginRefreshLocked numbers a new refresh for userID and marks the profile
// as loading. It reports false when there is no user.
func (s *Store) beginRefreshLocked(userID string) (uint64, bool) {
	if userID == "" {
		return 0, false
	}
	s.seq++
	s.state.ProfileLoading = true
	return s.seq, true
}

// fetchProfile loads the profile for userID and applies it if refresh seq is
// still current. A missing row means no profile, not an error.
func (s *Store) fetchProfile(ctx context.Context, userID string, seq uint64) error {
	profile, err := s.profiles.Get(ctx, userID)
	if errors.Is(err, profiles.ErrProfileNotFound) {
		profile, err = nil, nil
	}

	s.mu.Lock()
	stale := s.state.Session.UserID() != userID || seq <= s.applied
	switch {
	case stale:
	case err != nil:
		// Keep whatever profile this user already had
		s.applied = seq
	default:
		s.applied = seq
		s.state.Profile = profile
		s.state.Role = auth.ResolveSession(s.state.Session, profile)
	}
	if s.state.Session.UserID() == userID && seq == s.seq {
		s.state.ProfileLoading = false
	}
	s.mu.Unlock()

	logger := s.logger.WithField("user_id", userID)
	switch {
	case stale:
		s.metrics.RecordProfileRefresh("stale")
		logger.Debug("discarded stale profile refresh")
	case err != nil:
		s.metrics.RecordProfileRefresh("error")
		logger.WithError(err).Warn("failed to load profile")
	case profile == nil:
		s.metrics.RecordProfileRefresh("not_found")
	default:
		s.metrics.RecordProfileRefresh("applied")
	}

	s.notify()
	return err
}

// update applies fn to the state and notifies listeners
func (s *Store) update(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	s.mu.Unlock()
	s.notify()
}

// notify wakes waiters and calls listeners with the current state
func (s *Store) notify() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	close(s.changed)
	s.changed = make(chan struct{})
	st := s.state
	listeners := make([]func(State), 0, len(s.listeners))
	for _, id := range sortedKeys(s.listeners) {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
