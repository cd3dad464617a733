package identity

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/dormgate/pkg/auth"
)

// MemoryOptions configures a MemoryDirectory
type MemoryOptions struct {
	// RequireConfirmation makes SignUp return without a session until the
	// signup link is followed
	RequireConfirmation bool
	// SessionTTL is the access token lifetime; zero never expires
	SessionTTL time.Duration
	// Now overrides the clock in tests
	Now func() time.Time
}

type memoryUser struct {
	user         auth.User
	passwordHash []byte
	confirmed    bool
	metadata     map[string]string
}

type pendingLink struct {
	email    string
	linkType string
}

// MemoryDirectory is an in-process identity provider backing for development
// and tests. Each browser session talks to it through its own Client.
type MemoryDirectory struct {
	opts   MemoryOptions
	tokens *auth.TokenGenerator

	mu       sync.Mutex
	users    map[string]*memoryUser // keyed by lowercased email
	links    map[string]pendingLink // keyed by link token
	sessions map[string]string      // access token hash -> user id
}

// NewMemoryDirectory creates an empty directory
func NewMemoryDirectory(opts MemoryOptions) *MemoryDirectory {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryDirectory{
		opts:     opts,
		tokens:   auth.NewTokenGenerator(),
		users:    make(map[string]*memoryUser),
		links:    make(map[string]pendingLink),
		sessions: make(map[string]string),
	}
}

// AddUser registers a confirmed user. roleClaim may be empty.
func (d *MemoryDirectory) AddUser(email, password, roleClaim string) (auth.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, err := d.createLocked(email, password, nil)
	if err != nil {
		return auth.User{}, err
	}
	u.user.RoleClaim = roleClaim
	u.confirmed = true
	return u.user, nil
}

func (d *MemoryDirectory) createLocked(email, password string, metadata map[string]string) (*memoryUser, error) {
	key := normalizeEmail(email)
	if key == "" || password == "" {
		return nil, fmt.Errorf("email and password are required")
	}
	if _, exists := d.users[key]; exists {
		return nil, ErrUserExists
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	u := &memoryUser{
		user:         auth.User{ID: uuid.NewString(), Email: key},
		passwordHash: hash,
		metadata:     metadata,
	}
	d.users[key] = u
	return u, nil
}

// IssueLink creates a one-time email link for the given user and returns its
// fragment, e.g. "token=...&type=recovery".
func (d *MemoryDirectory) IssueLink(email, linkType string) (string, error) {
	if linkType != LinkTypeRecovery && linkType != LinkTypeSignup {
		return "", fmt.Errorf("unsupported link type %q", linkType)
	}
	token, err := d.tokens.GenerateToken(auth.LinkTokenPrefix)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	key := normalizeEmail(email)
	if _, ok := d.users[key]; !ok {
		return "", fmt.Errorf("unknown user %q", email)
	}
	d.links[token] = pendingLink{email: key, linkType: linkType}

	return url.Values{"token": {token}, "type": {linkType}}.Encode(), nil
}

// Client returns a Provider bound to a new, signed-out browser session
func (d *MemoryDirectory) Client() *MemoryClient {
	return &MemoryClient{dir: d}
}

func (d *MemoryDirectory) authenticate(email, password string) (*memoryUser, error) {
	d.mu.Lock()
	u, ok := d.users[normalizeEmail(email)]
	d.mu.Unlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if d.opts.RequireConfirmation && !u.confirmed {
		return nil, ErrEmailNotConfirmed
	}
	return u, nil
}

func (d *MemoryDirectory) mint(u *memoryUser) (*auth.Session, error) {
	access, err := d.tokens.GenerateToken(auth.AccessTokenPrefix)
	if err != nil {
		return nil, err
	}
	refresh, err := d.tokens.GenerateToken(auth.RefreshTokenPrefix)
	if err != nil {
		return nil, err
	}

	s := &auth.Session{AccessToken: access, RefreshToken: refresh, User: u.user}
	if d.opts.SessionTTL > 0 {
		s.ExpiresAt = d.opts.Now().Add(d.opts.SessionTTL)
	}

	d.mu.Lock()
	d.sessions[d.tokens.HashToken(access)] = u.user.ID
	d.mu.Unlock()
	return s, nil
}

func (d *MemoryDirectory) revoke(s *auth.Session) {
	d.mu.Lock()
	delete(d.sessions, d.tokens.HashToken(s.AccessToken))
	d.mu.Unlock()
}

func (d *MemoryDirectory) live(s *auth.Session) bool {
	d.mu.Lock()
	_, ok := d.sessions[d.tokens.HashToken(s.AccessToken)]
	d.mu.Unlock()
	return ok && !s.Expired(d.opts.Now())
}

func (d *MemoryDirectory) consumeLink(token string) (*memoryUser, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	link, ok := d.links[token]
	if !ok {
		return nil, "", ErrInvalidLink
	}
	delete(d.links, token)
	u := d.users[link.email]
	u.confirmed = true
	return u, link.linkType, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MemoryClient is one browser session's view of a MemoryDirectory
type MemoryClient struct {
	dir    *MemoryDirectory
	events broadcaster

	mu      sync.Mutex
	session *auth.Session
}

var (
	_ Provider        = (*MemoryClient)(nil)
	_ FragmentHandler = (*MemoryClient)(nil)
)

// CurrentSession returns the live session or nil
func (c *MemoryClient) CurrentSession(ctx context.Context) (*auth.Session, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil || !c.dir.live(s) {
		return nil, nil
	}
	return s, nil
}

// SignInWithPassword authenticates and emits SIGNED_IN
func (c *MemoryClient) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	u, err := c.dir.authenticate(email, password)
	if err != nil {
		return nil, err
	}
	return c.startSession(u, nil)
}

// SignUp registers a user. Without confirmation the user is signed in at once.
func (c *MemoryClient) SignUp(ctx context.Context, req SignUpRequest) (*auth.Session, error) {
	c.dir.mu.Lock()
	u, err := c.dir.createLocked(req.Email, req.Password, req.Metadata)
	if err == nil && !c.dir.opts.RequireConfirmation {
		u.confirmed = true
	}
	c.dir.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if c.dir.opts.RequireConfirmation {
		return nil, nil
	}
	return c.startSession(u, nil)
}

// SignOut revokes the session and emits SIGNED_OUT
func (c *MemoryClient) SignOut(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	c.dir.revoke(s)
	c.events.emit(Event{Type: EventSignedOut})
	return nil
}

// RefreshSession rotates the tokens and emits TOKEN_REFRESHED
func (c *MemoryClient) RefreshSession(ctx context.Context) (*auth.Session, error) {
	c.mu.Lock()
	old := c.session
	c.mu.Unlock()
	if old == nil {
		return nil, ErrNoSession
	}

	c.dir.mu.Lock()
	u := c.dir.users[old.User.Email]
	c.dir.mu.Unlock()
	s, err := c.dir.mint(u)
	if err != nil {
		return nil, err
	}
	c.dir.revoke(old)

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	c.events.emit(Event{Type: EventTokenRefreshed, Session: s})
	return s, nil
}

// HandleFragment completes a confirmation or recovery link. It signs the user
// in and emits SIGNED_IN carrying the fragment; recovery links additionally
// emit PASSWORD_RECOVERY.
func (c *MemoryClient) HandleFragment(ctx context.Context, raw string) (*auth.Session, error) {
	f := ParseFragment(raw)
	token := f["token"]
	if c.dir.tokens.ValidateTokenFormat(token, auth.LinkTokenPrefix) != nil {
		return nil, ErrInvalidLink
	}
	u, linkType, err := c.dir.consumeLink(token)
	if err != nil {
		return nil, err
	}
	if f.Type() != linkType {
		return nil, ErrInvalidLink
	}

	s, err := c.startSession(u, f)
	if err != nil {
		return nil, err
	}
	if linkType == LinkTypeRecovery {
		c.events.emit(Event{Type: EventPasswordRecovery, Session: s, Fragment: f})
	}
	return s, nil
}

// OnAuthStateChange registers a listener
func (c *MemoryClient) OnAuthStateChange(listener func(Event)) func() {
	return c.events.subscribe(listener)
}

func (c *MemoryClient) startSession(u *memoryUser, f Fragment) (*auth.Session, error) {
	s, err := c.dir.mint(u)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	old := c.session
	c.session = s
	c.mu.Unlock()
	if old != nil {
		c.dir.revoke(old)
	}

	c.events.emit(Event{Type: EventSignedIn, Session: s, Fragment: f})
	return s, nil
}
