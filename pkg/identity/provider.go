package identity

import (
	"context"
	"errors"

	"github.com/platinummonkey/dormgate/pkg/auth"
)

var (
	// ErrInvalidCredentials is returned when email and password do not match
	ErrInvalidCredentials = errors.New("invalid login credentials")
	// ErrEmailNotConfirmed is returned when signing in before confirming the address
	ErrEmailNotConfirmed = errors.New("email not confirmed")
	// ErrUserExists is returned by SignUp for an address that is already registered
	ErrUserExists = errors.New("user already registered")
	// ErrNoSession is returned by operations that need a live session
	ErrNoSession = errors.New("no active session")
	// ErrInvalidLink is returned for an unknown, used or malformed callback fragment
	ErrInvalidLink = errors.New("invalid or expired link")
)

// SignUpRequest carries the registration form
type SignUpRequest struct {
	Email    string
	Password string
	Metadata map[string]string
}

// Provider is the identity provider as seen by one browser session.
//
// CurrentSession returns (nil, nil) when signed out. SignUp returns
// (nil, nil) when the account was created but the address must be confirmed
// before a session exists. Listeners registered with OnAuthStateChange are
// called synchronously, outside any provider lock, in registration order.
type Provider interface {
	CurrentSession(ctx context.Context) (*auth.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error)
	SignUp(ctx context.Context, req SignUpRequest) (*auth.Session, error)
	SignOut(ctx context.Context) error
	OnAuthStateChange(listener func(Event)) (unsubscribe func())
}

// FragmentHandler is implemented by providers that complete email links
// (confirmation, recovery) from the URL fragment the browser lands on.
type FragmentHandler interface {
	HandleFragment(ctx context.Context, raw string) (*auth.Session, error)
}
