package session

import (
	"context"

	"github.com/platinummonkey/dormgate/pkg/auth"
)

// ProfileSource reads profile rows by user id
type ProfileSource interface {
	Get(ctx context.Context, userID string) (*auth.Profile, error)
}

// State is a point-in-time copy of the store
type State struct {
	Session *auth.Session
	Profile *auth.Profile
	Role    auth.Role

	// Loading is true until Init has fetched the session and, if there was
	// one, attempted the profile
	Loading bool
	// ProfileLoading is true while a profile fetch for the current user is
	// in flight
	ProfileLoading bool
}

// User returns the signed-in user or nil
func (s State) User() *auth.User {
	if s.Session == nil {
		return nil
	}
	u := s.Session.User
	return &u
}

// Settled reports whether no session or profile work is pending
func (s State) Settled() bool {
	return !s.Loading && !s.ProfileLoading
}

// AuthContext converts the state for request handlers
func (s State) AuthContext() *auth.AuthContext {
	return &auth.AuthContext{Session: s.Session, Profile: s.Profile, Role: s.Role}
}

// SignUpResult tells the caller how a successful sign-up ended
type SignUpResult int

const (
	// SignUpSignedIn means the provider returned a session
	SignUpSignedIn SignUpResult = iota
	// SignUpConfirmationRequired means the account exists but the address
	// must be confirmed before signing in
	SignUpConfirmationRequired
)

func (r SignUpResult) String() string {
	if r == SignUpConfirmationRequired {
		return "confirmation_required"
	}
	return "signed_in"
}

// AuthError is an authentication failure meant for display to the user
type AuthError struct {
	Op      string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func authError(op string, err error) *AuthError {
	return &AuthError{Op: op, Message: err.Error(), Err: err}
}
