package auth

import "time"

// User is the identity attached to a session by the identity provider
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`

	// RoleClaim is the role the provider attached to the raw identity, if any.
	// It is only consulted when no profile row carries a role.
	RoleClaim string `json:"role_claim,omitempty"`
}

// Session represents one authenticated browser session
type Session struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// UserID returns the session's user id, or "" for a nil session
func (s *Session) UserID() string {
	if s == nil {
		return ""
	}
	return s.User.ID
}

// Expired reports whether the access token is past its expiry.
// A zero ExpiresAt never expires.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Profile is the remote profile record keyed by user id
type Profile struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role,omitempty"`
	StaffSubRole Role      `json:"staff_subrole,omitempty"` // empty when the profile has no sub-role
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	Email        string    `json:"email,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FullName joins first and last name
func (p *Profile) FullName() string {
	if p == nil {
		return ""
	}
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	default:
		return p.FirstName + " " + p.LastName
	}
}

// Validate checks the sub-role invariant: a sub-role must be one of the six
// staff specializations, and its primary role (when set) must be staff-family.
func (p *Profile) Validate() error {
	if p == nil || p.StaffSubRole == "" {
		return nil
	}
	if !p.StaffSubRole.IsStaffSubRole() {
		return ErrInvalidSubRole
	}
	if p.Role != "" && !p.Role.IsStaffFamily() {
		return ErrSubRoleOutsideStaff
	}
	return nil
}

// AuthContext holds the authenticated identity for a request
type AuthContext struct {
	Session *Session
	Profile *Profile
	Role    Role
}

// Authenticated reports whether the context carries a live session
func (ac *AuthContext) Authenticated() bool {
	return ac != nil && ac.Session != nil
}
