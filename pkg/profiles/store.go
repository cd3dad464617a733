package profiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/dormgate/pkg/auth"
	"github.com/platinummonkey/dormgate/pkg/observability"
)

// ErrProfileNotFound is returned when no profile row exists for a user id
var ErrProfileNotFound = errors.New("profile not found")

// Store reads the profiles table
type Store struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewStore creates a new profile store
func NewStore(db *sql.DB, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Store{db: db, logger: logger}
}

// Get retrieves the profile for a user id. Role strings that are not part of
// the closed role set are dropped (logged, left empty) so role resolution
// falls through to the next source instead of trusting an unknown value.
func (s *Store) Get(ctx context.Context, userID string) (*auth.Profile, error) {
	query := `
		SELECT id, role, staff_subrole, first_name, last_name, email, phone, created_at, updated_at
		FROM profiles
		WHERE id = $1
	`

	var (
		p                                 auth.Profile
		role, subRole                     sql.NullString
		firstName, lastName, email, phone sql.NullString
		createdAt, updatedAt              sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&p.ID,
		&role,
		&subRole,
		&firstName,
		&lastName,
		&email,
		&phone,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	p.Role = s.parseRole(userID, "role", role)
	p.StaffSubRole = s.parseRole(userID, "staff_subrole", subRole)
	if err := p.Validate(); err != nil {
		s.logger.WithField("user_id", userID).
			WithField("role", p.Role).
			WithField("staff_subrole", p.StaffSubRole).
			WithError(err).
			Warn("ignoring staff_subrole")
		p.StaffSubRole = ""
	}
	p.FirstName = firstName.String
	p.LastName = lastName.String
	p.Email = email.String
	p.Phone = phone.String
	p.CreatedAt = timeOrZero(createdAt)
	p.UpdatedAt = timeOrZero(updatedAt)

	return &p, nil
}

func (s *Store) parseRole(userID, column string, value sql.NullString) auth.Role {
	if !value.Valid || value.String == "" {
		return ""
	}
	role, err := auth.ParseRole(value.String)
	if err != nil {
		s.logger.WithField("user_id", userID).
			WithField("column", column).
			WithError(err).
			Warn("ignoring unknown role in profile")
		return ""
	}
	return role
}

func timeOrZero(t sql.NullTime) time.Time {
	if t.Valid {
		return t.Time
	}
	return time.Time{}
}
