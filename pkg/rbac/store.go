package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/dormgate/pkg/auth"
)

// Store reads the route_permissions table
type Store struct {
	db *sql.DB
}

// NewStore creates a new route permission store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Lookup returns the allowed flag of the first (path, role) row, or
// ErrNoRuling when there is none
func (s *Store) Lookup(ctx context.Context, path string, role auth.Role) (bool, error) {
	query := `
		SELECT allowed
		FROM route_permissions
		WHERE route_path = $1 AND role = $2
		ORDER BY id
		LIMIT 1
	`

	var allowed bool
	err := s.db.QueryRowContext(ctx, query, path, string(role)).Scan(&allowed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNoRuling
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up route permission: %w", err)
	}
	return allowed, nil
}

// FirstAllowedRoute returns the lexically first route under prefix that role
// is explicitly allowed to open, or ErrNoRuling
func (s *Store) FirstAllowedRoute(ctx context.Context, role auth.Role, prefix string) (string, error) {
	query := `
		SELECT route_path
		FROM route_permissions
		WHERE role = $1 AND allowed = TRUE AND route_path LIKE $2 ESCAPE '\'
		ORDER BY route_path
		LIMIT 1
	`

	var path string
	err := s.db.QueryRowContext(ctx, query, string(role), likePrefix(prefix)).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRuling
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up allowed route: %w", err)
	}
	return path, nil
}

// ListForPath returns every row for a route, in precedence order
func (s *Store) ListForPath(ctx context.Context, path string) ([]RoutePermission, error) {
	query := `
		SELECT id, route_path, role, allowed
		FROM route_permissions
		WHERE route_path = $1
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, path)
	if err != nil {
		return nil, fmt.Errorf("failed to list route permissions: %w", err)
	}
	defer rows.Close()

	var perms []RoutePermission
	for rows.Next() {
		var p RoutePermission
		var role string
		if err := rows.Scan(&p.ID, &p.RoutePath, &role, &p.Allowed); err != nil {
			return nil, fmt.Errorf("failed to scan route permission: %w", err)
		}
		p.Role = auth.Role(role)
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate route permissions: %w", err)
	}
	return perms, nil
}

// likePrefix escapes LIKE wildcards in prefix and appends '%'.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
