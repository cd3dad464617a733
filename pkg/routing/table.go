package routing

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/dormgate/pkg/auth"
)

// Area is a top-level section of the site
type Area string

const (
	AreaNone    Area = ""
	AreaAdmin   Area = "admin"
	AreaPortal  Area = "portal"
	AreaPartner Area = "partner"
)

// AreaConfig holds the well-known paths of one area
type AreaConfig struct {
	Prefix        string `yaml:"prefix" json:"prefix"`
	Root          string `yaml:"root" json:"root"`
	Login         string `yaml:"login" json:"login"`
	ResetPassword string `yaml:"reset_password" json:"reset_password"`
}

// Route is a protected route
type Route struct {
	Path          string     `yaml:"path" json:"path"`
	Title         string     `yaml:"title,omitempty" json:"title,omitempty"`
	AllowedRoles  auth.Roles `yaml:"allowed_roles" json:"allowed_roles"`
	CheckDatabase bool       `yaml:"check_database" json:"check_database"`
}

// Table is the route table: areas, per-role landing paths and protected
// routes. A Table is immutable once loaded.
type Table struct {
	// Fallback is where anyone goes when nothing else applies
	Fallback string `yaml:"fallback" json:"fallback"`
	// Login is used for paths outside every area
	Login    string               `yaml:"login" json:"login"`
	Areas    map[Area]AreaConfig  `yaml:"areas" json:"areas"`
	Defaults map[auth.Role]string `yaml:"defaults" json:"defaults"`
	Routes   []Route              `yaml:"routes" json:"routes"`

	byPath map[string]Route
}

// Parse decodes and validates a YAML route table. Unknown keys are rejected.
func Parse(data []byte) (*Table, error) {
	var t Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("failed to parse route table: %w", err)
	}
	if err := t.init(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Load reads a route table file
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route table: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// init validates the table and builds the path index
func (t *Table) init() error {
	var errs []error
	check := func(what, path string) {
		if !strings.HasPrefix(path, "/") {
			errs = append(errs, fmt.Errorf("%s %q must be an absolute path", what, path))
		}
	}

	check("fallback", t.Fallback)
	if t.Login == "" {
		t.Login = t.Fallback
	}
	check("login", t.Login)

	for _, area := range []Area{AreaAdmin, AreaPortal, AreaPartner} {
		cfg, ok := t.Areas[area]
		if !ok {
			errs = append(errs, fmt.Errorf("area %q is not configured", area))
			continue
		}
		check(string(area)+" prefix", cfg.Prefix)
		check(string(area)+" root", cfg.Root)
		check(string(area)+" login", cfg.Login)
		check(string(area)+" reset_password", cfg.ResetPassword)
	}
	for area := range t.Areas {
		if area != AreaAdmin && area != AreaPortal && area != AreaPartner {
			errs = append(errs, fmt.Errorf("unknown area %q", area))
		}
	}

	for role, path := range t.Defaults {
		if !role.Valid() {
			errs = append(errs, fmt.Errorf("defaults: unknown role %q", role))
		}
		check("default for "+string(role), path)
	}

	t.byPath = make(map[string]Route, len(t.Routes))
	for _, r := range t.Routes {
		check("route", r.Path)
		if _, dup := t.byPath[r.Path]; dup {
			errs = append(errs, fmt.Errorf("route %q is listed twice", r.Path))
		}
		if len(r.AllowedRoles) == 0 {
			errs = append(errs, fmt.Errorf("route %q allows no roles", r.Path))
		}
		for _, role := range r.AllowedRoles {
			if !role.Valid() {
				errs = append(errs, fmt.Errorf("route %q: unknown role %q", r.Path, role))
			}
		}
		t.byPath[r.Path] = r
	}

	return errors.Join(errs...)
}

// Match returns the protected route for path. A route whose path ends in
// "/*" matches everything below it; the longest match wins.
func (t *Table) Match(path string) (Route, bool) {
	if r, ok := t.byPath[path]; ok {
		return r, true
	}
	var best Route
	found := false
	for p, r := range t.byPath {
		prefix, ok := strings.CutSuffix(p, "/*")
		if !ok || !underPrefix(path, prefix) {
			continue
		}
		if !found || len(p) > len(best.Path) {
			best, found = r, true
		}
	}
	return best, found
}

// SortedRoutes returns the routes ordered by path
func (t *Table) SortedRoutes() []Route {
	routes := append([]Route(nil), t.Routes...)
	sort.Slice(routes, func(i, j int) bool { return routes[i].Path < routes[j].Path })
	return routes
}

// AreaOf classifies path by area prefix
func (t *Table) AreaOf(path string) Area {
	for area, cfg := range t.Areas {
		if underPrefix(path, cfg.Prefix) {
			return area
		}
	}
	return AreaNone
}

// Area returns the configuration of area
func (t *Table) Area(area Area) (AreaConfig, bool) {
	cfg, ok := t.Areas[area]
	return cfg, ok
}

// LoginFor returns the login route for the area path belongs to
func (t *Table) LoginFor(path string) string {
	if cfg, ok := t.Areas[t.AreaOf(path)]; ok {
		return cfg.Login
	}
	return t.Login
}

// IsResetPassword reports whether path is one of the reset-password routes
func (t *Table) IsResetPassword(path string) bool {
	for _, cfg := range t.Areas {
		if path == cfg.ResetPassword {
			return true
		}
	}
	return false
}

// ResetPasswordFor returns the reset-password route for role's area
func (t *Table) ResetPasswordFor(role auth.Role) string {
	if cfg, ok := t.Areas[AreaFor(role)]; ok {
		return cfg.ResetPassword
	}
	return t.Fallback
}

// DefaultFor returns the configured landing path for role. A staff sub-role
// without an entry inherits staff; a role without any entry gets its area
// root, then the fallback. The result is never empty.
func (t *Table) DefaultFor(role auth.Role) string {
	if p := t.Defaults[role]; p != "" {
		return p
	}
	if role.IsStaffSubRole() {
		if p := t.Defaults[auth.RoleStaff]; p != "" {
			return p
		}
	}
	if cfg, ok := t.Areas[AreaFor(role)]; ok && cfg.Root != "" {
		return cfg.Root
	}
	if t.Fallback != "" {
		return t.Fallback
	}
	return "/"
}

// AreaFor classifies a role: staff-family users belong to admin, partners
// to partner, everyone else to the student portal
func AreaFor(role auth.Role) Area {
	switch {
	case role.IsStaffFamily():
		return AreaAdmin
	case role == auth.RolePartner:
		return AreaPartner
	default:
		return AreaPortal
	}
}

// underPrefix reports whether path is prefix or a descendant of it
func underPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
