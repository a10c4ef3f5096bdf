// Package routes classifies request paths into bypassed, public and
// protected routes and carries the access policy for each protected route.
//
// The table is built once at startup. Protected prefixes and public
// prefixes share one list sorted longest first, and matching is segment
// aware: "/admin" covers "/admin" and "/admin/orders" but not
// "/administrator". A path that matches nothing is protected by
// DefaultRoute.
package routes

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmcleod/gatekeeper/identity"
	"github.com/jmcleod/gatekeeper/whitelist"
)

// ErrDuplicatePrefix is returned when two entries claim the same prefix.
var ErrDuplicatePrefix = errors.New("duplicate route prefix")

// SecurityLevel is the tier reported downstream in x-security-level.
type SecurityLevel string

const (
	LevelBasic    SecurityLevel = "basic"
	LevelEnhanced SecurityLevel = "enhanced"
	LevelAdmin    SecurityLevel = "admin"
)

const (
	DefaultAdminTimeout       = 30 * time.Minute
	DefaultAdminMaxConcurrent = 3
)

// AdminSessionPolicy marks a route as admin tier.
type AdminSessionPolicy struct {
	Required      bool          `yaml:"required" json:"required"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent"`
}

// RouteConfig is the policy for a group of protected paths.
type RouteConfig struct {
	Name          string              `yaml:"name" json:"name"`
	PathPrefixes  []string            `yaml:"path_prefixes" json:"path_prefixes"`
	RequiredRoles []identity.Role     `yaml:"required_roles" json:"required_roles,omitempty"`
	RequiresMFA   bool                `yaml:"requires_mfa" json:"requires_mfa"`
	SecurityLevel SecurityLevel       `yaml:"security_level" json:"security_level"`
	IPWhitelist   []string            `yaml:"ip_whitelist" json:"ip_whitelist,omitempty"`
	AdminSession  *AdminSessionPolicy `yaml:"admin_session" json:"admin_session,omitempty"`
}

// AllowsRole reports whether role satisfies the route. An empty role set
// admits any authenticated role.
func (r *RouteConfig) AllowsRole(role identity.Role) bool {
	if len(r.RequiredRoles) == 0 {
		return true
	}
	for _, want := range r.RequiredRoles {
		if want == role {
			return true
		}
	}
	return false
}

// AdminTier reports whether the route requires an admin session.
func (r *RouteConfig) AdminTier() bool {
	return r.AdminSession != nil && r.AdminSession.Required
}

// DefaultRoute protects paths no configured route claims.
var DefaultRoute = RouteConfig{
	Name:          "default",
	SecurityLevel: LevelBasic,
}

// Kind is the outcome of classification.
type Kind int

const (
	Protected Kind = iota
	Public
	Bypass
)

func (k Kind) String() string {
	switch k {
	case Bypass:
		return "bypass"
	case Public:
		return "public"
	default:
		return "protected"
	}
}

// Classification is the result of Table.Classify. Route is set only for
// Protected.
type Classification struct {
	Kind  Kind
	Route *RouteConfig
}

type entry struct {
	prefix string
	route  *RouteConfig // nil for public prefixes
}

// Table is an immutable classifier.
type Table struct {
	bypassPrefixes []string
	bypassExts     map[string]struct{}
	publicExact    map[string]struct{}
	entries        []entry
	routes         []*RouteConfig
	landing        map[identity.Role]string
}

// NewTable validates cfg and builds a Table.
func NewTable(cfg Config) (*Table, error) {
	t := &Table{
		bypassExts:  make(map[string]struct{}),
		publicExact: make(map[string]struct{}),
		landing:     make(map[identity.Role]string),
	}
	for _, p := range cfg.Bypass.Prefixes {
		if p = strings.TrimSpace(p); p != "" {
			t.bypassPrefixes = append(t.bypassPrefixes, p)
		}
	}
	for _, ext := range cfg.Bypass.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		t.bypassExts[ext] = struct{}{}
	}
	for _, p := range cfg.Public.Exact {
		t.publicExact[cleanPath(p)] = struct{}{}
	}

	seen := make(map[string]string)
	claim := func(prefix, owner string) error {
		if prev, ok := seen[prefix]; ok {
			return fmt.Errorf("%w: %q claimed by %s and %s", ErrDuplicatePrefix, prefix, prev, owner)
		}
		seen[prefix] = owner
		return nil
	}
	for _, p := range cfg.Public.Prefixes {
		p = cleanPath(p)
		if err := claim(p, "public"); err != nil {
			return nil, err
		}
		t.entries = append(t.entries, entry{prefix: p})
	}

	names := make(map[string]bool)
	for i := range cfg.Routes {
		rc, err := normalizeRoute(cfg.Routes[i])
		if err != nil {
			return nil, err
		}
		if names[rc.Name] {
			return nil, fmt.Errorf("route %q defined twice", rc.Name)
		}
		names[rc.Name] = true
		t.routes = append(t.routes, rc)
		for _, p := range rc.PathPrefixes {
			if err := claim(p, "route "+rc.Name); err != nil {
				return nil, err
			}
			t.entries = append(t.entries, entry{prefix: p, route: rc})
		}
	}
	sort.SliceStable(t.entries, func(i, j int) bool {
		return len(t.entries[i].prefix) > len(t.entries[j].prefix)
	})

	for role, p := range cfg.Landing {
		r, err := identity.ParseRole(string(role))
		if err != nil {
			return nil, fmt.Errorf("landing: %w", err)
		}
		t.landing[r] = cleanPath(p)
	}
	return t, nil
}

func normalizeRoute(in RouteConfig) (*RouteConfig, error) {
	rc := in
	rc.Name = strings.TrimSpace(rc.Name)
	if rc.Name == "" {
		return nil, errors.New("route name is required")
	}
	if len(rc.PathPrefixes) == 0 {
		return nil, fmt.Errorf("route %q: at least one path prefix is required", rc.Name)
	}
	rc.PathPrefixes = make([]string, 0, len(in.PathPrefixes))
	for _, p := range in.PathPrefixes {
		if !strings.HasPrefix(strings.TrimSpace(p), "/") {
			return nil, fmt.Errorf("route %q: prefix %q must start with /", rc.Name, p)
		}
		rc.PathPrefixes = append(rc.PathPrefixes, cleanPath(p))
	}
	rc.RequiredRoles = make([]identity.Role, 0, len(in.RequiredRoles))
	for _, role := range in.RequiredRoles {
		r, err := identity.ParseRole(string(role))
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.Name, err)
		}
		rc.RequiredRoles = append(rc.RequiredRoles, r)
	}
	rc.IPWhitelist = make([]string, 0, len(in.IPWhitelist))
	for _, cidr := range in.IPWhitelist {
		if err := whitelist.ValidateCIDR(cidr); err != nil {
			return nil, fmt.Errorf("route %q: ip_whitelist: %w", rc.Name, err)
		}
		rc.IPWhitelist = append(rc.IPWhitelist, strings.TrimSpace(cidr))
	}

	if in.AdminSession != nil {
		policy := *in.AdminSession
		if policy.Timeout <= 0 {
			policy.Timeout = DefaultAdminTimeout
		}
		if policy.MaxConcurrent <= 0 {
			policy.MaxConcurrent = DefaultAdminMaxConcurrent
		}
		rc.AdminSession = &policy
	}

	switch rc.SecurityLevel {
	case LevelBasic, LevelEnhanced, LevelAdmin:
	case "":
		switch {
		case rc.AdminTier():
			rc.SecurityLevel = LevelAdmin
		case rc.RequiresMFA:
			rc.SecurityLevel = LevelEnhanced
		default:
			rc.SecurityLevel = LevelBasic
		}
	default:
		return nil, fmt.Errorf("route %q: unknown security level %q", rc.Name, rc.SecurityLevel)
	}
	return &rc, nil
}

// cleanPath resolves dot segments and drops a trailing slash so that
// "/products/../admin/" classifies as "/admin".
func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

func underPrefix(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// Classify maps a request path to its classification. Static file
// extensions bypass the gate except under a configured protected route.
func (t *Table) Classify(requestPath string) Classification {
	p := cleanPath(requestPath)
	for _, prefix := range t.bypassPrefixes {
		if strings.HasPrefix(p, prefix) {
			return Classification{Kind: Bypass}
		}
	}
	if _, ok := t.publicExact[p]; ok {
		return Classification{Kind: Public}
	}
	_, staticExt := t.bypassExts[strings.ToLower(path.Ext(p))]
	for _, e := range t.entries {
		if !underPrefix(p, e.prefix) {
			continue
		}
		if e.route == nil {
			if staticExt {
				return Classification{Kind: Bypass}
			}
			return Classification{Kind: Public}
		}
		return Classification{Kind: Protected, Route: e.route}
	}
	if staticExt {
		return Classification{Kind: Bypass}
	}
	return Classification{Kind: Protected, Route: &DefaultRoute}
}

// Routes returns the configured routes in declaration order.
func (t *Table) Routes() []*RouteConfig {
	return t.routes
}

// LandingPath returns the default page for role, or "/" when none is
// configured.
func (t *Table) LandingPath(role identity.Role) string {
	if p, ok := t.landing[role]; ok {
		return p
	}
	return "/"
}
