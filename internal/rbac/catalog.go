package rbac

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Profile is everything a role grants. Profiles are built once and never mutated.
type Profile struct {
	Role        Role
	Permissions []string
	Pages       []string
	APIPatterns []string
}

// PermissionInfo describes one key of the permission universe.
type PermissionInfo struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
}

type catalogFile struct {
	Version     int                        `yaml:"version"`
	Permissions []PermissionInfo           `yaml:"permissions"`
	Roles       map[string]roleProfileFile `yaml:"roles"`
}

type roleProfileFile struct {
	AllPermissions bool     `yaml:"all_permissions"`
	Permissions    []string `yaml:"permissions"`
	Pages          []string `yaml:"pages"`
	API            []string `yaml:"api"`
}

// Catalog is the static mapping from Role to Profile. Lookups are pure and
// total: a role without a profile yields empty results.
type Catalog struct {
	version  int
	universe []PermissionInfo
	profiles map[Role]Profile
	permSets map[Role]map[string]struct{}
}

// DefaultCatalog parses the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// LoadCatalogFile parses a catalog from disk. An empty path loads the default.
func LoadCatalogFile(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rbac: read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog builds a Catalog from YAML and validates it.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("rbac: parse catalog: %w", err)
	}

	var errs []error
	universe := make(map[string]struct{}, len(f.Permissions))
	for _, p := range f.Permissions {
		key := strings.TrimSpace(p.Key)
		if !validPermissionKey(key) {
			errs = append(errs, fmt.Errorf("permission key %q must look like resource:action", p.Key))
			continue
		}
		if _, dup := universe[key]; dup {
			errs = append(errs, fmt.Errorf("permission key %q declared twice", key))
			continue
		}
		universe[key] = struct{}{}
	}

	c := &Catalog{
		version:  f.Version,
		profiles: make(map[Role]Profile, len(f.Roles)),
		permSets: make(map[Role]map[string]struct{}, len(f.Roles)),
	}
	for _, p := range f.Permissions {
		c.universe = append(c.universe, PermissionInfo{Key: strings.TrimSpace(p.Key), Description: p.Description})
	}

	for name, rp := range f.Roles {
		role, ok := ParseRole(name)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown role %q", name))
			continue
		}
		if _, dup := c.profiles[role]; dup {
			errs = append(errs, fmt.Errorf("role %q declared twice", name))
			continue
		}

		var perms []string
		if rp.AllPermissions {
			for _, p := range c.universe {
				perms = append(perms, p.Key)
			}
		}
		for _, p := range rp.Permissions {
			p = strings.TrimSpace(p)
			if _, ok := universe[p]; !ok {
				errs = append(errs, fmt.Errorf("role %q: permission %q not in catalog", name, p))
				continue
			}
			perms = append(perms, p)
		}
		for _, page := range rp.Pages {
			if !strings.HasPrefix(page, "/") {
				errs = append(errs, fmt.Errorf("role %q: page %q must start with /", name, page))
			}
		}
		for _, pat := range rp.API {
			if err := validatePattern(pat); err != nil {
				errs = append(errs, fmt.Errorf("role %q: %w", name, err))
			}
		}

		perms = dedupe(perms)
		set := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		c.profiles[role] = Profile{
			Role:        role,
			Permissions: perms,
			Pages:       dedupe(rp.Pages),
			APIPatterns: dedupe(rp.API),
		}
		c.permSets[role] = set
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("rbac: invalid catalog: %w", errors.Join(errs...))
	}
	return c, nil
}

// Version is the catalog revision declared in the file.
func (c *Catalog) Version() int { return c.version }

// Universe returns every permission key the catalog knows about.
func (c *Catalog) Universe() []string {
	out := make([]string, 0, len(c.universe))
	for _, p := range c.universe {
		out = append(out, p.Key)
	}
	return out
}

// Describe returns the universe with descriptions.
func (c *Catalog) Describe() []PermissionInfo {
	return slices.Clone(c.universe)
}

// Has reports whether role has a profile.
func (c *Catalog) Has(role Role) bool {
	_, ok := c.profiles[role]
	return ok
}

// Missing lists defined roles that have no profile.
func (c *Catalog) Missing() []Role {
	var out []Role
	for _, r := range AllRoles() {
		if !c.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// Profile returns a copy of the profile for role; unknown roles get an empty profile.
func (c *Catalog) Profile(role Role) Profile {
	p, ok := c.profiles[role]
	if !ok {
		return Profile{Role: role}
	}
	return Profile{
		Role:        p.Role,
		Permissions: slices.Clone(p.Permissions),
		Pages:       slices.Clone(p.Pages),
		APIPatterns: slices.Clone(p.APIPatterns),
	}
}

func (c *Catalog) PermissionsFor(role Role) []string {
	return slices.Clone(c.profiles[role].Permissions)
}

func (c *Catalog) PagesFor(role Role) []string {
	return slices.Clone(c.profiles[role].Pages)
}

func (c *Catalog) APIPatternsFor(role Role) []string {
	return slices.Clone(c.profiles[role].APIPatterns)
}

// Grants reports whether role holds permission without copying the profile.
func (c *Catalog) Grants(role Role, permission string) bool {
	_, ok := c.permSets[role][permission]
	return ok
}

func validPermissionKey(k string) bool {
	resource, action, ok := strings.Cut(k, ":")
	return ok && resource != "" && action != "" && !strings.ContainsAny(k, " \t")
}

func validatePattern(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("api pattern %q must start with /", p)
	}
	if i := strings.Index(p, "*"); i >= 0 && (i != len(p)-1 || !strings.HasSuffix(p, wildcardSuffix)) {
		return fmt.Errorf("api pattern %q: wildcard only allowed as trailing /*", p)
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
