package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"collections/settlement"
)

// LoadProfile reads profile_<code>.yaml from dir.
func LoadProfile(dir, code string) (*Profile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if p.Code == "" {
		p.Code = code
	}
	return &p, nil
}

// LoadAllProfiles reads every profile_*.yaml file in dir.
func LoadAllProfiles(dir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if p.Code == "" {
			base := filepath.Base(path)
			p.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		p.Code = strings.ToLower(p.Code)
		profiles[p.Code] = &p
	}
	return profiles, nil
}

// Registry resolves compiled policy by jurisdiction code. Unknown codes
// resolve to the default jurisdiction.
type Registry struct {
	byCode      map[string]*Compiled
	defaultCode string
}

// NewRegistry compiles profiles. If none of them carries defaultCode, the
// built-in Default profile is registered under that code.
func NewRegistry(defaultCode string, profiles ...Profile) (*Registry, error) {
	defaultCode = strings.ToLower(strings.TrimSpace(defaultCode))
	if defaultCode == "" {
		return nil, fmt.Errorf("policy: default jurisdiction is required")
	}
	r := &Registry{byCode: make(map[string]*Compiled, len(profiles)+1), defaultCode: defaultCode}
	for _, p := range profiles {
		c, err := p.Compile()
		if err != nil {
			return nil, err
		}
		if _, dup := r.byCode[c.Code]; dup {
			return nil, fmt.Errorf("policy: duplicate profile %q", c.Code)
		}
		r.byCode[c.Code] = c
	}
	if _, ok := r.byCode[defaultCode]; !ok {
		c, err := Default(defaultCode).Compile()
		if err != nil {
			return nil, err
		}
		r.byCode[defaultCode] = c
	}
	return r, nil
}

// LoadRegistry builds a Registry from the profiles in dir. An empty dir
// yields a registry holding only the built-in default.
func LoadRegistry(dir, defaultCode string) (*Registry, error) {
	if dir == "" {
		return NewRegistry(defaultCode)
	}
	loaded, err := LoadAllProfiles(dir)
	if err != nil {
		return nil, err
	}
	profiles := make([]Profile, 0, len(loaded))
	for _, p := range loaded {
		profiles = append(profiles, *p)
	}
	return NewRegistry(defaultCode, profiles...)
}

// For returns the policy for code, falling back to the default jurisdiction.
func (r *Registry) For(code string) *Compiled {
	if c, ok := r.byCode[strings.ToLower(strings.TrimSpace(code))]; ok {
		return c
	}
	return r.byCode[r.defaultCode]
}

// Has reports whether code has its own profile.
func (r *Registry) Has(code string) bool {
	_, ok := r.byCode[strings.ToLower(strings.TrimSpace(code))]
	return ok
}

func (r *Registry) DefaultCode() string { return r.defaultCode }

// Codes lists the registered jurisdictions in sorted order.
func (r *Registry) Codes() []string {
	out := make([]string, 0, len(r.byCode))
	for code := range r.byCode {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// SettlementPolicy satisfies settlement.PolicySource.
func (r *Registry) SettlementPolicy(jurisdiction string) settlement.Policy {
	return r.For(jurisdiction).Settlement
}
