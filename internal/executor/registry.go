package executor

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Profile describes one agent implementation the orchestrator can pick.
// Vendor variants of the same shape (a different binary speaking the
// same contract) are one profile each over the shared command agent,
// not separate implementations.
type Profile struct {
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	Variant      string   `json:"variant,omitempty"`
	Type         string   `json:"type"`    // "claude" or "command"
	Command      string   `json:"command"` // Binary to run
	Args         []string `json:"args,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// Has reports whether the profile carries a capability tag.
func (p *Profile) Has(capability string) bool {
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Registry holds the known agent profiles. Lookup is by name or by an
// explicit capability requirement list; there is no fuzzy matching.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		profiles: make(map[string]*Profile),
	}
}

// DefaultRegistry returns a registry seeded with the stock claude
// profile.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&Profile{
		Name:         "claude",
		Variant:      "cli",
		Type:         "claude",
		Command:      "claude",
		Capabilities: []string{"code", "fix", "review"},
	})
	return r
}

// Register adds a profile, replacing any existing profile with the same
// name.
func (r *Registry) Register(p *Profile) error {
	if p.Name == "" {
		return fmt.Errorf("agent profile needs a name")
	}
	if p.Command == "" {
		return fmt.Errorf("agent profile %s needs a command", p.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Name] = p
	return nil
}

// Get returns a profile by name.
func (r *Registry) Get(name string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

// List returns all profiles sorted by name.
func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profiles := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].Name < profiles[j].Name
	})
	return profiles
}

// Find returns the first profile, in name order, carrying every
// required capability tag.
func (r *Registry) Find(requirements ...string) (*Profile, error) {
	for _, p := range r.List() {
		satisfied := true
		for _, req := range requirements {
			if !p.Has(req) {
				satisfied = false
				break
			}
		}
		if satisfied {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no agent profile satisfies [%s]", strings.Join(requirements, ", "))
}

// New constructs an agent from a registered profile.
func (r *Registry) New(name string, timeout time.Duration) (Agent, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown agent profile %q", name)
	}
	return New(&Config{
		Type:    p.Type,
		Path:    p.Command,
		Args:    p.Args,
		Timeout: timeout,
	})
}
