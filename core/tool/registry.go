// Package tool defines the catalog of content-management tools a plan may
// invoke and the safety classification used for risk scoring and approval
// tiers.
package tool

import "sort"

// SafetyClass orders tools by blast radius.
type SafetyClass string

const (
	SafetyRead         SafetyClass = "read"
	SafetyWriteDraft   SafetyClass = "write_draft"
	SafetyWritePublish SafetyClass = "write_publish"
)

// Weight maps a safety class to its numeric weight. Unknown classes weigh
// as read.
func (c SafetyClass) Weight() int {
	switch c {
	case SafetyWriteDraft:
		return 1
	case SafetyWritePublish:
		return 2
	default:
		return 0
	}
}

// Definition describes one callable tool.
type Definition struct {
	Name        string      `json:"name"`
	Safety      SafetyClass `json:"safety"`
	CostWeight  float64     `json:"cost_weight"`
	Description string      `json:"description"`
}

// Registry is the set of tools the host exposes.
type Registry struct {
	defs map[string]Definition
}

func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		r.defs[d.Name] = d
	}
	return r
}

// DefaultRegistry returns the built-in tool catalog.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Definition{
			Name:        "site.env.get",
			Safety:      SafetyRead,
			CostWeight:  0.5,
			Description: "Read site environment and theme settings.",
		},
		Definition{
			Name:        "content.inventory.list",
			Safety:      SafetyRead,
			CostWeight:  1.0,
			Description: "List content items with type and status filters.",
		},
		Definition{
			Name:        "seo.config.get",
			Safety:      SafetyRead,
			CostWeight:  0.5,
			Description: "Read SEO configuration for the site.",
		},
		Definition{
			Name:        "content.item.create",
			Safety:      SafetyWriteDraft,
			CostWeight:  2.0,
			Description: "Create a single draft content item.",
		},
		Definition{
			Name:        "content.bulk.schedule",
			Safety:      SafetyWriteDraft,
			CostWeight:  3.0,
			Description: "Schedule a bulk draft-creation job.",
		},
	)
}

// Manifest is the set of tool names actually exposed by one installation.
// A skill may allow a tool the installation does not ship.
type Manifest map[string]struct{}

func NewManifest(names ...string) Manifest {
	m := make(Manifest, len(names))
	for _, name := range names {
		m[name] = struct{}{}
	}
	return m
}

func (m Manifest) Has(name string) bool {
	_, ok := m[name]
	return ok
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns all tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the catalog sorted by name, for manifest responses.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.defs))
	for _, name := range r.Names() {
		defs = append(defs, r.defs[name])
	}
	return defs
}
