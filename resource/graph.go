package resource

import (
	"sort"

	"github.com/lattice-orm/lattice/errs"
)

// Graph is the normalized relationship graph over compiled descriptors. It
// validates edge targets and yields a dependency order for table/index
// provisioning. Data-level cycles (a resource reachable from itself through
// includes) are legal; only the belongsTo provisioning order cares about
// cycles.
type Graph struct {
	nodes map[string]*Descriptor
	edges map[string][]string // type -> belongsTo dependencies
}

// NewGraph builds the graph from compiled descriptors.
func NewGraph(descs map[string]*Descriptor) *Graph {
	g := &Graph{
		nodes: descs,
		edges: make(map[string][]string),
	}
	for name, desc := range descs {
		for _, rel := range desc.Relationships {
			if rel.Kind == BelongsTo {
				g.edges[name] = append(g.edges[name], rel.Target)
			}
		}
		sort.Strings(g.edges[name])
	}
	return g
}

// Validate checks every relationship edge for a dangling target.
func (g *Graph) Validate() error {
	for name, desc := range g.nodes {
		for relName, rel := range desc.Relationships {
			switch rel.Kind {
			case BelongsTo, HasMany, ManyToMany:
				if _, ok := g.nodes[rel.Target]; !ok {
					return errs.Configuration(
						"resource %s: relationship %q targets unknown resource %q",
						name, relName, rel.Target)
				}
			case Polymorphic:
				for _, target := range rel.Targets {
					if _, ok := g.nodes[target]; !ok {
						return errs.Configuration(
							"resource %s: polymorphic relationship %q targets unknown resource %q",
							name, relName, target)
					}
				}
			}
		}
	}
	return nil
}

// ProvisionOrder returns the types in belongsTo dependency order
// (dependencies first), safe for table and index provisioning. Types inside
// a reference cycle are appended last in name order; they must be
// provisioned with deferred constraints.
func (g *Graph) ProvisionOrder() []string {
	outDegree := make(map[string]int, len(g.nodes))
	reverse := make(map[string][]string)
	for name := range g.nodes {
		for _, dep := range g.edges[name] {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			outDegree[name]++
			reverse[dep] = append(reverse[dep], name)
		}
	}

	var queue []string
	for name := range g.nodes {
		if outDegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, dependent := range reverse[name] {
			outDegree[dependent]--
			if outDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
		sort.Strings(queue)
	}

	if len(order) < len(g.nodes) {
		seen := make(map[string]bool, len(order))
		for _, name := range order {
			seen[name] = true
		}
		var rest []string
		for name := range g.nodes {
			if !seen[name] {
				rest = append(rest, name)
			}
		}
		sort.Strings(rest)
		order = append(order, rest...)
	}

	return order
}

// Dependencies returns the direct belongsTo dependencies of a type.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.edges[name]...)
}
