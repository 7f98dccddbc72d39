// Package include resolves nested relationship includes: dotted paths are
// merged into one tree, validated against the depth limit, and fetched level
// by level in batched storage calls with global (type,id) deduplication.
package include

import (
	"sort"
	"strings"

	"github.com/lattice-orm/lattice/errs"
	"github.com/lattice-orm/lattice/resource"
)

// Node is one hop of the merged include tree. Paths sharing a prefix share
// nodes, so a hop requested via multiple paths is fetched once.
type Node struct {
	Name  string
	Path  string
	Depth int

	// OwnerType is the resource the relationship hangs off; Rel is its
	// descriptor on that type.
	OwnerType string
	Rel       *resource.Relationship

	Children map[string]*Node
}

// OrderedChildren returns the children in name order, for deterministic
// fetch sequencing within a level.
func (n *Node) OrderedChildren() []*Node {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Node, len(names))
	for i, name := range names {
		out[i] = n.Children[name]
	}
	return out
}

// BuildTree validates every include path against the compiled descriptors
// and merges them into one tree. All validation happens here, before any
// fetch: a path over the depth limit or naming an unknown relationship fails
// the whole request.
func BuildTree(reg *resource.Registry, typeName string, paths []string, maxDepth int) (*Node, error) {
	root := &Node{Children: make(map[string]*Node)}

	for _, path := range paths {
		if path == "" {
			return nil, errs.ValidationPath(path, "empty include path")
		}
		segments := strings.Split(path, ".")
		if len(segments) > maxDepth {
			return nil, errs.ValidationPath(path,
				"include path exceeds the depth limit: depth %d, limit %d", len(segments), maxDepth)
		}

		cur := root
		curType := typeName
		for i, seg := range segments {
			desc, err := reg.Descriptor(curType)
			if err != nil {
				return nil, err
			}
			rel, ok := desc.Relationship(seg)
			if !ok {
				return nil, errs.ValidationPath(path,
					"resource %s has no relationship %q", desc.Name, seg)
			}

			child, ok := cur.Children[seg]
			if !ok {
				child = &Node{
					Name:      seg,
					Path:      strings.Join(segments[:i+1], "."),
					Depth:     i + 1,
					OwnerType: curType,
					Rel:       rel,
					Children:  make(map[string]*Node),
				}
				cur.Children[seg] = child
			}

			if rel.Kind == resource.Polymorphic {
				if i != len(segments)-1 {
					return nil, errs.ValidationPath(path,
						"cannot include through polymorphic relationship %q", seg)
				}
				// The next type depends on each row's discriminator; the
				// resolver groups the frontier per target.
				cur = child
				break
			}

			curType = rel.Target
			cur = child
		}
	}

	return root, nil
}
