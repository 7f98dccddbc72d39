package query

import (
	"strings"

	"github.com/lattice-orm/lattice/errs"
	"github.com/lattice-orm/lattice/resource"
)

// Cardinality tells whether a join chain can multiply base rows.
type Cardinality int

const (
	CardinalityOne Cardinality = iota
	CardinalityMany
)

// Join is one hop of a join chain. It renders as
//
//	JOIN Table AS Alias ON Alias.Key = ParentAlias.ParentKey
//
// Aliases are derived from the relationship path, so the same target table
// reached via different paths never collides.
type Join struct {
	Table       string
	Alias       string
	ParentAlias string
	ParentKey   string
	Key         string
	ToMany      bool
}

// JoinChain is the result of expanding a dotted cross-type field path: the
// ordered joins, the alias and column the final predicate applies to, and
// the chain's row cardinality.
type JoinChain struct {
	Joins       []*Join
	Alias       string // alias holding the final column (base table if no joins)
	Table       string // real table holding the final column
	Column      string
	Cardinality Cardinality
}

// Qualified returns the fully qualified final column.
func (c *JoinChain) Qualified() string {
	return c.Alias + "." + c.Column
}

// BuildJoinChain walks a dotted path ("books.authors.name") from a resource
// type, resolving each segment against the relationship graph. All but the
// last segment must name relationships; the last names a column on the final
// target. A hasMany or manyToMany hop flips cardinality to many for that hop
// and every following one. Unknown segments are configuration errors: the
// search schema that referenced them is wrong, not the request.
func BuildJoinChain(reg *resource.Registry, typeName, dotted string) (*JoinChain, error) {
	desc, err := reg.Descriptor(typeName)
	if err != nil {
		return nil, err
	}

	segments := strings.Split(dotted, ".")
	column := segments[len(segments)-1]
	hops := segments[:len(segments)-1]

	chain := &JoinChain{
		Alias:       desc.TableName,
		Table:       desc.TableName,
		Column:      column,
		Cardinality: CardinalityOne,
	}

	cur := desc
	parentAlias := desc.TableName
	var path []string

	for _, seg := range hops {
		rel, ok := cur.Relationship(seg)
		if !ok {
			return nil, errs.Configuration(
				"resource %s: unknown path segment %q in %q", cur.Name, seg, dotted)
		}
		path = append(path, resource.ToSnakeCase(seg))
		alias := strings.Join(path, "_")

		switch rel.Kind {
		case resource.BelongsTo:
			target, err := reg.Descriptor(rel.Target)
			if err != nil {
				return nil, err
			}
			chain.Joins = append(chain.Joins, &Join{
				Table:       target.TableName,
				Alias:       alias,
				ParentAlias: parentAlias,
				ParentKey:   rel.ForeignKey,
				Key:         target.IDField,
			})
			cur = target

		case resource.HasMany:
			target, err := reg.Descriptor(rel.Target)
			if err != nil {
				return nil, err
			}
			chain.Joins = append(chain.Joins, &Join{
				Table:       target.TableName,
				Alias:       alias,
				ParentAlias: parentAlias,
				ParentKey:   cur.IDField,
				Key:         rel.ForeignKey,
				ToMany:      true,
			})
			chain.Cardinality = CardinalityMany
			cur = target

		case resource.ManyToMany:
			target, err := reg.Descriptor(rel.Target)
			if err != nil {
				return nil, err
			}
			pivotAlias := alias + "_via"
			chain.Joins = append(chain.Joins, &Join{
				Table:       rel.Through,
				Alias:       pivotAlias,
				ParentAlias: parentAlias,
				ParentKey:   cur.IDField,
				Key:         rel.OwnKey,
				ToMany:      true,
			})
			chain.Joins = append(chain.Joins, &Join{
				Table:       target.TableName,
				Alias:       alias,
				ParentAlias: pivotAlias,
				ParentKey:   rel.OtherKey,
				Key:         target.IDField,
			})
			chain.Cardinality = CardinalityMany
			cur = target

		case resource.Polymorphic:
			return nil, errs.Configuration(
				"resource %s: polymorphic relationship %q cannot appear in a join chain",
				cur.Name, seg)

		default:
			return nil, errs.Configuration(
				"resource %s: relationship %q has unknown kind", cur.Name, seg)
		}

		parentAlias = alias
	}

	if len(cur.Fields) > 0 && !cur.HasField(column) && column != cur.IDField {
		return nil, errs.Configuration(
			"resource %s: unknown column %q in path %q", cur.Name, column, dotted)
	}

	chain.Alias = parentAlias
	chain.Table = cur.TableName
	return chain, nil
}

// mergeJoins appends the chain's joins to a plan's join list, deduplicating
// by alias: two filters through the same path share one join.
func mergeJoins(existing []*Join, incoming []*Join) []*Join {
	seen := make(map[string]bool, len(existing))
	for _, j := range existing {
		seen[j.Alias] = true
	}
	for _, j := range incoming {
		if !seen[j.Alias] {
			existing = append(existing, j)
			seen[j.Alias] = true
		}
	}
	return existing
}
