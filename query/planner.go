package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lattice-orm/lattice/errs"
	"github.com/lattice-orm/lattice/resource"
)

// Params are the validated-on-entry request parameters for one query.
type Params struct {
	Filters map[string]interface{}
	Sort    []string
	Page    map[string]interface{}
	Include []string
	Fields  map[string][]string
}

// Plan is the executable form of one query: everything a storage executor
// needs to render and run it. Plans are request-scoped and discarded after
// assembly.
type Plan struct {
	Resource string
	Table    string
	IDColumn string

	Joins []*Join
	Where *PredicateGroup
	Sort  []SortKey

	Limit  *int
	Offset *int

	// Distinct collapses base-row fan-out introduced by to-many join
	// chains: a base row matches a relational filter at most once.
	Distinct bool
}

// Clone returns a shallow-enough copy safe for deriving the count plan.
func (p *Plan) Clone() *Plan {
	clone := *p
	clone.Joins = append([]*Join(nil), p.Joins...)
	clone.Sort = append([]SortKey(nil), p.Sort...)
	clone.Limit = nil
	clone.Offset = nil
	return &clone
}

// BuildPlan validates filters and sort against the compiled search schema
// and produces a plan. All validation happens here, before any storage call:
// an unknown or undeclared field fails with a validation error enumerating
// the allowed names.
func BuildPlan(reg *resource.Registry, typeName string, params Params) (*Plan, error) {
	desc, err := reg.Descriptor(typeName)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Resource: desc.Name,
		Table:    desc.TableName,
		IDColumn: desc.IDField,
		Where:    NewPredicateGroup(false),
	}

	// Deterministic filter order keeps generated SQL stable across runs.
	names := make([]string, 0, len(params.Filters))
	for name := range params.Filters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sf, ok := desc.Search[name]
		if !ok {
			return nil, errs.ValidationField(name,
				fmt.Sprintf("resource %s has no searchable field %q", desc.Name, name),
				desc.SearchNames())
		}
		if err := applyFilter(reg, desc, plan, sf, params.Filters[name]); err != nil {
			return nil, err
		}
	}

	keys, err := resolveSort(reg, desc, plan, params.Sort)
	if err != nil {
		return nil, err
	}
	plan.Sort = keys

	return plan, nil
}

// applyFilter appends the predicate (and any join chain) for one filter.
func applyFilter(reg *resource.Registry, desc *resource.Descriptor, plan *Plan, sf *resource.SearchField, value interface{}) error {
	if sf.Op == resource.OpLikeOneOf || len(sf.OneOf) > 0 {
		// Several possibly cross-table columns OR-combined under a
		// substring predicate.
		group := NewPredicateGroup(true)
		for _, entry := range sf.OneOf {
			column, err := resolveColumn(reg, desc, plan, entry)
			if err != nil {
				return err
			}
			group.Add(&Condition{
				Column:   column,
				Operator: OpLike,
				Value:    substring(value),
			})
		}
		plan.Where.AddGroup(group)
		return nil
	}

	column, err := resolveColumn(reg, desc, plan, sf.Field)
	if err != nil {
		return err
	}

	cond := &Condition{Column: column}
	switch sf.Op {
	case resource.OpEq:
		cond.Operator, cond.Value = OpEqual, value
	case resource.OpNotEq:
		cond.Operator, cond.Value = OpNotEqual, value
	case resource.OpLt:
		cond.Operator, cond.Value = OpLessThan, value
	case resource.OpLte:
		cond.Operator, cond.Value = OpLessThanOrEqual, value
	case resource.OpGt:
		cond.Operator, cond.Value = OpGreaterThan, value
	case resource.OpGte:
		cond.Operator, cond.Value = OpGreaterThanOrEqual, value
	case resource.OpIn:
		values, ok := toSlice(value)
		if !ok {
			values = []interface{}{value}
		}
		cond.Operator, cond.Value = OpIn, values
	case resource.OpBetween:
		values, ok := toSlice(value)
		if !ok || len(values) != 2 {
			return errs.ValidationField(sf.Name,
				"between filter requires a [min, max] pair", nil)
		}
		cond.Operator, cond.Value = OpBetween, values
	case resource.OpLike:
		cond.Operator, cond.Value = OpLike, substring(value)
	default:
		return errs.Configuration("search field %q has unknown operator", sf.Name)
	}

	plan.Where.Add(cond)
	return nil
}

// resolveColumn resolves an own or dotted column reference, appending join
// chains to the plan as needed.
func resolveColumn(reg *resource.Registry, desc *resource.Descriptor, plan *Plan, ref string) (string, error) {
	if !strings.Contains(ref, ".") {
		return plan.Table + "." + ref, nil
	}
	chain, err := BuildJoinChain(reg, desc.Name, ref)
	if err != nil {
		return "", err
	}
	plan.Joins = mergeJoins(plan.Joins, chain.Joins)
	if chain.Cardinality == CardinalityMany {
		plan.Distinct = true
	}
	return chain.Qualified(), nil
}

// resolveSort turns sort tokens ("title", "-published_at") into resolved
// sort keys, merging any join chains cross-table keys depend on into the
// plan, and appends the id column as the final deterministic tie-break.
func resolveSort(reg *resource.Registry, desc *resource.Descriptor, plan *Plan, tokens []string) ([]SortKey, error) {
	keys := make([]SortKey, 0, len(tokens)+1)
	sawID := false

	for _, token := range tokens {
		name := token
		descending := false
		if strings.HasPrefix(token, "-") {
			name = token[1:]
			descending = true
		}
		if name == "" {
			return nil, errs.Validation("empty sort token")
		}

		if f, ok := desc.Fields[name]; ok && f.Sortable {
			keys = append(keys, SortKey{
				Field:  name,
				Column: desc.TableName + "." + name,
				Desc:   descending,
			})
			if name == desc.IDField {
				sawID = true
			}
			continue
		}

		if sf, ok := desc.Search[name]; ok && sf.Sortable && len(sf.OneOf) == 0 {
			column := sf.Field
			field := column
			qualified := desc.TableName + "." + column
			if strings.Contains(column, ".") {
				// Cross-table sort: resolved like a filter, not readable off
				// base rows.
				chain, err := BuildJoinChain(reg, desc.Name, column)
				if err != nil {
					return nil, err
				}
				plan.Joins = mergeJoins(plan.Joins, chain.Joins)
				if chain.Cardinality == CardinalityMany {
					plan.Distinct = true
				}
				qualified = chain.Qualified()
				field = ""
			}
			keys = append(keys, SortKey{Field: field, Column: qualified, Desc: descending})
			continue
		}

		return nil, errs.ValidationField(name,
			fmt.Sprintf("resource %s has no sortable field %q", desc.Name, name),
			desc.SortableNames())
	}

	if !sawID {
		keys = append(keys, SortKey{
			Field:  desc.IDField,
			Column: desc.TableName + "." + desc.IDField,
		})
	}
	return keys, nil
}

// substring wraps a value for substring matching.
func substring(value interface{}) string {
	return "%" + fmt.Sprintf("%v", value) + "%"
}

// toSlice normalizes the loosely typed slice shapes request decoding
// produces.
func toSlice(value interface{}) ([]interface{}, bool) {
	switch v := value.(type) {
	case []interface{}:
		return v, true
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]interface{}, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]interface{}, len(v))
		for i, f := range v {
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}
