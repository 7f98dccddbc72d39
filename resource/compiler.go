package resource

import (
	"sort"

	"github.com/lattice-orm/lattice/errs"
)

// Compile turns a raw definition into an immutable descriptor. It is a pure
// function of the definition and any registry-level enrichers: recompiling
// the same input yields an equivalent descriptor, so redundant compilation
// under a first-use race is harmless.
//
// Steps, in order: clone the raw schema (caller input is never mutated),
// default-type belongsTo relationships lacking an explicit target, apply the
// pivot-table heuristic, run the ordered enrichment transforms, build the
// merged search-field schema, flag filter columns as index-required, and
// order the computed-field DAG.
func Compile(def *Definition, enrichers []Enricher) (*Descriptor, error) {
	if def == nil {
		return nil, errs.Configuration("nil resource definition")
	}
	if def.Name == "" {
		return nil, errs.Configuration("resource definition has no name")
	}

	d := cloneDefinition(def)

	if d.IDField == "" {
		d.IDField = "id"
	}
	if d.TableName == "" {
		d.TableName = ToTableName(d.Name)
	}

	defaultRelationships(d)

	pivot, searchable := DetectPivot(d)
	if pivot {
		for _, name := range searchable {
			if f, ok := d.Fields[name]; ok {
				f.Searchable = true
			}
		}
	}

	// Ordered ambient transforms: registry-level first, then per-definition.
	for _, enrich := range enrichers {
		d = enrich(d)
	}
	for _, enrich := range d.Enrichers {
		d = enrich(d)
	}

	desc := &Descriptor{
		Name:          d.Name,
		IDField:       d.IDField,
		TableName:     d.TableName,
		Fields:        d.Fields,
		Relationships: d.Relationships,
		Pivot:         pivot,
	}

	if err := finalizeFields(desc); err != nil {
		return nil, err
	}

	desc.Search = buildSearchSchema(d)

	computed, err := orderComputed(desc)
	if err != nil {
		return nil, err
	}
	desc.Computed = computed

	return desc, nil
}

// cloneDefinition deep-copies a definition so compilation never mutates the
// caller's input.
func cloneDefinition(def *Definition) *Definition {
	clone := &Definition{
		Name:          def.Name,
		IDField:       def.IDField,
		TableName:     def.TableName,
		Fields:        make(map[string]*Field, len(def.Fields)),
		Relationships: make(map[string]*Relationship, len(def.Relationships)),
		Search:        make(map[string]*SearchField, len(def.Search)),
		Enrichers:     append([]Enricher(nil), def.Enrichers...),
	}
	for name, f := range def.Fields {
		c := *f
		c.RunAfter = append([]string(nil), f.RunAfter...)
		clone.Fields[name] = &c
	}
	for name, rel := range def.Relationships {
		c := *rel
		c.Targets = append([]string(nil), rel.Targets...)
		clone.Relationships[name] = &c
	}
	for name, sf := range def.Search {
		c := *sf
		c.OneOf = append([]string(nil), sf.OneOf...)
		clone.Search[name] = &c
	}
	return clone
}

// defaultRelationships fills in the conventional blanks: a belongsTo without
// an explicit target resolves to its own name, and fk columns default to the
// snake_case "<name>_id" convention.
func defaultRelationships(def *Definition) {
	for name, rel := range def.Relationships {
		switch rel.Kind {
		case BelongsTo:
			if rel.Target == "" {
				rel.Target = name
			}
			if rel.ForeignKey == "" {
				rel.ForeignKey = ToSnakeCase(name) + "_id"
			}
		case HasMany:
			if rel.ForeignKey == "" {
				rel.ForeignKey = ToSnakeCase(def.Name) + "_id"
			}
		case ManyToMany:
			if rel.OwnKey == "" {
				rel.OwnKey = ToSnakeCase(def.Name) + "_id"
			}
			if rel.OtherKey == "" {
				rel.OtherKey = ToSnakeCase(rel.Target) + "_id"
			}
		case Polymorphic:
			if rel.TypeField == "" {
				rel.TypeField = ToSnakeCase(name) + "_type"
			}
			if rel.IDField == "" {
				rel.IDField = ToSnakeCase(name) + "_id"
			}
		}
	}
}

// finalizeFields normalizes field flags and rejects invalid computed fields.
func finalizeFields(desc *Descriptor) error {
	for name, f := range desc.Fields {
		if f.Name == "" {
			f.Name = name
		}
		if f.IsComputed() {
			if !f.TypeSet {
				return errs.Configuration(
					"resource %s: computed field %q has no type", desc.Name, name)
			}
			if _, ok := f.Compute.(ComputeFunc); !ok {
				if _, ok := f.Compute.(func(Record) interface{}); !ok {
					return errs.Configuration(
						"resource %s: computed field %q compute value is not callable", desc.Name, name)
				}
			}
			// Computed fields are derived, never sortable or searchable at
			// the storage layer.
			f.Sortable = false
		} else if !f.SortableSet {
			f.Sortable = true
		}
	}
	return nil
}

// buildSearchSchema merges shorthand search markers with the explicit search
// map. Shorthand produces an equality match on the own column; explicit
// entries fully replace shorthand entries of the same name.
func buildSearchSchema(def *Definition) map[string]*SearchField {
	search := make(map[string]*SearchField)

	for name, f := range def.Fields {
		if !f.Searchable || f.IsComputed() {
			continue
		}
		search[name] = &SearchField{
			Name:     name,
			Op:       OpEq,
			Field:    name,
			Sortable: f.Sortable || !f.SortableSet,
		}
	}

	for name, sf := range def.Search {
		entry := *sf
		entry.Name = name
		if entry.Field == "" && len(entry.OneOf) == 0 {
			entry.Field = name
		}
		search[name] = &entry
	}

	// Every column used for filtering needs an index; consumed by table
	// provisioning, not query execution.
	for _, sf := range search {
		sf.Indexed = true
	}

	return search
}

// orderComputed topologically sorts the computed fields by their RunAfter
// dependency lists. A cycle or a dangling dependency fails compilation, not
// call time.
func orderComputed(desc *Descriptor) ([]*Field, error) {
	computed := make(map[string]*Field)
	for name, f := range desc.Fields {
		if f.IsComputed() {
			computed[name] = f
		}
	}
	if len(computed) == 0 {
		return nil, nil
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(computed))
	order := make([]*Field, 0, len(computed))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return errs.Configuration(
				"resource %s: cyclic compute dependency through %q", desc.Name, name)
		}
		state[name] = visiting
		for _, dep := range computed[name].RunAfter {
			if _, ok := computed[dep]; !ok {
				if _, plain := desc.Fields[dep]; plain {
					// Plain attributes exist before any compute runs, so the
					// dependency is always satisfied.
					continue
				}
				return errs.Configuration(
					"resource %s: computed field %q runs after unknown field %q",
					desc.Name, name, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, computed[name])
		return nil
	}

	// Deterministic iteration keeps compiled output stable.
	names := make([]string, 0, len(computed))
	for name := range computed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return order, nil
}
