// Package resource defines resource descriptors: the per-type schema,
// relationship, and search-field metadata every other layer of the engine is
// compiled against. Raw definitions are registered once and compiled lazily
// into immutable descriptors.
package resource

import (
	"strings"
)

// Record is a single database row keyed by column name.
type Record = map[string]interface{}

// ComputeFunc derives an attribute value from the sibling attributes of a
// record. It runs after getters and linkage assignment and never sees
// relationship data.
type ComputeFunc func(Record) interface{}

// FieldType represents the primitive type of a field.
type FieldType int

const (
	TypeString FieldType = iota
	TypeText
	TypeInt
	TypeFloat
	TypeBool
	TypeTimestamp
	TypeDate
	TypeUUID
	TypeJSON
)

// String returns the string representation of the field type.
func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeText:
		return "text"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeTimestamp:
		return "timestamp"
	case TypeDate:
		return "date"
	case TypeUUID:
		return "uuid"
	case TypeJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Field describes a single attribute of a resource.
type Field struct {
	Name string
	Type FieldType

	// TypeSet tracks whether Type was set explicitly. Computed fields must
	// declare a type; plain fields default to string.
	TypeSet bool

	Nullable bool

	// Searchable is the shorthand search marker: it produces an equality
	// search field of the same name unless an explicit search entry
	// replaces it.
	Searchable bool

	// Sortable declares the field usable in sort expressions. Own plain
	// fields are sortable by default; computed fields are not.
	Sortable bool

	// SortableSet tracks whether Sortable was set explicitly, so an
	// explicit false survives the sortable-by-default rule.
	SortableSet bool

	// Compute holds the computed-field callable. It is typed loosely
	// because definitions are frequently built from dynamic configuration;
	// compilation asserts it to ComputeFunc and fails otherwise.
	Compute interface{}

	// RunAfter lists computed fields this one depends on. The lists form a
	// DAG ordered once at compile time.
	RunAfter []string
}

// IsComputed reports whether the field carries a compute callable.
func (f *Field) IsComputed() bool {
	return f.Compute != nil
}

// Evaluate runs the compute callable against a record. Compilation already
// guaranteed the assertion succeeds; a plain field evaluates to nil.
func (f *Field) Evaluate(rec Record) interface{} {
	switch fn := f.Compute.(type) {
	case ComputeFunc:
		return fn(rec)
	case func(Record) interface{}:
		return fn(rec)
	default:
		return nil
	}
}

// RelKind is the closed set of relationship shapes.
type RelKind int

const (
	BelongsTo RelKind = iota
	HasMany
	ManyToMany
	Polymorphic
)

// String returns the string representation of the relationship kind.
func (k RelKind) String() string {
	switch k {
	case BelongsTo:
		return "belongs_to"
	case HasMany:
		return "has_many"
	case ManyToMany:
		return "many_to_many"
	case Polymorphic:
		return "polymorphic"
	default:
		return "unknown"
	}
}

// Relationship is a tagged variant describing one edge of the relationship
// graph. The Kind determines which configuration fields apply; consumers
// switch exhaustively over it.
type Relationship struct {
	Kind RelKind

	// Target names the related resource type. For BelongsTo it defaults to
	// the relationship name when empty.
	Target string

	// ForeignKey is the fk column: on the own table for BelongsTo
	// (default "<name>_id"), on the target table for HasMany (default
	// "<owner>_id").
	ForeignKey string

	// ManyToMany configuration: the through (pivot) table plus the pivot
	// column pointing back at the owner (OwnKey) and at the target
	// (OtherKey).
	Through  string
	OwnKey   string
	OtherKey string

	// Polymorphic configuration: the candidate target types and the columns
	// on the own table holding the discriminator and the foreign id.
	Targets   []string
	TypeField string
	IDField   string

	// Include window strategy: cap rows fetched per parent key when this
	// relationship is included, ordered by IncludeOrder. Zero means
	// unbounded.
	IncludeLimit int
	IncludeOrder string
}

// ToMany reports whether the relationship resolves to a collection.
func (r *Relationship) ToMany() bool {
	return r.Kind == HasMany || r.Kind == ManyToMany
}

// FilterOp is the operator a search field applies to its column.
type FilterOp int

const (
	OpEq FilterOp = iota
	OpNotEq
	OpLt
	OpLte
	OpGt
	OpGte
	OpIn
	OpBetween
	OpLike
	OpLikeOneOf
)

// String returns the string representation of the filter operator.
func (o FilterOp) String() string {
	switch o {
	case OpEq:
		return "eq"
	case OpNotEq:
		return "not_eq"
	case OpLt:
		return "lt"
	case OpLte:
		return "lte"
	case OpGt:
		return "gt"
	case OpGte:
		return "gte"
	case OpIn:
		return "in"
	case OpBetween:
		return "between"
	case OpLike:
		return "like"
	case OpLikeOneOf:
		return "like_one_of"
	default:
		return "unknown"
	}
}

// SearchField describes one filterable field of a resource. Field may be an
// own column or a dotted cross-type path ("country.name"); OneOf lists
// several such columns OR-combined under a substring predicate.
type SearchField struct {
	Name     string
	Op       FilterOp
	Field    string
	OneOf    []string
	Sortable bool

	// Indexed is set by compilation on every column used for filtering; it
	// is consumed by table provisioning, never by query execution.
	Indexed bool
}

// Enricher is an ordered schema transform applied between cloning and
// finalization. Enrichers must treat the definition as their own copy and
// return it (possibly replaced).
type Enricher func(*Definition) *Definition

// Definition is the raw registration input for one resource type.
type Definition struct {
	Name          string
	IDField       string
	TableName     string
	Fields        map[string]*Field
	Relationships map[string]*Relationship
	Search        map[string]*SearchField
	Enrichers     []Enricher
}

// NewDefinition creates a definition with the conventional defaults: an "id"
// id field and a snake_case plural table name.
func NewDefinition(name string) *Definition {
	return &Definition{
		Name:          name,
		IDField:       "id",
		TableName:     ToTableName(name),
		Fields:        make(map[string]*Field),
		Relationships: make(map[string]*Relationship),
		Search:        make(map[string]*SearchField),
	}
}

// Descriptor is the compiled, immutable form of a definition. Descriptors
// are cached for the process lifetime and shared across requests.
type Descriptor struct {
	Name          string
	IDField       string
	TableName     string
	Fields        map[string]*Field
	Relationships map[string]*Relationship

	// Search is the merged filterable-field schema: shorthand markers
	// overlaid by explicit entries.
	Search map[string]*SearchField

	// Computed holds the computed fields in dependency (topological) order.
	Computed []*Field

	// Pivot marks resources the heuristic identified as join tables.
	Pivot bool
}

// HasField reports whether the descriptor has an own field with the name.
func (d *Descriptor) HasField(name string) bool {
	_, ok := d.Fields[name]
	return ok
}

// Relationship returns the named relationship.
func (d *Descriptor) Relationship(name string) (*Relationship, bool) {
	rel, ok := d.Relationships[name]
	return rel, ok
}

// SearchNames returns the declared search-field names, for error messages.
func (d *Descriptor) SearchNames() []string {
	names := make([]string, 0, len(d.Search))
	for name := range d.Search {
		names = append(names, name)
	}
	return names
}

// SortableNames returns every name accepted in a sort expression: own
// non-computed fields plus search fields declared sortable.
func (d *Descriptor) SortableNames() []string {
	names := make([]string, 0, len(d.Fields))
	for name, f := range d.Fields {
		if f.Sortable {
			names = append(names, name)
		}
	}
	for name, sf := range d.Search {
		if sf.Sortable {
			names = append(names, name)
		}
	}
	return names
}

// ToSnakeCase converts a string to snake_case.
func ToSnakeCase(s string) string {
	var result []rune
	runes := []rune(s)

	for i, r := range runes {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := runes[i-1]
			if prev >= 'a' && prev <= 'z' {
				result = append(result, '_')
			} else if i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z' {
				result = append(result, '_')
			}
		}
		if r >= 'A' && r <= 'Z' {
			result = append(result, r+('a'-'A'))
		} else {
			result = append(result, r)
		}
	}
	return string(result)
}

// ToTableName converts a resource type name to a table name (snake_case
// plural).
func ToTableName(name string) string {
	return Pluralize(ToSnakeCase(name))
}

// Pluralize adds simple pluralization.
func Pluralize(s string) string {
	if strings.HasSuffix(s, "s") ||
		strings.HasSuffix(s, "x") ||
		strings.HasSuffix(s, "z") {
		return s + "es"
	}
	if strings.HasSuffix(s, "y") {
		return s[:len(s)-1] + "ies"
	}
	return s + "s"
}
