// Package query compiles validated request parameters into executable query
// plans: join chains for cross-table terms, predicate trees for filters, and
// offset/cursor pagination. Plans are structural; rendering them to SQL is
// the storage executor's job.
package query

// Operator is a comparison operator on a plan predicate.
type Operator int

const (
	OpEqual Operator = iota
	OpNotEqual
	OpGreaterThan
	OpGreaterThanOrEqual
	OpLessThan
	OpLessThanOrEqual
	OpIn
	OpBetween
	OpLike
)

// String returns the SQL spelling of the operator.
func (o Operator) String() string {
	switch o {
	case OpEqual:
		return "="
	case OpNotEqual:
		return "!="
	case OpGreaterThan:
		return ">"
	case OpGreaterThanOrEqual:
		return ">="
	case OpLessThan:
		return "<"
	case OpLessThanOrEqual:
		return "<="
	case OpIn:
		return "IN"
	case OpBetween:
		return "BETWEEN"
	case OpLike:
		return "LIKE"
	default:
		return "UNKNOWN"
	}
}

// Condition is a single predicate on a qualified column.
type Condition struct {
	Column   string // "alias.column", already resolved
	Operator Operator
	Value    interface{}
}

// PredicateGroup is a tree of conditions combined with AND (default) or OR.
type PredicateGroup struct {
	Or         bool
	Conditions []*Condition
	Groups     []*PredicateGroup
}

// NewPredicateGroup creates an empty group.
func NewPredicateGroup(or bool) *PredicateGroup {
	return &PredicateGroup{Or: or}
}

// Add appends a condition to the group.
func (pg *PredicateGroup) Add(cond *Condition) {
	pg.Conditions = append(pg.Conditions, cond)
}

// AddGroup appends a nested group.
func (pg *PredicateGroup) AddGroup(group *PredicateGroup) {
	pg.Groups = append(pg.Groups, group)
}

// Empty reports whether the group holds no predicates.
func (pg *PredicateGroup) Empty() bool {
	return pg == nil || (len(pg.Conditions) == 0 && len(pg.Groups) == 0)
}

// SortKey is one resolved ORDER BY term. Field is the bare row column for
// own-table keys and empty for keys resolved through a join chain; the
// cursor codec needs it to read sort values back off fetched rows.
type SortKey struct {
	Field  string
	Column string
	Desc   bool
}
