package include

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lattice-orm/lattice/errs"
	"github.com/lattice-orm/lattice/resource"
	"github.com/lattice-orm/lattice/storage"
)

// Ref identifies one resource as a (type, id) pair.
type Ref struct {
	Type string
	ID   string
}

// TypedRecord is a fetched record tagged with its resource type.
type TypedRecord struct {
	Type   string
	Record resource.Record
}

// Result is the resolved include graph: the deduplicated included records
// (never containing a primary resource) plus the relationship linkage for
// every record touched, primaries included.
type Result struct {
	Included []TypedRecord
	Linkage  map[Ref]map[string][]Ref
}

// Refs returns the linkage refs for one relationship of one record.
func (r *Result) Refs(owner Ref, relationship string) []Ref {
	if r == nil {
		return nil
	}
	return r.Linkage[owner][relationship]
}

// Resolver fetches nested relationships level by level. It keeps no state
// between requests; everything request-scoped lives on the resolution.
type Resolver struct {
	reg   *resource.Registry
	store storage.Executor
	log   *zap.Logger
}

// NewResolver creates a resolver. A nil logger disables logging.
func NewResolver(reg *resource.Registry, store storage.Executor, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{reg: reg, store: store, log: log}
}

// linkKey dedups linkage entries: a pivot row read twice adds one ref.
type linkKey struct {
	owner Ref
	name  string
	targ  Ref
}

// resolution is the per-request state: the global (type,id) dedup set, the
// canonical record per ref, and the accumulated linkage.
type resolution struct {
	result   *Result
	loaded   map[Ref]resource.Record
	included map[Ref]bool
	primary  map[Ref]bool
	links    map[linkKey]bool
}

// frame is one pending fetch: a tree node plus the frontier records it
// expands from.
type frame struct {
	node    *Node
	parents []resource.Record
}

// Resolve expands the include paths for the primary records. Paths are
// validated in full (depth limit, unknown segments) before the first fetch;
// resolution is breadth-first so level N+1 keys always come from level N
// results, and the depth bound makes relationship cycles safe. Cancellation
// of ctx aborts in-flight fetches and discards partially resolved levels.
func (r *Resolver) Resolve(ctx context.Context, primary []resource.Record, typeName string, paths []string, maxDepth int) (*Result, error) {
	root, err := BuildTree(r.reg, typeName, paths, maxDepth)
	if err != nil {
		return nil, err
	}
	return r.ResolveTree(ctx, primary, typeName, root)
}

// ResolveTree expands a pre-validated include tree. Callers that must reject
// malformed paths before running any other query build the tree up front and
// resolve from it here.
func (r *Resolver) ResolveTree(ctx context.Context, primary []resource.Record, typeName string, root *Node) (*Result, error) {
	res := &resolution{
		result:   &Result{Linkage: make(map[Ref]map[string][]Ref)},
		loaded:   make(map[Ref]resource.Record),
		included: make(map[Ref]bool),
		primary:  make(map[Ref]bool),
		links:    make(map[linkKey]bool),
	}

	desc, err := r.reg.Descriptor(typeName)
	if err != nil {
		return nil, err
	}
	for _, record := range primary {
		ref := recordRef(desc.Name, desc.IDField, record)
		res.primary[ref] = true
		res.loaded[ref] = record
	}

	queue := make([]frame, 0, len(root.Children))
	for _, child := range root.OrderedChildren() {
		queue = append(queue, frame{node: child, parents: primary})
	}

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if len(f.parents) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, errs.Storage(err, "include resolution canceled")
		}

		children, err := r.resolveNode(ctx, res, f.node, f.parents)
		if err != nil {
			return nil, err
		}
		r.log.Debug("include level resolved",
			zap.String("path", f.node.Path),
			zap.Int("parents", len(f.parents)),
			zap.Int("children", len(children)))

		for _, child := range f.node.OrderedChildren() {
			queue = append(queue, frame{node: child, parents: children})
		}
	}

	return res.result, nil
}

// resolveNode fetches one relationship for the whole frontier in a single
// batched call (per target type, for polymorphic) and returns the next
// frontier.
func (r *Resolver) resolveNode(ctx context.Context, res *resolution, node *Node, parents []resource.Record) ([]resource.Record, error) {
	ownerDesc, err := r.reg.Descriptor(node.OwnerType)
	if err != nil {
		return nil, err
	}

	switch node.Rel.Kind {
	case resource.BelongsTo:
		return r.resolveBelongsTo(ctx, res, node, ownerDesc, parents)
	case resource.HasMany:
		return r.resolveHasMany(ctx, res, node, ownerDesc, parents)
	case resource.ManyToMany:
		return r.resolveManyToMany(ctx, res, node, ownerDesc, parents)
	case resource.Polymorphic:
		return r.resolvePolymorphic(ctx, res, node, ownerDesc, parents)
	default:
		return nil, errs.Configuration("relationship %q has unknown kind", node.Name)
	}
}

// resolveBelongsTo collects the distinct foreign keys across the frontier
// and fetches only the targets not already in the graph.
func (r *Resolver) resolveBelongsTo(ctx context.Context, res *resolution, node *Node, ownerDesc *resource.Descriptor, parents []resource.Record) ([]resource.Record, error) {
	target, err := r.reg.Descriptor(node.Rel.Target)
	if err != nil {
		return nil, err
	}

	var missing []interface{}
	var order []Ref
	seen := make(map[Ref]bool)

	for _, parent := range parents {
		val := parent[node.Rel.ForeignKey]
		if val == nil {
			continue
		}
		targetRef := Ref{Type: target.Name, ID: idString(val)}
		res.addLink(recordRef(ownerDesc.Name, ownerDesc.IDField, parent), node.Name, targetRef)
		if !seen[targetRef] {
			seen[targetRef] = true
			order = append(order, targetRef)
			if _, loaded := res.loaded[targetRef]; !loaded {
				missing = append(missing, val)
			}
		}
	}

	if len(missing) > 0 {
		rows, err := r.store.FetchByKeys(ctx, storage.Fetch{
			Table:     target.TableName,
			Alias:     "t",
			KeyColumn: "t." + target.IDField,
			Keys:      missing,
		})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			res.register(target, row)
		}
	}

	return res.canonical(order), nil
}

// resolveHasMany fetches all children for the frontier's ids in one call,
// windowed per parent when the relationship declares an include limit.
func (r *Resolver) resolveHasMany(ctx context.Context, res *resolution, node *Node, ownerDesc *resource.Descriptor, parents []resource.Record) ([]resource.Record, error) {
	target, err := r.reg.Descriptor(node.Rel.Target)
	if err != nil {
		return nil, err
	}

	keys, parentByID := frontierKeys(ownerDesc, parents)
	if len(keys) == 0 {
		return nil, nil
	}

	fetch := storage.Fetch{
		Table:     target.TableName,
		Alias:     "t",
		KeyColumn: "t." + node.Rel.ForeignKey,
		Keys:      keys,
		OrderBy:   "t." + orderColumn(node.Rel, target),
	}
	if node.Rel.IncludeLimit > 0 {
		fetch.Window = &storage.Window{
			Limit:   node.Rel.IncludeLimit,
			OrderBy: "t." + orderColumn(node.Rel, target),
		}
	}

	rows, err := r.store.FetchByKeys(ctx, fetch)
	if err != nil {
		return nil, err
	}

	reciprocal := reciprocalBelongsTo(node, ownerDesc.Name)

	var order []Ref
	seenChild := make(map[Ref]bool)
	for _, row := range rows {
		parentID := idString(row[node.Rel.ForeignKey])
		parent, ok := parentByID[parentID]
		if !ok {
			continue
		}
		childRef := res.register(target, row)
		parentRef := recordRef(ownerDesc.Name, ownerDesc.IDField, parent)
		res.addLink(parentRef, node.Name, childRef)
		if reciprocal != nil {
			// Reverse linkage from the fk already read; no extra query.
			res.addLink(childRef, reciprocal.Name, parentRef)
		}
		if !seenChild[childRef] {
			seenChild[childRef] = true
			order = append(order, childRef)
		}
	}

	return res.canonical(order), nil
}

// resolveManyToMany runs the single joined fetch through the pivot table;
// rows arrive tagged with the parent key, so linkage (and any reciprocal
// back-fill) comes from pivot rows already read.
func (r *Resolver) resolveManyToMany(ctx context.Context, res *resolution, node *Node, ownerDesc *resource.Descriptor, parents []resource.Record) ([]resource.Record, error) {
	target, err := r.reg.Descriptor(node.Rel.Target)
	if err != nil {
		return nil, err
	}

	keys, parentByID := frontierKeys(ownerDesc, parents)
	if len(keys) == 0 {
		return nil, nil
	}

	fetch := storage.Fetch{
		Table: target.TableName,
		Alias: "t",
		Joins: []storage.FetchJoin{{
			Table: node.Rel.Through,
			Alias: "j",
			Left:  "j." + node.Rel.OtherKey,
			Right: "t." + target.IDField,
		}},
		KeyColumn: "j." + node.Rel.OwnKey,
		Keys:      keys,
		ParentKey: "j." + node.Rel.OwnKey,
		OrderBy:   "t." + orderColumn(node.Rel, target),
	}
	if node.Rel.IncludeLimit > 0 {
		fetch.Window = &storage.Window{
			Limit:   node.Rel.IncludeLimit,
			OrderBy: "t." + orderColumn(node.Rel, target),
		}
	}

	rows, err := r.store.FetchByKeys(ctx, fetch)
	if err != nil {
		return nil, err
	}

	reciprocal := reciprocalManyToMany(node, ownerDesc.Name)

	var order []Ref
	seenChild := make(map[Ref]bool)
	for _, row := range rows {
		parentID := idString(row[storage.ParentKeyColumn])
		delete(row, storage.ParentKeyColumn)
		parent, ok := parentByID[parentID]
		if !ok {
			continue
		}
		childRef := res.register(target, row)
		parentRef := recordRef(ownerDesc.Name, ownerDesc.IDField, parent)
		res.addLink(parentRef, node.Name, childRef)
		if reciprocal != nil {
			res.addLink(childRef, reciprocal.Name, parentRef)
		}
		if !seenChild[childRef] {
			seenChild[childRef] = true
			order = append(order, childRef)
		}
	}

	return res.canonical(order), nil
}

// resolvePolymorphic groups the frontier by discriminator value and issues
// one batched fetch per target type. Rows with an unregistered discriminator
// get no linkage. Polymorphic nodes are leaves, so no frontier comes back.
func (r *Resolver) resolvePolymorphic(ctx context.Context, res *resolution, node *Node, ownerDesc *resource.Descriptor, parents []resource.Record) ([]resource.Record, error) {
	allowed := make(map[string]bool, len(node.Rel.Targets))
	for _, t := range node.Rel.Targets {
		allowed[t] = true
	}

	groups := make(map[string][]resource.Record)
	var groupOrder []string
	for _, parent := range parents {
		disc := parent[node.Rel.TypeField]
		id := parent[node.Rel.IDField]
		if disc == nil || id == nil {
			continue
		}
		typeName := fmt.Sprintf("%v", disc)
		if !allowed[typeName] {
			r.log.Debug("polymorphic discriminator outside declared targets",
				zap.String("relationship", node.Name), zap.String("type", typeName))
			continue
		}
		if _, ok := groups[typeName]; !ok {
			groupOrder = append(groupOrder, typeName)
		}
		groups[typeName] = append(groups[typeName], parent)
	}

	for _, typeName := range groupOrder {
		target, err := r.reg.Descriptor(typeName)
		if err != nil {
			return nil, err
		}

		var missing []interface{}
		seen := make(map[Ref]bool)
		for _, parent := range groups[typeName] {
			val := parent[node.Rel.IDField]
			targetRef := Ref{Type: target.Name, ID: idString(val)}
			res.addLink(recordRef(ownerDesc.Name, ownerDesc.IDField, parent), node.Name, targetRef)
			if !seen[targetRef] {
				seen[targetRef] = true
				if _, loaded := res.loaded[targetRef]; !loaded {
					missing = append(missing, val)
				}
			}
		}

		if len(missing) > 0 {
			rows, err := r.store.FetchByKeys(ctx, storage.Fetch{
				Table:     target.TableName,
				Alias:     "t",
				KeyColumn: "t." + target.IDField,
				Keys:      missing,
			})
			if err != nil {
				return nil, err
			}
			for _, row := range rows {
				res.register(target, row)
			}
		}
	}

	return nil, nil
}

// register adds a fetched record to the global graph, keeping the first copy
// canonical. Primary resources never enter the included set.
func (res *resolution) register(desc *resource.Descriptor, row resource.Record) Ref {
	ref := recordRef(desc.Name, desc.IDField, row)
	if _, ok := res.loaded[ref]; !ok {
		res.loaded[ref] = row
	}
	if !res.primary[ref] && !res.included[ref] {
		res.included[ref] = true
		res.result.Included = append(res.result.Included, TypedRecord{Type: ref.Type, Record: res.loaded[ref]})
	}
	return ref
}

// addLink records one linkage edge, ignoring duplicates.
func (res *resolution) addLink(owner Ref, name string, target Ref) {
	key := linkKey{owner: owner, name: name, targ: target}
	if res.links[key] {
		return
	}
	res.links[key] = true

	byName, ok := res.result.Linkage[owner]
	if !ok {
		byName = make(map[string][]Ref)
		res.result.Linkage[owner] = byName
	}
	byName[name] = append(byName[name], target)
}

// canonical maps refs back to their canonical records, in order.
func (res *resolution) canonical(refs []Ref) []resource.Record {
	records := make([]resource.Record, 0, len(refs))
	for _, ref := range refs {
		if record, ok := res.loaded[ref]; ok {
			records = append(records, record)
		}
	}
	return records
}

// frontierKeys collects the distinct frontier ids plus an id -> record map.
func frontierKeys(desc *resource.Descriptor, parents []resource.Record) ([]interface{}, map[string]resource.Record) {
	var keys []interface{}
	byID := make(map[string]resource.Record, len(parents))
	for _, parent := range parents {
		val := parent[desc.IDField]
		if val == nil {
			continue
		}
		id := idString(val)
		if _, ok := byID[id]; !ok {
			byID[id] = parent
			keys = append(keys, val)
		}
	}
	return keys, byID
}

// reciprocalBelongsTo finds a child node that is the belongsTo mirror of a
// hasMany hop (same fk, pointing back at the owner), so its linkage can be
// back-filled from the rows already read.
func reciprocalBelongsTo(node *Node, ownerType string) *Node {
	for _, child := range node.Children {
		if child.Rel.Kind == resource.BelongsTo &&
			child.Rel.Target == ownerType &&
			child.Rel.ForeignKey == node.Rel.ForeignKey {
			return child
		}
	}
	return nil
}

// reciprocalManyToMany finds a child node mirroring a manyToMany hop through
// the same pivot table with the keys swapped.
func reciprocalManyToMany(node *Node, ownerType string) *Node {
	for _, child := range node.Children {
		if child.Rel.Kind == resource.ManyToMany &&
			child.Rel.Target == ownerType &&
			child.Rel.Through == node.Rel.Through &&
			child.Rel.OwnKey == node.Rel.OtherKey &&
			child.Rel.OtherKey == node.Rel.OwnKey {
			return child
		}
	}
	return nil
}

// orderColumn picks the per-parent window ordering: the declared include
// order, the target id otherwise.
func orderColumn(rel *resource.Relationship, target *resource.Descriptor) string {
	if rel.IncludeOrder != "" {
		return rel.IncludeOrder
	}
	return target.IDField
}

// recordRef builds the (type, id) ref of a record.
func recordRef(typeName, idField string, record resource.Record) Ref {
	return Ref{Type: typeName, ID: idString(record[idField])}
}

// idString converts an id value to its canonical string form. Supports the
// common id types that arrive from drivers.
func idString(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int:
		return fmt.Sprintf("%d", v)
	case int32:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case uint:
		return fmt.Sprintf("%d", v)
	case uint64:
		return fmt.Sprintf("%d", v)
	case float64:
		// JSON round-trips integral ids as floats.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
