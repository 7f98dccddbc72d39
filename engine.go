package lattice

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lattice-orm/lattice/document"
	"github.com/lattice-orm/lattice/errs"
	"github.com/lattice-orm/lattice/include"
	"github.com/lattice-orm/lattice/query"
	"github.com/lattice-orm/lattice/resource"
	"github.com/lattice-orm/lattice/storage"
)

// Engine ties the registry, planner, storage executor, include resolver and
// document assembler together behind the two request-level operations.
type Engine struct {
	reg       *resource.Registry
	store     storage.Executor
	resolver  *include.Resolver
	assembler *document.Assembler
	cfg       Config
	log       *zap.Logger
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger installs a logger. The default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithConfig overrides the default settings. Zero or out-of-range values are
// replaced with the built-in defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithEnricher adds a registry-level enrichment transform. Enrichers run in
// registration order against every definition at compile time.
func WithEnricher(enrich resource.Enricher) Option {
	return func(e *Engine) {
		e.reg.AddEnricher(enrich)
	}
}

// New creates an engine on top of a storage executor.
func New(store storage.Executor, opts ...Option) *Engine {
	e := &Engine{
		reg:   resource.NewRegistry(),
		store: store,
		cfg:   DefaultConfig(),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()
	e.resolver = include.NewResolver(e.reg, e.store, e.log)
	e.assembler = document.NewAssembler(e.reg)
	return e
}

// Register adds a resource definition. Compilation is deferred until the
// first use; call Validate to compile everything eagerly.
func (e *Engine) Register(def *resource.Definition) error {
	return e.reg.Register(def)
}

// Registry exposes the underlying registry for descriptor inspection.
func (e *Engine) Registry() *resource.Registry {
	return e.reg
}

// Validate compiles every registered definition and checks the relationship
// graph for dangling targets.
func (e *Engine) Validate() error {
	return e.reg.ValidateAll()
}

// RequiredIndexes reports the storage indexes one resource's search schema
// needs.
func (e *Engine) RequiredIndexes(typeName string) ([]query.Index, error) {
	return query.AnalyzeRequiredIndexes(e.reg, typeName)
}

// Request is one list query: filters and sort validated against the compiled
// search schema, loose page parameters, include paths, and optional sparse
// fieldsets keyed by type name.
type Request struct {
	Type    string
	Filters map[string]interface{}
	Sort    []string
	Page    map[string]interface{}
	Include []string
	Fields  map[string][]string
}

// Query plans, executes and assembles one list request. All validation
// happens before the first storage call.
func (e *Engine) Query(ctx context.Context, req Request) (*document.Document, error) {
	requestID := uuid.NewString()
	e.log.Debug("query started",
		zap.String("request_id", requestID),
		zap.String("resource", req.Type),
		zap.Strings("include", req.Include))

	plan, err := query.BuildPlan(e.reg, req.Type, query.Params{
		Filters: req.Filters,
		Sort:    req.Sort,
		Fields:  req.Fields,
	})
	if err != nil {
		return nil, err
	}

	pageReq, err := query.ParsePage(req.Page, query.PageDefaults{
		DefaultLimit: e.cfg.QueryDefaultLimit,
		MaxLimit:     e.cfg.QueryMaxLimit,
	})
	if err != nil {
		return nil, err
	}
	if err := query.ApplyPage(plan, pageReq); err != nil {
		return nil, err
	}

	tree, err := include.BuildTree(e.reg, req.Type, req.Include, e.cfg.IncludeDepthLimit)
	if err != nil {
		return nil, err
	}

	rows, err := e.store.Execute(ctx, plan)
	if err != nil {
		return nil, err
	}

	var meta *query.PageMeta
	switch pageReq.Mode {
	case query.ModeCursor:
		rows, meta, err = query.CursorMetaFor(pageReq, plan.Sort, rows)
		if err != nil {
			return nil, err
		}
	default:
		if e.cfg.EnablePaginationCounts {
			total, err := e.store.Count(ctx, plan.Clone())
			if err != nil {
				return nil, err
			}
			meta = query.OffsetMeta(pageReq, total)
		} else {
			meta = &query.PageMeta{Page: pageReq.PageNumber(), PageSize: pageReq.Size}
		}
	}

	resolved, err := e.resolver.ResolveTree(ctx, rows, req.Type, tree)
	if err != nil {
		return nil, err
	}

	e.log.Debug("query resolved",
		zap.String("request_id", requestID),
		zap.Int("rows", len(rows)),
		zap.Int("included", len(resolved.Included)))

	return e.assembler.Assemble(req.Type, rows, resolved, req.Fields, meta)
}

// Get fetches a single resource by id, with optional includes and sparse
// fieldsets. A missing row is a not-found error, not an empty document.
func (e *Engine) Get(ctx context.Context, typeName, id string, includes []string, fields map[string][]string) (*document.Document, error) {
	desc, err := e.reg.Descriptor(typeName)
	if err != nil {
		return nil, err
	}

	plan, err := query.BuildPlan(e.reg, typeName, query.Params{})
	if err != nil {
		return nil, err
	}
	plan.Where.Add(&query.Condition{
		Column:   desc.TableName + "." + desc.IDField,
		Operator: query.OpEqual,
		Value:    id,
	})
	limit := 1
	plan.Limit = &limit

	tree, err := include.BuildTree(e.reg, typeName, includes, e.cfg.IncludeDepthLimit)
	if err != nil {
		return nil, err
	}

	rows, err := e.store.Execute(ctx, plan)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.NotFound("%s %q not found", typeName, id)
	}

	resolved, err := e.resolver.ResolveTree(ctx, rows, typeName, tree)
	if err != nil {
		return nil, err
	}

	return e.assembler.Assemble(typeName, rows, resolved, fields, nil)
}
