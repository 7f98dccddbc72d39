// Package storage defines the executor contract the engine emits query
// plans against, plus a reference SQL executor. The engine never opens
// transactions or retries: both are owned by the caller behind these
// interfaces.
package storage

import (
	"context"

	"github.com/lattice-orm/lattice/query"
	"github.com/lattice-orm/lattice/resource"
)

// FetchJoin is one join hop of a batched key fetch, rendered as
//
//	JOIN Table AS Alias ON Left = Right
//
// with both sides fully qualified.
type FetchJoin struct {
	Table string
	Alias string
	Left  string
	Right string
}

// Window caps rows per parent key: a ROW_NUMBER bound partitioned by the
// fetch's parent key, ordered by OrderBy (the target id when empty). Excess
// rows are silently truncated.
type Window struct {
	Limit   int
	OrderBy string
}

// Fetch is a batched fetch of rows matching a key set, the single storage
// shape include resolution needs. KeyColumn is qualified; when ParentKey is
// set (pivot fetches) its value is selected as the reserved __parent_key
// column so callers can group rows without a second query.
type Fetch struct {
	Table     string
	Alias     string
	Joins     []FetchJoin
	KeyColumn string
	Keys      []interface{}
	ParentKey string
	OrderBy   string
	Window    *Window
}

// ParentKeyColumn is the reserved column name batched pivot fetches tag rows
// with.
const ParentKeyColumn = "__parent_key"

// Executor runs query plans. Every call is a request suspension point; all
// errors it returns carry the storage error kind and abort the request's
// assembly.
type Executor interface {
	// Execute runs the plan and returns the matching rows.
	Execute(ctx context.Context, plan *query.Plan) ([]resource.Record, error)

	// Count runs the plan's filters without limit or ordering and returns
	// the matching row count.
	Count(ctx context.Context, plan *query.Plan) (int, error)

	// FetchByKeys runs one batched key fetch.
	FetchByKeys(ctx context.Context, fetch Fetch) ([]resource.Record, error)
}
