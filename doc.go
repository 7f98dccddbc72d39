// Package lattice exposes relational data as linked resource documents.
//
// Resource definitions are registered once and compiled lazily into
// immutable descriptors: fields, relationships, a merged search schema and
// dependency-ordered computed fields. Requests are validated against the
// compiled schema, planned into structural query plans, executed by a
// storage executor, expanded level by level through the include resolver
// and assembled into documents with relationship linkage and pagination
// metadata.
//
// The engine is storage-agnostic: anything implementing storage.Executor
// can back it. storage.SQLStore runs plans against database/sql with a
// pluggable dialect.
package lattice
