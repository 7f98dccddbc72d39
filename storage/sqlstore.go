package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/lattice-orm/lattice/errs"
	"github.com/lattice-orm/lattice/query"
	"github.com/lattice-orm/lattice/resource"
)

// Querier is the subset of database/sql the store needs; callers pass a
// *sql.DB or *sql.Tx, keeping transaction boundaries on their side.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Dialect covers the per-database differences the renderer cares about.
type Dialect interface {
	// Placeholder returns the n-th (1-based) bind placeholder.
	Placeholder(n int) string
	// WrapError classifies a driver error into the storage error kind.
	WrapError(op string, err error) error
}

// PostgresDialect renders $N placeholders and classifies pgconn errors.
type PostgresDialect struct{}

// Placeholder implements Dialect.
func (PostgresDialect) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// WrapError implements Dialect. Constraint violations keep their code and
// detail in the message; everything stays behind the storage kind.
func (PostgresDialect) WrapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return errs.Storage(err, "%s failed (%s): %s", op, pgErr.Code, pgErr.Message)
	}
	return errs.Storage(err, "%s failed", op)
}

// SQLiteDialect renders ? placeholders.
type SQLiteDialect struct{}

// Placeholder implements Dialect.
func (SQLiteDialect) Placeholder(int) string { return "?" }

// WrapError implements Dialect.
func (SQLiteDialect) WrapError(op string, err error) error {
	return errs.Storage(err, "%s failed", op)
}

// SQLStore is the reference Executor over database/sql.
type SQLStore struct {
	db      Querier
	dialect Dialect
}

// NewSQLStore creates a store over db.
func NewSQLStore(db Querier, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

var _ Executor = (*SQLStore)(nil)

// Execute implements Executor.
func (s *SQLStore) Execute(ctx context.Context, plan *query.Plan) ([]resource.Record, error) {
	sqlText, args, err := s.renderSelect(plan)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, s.dialect.WrapError("query", err)
	}
	defer rows.Close()
	records, err := scanRows(rows)
	if err != nil {
		return nil, s.dialect.WrapError("scan", err)
	}
	return records, nil
}

// Count implements Executor: the plan's filters with no ordering or limit.
func (s *SQLStore) Count(ctx context.Context, plan *query.Plan) (int, error) {
	var b strings.Builder
	counter := 1
	var args []interface{}

	if plan.Distinct {
		fmt.Fprintf(&b, "SELECT COUNT(DISTINCT %s)", quoteQualified(plan.Table+"."+plan.IDColumn))
	} else {
		b.WriteString("SELECT COUNT(*)")
	}
	fmt.Fprintf(&b, " FROM %s", pq.QuoteIdentifier(plan.Table))
	s.renderJoins(&b, plan.Joins)
	if err := s.renderWhere(&b, plan.Where, &counter, &args); err != nil {
		return 0, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, b.String(), args...).Scan(&count); err != nil {
		return 0, s.dialect.WrapError("count", err)
	}
	return count, nil
}

// FetchByKeys implements Executor.
func (s *SQLStore) FetchByKeys(ctx context.Context, fetch Fetch) ([]resource.Record, error) {
	if len(fetch.Keys) == 0 {
		return nil, nil
	}

	alias := fetch.Alias
	if alias == "" {
		alias = "t"
	}

	var sel strings.Builder
	fmt.Fprintf(&sel, "%s.*", pq.QuoteIdentifier(alias))
	if fetch.ParentKey != "" {
		fmt.Fprintf(&sel, ", %s AS %s", quoteQualified(fetch.ParentKey), pq.QuoteIdentifier(ParentKeyColumn))
	}

	counter := 1
	var args []interface{}
	placeholders := make([]string, len(fetch.Keys))
	for i, key := range fetch.Keys {
		placeholders[i] = s.dialect.Placeholder(counter)
		args = append(args, key)
		counter++
	}

	var from strings.Builder
	fmt.Fprintf(&from, " FROM %s AS %s", pq.QuoteIdentifier(fetch.Table), pq.QuoteIdentifier(alias))
	for _, j := range fetch.Joins {
		fmt.Fprintf(&from, " JOIN %s AS %s ON %s = %s",
			pq.QuoteIdentifier(j.Table), pq.QuoteIdentifier(j.Alias),
			quoteQualified(j.Left), quoteQualified(j.Right))
	}
	fmt.Fprintf(&from, " WHERE %s IN (%s)", quoteQualified(fetch.KeyColumn), strings.Join(placeholders, ", "))

	var b strings.Builder
	if fetch.Window != nil && fetch.Window.Limit > 0 {
		partition := fetch.ParentKey
		if partition == "" {
			partition = fetch.KeyColumn
		}
		order := fetch.Window.OrderBy
		if order == "" {
			order = fetch.KeyColumn
		}
		fmt.Fprintf(&b, "SELECT * FROM (SELECT %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS __row%s) AS windowed WHERE __row <= %s",
			sel.String(), quoteQualified(partition), quoteQualified(order), from.String(), s.dialect.Placeholder(counter))
		args = append(args, fetch.Window.Limit)
		counter++
	} else {
		fmt.Fprintf(&b, "SELECT %s%s", sel.String(), from.String())
		if fetch.OrderBy != "" {
			fmt.Fprintf(&b, " ORDER BY %s", quoteQualified(fetch.OrderBy))
		}
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, s.dialect.WrapError("fetch", err)
	}
	defer rows.Close()
	records, err := scanRows(rows)
	if err != nil {
		return nil, s.dialect.WrapError("scan", err)
	}
	for _, r := range records {
		delete(r, "__row")
	}
	return records, nil
}

// renderSelect renders the primary select for a plan.
func (s *SQLStore) renderSelect(plan *query.Plan) (string, []interface{}, error) {
	var b strings.Builder
	counter := 1
	var args []interface{}

	b.WriteString("SELECT ")
	if plan.Distinct {
		b.WriteString("DISTINCT ")
	}
	fmt.Fprintf(&b, "%s.* FROM %s", pq.QuoteIdentifier(plan.Table), pq.QuoteIdentifier(plan.Table))

	s.renderJoins(&b, plan.Joins)
	if err := s.renderWhere(&b, plan.Where, &counter, &args); err != nil {
		return "", nil, err
	}

	if len(plan.Sort) > 0 {
		b.WriteString(" ORDER BY ")
		for i, key := range plan.Sort {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteQualified(key.Column))
			if key.Desc {
				b.WriteString(" DESC")
			}
		}
	}

	if plan.Limit != nil {
		fmt.Fprintf(&b, " LIMIT %s", s.dialect.Placeholder(counter))
		args = append(args, *plan.Limit)
		counter++
	}
	if plan.Offset != nil {
		fmt.Fprintf(&b, " OFFSET %s", s.dialect.Placeholder(counter))
		args = append(args, *plan.Offset)
		counter++
	}

	return b.String(), args, nil
}

func (s *SQLStore) renderJoins(b *strings.Builder, joins []*query.Join) {
	for _, j := range joins {
		fmt.Fprintf(b, " JOIN %s AS %s ON %s = %s",
			pq.QuoteIdentifier(j.Table), pq.QuoteIdentifier(j.Alias),
			quoteQualified(j.Alias+"."+j.Key), quoteQualified(j.ParentAlias+"."+j.ParentKey))
	}
}

func (s *SQLStore) renderWhere(b *strings.Builder, where *query.PredicateGroup, counter *int, args *[]interface{}) error {
	if where.Empty() {
		return nil
	}
	clause, err := s.renderGroup(where, counter, args)
	if err != nil {
		return err
	}
	if clause != "" {
		b.WriteString(" WHERE ")
		b.WriteString(clause)
	}
	return nil
}

// renderGroup renders a predicate tree with parameterized values.
func (s *SQLStore) renderGroup(group *query.PredicateGroup, counter *int, args *[]interface{}) (string, error) {
	var parts []string
	for _, cond := range group.Conditions {
		clause, err := s.renderCondition(cond, counter, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, clause)
	}
	for _, nested := range group.Groups {
		clause, err := s.renderGroup(nested, counter, args)
		if err != nil {
			return "", err
		}
		if clause != "" {
			parts = append(parts, "("+clause+")")
		}
	}
	connector := " AND "
	if group.Or {
		connector = " OR "
	}
	return strings.Join(parts, connector), nil
}

func (s *SQLStore) renderCondition(cond *query.Condition, counter *int, args *[]interface{}) (string, error) {
	column := quoteQualified(cond.Column)

	switch cond.Operator {
	case query.OpEqual, query.OpNotEqual, query.OpGreaterThan, query.OpGreaterThanOrEqual,
		query.OpLessThan, query.OpLessThanOrEqual, query.OpLike:
		clause := fmt.Sprintf("%s %s %s", column, cond.Operator.String(), s.dialect.Placeholder(*counter))
		*args = append(*args, cond.Value)
		*counter++
		return clause, nil

	case query.OpIn:
		values, ok := cond.Value.([]interface{})
		if !ok {
			return "", errs.Storage(nil, "IN predicate on %s requires a value slice", cond.Column)
		}
		if len(values) == 0 {
			// IN over an empty set matches nothing.
			return "1 = 0", nil
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = s.dialect.Placeholder(*counter)
			*args = append(*args, v)
			*counter++
		}
		return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")), nil

	case query.OpBetween:
		values, ok := cond.Value.([]interface{})
		if !ok || len(values) != 2 {
			return "", errs.Storage(nil, "BETWEEN predicate on %s requires [min, max]", cond.Column)
		}
		clause := fmt.Sprintf("%s BETWEEN %s AND %s", column,
			s.dialect.Placeholder(*counter), s.dialect.Placeholder(*counter+1))
		*args = append(*args, values[0], values[1])
		*counter += 2
		return clause, nil

	default:
		return "", errs.Storage(nil, "unsupported operator %v on %s", cond.Operator, cond.Column)
	}
}

// quoteQualified quotes every part of a possibly qualified identifier.
// A trailing * is passed through for select lists.
func quoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		if part == "*" {
			continue
		}
		parts[i] = pq.QuoteIdentifier(part)
	}
	return strings.Join(parts, ".")
}

// scanRows scans SQL rows into records, converting []byte values to strings
// the way text columns arrive from most drivers.
func scanRows(rows *sql.Rows) ([]resource.Record, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []resource.Record
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}
		record := make(resource.Record, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
