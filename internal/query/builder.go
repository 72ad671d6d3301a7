package query

import (
	"context"
	"encoding/base64"
	stderr "errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/docforge/querycache/internal/analytics"
	"github.com/docforge/querycache/internal/cache"
	"github.com/docforge/querycache/internal/datasource"
	"github.com/docforge/querycache/pkg/errors"
	"github.com/docforge/querycache/pkg/retry"
)

// StalenessFunc reports whether cached rows must be refetched even though
// they are still within their TTL.
type StalenessFunc func(key string, rows []datasource.Row) bool

// Result is the outcome of Execute.
type Result struct {
	Rows     []datasource.Row `json:"rows"`
	Count    int              `json:"count"`
	Cached   bool             `json:"cached"`
	Attempts int              `json:"attempts"`
	Duration time.Duration    `json:"duration"`
}

// Builder accumulates clauses for one query. Clause methods return the
// builder for chaining; Execute, Single, MaybeSingle, Count and Exists run
// it. A Builder is not safe for concurrent use.
type Builder struct {
	client *Client
	query  datasource.Query
	sel    string
	key    strings.Builder
	hints  []string
	err    error

	useCache  bool
	ttl       time.Duration
	strategy  cache.Strategy
	analytics bool
	stale     StalenessFunc
}

// Select sets the returned columns. No columns, or "*", selects all.
func (b *Builder) Select(columns ...string) *Builder {
	if len(columns) == 0 {
		columns = []string{"*"}
	}
	b.sel = "select:" + strings.Join(columns, ",")

	optimized := b.client.optimizer.OptimizeSelectColumns(b.query.Table, columns)
	if selectsAll(optimized) {
		b.query.Columns = nil
	} else {
		b.query.Columns = optimized
	}
	return b
}

// Where adds a predicate with an arbitrary operator.
func (b *Builder) Where(column string, op datasource.Operator, value any) *Builder {
	if !op.Valid() {
		b.fail(errors.Newf(errors.ErrCodeQueryInvalid, "unsupported operator %q", op))
		return b
	}
	if hint := b.client.optimizer.OptimizeWhereColumn(b.query.Table, column); hint != column {
		b.hints = append(b.hints, hint)
	}
	b.query.Filters = append(b.query.Filters, datasource.Filter{Column: column, Op: op, Value: value})
	b.token(fmt.Sprintf("|%s:%s:%s", keyEscaper.Replace(column), op, tokenValue(op, value)))
	return b
}

func (b *Builder) Eq(column string, value any) *Builder  { return b.Where(column, datasource.OpEq, value) }
func (b *Builder) Neq(column string, value any) *Builder { return b.Where(column, datasource.OpNeq, value) }
func (b *Builder) Gt(column string, value any) *Builder  { return b.Where(column, datasource.OpGt, value) }
func (b *Builder) Lt(column string, value any) *Builder  { return b.Where(column, datasource.OpLt, value) }
func (b *Builder) Gte(column string, value any) *Builder { return b.Where(column, datasource.OpGte, value) }
func (b *Builder) Lte(column string, value any) *Builder { return b.Where(column, datasource.OpLte, value) }

// Like matches a case-sensitive pattern where % and * are wildcards.
func (b *Builder) Like(column, pattern string) *Builder {
	return b.Where(column, datasource.OpLike, pattern)
}

// ILike is Like ignoring case.
func (b *Builder) ILike(column, pattern string) *Builder {
	return b.Where(column, datasource.OpILike, pattern)
}

// In matches any of values.
func (b *Builder) In(column string, values ...any) *Builder {
	return b.Where(column, datasource.OpIn, values)
}

// Order sorts by column. Nulls always sort last.
func (b *Builder) Order(column string, ascending bool) *Builder {
	if hint := b.client.optimizer.OptimizeOrderColumn(b.query.Table, column); hint != column {
		b.hints = append(b.hints, hint)
	}
	b.query.Orders = append(b.query.Orders, datasource.Order{Column: column, Ascending: ascending})
	dir := "desc"
	if ascending {
		dir = "asc"
	}
	b.token(fmt.Sprintf("|order:%s:%s", column, dir))
	return b
}

func (b *Builder) Limit(n int) *Builder {
	if n < 0 {
		b.fail(errors.Newf(errors.ErrCodeQueryInvalid, "limit must not be negative: %d", n))
		return b
	}
	b.query.Limit = n
	b.token("|limit:" + strconv.Itoa(n))
	return b
}

// Range restricts results to rows from..to inclusive, zero based.
func (b *Builder) Range(from, to int) *Builder {
	if from < 0 || to < from {
		b.fail(errors.Newf(errors.ErrCodeQueryInvalid, "invalid range %d-%d", from, to))
		return b
	}
	b.query.Range = &datasource.Range{From: from, To: to}
	b.token(fmt.Sprintf("|range:%d:%d", from, to))
	return b
}

// Paginate selects a 1-based page of pageSize rows.
func (b *Builder) Paginate(page, pageSize int) *Builder {
	if page < 1 || pageSize < 1 {
		b.fail(errors.Newf(errors.ErrCodeQueryInvalid, "invalid page %d of size %d", page, pageSize))
		return b
	}
	from := (page - 1) * pageSize
	return b.Range(from, from+pageSize-1)
}

// Join embeds a related table. An empty type means inner.
func (b *Builder) Join(table, condition string, typ datasource.JoinType) *Builder {
	if typ == "" {
		typ = datasource.JoinInner
	}
	j := datasource.Join{Table: table, Condition: condition, Type: typ}
	hint := b.client.optimizer.OptimizeJoin(j)
	if hint.Table != table {
		b.hints = append(b.hints, hint.Table)
	}
	if hint.Condition != condition {
		b.hints = append(b.hints, hint.Condition)
	}
	b.query.Joins = append(b.query.Joins, j)
	b.token(fmt.Sprintf("|join:%s:%s:%s", keyEscaper.Replace(table), typ, keyEscaper.Replace(condition)))
	return b
}

func (b *Builder) GroupBy(columns ...string) *Builder {
	for _, c := range columns {
		if hint := b.client.optimizer.OptimizeGroupColumn(b.query.Table, c); hint != c {
			b.hints = append(b.hints, hint)
		}
	}
	b.query.GroupBy = append(b.query.GroupBy, columns...)
	b.token("|group:" + strings.Join(columns, ","))
	return b
}

// WithCache turns cache reads and writes on or off for this query.
func (b *Builder) WithCache(enabled bool) *Builder {
	b.useCache = enabled && b.client.cache != nil
	return b
}

func (b *Builder) WithTTL(ttl time.Duration) *Builder {
	if ttl > 0 {
		b.ttl = ttl
	}
	return b
}

func (b *Builder) WithStrategy(s cache.Strategy) *Builder {
	b.strategy = s
	return b
}

func (b *Builder) WithAnalytics(enabled bool) *Builder {
	b.analytics = enabled
	return b
}

// WithStaleness installs a check run on every cache hit.
func (b *Builder) WithStaleness(fn StalenessFunc) *Builder {
	b.stale = fn
	return b
}

// CacheKey returns the canonical key of the accumulated query.
func (b *Builder) CacheKey() string {
	sel := b.sel
	if sel == "" {
		sel = "select:*"
	}
	return b.query.Table + ":" + sel + b.key.String()
}

// Query returns the accumulated query description.
func (b *Builder) Query() datasource.Query { return b.query }

// Hints returns the advisory planner hints collected while building.
func (b *Builder) Hints() []string { return append([]string(nil), b.hints...) }

// Err returns the first clause error, if any.
func (b *Builder) Err() error { return b.err }

func (b *Builder) token(s string) {
	b.key.WriteString(s)
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// keyEscaper escapes the separators of cache key tokens so values cannot
// forge extra clauses.
var keyEscaper = strings.NewReplacer(
	`\`, `\\`,
	`|`, `\|`,
	`:`, `\:`,
	`,`, `\,`,
	`(`, `\(`,
	`)`, `\)`,
)

func tokenValue(op datasource.Operator, v any) string {
	if op != datasource.OpIn {
		return keyEscaper.Replace(datasource.FormatValue(v))
	}
	values := datasource.Values(v)
	parts := make([]string, len(values))
	for i, x := range values {
		parts[i] = keyEscaper.Replace(datasource.FormatValue(x))
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Execute runs the query, serving it from the cache when possible.
func (b *Builder) Execute(ctx context.Context) (*Result, error) {
	start := time.Now()
	key := b.CacheKey()
	ctx, span := b.client.tracer.Start(ctx, "query.Execute",
		trace.WithAttributes(
			attribute.String("db.table", b.query.Table),
			attribute.String("cache.key", key),
			attribute.String("cache.strategy", string(b.strategy)),
		),
	)
	defer span.End()

	if b.err != nil {
		qe := errors.NewQueryError(b.query.Table, 0, b.err)
		b.record(start, key, "select", analytics.StatusError, 0, 0, qe)
		span.RecordError(qe)
		span.SetStatus(codes.Error, qe.Message)
		return nil, qe
	}

	if rows, ok := b.fromCache(ctx, key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		b.record(start, key, "select", analytics.StatusCacheHit, len(rows), 0, nil)
		return &Result{Rows: rows, Count: len(rows), Cached: true, Duration: time.Since(start)}, nil
	}

	var (
		mu   sync.Mutex
		rows []datasource.Row
	)
	attempts, err := b.run(ctx, func(ctx context.Context) error {
		r, err := b.client.source.Select(ctx, b.query)
		if err != nil {
			return err
		}
		mu.Lock()
		rows = r
		mu.Unlock()
		return nil
	})
	span.SetAttributes(attribute.Int("query.attempts", attempts))
	if err != nil {
		qe := errors.NewQueryError(b.query.Table, attempts, err)
		b.record(start, key, "select", analytics.StatusError, 0, attempts, qe)
		span.RecordError(qe)
		span.SetStatus(codes.Error, qe.Message)
		return nil, qe
	}

	mu.Lock()
	result := rows
	mu.Unlock()
	if result == nil {
		result = []datasource.Row{}
	}

	if b.useCache && len(result) > 0 {
		stored, _ := decodeRows(result)
		if !b.client.cache.Set(ctx, key, stored, b.ttl, b.strategy) {
			b.client.logger.Debug("Query result not cached", zap.String("key", key))
		}
	}
	b.record(start, key, "select", analytics.StatusSuccess, len(result), attempts, nil)
	return &Result{
		Rows:     result,
		Count:    len(result),
		Attempts: attempts,
		Duration: time.Since(start),
	}, nil
}

// run executes fn with retries, bounded by the client timeout. Errors the
// data source attributes to the request are not retried.
func (b *Builder) run(ctx context.Context, fn func(context.Context) error) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, b.client.config.Timeout)
	defer cancel()
	return b.client.retryer.DoWithAttempts(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		var dsErr *datasource.Error
		if stderr.As(err, &dsErr) && dsErr.Client() {
			return retry.Permanent(err)
		}
		return err
	})
}

func (b *Builder) fromCache(ctx context.Context, key string) ([]datasource.Row, bool) {
	if !b.useCache {
		return nil, false
	}
	v, ok := b.client.cache.Get(ctx, key, b.strategy)
	if !ok {
		return nil, false
	}
	rows, ok := decodeRows(v)
	if !ok {
		b.client.logger.Warn("Discarding cached value of unexpected type",
			zap.String("key", key),
			zap.String("type", fmt.Sprintf("%T", v)))
		b.client.cache.Delete(ctx, key, b.strategy)
		return nil, false
	}
	if b.stale != nil && b.stale(key, rows) {
		return nil, false
	}
	return rows, true
}

// decodeRows accepts rows as stored in memory or as decoded from JSON by the
// persistent and remote tiers. The result never aliases the cached value.
func decodeRows(v any) ([]datasource.Row, bool) {
	switch x := v.(type) {
	case []datasource.Row:
		out := make([]datasource.Row, len(x))
		for i, r := range x {
			out[i] = copyRow(r)
		}
		return out, true
	case []any:
		out := make([]datasource.Row, 0, len(x))
		for _, item := range x {
			r, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, copyRow(r))
		}
		return out, true
	}
	return nil, false
}

func copyRow(r datasource.Row) datasource.Row {
	out := make(datasource.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Single returns exactly one row. A missing row is a QueryError whose
// NotFound method reports true.
func (b *Builder) Single(ctx context.Context) (datasource.Row, error) {
	row, err := b.MaybeSingle(ctx)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, &errors.QueryError{
			Message: "no rows returned",
			Code:    errors.CodeNoRows,
			Details: "The result contains 0 rows",
			Table:   b.query.Table,
		}
	}
	return row, nil
}

// MaybeSingle returns the first row, or nil when there is none.
func (b *Builder) MaybeSingle(ctx context.Context) (datasource.Row, error) {
	res, err := b.Limit(1).Execute(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	return res.Rows[0], nil
}

// Exists reports whether any row matches. It counts instead of fetching a row.
func (b *Builder) Exists(ctx context.Context) (bool, error) {
	n, err := b.Count(ctx)
	return n > 0, err
}

// Count returns the number of matching rows without fetching them. An
// unfiltered count also refreshes the optimizer's table statistics.
func (b *Builder) Count(ctx context.Context) (int64, error) {
	start := time.Now()
	key := b.CacheKey() + "|count"
	ctx, span := b.client.tracer.Start(ctx, "query.Count",
		trace.WithAttributes(attribute.String("db.table", b.query.Table)))
	defer span.End()

	if b.err != nil {
		qe := errors.NewQueryError(b.query.Table, 0, b.err)
		b.record(start, key, "count", analytics.StatusError, 0, 0, qe)
		return 0, qe
	}

	var (
		mu sync.Mutex
		n  int64
	)
	attempts, err := b.run(ctx, func(ctx context.Context) error {
		c, err := b.client.source.Count(ctx, b.query)
		if err != nil {
			return err
		}
		mu.Lock()
		n = c
		mu.Unlock()
		return nil
	})
	if err != nil {
		qe := errors.NewQueryError(b.query.Table, attempts, err)
		b.record(start, key, "count", analytics.StatusError, 0, attempts, qe)
		span.RecordError(qe)
		span.SetStatus(codes.Error, qe.Message)
		return 0, qe
	}

	mu.Lock()
	defer mu.Unlock()
	if len(b.query.Filters) == 0 {
		b.client.optimizer.UpdateTableStats(b.query.Table, n)
	}
	b.record(start, key, "count", analytics.StatusSuccess, int(n), attempts, nil)
	return n, nil
}

// ClearCache removes this query's cached result.
func (b *Builder) ClearCache(ctx context.Context) bool {
	if b.client.cache == nil {
		return false
	}
	return b.client.cache.Delete(ctx, b.CacheKey(), b.strategy)
}

func (b *Builder) record(start time.Time, key, typ string, status analytics.QueryStatus, rows, attempts int, err error) {
	if !b.analytics || b.client.analytics == nil {
		return
	}
	m := analytics.QueryMetric{
		ID:            queryID(b.query.Table, key, start),
		Table:         b.query.Table,
		Type:          typ,
		Duration:      time.Since(start),
		CacheStrategy: string(b.strategy),
		RowsAffected:  rows,
		Timestamp:     start,
		Status:        status,
		Shape:         b.shape(),
		Metadata: map[string]any{
			"cache_key": key,
			"attempts":  attempts,
		},
	}
	if !b.useCache {
		m.CacheStrategy = "none"
	}
	if err != nil {
		m.Error = err.Error()
		if stderr.Is(err, context.DeadlineExceeded) || errors.HasCode(err, errors.ErrCodeOperationTimeout) {
			m.Metadata["timeout"] = true
		}
	}
	if len(b.hints) > 0 {
		m.Metadata["hints"] = b.Hints()
	}
	b.client.analytics.LogQuery(m)
}

func (b *Builder) shape() analytics.QueryShape {
	s := analytics.QueryShape{
		SelectAll: b.query.SelectsAll(),
		Joins:     len(b.query.Joins),
	}
	for _, f := range b.query.Filters {
		s.FilterColumns = append(s.FilterColumns, f.Column)
		if f.Op == datasource.OpLike || f.Op == datasource.OpILike {
			s.LikeFilters++
		}
	}
	for _, o := range b.query.Orders {
		s.OrderColumns = append(s.OrderColumns, o.Column)
	}
	return s
}

func queryID(table, key string, at time.Time) string {
	enc := base64.StdEncoding.EncodeToString([]byte(key))
	if len(enc) > 16 {
		enc = enc[:16]
	}
	return fmt.Sprintf("%s:%s:%d", table, enc, at.UnixMilli())
}
