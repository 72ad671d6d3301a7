package datasource

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresConfig configures the pgx connection pool.
type PostgresConfig struct {
	DSN            string        `yaml:"dsn"`
	MaxConns       int32         `yaml:"max_conns"`
	MinConns       int32         `yaml:"min_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres executes queries directly against a database with pgx.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres opens a pool and verifies it with a ping.
func NewPostgres(ctx context.Context, config PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = config.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to postgres",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_conns", poolConfig.MaxConns))

	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Name() string { return "postgres" }

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Select(ctx context.Context, q Query) ([]Row, error) {
	sql, args, err := BuildSelect(q)
	if err != nil {
		return nil, err
	}
	return p.queryRows(ctx, p.pool, sql, args)
}

func (p *Postgres) Count(ctx context.Context, q Query) (int64, error) {
	sql, args, err := BuildCount(q)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := p.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, mapPgError(err)
	}
	return n, nil
}

func (p *Postgres) Insert(ctx context.Context, table string, rows []Row) ([]Row, error) {
	return p.run(ctx, p.pool, Operation{Kind: OpInsert, Table: table, Data: rows})
}

func (p *Postgres) Update(ctx context.Context, table string, patch Row, where []Filter) ([]Row, error) {
	return p.run(ctx, p.pool, Operation{Kind: OpUpdate, Table: table, Data: []Row{patch}, Where: where})
}

func (p *Postgres) Delete(ctx context.Context, table string, where []Filter) ([]Row, error) {
	return p.run(ctx, p.pool, Operation{Kind: OpDelete, Table: table, Where: where})
}

func (p *Postgres) Upsert(ctx context.Context, table string, rows []Row, onConflict string) ([]Row, error) {
	return p.run(ctx, p.pool, Operation{Kind: OpUpsert, Table: table, Data: rows, OnConflict: onConflict})
}

// Transaction runs every operation inside one database transaction.
func (p *Postgres) Transaction(ctx context.Context, ops []Operation) ([][]Row, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, mapPgError(err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			p.logger.Warn("Rollback failed", zap.Error(err))
		}
	}()

	results := make([][]Row, 0, len(ops))
	for i, op := range ops {
		rows, err := p.run(ctx, tx, op)
		if err != nil {
			p.logger.Debug("Transaction aborted",
				zap.Int("operation", i),
				zap.String("table", op.Table),
				zap.Error(err))
			return nil, err
		}
		results = append(results, rows)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError(err)
	}
	return results, nil
}

func (p *Postgres) run(ctx context.Context, db querier, op Operation) ([]Row, error) {
	sql, args, err := BuildMutation(op)
	if err != nil {
		return nil, err
	}
	if sql == "" {
		return nil, nil
	}
	return p.queryRows(ctx, db, sql, args)
}

func (p *Postgres) queryRows(ctx context.Context, db querier, sql string, args []any) ([]Row, error) {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, mapPgError(err)
	}
	for _, r := range out {
		for k, v := range r {
			r[k] = normalizeValue(v)
		}
	}
	return out, nil
}

// normalizeValue converts driver types into values that survive a JSON
// round trip through the cache.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case [16]byte:
		return uuid.UUID(x).String()
	case pgtype.Numeric:
		if f, err := x.Float64Value(); err == nil && f.Valid {
			return f.Float64
		}
		return nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &Error{
			Message: pgErr.Message,
			Code:    pgErr.Code,
			Details: pgErr.Detail,
			Hint:    pgErr.Hint,
		}
	}
	return err
}

// sqlBuilder accumulates positional arguments.
type sqlBuilder struct {
	sb   strings.Builder
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func quoteIdent(name string) string {
	name = strings.TrimSpace(name)
	if name == "*" {
		return name
	}
	parts := strings.Split(name, ".")
	if parts[len(parts)-1] == "*" {
		return pgx.Identifier(parts[:len(parts)-1]).Sanitize() + ".*"
	}
	return pgx.Identifier(parts).Sanitize()
}

// BuildSelect renders q as a parameterized SELECT.
func BuildSelect(q Query) (string, []any, error) {
	if err := ValidateQuery(q); err != nil {
		return "", nil, err
	}
	b := &sqlBuilder{}

	b.sb.WriteString("SELECT ")
	if q.SelectsAll() {
		if len(q.Joins) > 0 {
			b.sb.WriteString(quoteIdent(q.Table) + ".*")
		} else {
			b.sb.WriteString("*")
		}
	} else {
		cols := make([]string, len(q.Columns))
		for i, c := range q.Columns {
			cols[i] = quoteIdent(c)
		}
		b.sb.WriteString(strings.Join(cols, ", "))
	}
	b.sb.WriteString(" FROM " + quoteIdent(q.Table))

	for _, j := range q.Joins {
		clause, err := joinClause(j)
		if err != nil {
			return "", nil, err
		}
		b.sb.WriteString(clause)
	}

	b.where(q.Filters)

	if len(q.GroupBy) > 0 {
		cols := make([]string, len(q.GroupBy))
		for i, c := range q.GroupBy {
			cols[i] = quoteIdent(c)
		}
		b.sb.WriteString(" GROUP BY " + strings.Join(cols, ", "))
	}

	if len(q.Orders) > 0 {
		parts := make([]string, len(q.Orders))
		for i, o := range q.Orders {
			dir := "DESC"
			if o.Ascending {
				dir = "ASC"
			}
			parts[i] = quoteIdent(o.Column) + " " + dir + " NULLS LAST"
		}
		b.sb.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}

	switch {
	case q.Range != nil:
		fmt.Fprintf(&b.sb, " LIMIT %d OFFSET %d", q.Range.To-q.Range.From+1, q.Range.From)
	case q.Limit > 0:
		fmt.Fprintf(&b.sb, " LIMIT %d", q.Limit)
	}
	return b.sb.String(), b.args, nil
}

// BuildCount renders a count(*) over the filtered table.
func BuildCount(q Query) (string, []any, error) {
	if err := ValidateQuery(q); err != nil {
		return "", nil, err
	}
	b := &sqlBuilder{}
	b.sb.WriteString("SELECT count(*) FROM " + quoteIdent(q.Table))
	b.where(q.Filters)
	return b.sb.String(), b.args, nil
}

var joinCondition = regexp.MustCompile(`^\s*([A-Za-z_][\w.]*)\s*=\s*([A-Za-z_][\w.]*)\s*$`)

// joinClause accepts only column equality conditions so no caller text
// reaches the SQL unquoted.
func joinClause(j Join) (string, error) {
	if j.Table == "" {
		return "", &Error{Code: CodeInvalidFilter, Message: "join has no table"}
	}
	table := quoteIdent(j.Table)
	if strings.TrimSpace(j.Condition) == "" {
		if j.Type == JoinInner || j.Type == "" {
			return " CROSS JOIN " + table, nil
		}
		return fmt.Sprintf(" %s JOIN %s ON TRUE", strings.ToUpper(string(j.Type)), table), nil
	}
	m := joinCondition.FindStringSubmatch(j.Condition)
	if m == nil {
		return "", &Error{Code: CodeInvalidFilter, Message: fmt.Sprintf("unsupported join condition %q", j.Condition)}
	}
	kind := "INNER"
	switch j.Type {
	case JoinLeft:
		kind = "LEFT"
	case JoinRight:
		kind = "RIGHT"
	}
	return fmt.Sprintf(" %s JOIN %s ON %s = %s", kind, table, quoteIdent(m[1]), quoteIdent(m[2])), nil
}

func (b *sqlBuilder) where(filters []Filter) {
	if len(filters) == 0 {
		return
	}
	parts := make([]string, len(filters))
	for i, f := range filters {
		parts[i] = b.predicate(f)
	}
	b.sb.WriteString(" WHERE " + strings.Join(parts, " AND "))
}

func (b *sqlBuilder) predicate(f Filter) string {
	col := quoteIdent(f.Column)
	switch f.Op {
	case OpEq:
		if f.Value == nil {
			return col + " IS NULL"
		}
		return col + " = " + b.arg(f.Value)
	case OpNeq:
		if f.Value == nil {
			return col + " IS NOT NULL"
		}
		return col + " <> " + b.arg(f.Value)
	case OpGt:
		return col + " > " + b.arg(f.Value)
	case OpGte:
		return col + " >= " + b.arg(f.Value)
	case OpLt:
		return col + " < " + b.arg(f.Value)
	case OpLte:
		return col + " <= " + b.arg(f.Value)
	case OpLike:
		return col + " LIKE " + b.arg(likePattern(f.Value))
	case OpILike:
		return col + " ILIKE " + b.arg(likePattern(f.Value))
	case OpIn:
		return col + " = ANY(" + b.arg(arrayArg(f.Value)) + ")"
	}
	return "FALSE"
}

// arrayArg gives pgx a typed slice to encode as an array parameter.
func arrayArg(v any) any {
	vals, ok := v.([]any)
	if !ok {
		return v
	}
	nums := make([]float64, 0, len(vals))
	for _, x := range vals {
		f, ok := toFloat(x)
		if !ok {
			return stringValues(vals)
		}
		nums = append(nums, f)
	}
	return nums
}

// likePattern accepts the PostgREST * wildcard.
func likePattern(v any) string {
	return strings.ReplaceAll(FormatValue(v), "*", "%")
}

// BuildMutation renders an insert, update, delete or upsert with RETURNING *.
// An insert with no rows renders as an empty statement.
func BuildMutation(op Operation) (string, []any, error) {
	if op.Table == "" {
		return "", nil, &Error{Code: CodeInvalidFilter, Message: "operation has no table"}
	}
	if err := validateFilters(op.Where); err != nil {
		return "", nil, err
	}
	b := &sqlBuilder{}
	table := quoteIdent(op.Table)

	switch op.Kind {
	case OpInsert, OpUpsert:
		if len(op.Data) == 0 {
			return "", nil, nil
		}
		cols := columnsOf(op.Data)
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = quoteIdent(c)
		}
		fmt.Fprintf(&b.sb, "INSERT INTO %s (%s) VALUES ", table, strings.Join(quoted, ", "))
		for i, r := range op.Data {
			if i > 0 {
				b.sb.WriteString(", ")
			}
			vals := make([]string, len(cols))
			for j, c := range cols {
				if v, ok := r[c]; ok {
					vals[j] = b.arg(v)
				} else {
					vals[j] = "DEFAULT"
				}
			}
			b.sb.WriteString("(" + strings.Join(vals, ", ") + ")")
		}
		if op.Kind == OpUpsert {
			b.sb.WriteString(onConflictClause(op.OnConflict, cols))
		}
	case OpUpdate:
		if len(op.Data) != 1 || len(op.Data[0]) == 0 {
			return "", nil, &Error{Code: CodeInvalidFilter, Message: "update needs one non-empty patch"}
		}
		patch := op.Data[0]
		keys := make([]string, 0, len(patch))
		for k := range patch {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sets := make([]string, len(keys))
		for i, k := range keys {
			sets[i] = quoteIdent(k) + " = " + b.arg(patch[k])
		}
		fmt.Fprintf(&b.sb, "UPDATE %s SET %s", table, strings.Join(sets, ", "))
		b.where(op.Where)
	case OpDelete:
		b.sb.WriteString("DELETE FROM " + table)
		b.where(op.Where)
	default:
		return "", nil, &Error{Code: CodeInvalidFilter, Message: fmt.Sprintf("unknown operation %q", op.Kind)}
	}

	b.sb.WriteString(" RETURNING *")
	return b.sb.String(), b.args, nil
}

func columnsOf(rows []Row) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func onConflictClause(onConflict string, cols []string) string {
	if onConflict == "" {
		onConflict = "id"
	}
	target := strings.Split(onConflict, ",")
	conflict := make(map[string]struct{}, len(target))
	quoted := make([]string, len(target))
	for i, c := range target {
		c = strings.TrimSpace(c)
		conflict[c] = struct{}{}
		quoted[i] = quoteIdent(c)
	}

	var sets []string
	for _, c := range cols {
		if _, ok := conflict[c]; ok {
			continue
		}
		sets = append(sets, quoteIdent(c)+" = EXCLUDED."+quoteIdent(c))
	}
	clause := " ON CONFLICT (" + strings.Join(quoted, ", ") + ")"
	if len(sets) == 0 {
		return clause + " DO NOTHING"
	}
	return clause + " DO UPDATE SET " + strings.Join(sets, ", ")
}
