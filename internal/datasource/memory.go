package datasource

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Constraint validates a row before it is written. A returned *Error is
// surfaced unchanged; any other error becomes a check violation.
type Constraint func(Row) error

// Memory is an in-process DataSource. Every call is atomic and a
// Transaction either applies all of its operations or none.
type Memory struct {
	mu          sync.RWMutex
	tables      map[string][]Row
	constraints map[string][]Constraint
	calls       map[string]int
	logger      *zap.Logger
}

// NewMemory creates an empty in-memory data source.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		tables:      make(map[string][]Row),
		constraints: make(map[string][]Constraint),
		calls:       make(map[string]int),
		logger:      logger,
	}
}

func (m *Memory) Name() string { return "memory" }

// Seed replaces the content of table.
func (m *Memory) Seed(table string, rows []Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]Row, len(rows))
	for i, r := range rows {
		copied[i] = cloneRow(r)
	}
	m.tables[table] = copied
}

// AddConstraint registers a check run on every row written to table.
func (m *Memory) AddConstraint(table string, c Constraint) {
	m.mu.Lock()
	m.constraints[table] = append(m.constraints[table], c)
	m.mu.Unlock()
}

// Calls returns how many times the named method was invoked.
func (m *Memory) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

func (m *Memory) record(method string) {
	m.calls[method]++
}

func (m *Memory) Select(ctx context.Context, q Query) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateQuery(q); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.record("select")
	rows := m.selectLocked(q)
	m.mu.Unlock()

	if len(q.Joins) > 0 || len(q.GroupBy) > 0 {
		m.logger.Debug("Memory source ignores joins and grouping",
			zap.String("table", q.Table))
	}
	return rows, nil
}

func (m *Memory) selectLocked(q Query) []Row {
	var matched []Row
	for _, r := range m.tables[q.Table] {
		if Match(r, q.Filters) {
			matched = append(matched, r)
		}
	}

	if len(q.Orders) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, o := range q.Orders {
				a, b := matched[i][o.Column], matched[j][o.Column]
				switch {
				case a == nil && b == nil:
					continue
				case a == nil:
					return false
				case b == nil:
					return true
				}
				c := compare(a, b)
				if c == 0 {
					continue
				}
				if o.Ascending {
					return c < 0
				}
				return c > 0
			}
			return false
		})
	}

	if q.Range != nil {
		from, to := q.Range.From, q.Range.To+1
		if from > len(matched) {
			from = len(matched)
		}
		if to > len(matched) {
			to = len(matched)
		}
		matched = matched[from:to]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]Row, len(matched))
	for i, r := range matched {
		out[i] = project(r, q)
	}
	return out
}

func project(r Row, q Query) Row {
	if q.SelectsAll() {
		return cloneRow(r)
	}
	out := make(Row, len(q.Columns))
	for _, c := range q.Columns {
		c = strings.TrimSpace(c)
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

func (m *Memory) Count(ctx context.Context, q Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := ValidateQuery(q); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("count")

	var n int64
	for _, r := range m.tables[q.Table] {
		if Match(r, q.Filters) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Insert(ctx context.Context, table string, rows []Row) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("insert")
	return m.atomically(func() ([]Row, error) { return m.insertLocked(table, rows) })
}

func (m *Memory) Update(ctx context.Context, table string, patch Row, where []Filter) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("update")
	return m.atomically(func() ([]Row, error) { return m.updateLocked(table, patch, where) })
}

func (m *Memory) Delete(ctx context.Context, table string, where []Filter) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete")
	return m.deleteLocked(table, where)
}

func (m *Memory) Upsert(ctx context.Context, table string, rows []Row, onConflict string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("upsert")
	return m.atomically(func() ([]Row, error) { return m.upsertLocked(table, rows, onConflict) })
}

func (m *Memory) Transaction(ctx context.Context, ops []Operation) ([][]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("transaction")

	snapshot := m.snapshotLocked()
	results := make([][]Row, 0, len(ops))
	for i, op := range ops {
		rows, err := m.applyLocked(op)
		if err != nil {
			m.tables = snapshot
			m.logger.Debug("Memory transaction rolled back",
				zap.Int("operation", i),
				zap.Error(err))
			return nil, err
		}
		results = append(results, rows)
	}
	return results, nil
}

func (m *Memory) applyLocked(op Operation) ([]Row, error) {
	switch op.Kind {
	case OpInsert:
		return m.insertLocked(op.Table, op.Data)
	case OpUpdate:
		if len(op.Data) != 1 {
			return nil, &Error{Code: CodeInvalidFilter, Message: "update takes exactly one patch row"}
		}
		return m.updateLocked(op.Table, op.Data[0], op.Where)
	case OpDelete:
		return m.deleteLocked(op.Table, op.Where)
	case OpUpsert:
		return m.upsertLocked(op.Table, op.Data, op.OnConflict)
	}
	return nil, &Error{Code: CodeInvalidFilter, Message: fmt.Sprintf("unknown operation %q", op.Kind)}
}

// atomically restores the tables if fn fails part way through.
func (m *Memory) atomically(fn func() ([]Row, error)) ([]Row, error) {
	snapshot := m.snapshotLocked()
	rows, err := fn()
	if err != nil {
		m.tables = snapshot
		return nil, err
	}
	return rows, nil
}

func (m *Memory) snapshotLocked() map[string][]Row {
	snap := make(map[string][]Row, len(m.tables))
	for t, rows := range m.tables {
		copied := make([]Row, len(rows))
		for i, r := range rows {
			copied[i] = cloneRow(r)
		}
		snap[t] = copied
	}
	return snap
}

func (m *Memory) checkLocked(table string, r Row) error {
	for _, c := range m.constraints[table] {
		if err := c(r); err != nil {
			if dsErr, ok := err.(*Error); ok {
				return dsErr
			}
			return &Error{Code: CodeCheckViolation, Message: err.Error()}
		}
	}
	return nil
}

func (m *Memory) indexOf(table, column string, value any) int {
	for i, r := range m.tables[table] {
		if v, ok := r[column]; ok && v != nil && compare(v, value) == 0 {
			return i
		}
	}
	return -1
}

func (m *Memory) insertLocked(table string, rows []Row) ([]Row, error) {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		r = cloneRow(r)
		if _, ok := r["id"]; !ok {
			r["id"] = uuid.NewString()
		}
		if m.indexOf(table, "id", r["id"]) >= 0 {
			return nil, &Error{
				Code:    CodeUniqueViolation,
				Message: fmt.Sprintf("duplicate key value violates unique constraint \"%s_pkey\"", table),
				Details: fmt.Sprintf("Key (id)=(%s) already exists.", FormatValue(r["id"])),
			}
		}
		if err := m.checkLocked(table, r); err != nil {
			return nil, err
		}
		m.tables[table] = append(m.tables[table], r)
		out = append(out, cloneRow(r))
	}
	return out, nil
}

func (m *Memory) updateLocked(table string, patch Row, where []Filter) ([]Row, error) {
	for _, f := range where {
		if err := validateFilter(f); err != nil {
			return nil, err
		}
	}
	var out []Row
	for i, r := range m.tables[table] {
		if !Match(r, where) {
			continue
		}
		updated := cloneRow(r)
		for k, v := range patch {
			updated[k] = v
		}
		if err := m.checkLocked(table, updated); err != nil {
			return nil, err
		}
		m.tables[table][i] = updated
		out = append(out, cloneRow(updated))
	}
	return out, nil
}

func (m *Memory) deleteLocked(table string, where []Filter) ([]Row, error) {
	for _, f := range where {
		if err := validateFilter(f); err != nil {
			return nil, err
		}
	}
	var kept, removed []Row
	for _, r := range m.tables[table] {
		if Match(r, where) {
			removed = append(removed, r)
		} else {
			kept = append(kept, r)
		}
	}
	m.tables[table] = kept
	return removed, nil
}

func (m *Memory) upsertLocked(table string, rows []Row, onConflict string) ([]Row, error) {
	if onConflict == "" {
		onConflict = "id"
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		key, ok := r[onConflict]
		if !ok {
			inserted, err := m.insertLocked(table, []Row{r})
			if err != nil {
				return nil, err
			}
			out = append(out, inserted...)
			continue
		}
		idx := m.indexOf(table, onConflict, key)
		if idx < 0 {
			inserted, err := m.insertLocked(table, []Row{r})
			if err != nil {
				return nil, err
			}
			out = append(out, inserted...)
			continue
		}
		merged := cloneRow(m.tables[table][idx])
		for k, v := range r {
			merged[k] = v
		}
		if err := m.checkLocked(table, merged); err != nil {
			return nil, err
		}
		m.tables[table][idx] = merged
		out = append(out, cloneRow(merged))
	}
	return out, nil
}

func cloneRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
