package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docforge/querycache/internal/analytics"
	"github.com/docforge/querycache/internal/cache"
	"github.com/docforge/querycache/internal/datasource"
	qerrors "github.com/docforge/querycache/pkg/errors"
)

// gatedSource blocks every insert until release is closed.
type gatedSource struct {
	*datasource.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSource) Insert(ctx context.Context, table string, rows []datasource.Row) ([]datasource.Row, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Memory.Insert(ctx, table, rows)
}

type recorder struct {
	mu      sync.Mutex
	samples []string
}

func (r *recorder) RecordBatch(kind, table, status string, succeeded, failed int, duration time.Duration) {
	r.mu.Lock()
	r.samples = append(r.samples, kind+":"+table+":"+status)
	r.mu.Unlock()
}

func fastOptions() *Options {
	return &Options{RetryDelay: time.Millisecond}
}

func positiveAmount(r datasource.Row) error {
	if v, ok := r["amount"].(int); ok && v < 0 {
		return errors.New("amount must not be negative")
	}
	return nil
}

func newTestManager(t *testing.T, source datasource.DataSource, deps Deps) *Manager {
	t.Helper()
	m := NewManager(source, Config{}, deps)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func wait(t *testing.T, m *Manager, id string) Operation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	op, err := m.WaitFor(ctx, id)
	require.NoError(t, err)
	return op
}

func TestManager_InsertSucceeds(t *testing.T) {
	src := datasource.NewMemory(nil)
	rec := &recorder{}
	qa := analytics.NewQueryAnalytics(analytics.DefaultQueryConfig(), nil, nil)
	m := newTestManager(t, src, Deps{Analytics: qa, Metrics: rec})

	items := make([]datasource.Row, 25)
	for i := range items {
		items[i] = datasource.Row{"id": i + 1, "amount": i}
	}
	opts := fastOptions()
	opts.ChunkSize = 10

	op, err := m.Insert(context.Background(), "invoices", items, opts)
	require.NoError(t, err)
	assert.Equal(t, 25, op.Total)
	assert.Equal(t, 10, op.Options.ChunkSize)
	assert.Equal(t, 5, op.Options.Parallel)

	done := wait(t, m, op.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 100.0, done.Progress)
	require.NotNil(t, done.Result)
	assert.Equal(t, 25, done.Result.Succeeded)
	assert.Equal(t, 0, done.Result.Failed)
	assert.Empty(t, done.Result.Errors)
	assert.Equal(t, 3, src.Calls("insert"))

	n, err := src.Count(context.Background(), datasource.Query{Table: "invoices"})
	require.NoError(t, err)
	assert.EqualValues(t, 25, n)

	stats := m.Stats()
	assert.EqualValues(t, 1, stats.Operations)
	assert.EqualValues(t, 3, stats.Chunks)
	assert.InDelta(t, 25.0/3, stats.AverageChunkSize, 0.001)

	assert.Equal(t, 1, qa.Len())
	rec.mu.Lock()
	assert.Equal(t, []string{"insert:invoices:completed"}, rec.samples)
	rec.mu.Unlock()
}

func TestManager_FailedItemFallsBackPerItem(t *testing.T) {
	src := datasource.NewMemory(nil)
	src.AddConstraint("invoices", positiveAmount)
	m := newTestManager(t, src, Deps{})

	items := []datasource.Row{
		{"id": 1, "amount": 10},
		{"id": 2, "amount": -5},
		{"id": 3, "amount": 7},
	}
	op, err := m.Insert(context.Background(), "invoices", items, fastOptions())
	require.NoError(t, err)

	done := wait(t, m, op.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, 2, done.Result.Succeeded)
	assert.Equal(t, 1, done.Result.Failed)
	require.Len(t, done.Result.Errors, 1)
	assert.Equal(t, 1, done.Result.Errors[0].Index)
	assert.Equal(t, datasource.CodeCheckViolation, done.Result.Errors[0].Code)
	assert.Equal(t, "amount must not be negative", done.Result.Errors[0].Error)

	// One chunk call, then one call per item; constraint errors are not retried.
	assert.Equal(t, 4, src.Calls("insert"))
	assert.EqualValues(t, 1, m.Stats().Fallbacks)
	assert.EqualValues(t, 1, m.Stats().ItemErrors)
}

func TestManager_UpdateRequiresFilterPerItem(t *testing.T) {
	src := datasource.NewMemory(nil)
	m := newTestManager(t, src, Deps{})

	_, err := m.Update(context.Background(), "invoices",
		[]datasource.Row{{"status": "paid"}, {"status": "void"}},
		[][]datasource.Filter{{{Column: "id", Op: datasource.OpEq, Value: 1}}},
		nil)
	require.Error(t, err)
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeValidationFailed))
	assert.Zero(t, src.Calls("update"))
	assert.Zero(t, src.Calls("transaction"))
	assert.Empty(t, m.ActiveOperations())
}

func TestManager_UpdateUsesTransactionPerChunk(t *testing.T) {
	src := datasource.NewMemory(nil)
	src.Seed("invoices", []datasource.Row{
		{"id": 1, "status": "open"},
		{"id": 2, "status": "open"},
		{"id": 3, "status": "open"},
	})
	m := newTestManager(t, src, Deps{})

	op, err := m.Update(context.Background(), "invoices",
		[]datasource.Row{{"status": "paid"}, {"status": "void"}, {"status": "paid"}},
		[][]datasource.Filter{
			{{Column: "id", Op: datasource.OpEq, Value: 1}},
			{{Column: "id", Op: datasource.OpEq, Value: 2}},
			{{Column: "id", Op: datasource.OpEq, Value: 3}},
		},
		fastOptions())
	require.NoError(t, err)
	assert.Equal(t, 3, op.Options.Parallel)
	require.NotNil(t, op.Options.ClearCache)
	assert.True(t, *op.Options.ClearCache)

	done := wait(t, m, op.ID)
	assert.Equal(t, 3, done.Result.Succeeded)
	assert.Equal(t, 1, src.Calls("transaction"))
	assert.Zero(t, src.Calls("update"))

	paid, err := src.Count(context.Background(), datasource.Query{
		Table:   "invoices",
		Filters: []datasource.Filter{{Column: "status", Op: datasource.OpEq, Value: "paid"}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, paid)
}

func TestManager_ClearsTableCache(t *testing.T) {
	ctx := context.Background()
	src := datasource.NewMemory(nil)
	src.Seed("invoices", []datasource.Row{{"id": 1}, {"id": 2}})
	cm := cache.NewManager(ctx, cache.ManagerConfig{
		Memory: cache.MemoryConfig{MaxSize: 1 << 20, MaxAge: time.Minute},
	}, cache.Options{})
	t.Cleanup(func() { _ = cm.Close() })

	require.True(t, cm.Set(ctx, "invoices:select:*", []datasource.Row{{"id": 1}}, time.Minute, cache.StrategyMemory))
	require.True(t, cm.Set(ctx, "customers:select:*", []datasource.Row{{"id": 9}}, time.Minute, cache.StrategyMemory))

	m := newTestManager(t, src, Deps{Cache: cm})
	op, err := m.Delete(ctx, "invoices",
		[][]datasource.Filter{{{Column: "id", Op: datasource.OpEq, Value: 1}}},
		&Options{RetryDelay: time.Millisecond, CacheStrategy: cache.StrategyMemory})
	require.NoError(t, err)
	done := wait(t, m, op.ID)
	assert.Equal(t, 1, done.Result.Succeeded)

	_, ok := cm.Get(ctx, "invoices:select:*", cache.StrategyMemory)
	assert.False(t, ok)
	_, ok = cm.Get(ctx, "customers:select:*", cache.StrategyMemory)
	assert.True(t, ok)
}

func TestManager_InsertKeepsCacheByDefault(t *testing.T) {
	ctx := context.Background()
	cm := cache.NewManager(ctx, cache.ManagerConfig{
		Memory: cache.MemoryConfig{MaxSize: 1 << 20, MaxAge: time.Minute},
	}, cache.Options{})
	t.Cleanup(func() { _ = cm.Close() })
	require.True(t, cm.Set(ctx, "invoices:select:*", []datasource.Row{{"id": 1}}, time.Minute, cache.StrategyMemory))

	m := newTestManager(t, datasource.NewMemory(nil), Deps{Cache: cm})
	op, err := m.Insert(ctx, "invoices", []datasource.Row{{"id": 5}}, fastOptions())
	require.NoError(t, err)
	wait(t, m, op.ID)

	_, ok := cm.Get(ctx, "invoices:select:*", cache.StrategyMemory)
	assert.True(t, ok)
}

func TestManager_Cancel(t *testing.T) {
	src := &gatedSource{
		Memory:  datasource.NewMemory(nil),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := newTestManager(t, src, Deps{})

	items := []datasource.Row{{"id": 1}, {"id": 2}, {"id": 3}}
	op, err := m.Insert(context.Background(), "invoices", items,
		&Options{ChunkSize: 1, Parallel: 1, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	select {
	case <-src.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk never started")
	}

	assert.Len(t, m.ActiveOperations(), 1)
	p, ok := m.Progress(op.ID)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, p.Status)
	assert.Equal(t, 3, p.Total)

	require.NoError(t, m.Cancel(op.ID))
	close(src.release)

	done := wait(t, m, op.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, CancelReason, done.Error)
	assert.Equal(t, 1, done.Result.Succeeded)
	assert.Equal(t, 2, done.Result.Failed)
	assert.Equal(t, len(items), done.Result.Succeeded+done.Result.Failed)
	require.Len(t, done.Result.Errors, 2)
	for i, ie := range done.Result.Errors {
		assert.Equal(t, i+1, ie.Index)
		assert.Equal(t, CancelReason, ie.Error)
		assert.Equal(t, string(qerrors.ErrCodeOperationCanceled), ie.Code)
	}
	assert.Equal(t, 1, src.Calls("insert"))

	err = m.Cancel(op.ID)
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeBatchNotRunning))
	err = m.Cancel("missing")
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeBatchNotFound))
}

func TestManager_SchemaRejectsItems(t *testing.T) {
	src := datasource.NewMemory(nil)
	m := newTestManager(t, src, Deps{})

	opts := fastOptions()
	opts.Schema = &Schema{
		Required: []string{"email"},
		Rules:    map[string]string{"email": "email"},
	}
	op, err := m.Insert(context.Background(), "users", []datasource.Row{
		{"email": "a@example.com"},
		{"name": "no email"},
		{"email": "not-an-email"},
		{"email": "b@example.com"},
	}, opts)
	require.NoError(t, err)
	assert.Equal(t, 4, op.Total)

	done := wait(t, m, op.ID)
	assert.Equal(t, 2, done.Result.Succeeded)
	require.Len(t, done.Result.Errors, 2)
	assert.Equal(t, 1, done.Result.Errors[0].Index)
	assert.Equal(t, 2, done.Result.Errors[1].Index)
	assert.Equal(t, string(qerrors.ErrCodeValidationFailed), done.Result.Errors[0].Code)
	assert.Equal(t, 1, src.Calls("insert"))
}

func TestManager_RetentionForgetsOperations(t *testing.T) {
	m := NewManager(datasource.NewMemory(nil), Config{Retention: 20 * time.Millisecond}, Deps{})
	t.Cleanup(func() { _ = m.Close() })

	op, err := m.Upsert(context.Background(), "invoices", []datasource.Row{{"id": 1}},
		&Options{RetryDelay: time.Millisecond, OnConflict: "id"})
	require.NoError(t, err)
	wait(t, m, op.ID)

	_, ok := m.Operation(op.ID)
	assert.True(t, ok)
	assert.Eventually(t, func() bool {
		_, ok := m.Operation(op.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestManager_ClosedRejectsWork(t *testing.T) {
	m := NewManager(datasource.NewMemory(nil), Config{}, Deps{})
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Insert(context.Background(), "invoices", []datasource.Row{{"id": 1}}, nil)
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeComponentStopped))
}

func TestManager_ExecuteTransaction(t *testing.T) {
	ctx := context.Background()
	ops := []datasource.Operation{
		{Kind: datasource.OpInsert, Table: "invoices", Data: []datasource.Row{{"id": 1, "amount": 5}}},
		{Kind: datasource.OpInsert, Table: "invoices", Data: []datasource.Row{{"id": 2, "amount": -1}}},
		{Kind: datasource.OpInsert, Table: "payments", Data: []datasource.Row{{"id": 1, "invoice_id": 1}}},
	}

	t.Run("transactional rolls back", func(t *testing.T) {
		src := datasource.NewMemory(nil)
		src.AddConstraint("invoices", positiveAmount)
		m := newTestManager(t, src, Deps{})

		res, err := m.ExecuteTransaction(ctx, ops, TransactionOptions{Transactional: true})
		require.Error(t, err)
		assert.Nil(t, res)
		assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeTransactionFailed))

		n, err := src.Count(ctx, datasource.Query{Table: "invoices"})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("non-transactional collects errors", func(t *testing.T) {
		src := datasource.NewMemory(nil)
		src.AddConstraint("invoices", positiveAmount)
		m := newTestManager(t, src, Deps{})

		res, err := m.ExecuteTransaction(ctx, ops, TransactionOptions{})
		require.NoError(t, err)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, 1, res.Errors[0].Index)
		assert.Equal(t, datasource.CodeCheckViolation, res.Errors[0].Code)
		assert.Len(t, res.Results[0], 1)
		assert.Nil(t, res.Results[1])
		assert.Len(t, res.Results[2], 1)
	})

	t.Run("transactional success", func(t *testing.T) {
		src := datasource.NewMemory(nil)
		m := newTestManager(t, src, Deps{})

		res, err := m.ExecuteTransaction(ctx, ops, TransactionOptions{Transactional: true})
		require.NoError(t, err)
		require.Len(t, res.Results, 3)
		assert.Empty(t, res.Errors)
		assert.Equal(t, 1, src.Calls("transaction"))
	})
}

func TestValidateItems(t *testing.T) {
	schema := Schema{
		Required: []string{"name"},
		Types:    map[string]string{"name": "string", "age": "number", "tags": "array", "meta": "object"},
		Rules:    map[string]string{"name": "min=2"},
	}
	valid, invalid := ValidateItems([]datasource.Row{
		{"name": "Ana", "age": 30, "tags": []any{"a"}, "meta": datasource.Row{"source": "import"}},
		{"age": "thirty"},
		{"name": "B"},
		{"name": nil},
	}, schema)

	require.Len(t, valid, 2)
	assert.Equal(t, "Ana", valid[0]["name"])
	assert.Nil(t, valid[1]["name"])

	require.Len(t, invalid, 2)
	assert.Equal(t, 1, invalid[0].Index)
	assert.Equal(t, []string{
		"missing required field: name",
		"field age must be of type number",
	}, invalid[0].Errors)
	assert.Equal(t, 2, invalid[1].Index)
	assert.Equal(t, []string{`field name fails "min=2"`}, invalid[1].Errors)
}

func TestOptimizeOptions(t *testing.T) {
	tests := []struct {
		kind         datasource.OperationKind
		table        string
		count        int
		wantChunk    int
		wantParallel int
	}{
		{datasource.OpInsert, "contracts", 0, 50, 3},
		{datasource.OpInsert, "users", 0, 100, 3},
		{datasource.OpDelete, "users", 0, 200, 5},
		{datasource.OpUpdate, "documents", 0, 30, 2},
		{datasource.OpUpsert, "vistorias", 0, 50, 2},
		{datasource.OpInsert, "unknown", 0, 100, 3},
		{datasource.OpInsert, "unknown", 12, 12, 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.table, func(t *testing.T) {
			o := OptimizeOptions(tt.kind, tt.table, tt.count)
			assert.Equal(t, tt.wantChunk, o.ChunkSize)
			assert.Equal(t, tt.wantParallel, o.Parallel)
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	ins := DefaultOptions(datasource.OpInsert)
	assert.Equal(t, 100, ins.ChunkSize)
	assert.Equal(t, 5, ins.Parallel)
	assert.False(t, ins.clearCache())
	assert.Equal(t, cache.StrategyHybrid, ins.CacheStrategy)

	del := DefaultOptions(datasource.OpDelete)
	assert.Equal(t, 200, del.ChunkSize)
	assert.True(t, del.clearCache())

	merged := Options{ChunkSize: 7}.merge(DefaultOptions(datasource.OpUpsert))
	assert.Equal(t, 7, merged.ChunkSize)
	assert.Equal(t, 3, merged.Parallel)
	assert.Equal(t, 3, merged.RetryAttempts)
}
