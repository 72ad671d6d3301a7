package batch

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/docforge/querycache/internal/analytics"
	"github.com/docforge/querycache/internal/cache"
	"github.com/docforge/querycache/internal/datasource"
	"github.com/docforge/querycache/pkg/errors"
)

const tracerName = "github.com/docforge/querycache/internal/batch"

// Config holds manager-wide settings. Positive chunk, parallel and retry
// values replace the per-kind defaults; per-call Options still win.
type Config struct {
	ChunkSize     int
	Parallel      int
	RetryAttempts int
	RetryDelay    time.Duration
	// Retention is how long finished operations stay queryable.
	Retention time.Duration
	// MaxChunksPerSecond throttles chunk dispatch; zero disables it.
	MaxChunksPerSecond float64
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{Retention: 5 * time.Minute}
}

// Recorder receives one sample per finished batch.
type Recorder interface {
	RecordBatch(kind, table, status string, succeeded, failed int, duration time.Duration)
}

// Deps supplies optional collaborators of a Manager.
type Deps struct {
	Cache     *cache.Manager
	Analytics *analytics.QueryAnalytics
	Metrics   Recorder
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// Manager runs batch writes in the background and tracks their progress.
type Manager struct {
	source    datasource.DataSource
	config    Config
	cache     *cache.Manager
	analytics *analytics.QueryAnalytics
	metrics   Recorder
	tracer    trace.Tracer
	logger    *zap.Logger
	limiter   *rate.Limiter
	proc      *processor

	mu  sync.RWMutex
	ops map[string]*operation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewManager creates a batch manager writing to source.
func NewManager(source datasource.DataSource, config Config, deps Deps) *Manager {
	if config.Retention <= 0 {
		config.Retention = DefaultConfig().Retention
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		source:    source,
		config:    config,
		cache:     deps.Cache,
		analytics: deps.Analytics,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		logger:    deps.Logger,
		proc:      newProcessor(source, deps.Tracer, deps.Logger),
		ops:       make(map[string]*operation),
		ctx:       ctx,
		cancel:    cancel,
	}
	if config.MaxChunksPerSecond > 0 {
		burst := int(config.MaxChunksPerSecond)
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(config.MaxChunksPerSecond), burst)
	}
	return m
}

// Insert writes items to table.
func (m *Manager) Insert(ctx context.Context, table string, items []datasource.Row, opts *Options) (*Operation, error) {
	return m.submit(ctx, datasource.OpInsert, table, rowItems(items), opts)
}

// Update applies items[i] to the rows matching wheres[i].
func (m *Manager) Update(ctx context.Context, table string, items []datasource.Row, wheres [][]datasource.Filter, opts *Options) (*Operation, error) {
	if len(items) != len(wheres) {
		return nil, errors.Newf(errors.ErrCodeValidationFailed,
			"update needs one filter set per item: %d items, %d filter sets", len(items), len(wheres))
	}
	work := rowItems(items)
	for i := range work {
		work[i].where = wheres[i]
	}
	return m.submit(ctx, datasource.OpUpdate, table, work, opts)
}

// Delete removes the rows matching each filter set.
func (m *Manager) Delete(ctx context.Context, table string, wheres [][]datasource.Filter, opts *Options) (*Operation, error) {
	work := make([]item, len(wheres))
	for i, w := range wheres {
		work[i] = item{index: i, where: w}
	}
	return m.submit(ctx, datasource.OpDelete, table, work, opts)
}

// Upsert inserts items or updates them on conflict.
func (m *Manager) Upsert(ctx context.Context, table string, items []datasource.Row, opts *Options) (*Operation, error) {
	return m.submit(ctx, datasource.OpUpsert, table, rowItems(items), opts)
}

func rowItems(rows []datasource.Row) []item {
	out := make([]item, len(rows))
	for i, r := range rows {
		out[i] = item{index: i, row: r}
	}
	return out
}

// resolve layers per-call options over manager config over kind defaults.
func (m *Manager) resolve(kind datasource.OperationKind, opts *Options) Options {
	def := DefaultOptions(kind)
	if m.config.ChunkSize > 0 {
		def.ChunkSize = m.config.ChunkSize
	}
	if m.config.Parallel > 0 {
		def.Parallel = m.config.Parallel
	}
	if m.config.RetryAttempts > 0 {
		def.RetryAttempts = m.config.RetryAttempts
	}
	if m.config.RetryDelay > 0 {
		def.RetryDelay = m.config.RetryDelay
	}
	if opts == nil {
		return def
	}
	return opts.merge(def)
}

func (m *Manager) submit(ctx context.Context, kind datasource.OperationKind, table string, work []item, opts *Options) (*Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.NewError(errors.ErrCodeValidationFailed, "batch needs a table")
	}
	resolved := m.resolve(kind, opts)

	var rejected []ItemError
	if resolved.Schema != nil && kind != datasource.OpDelete {
		work, rejected = screen(work, *resolved.Schema)
	}

	op := &operation{
		view: Operation{
			ID:        uuid.New().String(),
			Kind:      kind,
			Table:     table,
			Total:     len(work) + len(rejected),
			Options:   resolved,
			Status:    StatusPending,
			CreatedAt: time.Now(),
		},
		items: work,
		done:  make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodeComponentStopped, "batch manager is closed")
	}
	m.ops[op.view.ID] = op
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("Batch operation queued",
		zap.String("id", op.view.ID),
		zap.String("kind", string(kind)),
		zap.String("table", table),
		zap.Int("items", op.view.Total),
		zap.Int("chunk_size", resolved.ChunkSize),
		zap.Int("parallel", resolved.Parallel))

	go m.run(op, rejected)

	v := op.snapshot()
	return &v, nil
}

// screen drops items failing schema and reports them as item errors.
func screen(work []item, schema Schema) ([]item, []ItemError) {
	rowsIn := make([]datasource.Row, len(work))
	for i, it := range work {
		rowsIn[i] = it.row
	}
	_, invalid := ValidateItems(rowsIn, schema)
	if len(invalid) == 0 {
		return work, nil
	}
	bad := make(map[int]bool, len(invalid))
	rejected := make([]ItemError, len(invalid))
	for i, inv := range invalid {
		bad[inv.Index] = true
		rejected[i] = ItemError{
			Index: work[inv.Index].index,
			Error: strings.Join(inv.Errors, "; "),
			Code:  string(errors.ErrCodeValidationFailed),
			Item:  inv.Item,
		}
	}
	kept := work[:0:0]
	for i, it := range work {
		if !bad[i] {
			kept = append(kept, it)
		}
	}
	return kept, rejected
}

func (m *Manager) run(op *operation, rejected []ItemError) {
	defer m.wg.Done()

	ctx, span := m.tracer.Start(m.ctx, "batch.run",
		trace.WithAttributes(
			attribute.String("batch.id", op.view.ID),
			attribute.String("batch.kind", string(op.view.Kind)),
			attribute.String("db.table", op.view.Table),
			attribute.Int("batch.items", op.view.Total),
		),
	)
	defer span.End()

	start := time.Now()
	op.mu.Lock()
	opts := op.view.Options
	kind, table := op.view.Kind, op.view.Table
	chunks := split(op.items, opts.ChunkSize)
	op.chunks = len(chunks)
	op.view.Status = StatusRunning
	op.view.StartedAt = start
	op.mu.Unlock()
	m.proc.operationStarted()

	var (
		resMu     sync.Mutex
		succeeded int
		errs      = append([]ItemError{}, rejected...)
		skipped   int
	)
	g := new(errgroup.Group)
	g.SetLimit(opts.Parallel)
	for ci, chunk := range chunks {
		g.Go(func() error {
			defer op.chunkDone()
			skip := func(reason string) error {
				resMu.Lock()
				skipped += len(chunk)
				errs = append(errs, skippedItems(chunk, reason)...)
				resMu.Unlock()
				return nil
			}
			switch {
			case op.isCanceled():
				return skip(CancelReason)
			case ctx.Err() != nil:
				return skip(closedReason)
			}
			if m.limiter != nil {
				if err := m.limiter.Wait(ctx); err != nil {
					if op.isCanceled() {
						return skip(CancelReason)
					}
					return skip(closedReason)
				}
			}
			n, chunkErrs := m.proc.processChunk(ctx, kind, table, opts, ci, chunk)
			resMu.Lock()
			succeeded += n
			errs = append(errs, chunkErrs...)
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(errs, func(i, j int) bool { return errs[i].Index < errs[j].Index })
	elapsed := time.Since(start)
	result := &Result{
		Succeeded: succeeded,
		Failed:    len(errs),
		Errors:    errs,
		TotalTime: elapsed,
	}
	if op.view.Total > 0 {
		result.AverageTimePerItem = elapsed / time.Duration(op.view.Total)
	}

	op.mu.Lock()
	op.view.Result = result
	switch {
	case op.canceled:
		// Cancel already marked the operation failed.
	case ctx.Err() != nil:
		op.view.Status = StatusFailed
		op.view.Error = closedReason
	default:
		op.view.Status = StatusCompleted
		op.view.Progress = 100
	}
	if op.view.CompletedAt.IsZero() {
		op.view.CompletedAt = time.Now()
	}
	status, opErr := op.view.Status, op.view.Error
	close(op.done)
	op.mu.Unlock()

	if skipped > 0 {
		m.logger.Warn("Batch operation stopped early",
			zap.String("id", op.view.ID),
			zap.Int("skipped_items", skipped))
	}
	if result.Failed > 0 {
		span.SetAttributes(attribute.Int("batch.failed", result.Failed))
	}

	if opts.clearCache() && succeeded > 0 && m.cache != nil {
		removed := m.cache.Invalidate(context.Background(), table+":*", opts.CacheStrategy)
		m.logger.Debug("Invalidated cached queries after batch",
			zap.String("table", table),
			zap.Int("removed", removed))
	}

	if m.analytics != nil {
		m.analytics.LogBatchOperation(analytics.BatchRecord{
			OperationID: op.view.ID,
			Kind:        string(kind),
			Table:       table,
			TotalItems:  op.view.Total,
			Succeeded:   succeeded,
			Failed:      result.Failed,
			Duration:    elapsed,
			Error:       opErr,
		})
	}
	if m.metrics != nil {
		m.metrics.RecordBatch(string(kind), table, string(status), succeeded, result.Failed, elapsed)
	}

	m.logger.Info("Batch operation finished",
		zap.String("id", op.view.ID),
		zap.String("status", string(status)),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", elapsed))

	id := op.view.ID
	op.mu.Lock()
	op.expiry = time.AfterFunc(m.config.Retention, func() { m.forget(id) })
	op.mu.Unlock()
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.ops, id)
	m.mu.Unlock()
}

func (m *Manager) lookup(id string) (*operation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.ops[id]
	return op, ok
}

// Operation returns a snapshot of the operation with id.
func (m *Manager) Operation(id string) (Operation, bool) {
	op, ok := m.lookup(id)
	if !ok {
		return Operation{}, false
	}
	return op.snapshot(), true
}

// ActiveOperations lists pending and running operations, oldest first.
func (m *Manager) ActiveOperations() []Operation {
	m.mu.RLock()
	var out []Operation
	for _, op := range m.ops {
		if v := op.snapshot(); !v.Done() {
			out = append(out, v)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Progress reports the progress of operation id.
func (m *Manager) Progress(id string) (Progress, bool) {
	op, ok := m.lookup(id)
	if !ok {
		return Progress{}, false
	}
	return op.progress(time.Now()), true
}

// Cancel stops a running operation. Chunks already in flight finish; the
// rest are skipped.
func (m *Manager) Cancel(id string) error {
	op, ok := m.lookup(id)
	if !ok {
		return errors.Newf(errors.ErrCodeBatchNotFound, "batch operation %s not found", id)
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.view.Status != StatusRunning {
		return errors.Newf(errors.ErrCodeBatchNotRunning, "batch operation %s is %s", id, op.view.Status)
	}
	op.canceled = true
	op.view.Status = StatusFailed
	op.view.Error = CancelReason
	op.view.CompletedAt = time.Now()
	m.logger.Info("Batch operation cancelled", zap.String("id", id))
	return nil
}

// WaitFor blocks until operation id finishes processing or ctx is done.
func (m *Manager) WaitFor(ctx context.Context, id string) (Operation, error) {
	op, ok := m.lookup(id)
	if !ok {
		return Operation{}, errors.Newf(errors.ErrCodeBatchNotFound, "batch operation %s not found", id)
	}
	select {
	case <-op.done:
		return op.snapshot(), nil
	case <-ctx.Done():
		return op.snapshot(), ctx.Err()
	}
}

// Stats returns processing counters across all operations.
func (m *Manager) Stats() Stats {
	return m.proc.Stats()
}

// Close stops dispatching new chunks, waits for in-flight chunks and drops
// retained operations.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	for id, op := range m.ops {
		op.mu.Lock()
		if op.expiry != nil {
			op.expiry.Stop()
		}
		op.mu.Unlock()
		delete(m.ops, id)
	}
	m.mu.Unlock()
	return nil
}
