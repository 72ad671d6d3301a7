package batch

import (
	"context"
	stderr "errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/docforge/querycache/internal/datasource"
	qerrors "github.com/docforge/querycache/pkg/errors"
	"github.com/docforge/querycache/pkg/retry"
)

// Stats tracks chunk processing across all operations.
type Stats struct {
	Operations       int64   `json:"operations"`
	Chunks           int64   `json:"chunks"`
	Items            int64   `json:"items"`
	AverageChunkSize float64 `json:"average_chunk_size"`
	Fallbacks        int64   `json:"fallbacks"`
	ItemErrors       int64   `json:"item_errors"`
}

// processor writes chunks of items to the data source. A chunk is written
// with one call; when that call still fails after its retries the chunk is
// replayed item by item so a single bad item cannot fail its neighbours.
type processor struct {
	source datasource.DataSource
	tracer trace.Tracer
	logger *zap.Logger

	mu    sync.Mutex
	stats Stats
}

func newProcessor(source datasource.DataSource, tracer trace.Tracer, logger *zap.Logger) *processor {
	return &processor{source: source, tracer: tracer, logger: logger}
}

// processChunk writes chunk and returns the number of items written and the
// errors of the rest.
func (p *processor) processChunk(ctx context.Context, kind datasource.OperationKind, table string, opts Options, index int, chunk []item) (int, []ItemError) {
	ctx, span := p.tracer.Start(ctx, "batch.chunk",
		trace.WithAttributes(
			attribute.String("batch.kind", string(kind)),
			attribute.String("db.table", table),
			attribute.Int("batch.chunk", index),
			attribute.Int("batch.items", len(chunk)),
		),
	)
	defer span.End()

	r := newRetryer(opts)
	err := r.DoWithContext(ctx, func(ctx context.Context) error {
		return classify(p.write(ctx, kind, table, opts, chunk))
	})
	if err == nil {
		p.record(len(chunk), false, 0)
		return len(chunk), nil
	}
	span.RecordError(err)

	if len(chunk) == 1 {
		p.record(1, false, 1)
		span.SetStatus(codes.Error, err.Error())
		return 0, []ItemError{itemError(chunk[0], err)}
	}

	p.logger.Debug("Chunk failed, retrying items individually",
		zap.String("table", table),
		zap.String("kind", string(kind)),
		zap.Int("chunk", index),
		zap.Error(err))

	var (
		succeeded int
		errs      []ItemError
	)
	for _, it := range chunk {
		if ctx.Err() != nil {
			errs = append(errs, itemError(it, ctx.Err()))
			continue
		}
		single := []item{it}
		err := r.DoWithContext(ctx, func(ctx context.Context) error {
			return classify(p.write(ctx, kind, table, opts, single))
		})
		if err != nil {
			errs = append(errs, itemError(it, err))
			continue
		}
		succeeded++
	}
	p.record(len(chunk), true, len(errs))
	if len(errs) > 0 {
		span.SetStatus(codes.Error, "chunk had failed items")
	}
	return succeeded, errs
}

// write issues a single data source call for items.
func (p *processor) write(ctx context.Context, kind datasource.OperationKind, table string, opts Options, items []item) error {
	switch kind {
	case datasource.OpInsert:
		_, err := p.source.Insert(ctx, table, rows(items))
		return err
	case datasource.OpUpsert:
		_, err := p.source.Upsert(ctx, table, rows(items), opts.OnConflict)
		return err
	case datasource.OpUpdate:
		if len(items) == 1 {
			_, err := p.source.Update(ctx, table, items[0].row, items[0].where)
			return err
		}
	case datasource.OpDelete:
		if len(items) == 1 {
			_, err := p.source.Delete(ctx, table, items[0].where)
			return err
		}
	default:
		return retry.Permanent(&datasource.Error{Code: datasource.CodeInvalidFilter, Message: "unsupported batch kind " + string(kind)})
	}

	// Multi-row updates and deletes go through one transaction per chunk.
	ops := make([]datasource.Operation, len(items))
	for i, it := range items {
		ops[i] = datasource.Operation{Kind: kind, Table: table, Where: it.where}
		if kind == datasource.OpUpdate {
			ops[i].Data = []datasource.Row{it.row}
		}
	}
	_, err := p.source.Transaction(ctx, ops)
	return err
}

func (p *processor) record(items int, fallback bool, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Chunks++
	p.stats.Items += int64(items)
	p.stats.AverageChunkSize = float64(p.stats.Items) / float64(p.stats.Chunks)
	if fallback {
		p.stats.Fallbacks++
	}
	p.stats.ItemErrors += int64(failed)
}

func (p *processor) operationStarted() {
	p.mu.Lock()
	p.stats.Operations++
	p.mu.Unlock()
}

func (p *processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func newRetryer(opts Options) *retry.Retryer {
	return retry.New(retry.Config{
		MaxAttempts:       opts.RetryAttempts,
		InitialDelay:      opts.RetryDelay,
		MaxDelay:          30 * time.Second,
		Multiplier:        2,
		RetryUnclassified: true,
		RetryableErrors:   retry.DefaultConfig().RetryableErrors,
	})
}

// classify stops retries for errors the data source blames on the request.
func classify(err error) error {
	var dsErr *datasource.Error
	if stderr.As(err, &dsErr) && dsErr.Client() {
		return retry.Permanent(err)
	}
	return err
}

func itemError(it item, err error) ItemError {
	ie := ItemError{Index: it.index, Error: err.Error()}
	var dsErr *datasource.Error
	if stderr.As(err, &dsErr) {
		ie.Code = dsErr.Code
		ie.Error = dsErr.Message
	}
	if it.row != nil {
		ie.Item = it.row
	} else if it.where != nil {
		ie.Item = it.where
	}
	return ie
}

// skippedItems reports the items of a chunk that was never sent, so every
// item ends up either succeeded or failed.
func skippedItems(chunk []item, reason string) []ItemError {
	out := make([]ItemError, len(chunk))
	for i, it := range chunk {
		out[i] = itemError(it, stderr.New(reason))
		out[i].Code = string(qerrors.ErrCodeOperationCanceled)
	}
	return out
}

func rows(items []item) []datasource.Row {
	out := make([]datasource.Row, len(items))
	for i, it := range items {
		out[i] = it.row
	}
	return out
}

func split(items []item, size int) [][]item {
	if size <= 0 {
		size = len(items)
	}
	var chunks [][]item
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
