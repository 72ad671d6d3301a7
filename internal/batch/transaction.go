package batch

import (
	"context"
	stderr "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/docforge/querycache/internal/analytics"
	"github.com/docforge/querycache/internal/datasource"
	"github.com/docforge/querycache/pkg/errors"
)

// TransactionOptions controls ExecuteTransaction.
type TransactionOptions struct {
	// Transactional applies all operations atomically. Otherwise they run
	// one by one and failures are collected.
	Transactional bool
	// ClearCache invalidates the cached queries of every touched table.
	ClearCache bool
}

// OperationError records a failed operation of a non-transactional run.
type OperationError struct {
	Index int    `json:"index"`
	Table string `json:"table"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// TransactionResult holds per-operation results in input order. Failed
// operations have a nil entry in Results.
type TransactionResult struct {
	Results  [][]datasource.Row `json:"results"`
	Errors   []OperationError   `json:"errors,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// ExecuteTransaction runs mixed write operations. In transactional mode a
// failure rolls everything back and is returned as an error with code
// ErrCodeTransactionFailed.
func (m *Manager) ExecuteTransaction(ctx context.Context, ops []datasource.Operation, opts TransactionOptions) (*TransactionResult, error) {
	ctx, span := m.tracer.Start(ctx, "batch.ExecuteTransaction",
		trace.WithAttributes(
			attribute.Int("batch.operations", len(ops)),
			attribute.Bool("batch.transactional", opts.Transactional),
		),
	)
	defer span.End()

	for i, op := range ops {
		if op.Table == "" {
			return nil, errors.Newf(errors.ErrCodeValidationFailed, "operation %d has no table", i)
		}
	}

	start := time.Now()
	res := &TransactionResult{Results: make([][]datasource.Row, len(ops))}

	if opts.Transactional {
		results, err := m.source.Transaction(ctx, ops)
		res.Duration = time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			m.recordTransaction(ops, len(ops), res.Duration, err)
			return nil, errors.Wrap(err, errors.ErrCodeTransactionFailed, "transaction rolled back")
		}
		copy(res.Results, results)
		m.afterTransaction(ctx, ops, nil, opts)
		m.recordTransaction(ops, 0, res.Duration, nil)
		return res, nil
	}

	failed := make(map[int]bool)
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, OperationError{Index: i, Table: op.Table, Error: err.Error()})
			failed[i] = true
			continue
		}
		rows, err := m.apply(ctx, op)
		if err != nil {
			oe := OperationError{Index: i, Table: op.Table, Error: err.Error()}
			var dsErr *datasource.Error
			if stderr.As(err, &dsErr) {
				oe.Code = dsErr.Code
			}
			res.Errors = append(res.Errors, oe)
			failed[i] = true
			continue
		}
		res.Results[i] = rows
	}
	res.Duration = time.Since(start)
	if len(res.Errors) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d operations failed", len(res.Errors), len(ops)))
		m.logger.Warn("Operations failed in non-transactional run",
			zap.Int("failed", len(res.Errors)),
			zap.Int("total", len(ops)))
	}
	m.afterTransaction(ctx, ops, failed, opts)
	var firstErr error
	if len(res.Errors) > 0 {
		firstErr = stderr.New(res.Errors[0].Error)
	}
	m.recordTransaction(ops, len(res.Errors), res.Duration, firstErr)
	return res, nil
}

func (m *Manager) apply(ctx context.Context, op datasource.Operation) ([]datasource.Row, error) {
	switch op.Kind {
	case datasource.OpInsert:
		return m.source.Insert(ctx, op.Table, op.Data)
	case datasource.OpUpsert:
		return m.source.Upsert(ctx, op.Table, op.Data, op.OnConflict)
	case datasource.OpDelete:
		return m.source.Delete(ctx, op.Table, op.Where)
	case datasource.OpUpdate:
		if len(op.Data) != 1 {
			return nil, &datasource.Error{Code: datasource.CodeInvalidFilter, Message: "update needs exactly one patch row"}
		}
		return m.source.Update(ctx, op.Table, op.Data[0], op.Where)
	}
	return nil, &datasource.Error{Code: datasource.CodeInvalidFilter, Message: "unsupported operation " + string(op.Kind)}
}

// afterTransaction invalidates the tables touched by successful operations.
func (m *Manager) afterTransaction(ctx context.Context, ops []datasource.Operation, failed map[int]bool, opts TransactionOptions) {
	if !opts.ClearCache || m.cache == nil {
		return
	}
	seen := make(map[string]bool)
	for i, op := range ops {
		if failed[i] || seen[op.Table] {
			continue
		}
		seen[op.Table] = true
		m.cache.Invalidate(ctx, op.Table+":*", "")
	}
}

func (m *Manager) recordTransaction(ops []datasource.Operation, failed int, d time.Duration, err error) {
	if m.analytics == nil {
		return
	}
	rec := analytics.BatchRecord{
		OperationID: uuid.New().String(),
		Kind:        "transaction",
		TotalItems:  len(ops),
		Succeeded:   len(ops) - failed,
		Failed:      failed,
		Duration:    d,
	}
	if len(ops) > 0 {
		rec.Table = ops[0].Table
	}
	if err != nil {
		rec.Error = err.Error()
	}
	m.analytics.LogBatchOperation(rec)
}
