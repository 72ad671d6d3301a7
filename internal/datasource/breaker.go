package datasource

import (
	"context"
	"errors"

	"github.com/docforge/querycache/internal/circuit"
)

// guarded runs every call of a DataSource through a named circuit breaker.
type guarded struct {
	next     DataSource
	breakers *circuit.Manager
	name     string
}

// WithBreaker wraps ds so that repeated store failures open the breaker
// called name and later calls fail fast with a CIRCUIT_OPEN error.
func WithBreaker(ds DataSource, breakers *circuit.Manager, name string) DataSource {
	if name == "" {
		name = ds.Name()
	}
	return &guarded{next: ds, breakers: breakers, name: name}
}

// IsBreakerSuccess is the breaker filter for data-source calls: request
// errors and cancellations say nothing about the store's health.
func IsBreakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var dsErr *Error
	return errors.As(err, &dsErr) && dsErr.Client()
}

func (g *guarded) Name() string { return g.next.Name() }

func (g *guarded) Select(ctx context.Context, q Query) (rows []Row, err error) {
	err = g.breakers.Execute(g.name, func() error {
		rows, err = g.next.Select(ctx, q)
		return err
	})
	return rows, err
}

func (g *guarded) Count(ctx context.Context, q Query) (n int64, err error) {
	err = g.breakers.Execute(g.name, func() error {
		n, err = g.next.Count(ctx, q)
		return err
	})
	return n, err
}

func (g *guarded) Insert(ctx context.Context, table string, in []Row) (rows []Row, err error) {
	err = g.breakers.Execute(g.name, func() error {
		rows, err = g.next.Insert(ctx, table, in)
		return err
	})
	return rows, err
}

func (g *guarded) Update(ctx context.Context, table string, patch Row, where []Filter) (rows []Row, err error) {
	err = g.breakers.Execute(g.name, func() error {
		rows, err = g.next.Update(ctx, table, patch, where)
		return err
	})
	return rows, err
}

func (g *guarded) Delete(ctx context.Context, table string, where []Filter) (rows []Row, err error) {
	err = g.breakers.Execute(g.name, func() error {
		rows, err = g.next.Delete(ctx, table, where)
		return err
	})
	return rows, err
}

func (g *guarded) Upsert(ctx context.Context, table string, in []Row, onConflict string) (rows []Row, err error) {
	err = g.breakers.Execute(g.name, func() error {
		rows, err = g.next.Upsert(ctx, table, in, onConflict)
		return err
	})
	return rows, err
}

func (g *guarded) Transaction(ctx context.Context, ops []Operation) (results [][]Row, err error) {
	err = g.breakers.Execute(g.name, func() error {
		results, err = g.next.Transaction(ctx, ops)
		return err
	})
	return results, err
}
