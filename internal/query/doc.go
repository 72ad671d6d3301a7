// Package query builds, optimizes and executes reads against a data source
// with cache read-through.
//
// A Client hands out Builders:
//
//	rows, err := client.From("contracts").
//		Select("id", "status").
//		Eq("status", "active").
//		Order("created_at", false).
//		Limit(20).
//		Execute(ctx)
//
// Every clause also extends a canonical cache key, so equal queries share a
// cache entry. Failed attempts are retried with exponential backoff and the
// final failure is returned as an *errors.QueryError.
//
// The Optimizer narrows column lists for known tables and scores raw SQL
// text. The planner hints it attaches are advisory and are never sent to
// the data source.
package query
