// Package datasource defines the store the query cache sits in front of and
// the adapters that reach it.
//
// A DataSource answers declarative Query values and applies inserts,
// updates, deletes and upserts against named tables. Failures reported by
// the store come back as *Error carrying PostgREST style message, code,
// details and hint, which the query layer turns into QueryError values.
//
// Adapters:
//
//   - Supabase: PostgREST over HTTP via supabase-go. Joins are sent as
//     embedded resources; transactions call the execute_transaction
//     database function.
//   - Postgres: direct SQL through a pgx pool with real transactions.
//   - Memory: in-process tables for tests and local development.
//
// WithBreaker wraps any adapter with a circuit breaker so an unhealthy
// store fails fast instead of stacking up retries.
package datasource
