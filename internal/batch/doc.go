// Package batch writes large sets of rows in chunks.
//
// A Manager accepts insert, update, delete and upsert batches, returns
// immediately with an Operation and processes the chunks in the
// background with bounded parallelism. Each chunk is written with one call
// to the data source; a chunk that keeps failing is replayed item by item
// so the Result names exactly which items were rejected.
//
//	op, err := mgr.Insert(ctx, "contracts", rows, nil)
//	...
//	done, err := mgr.WaitFor(ctx, op.ID)
//
// Finished operations stay queryable for the configured retention.
// Updates and deletes invalidate the cached queries of their table by
// default.
package batch
