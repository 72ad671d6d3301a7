package batch

import (
	"sync"
	"time"

	"github.com/docforge/querycache/internal/cache"
	"github.com/docforge/querycache/internal/datasource"
)

// Status is the lifecycle state of a batch operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// CancelReason is recorded on operations stopped by Cancel.
const CancelReason = "operation cancelled by user"

// closedReason is recorded when the manager shuts down mid-operation.
const closedReason = "batch manager closed"

// Options tunes how one batch is processed. Zero fields take the defaults of
// the operation kind.
type Options struct {
	ChunkSize     int            `json:"chunk_size"`
	Parallel      int            `json:"parallel"`
	RetryAttempts int            `json:"retry_attempts"`
	RetryDelay    time.Duration  `json:"retry_delay"`
	ClearCache    *bool          `json:"clear_cache,omitempty"`
	CacheStrategy cache.Strategy `json:"cache_strategy"`
	// OnConflict names the upsert conflict column.
	OnConflict string `json:"on_conflict,omitempty"`
	// Schema, when set, rejects invalid items before they are sent.
	Schema *Schema `json:"-"`
}

// DefaultOptions returns the defaults for kind.
func DefaultOptions(kind datasource.OperationKind) Options {
	o := Options{
		ChunkSize:     100,
		Parallel:      5,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
		CacheStrategy: cache.StrategyHybrid,
	}
	switch kind {
	case datasource.OpUpdate:
		o.Parallel = 3
		o.ClearCache = boolPtr(true)
	case datasource.OpDelete:
		o.ChunkSize = 200
		o.ClearCache = boolPtr(true)
	case datasource.OpUpsert:
		o.ChunkSize = 50
		o.Parallel = 3
	}
	if o.ClearCache == nil {
		o.ClearCache = boolPtr(false)
	}
	return o
}

// merge fills the zero fields of o from def.
func (o Options) merge(def Options) Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = def.ChunkSize
	}
	if o.Parallel <= 0 {
		o.Parallel = def.Parallel
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = def.RetryAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.ClearCache == nil {
		o.ClearCache = def.ClearCache
	}
	if o.CacheStrategy == "" {
		o.CacheStrategy = def.CacheStrategy
	}
	return o
}

func (o Options) clearCache() bool {
	return o.ClearCache != nil && *o.ClearCache
}

func boolPtr(b bool) *bool { return &b }

// ItemError describes one item that could not be written. Index is the
// item's position in the submitted batch.
type ItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Item  any    `json:"item,omitempty"`
}

// Result summarizes a processed batch.
type Result struct {
	Succeeded          int           `json:"succeeded"`
	Failed             int           `json:"failed"`
	Errors             []ItemError   `json:"errors"`
	TotalTime          time.Duration `json:"total_time"`
	AverageTimePerItem time.Duration `json:"average_time_per_item"`
}

// Operation is a point-in-time view of a batch.
type Operation struct {
	ID          string                   `json:"id"`
	Kind        datasource.OperationKind `json:"kind"`
	Table       string                   `json:"table"`
	Total       int                      `json:"total"`
	Options     Options                  `json:"options"`
	Status      Status                   `json:"status"`
	Progress    float64                  `json:"progress"`
	Result      *Result                  `json:"result,omitempty"`
	Error       string                   `json:"error,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	StartedAt   time.Time                `json:"started_at,omitempty"`
	CompletedAt time.Time                `json:"completed_at,omitempty"`
}

// Done reports whether the operation reached a terminal state.
func (o Operation) Done() bool {
	return o.Status == StatusCompleted || o.Status == StatusFailed
}

// Progress reports how far a running batch is.
type Progress struct {
	OperationID        string        `json:"operation_id"`
	Progress           float64       `json:"progress"`
	Current            int           `json:"current"`
	Total              int           `json:"total"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
	Status             Status        `json:"status"`
}

// item is one unit of work; index is its position in the submitted batch.
type item struct {
	index int
	row   datasource.Row
	where []datasource.Filter
}

// operation is the mutable record behind an Operation.
type operation struct {
	mu         sync.Mutex
	view       Operation
	items      []item
	chunksDone int
	chunks     int
	canceled   bool
	done       chan struct{}
	expiry     *time.Timer
}

func (op *operation) snapshot() Operation {
	op.mu.Lock()
	defer op.mu.Unlock()
	v := op.view
	if v.Result != nil {
		r := *v.Result
		r.Errors = append([]ItemError(nil), r.Errors...)
		v.Result = &r
	}
	return v
}

func (op *operation) isCanceled() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.canceled
}

// chunkDone advances progress after a chunk finished or was skipped.
func (op *operation) chunkDone() {
	op.mu.Lock()
	op.chunksDone++
	if op.chunks > 0 {
		op.view.Progress = float64(op.chunksDone) / float64(op.chunks) * 100
	}
	op.mu.Unlock()
}

func (op *operation) progress(now time.Time) Progress {
	op.mu.Lock()
	defer op.mu.Unlock()
	p := Progress{
		OperationID: op.view.ID,
		Progress:    op.view.Progress,
		Current:     int(op.view.Progress / 100 * float64(op.view.Total)),
		Total:       op.view.Total,
		Status:      op.view.Status,
	}
	if op.view.Status == StatusRunning && op.view.Progress > 0 && !op.view.StartedAt.IsZero() {
		elapsed := now.Sub(op.view.StartedAt)
		total := time.Duration(float64(elapsed) / (op.view.Progress / 100))
		if remaining := total - elapsed; remaining > 0 {
			p.EstimatedRemaining = remaining
		}
	}
	return p
}
