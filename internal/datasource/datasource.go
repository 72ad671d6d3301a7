package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Operator is a comparison applied by a Filter.
type Operator string

const (
	OpEq    Operator = "eq"
	OpNeq   Operator = "neq"
	OpGt    Operator = "gt"
	OpGte   Operator = "gte"
	OpLt    Operator = "lt"
	OpLte   Operator = "lte"
	OpLike  Operator = "like"
	OpILike Operator = "ilike"
	OpIn    Operator = "in"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpLike, OpILike, OpIn:
		return true
	}
	return false
}

// Filter is a single column predicate. For OpIn, Value is a slice.
type Filter struct {
	Column string   `json:"column"`
	Op     Operator `json:"op"`
	Value  any      `json:"value"`
}

// Order sorts results by one column.
type Order struct {
	Column    string `json:"column"`
	Ascending bool   `json:"ascending"`
}

// JoinType selects how a related table is joined.
type JoinType string

const (
	JoinInner JoinType = "inner"
	JoinLeft  JoinType = "left"
	JoinRight JoinType = "right"
)

// Join relates another table to the query's table.
type Join struct {
	Table     string   `json:"table"`
	Condition string   `json:"condition,omitempty"`
	Type      JoinType `json:"type"`
}

// Range is an inclusive row window.
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Query is a declarative read against one table.
type Query struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns,omitempty"`
	Filters []Filter `json:"filters,omitempty"`
	Orders  []Order  `json:"orders,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Range   *Range   `json:"range,omitempty"`
	Joins   []Join   `json:"joins,omitempty"`
	GroupBy []string `json:"group_by,omitempty"`
}

// SelectsAll reports whether the query requests every column.
func (q Query) SelectsAll() bool {
	return len(q.Columns) == 0 || (len(q.Columns) == 1 && q.Columns[0] == "*")
}

// Row is one record keyed by column name.
type Row = map[string]any

// OperationKind names a mutation inside a transaction.
type OperationKind string

const (
	OpInsert OperationKind = "insert"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
	OpUpsert OperationKind = "upsert"
)

// Operation is one statement of a transaction.
type Operation struct {
	Kind       OperationKind `json:"type"`
	Table      string        `json:"table"`
	Data       []Row         `json:"data,omitempty"`
	Where      []Filter      `json:"where,omitempty"`
	OnConflict string        `json:"on_conflict,omitempty"`
}

// DataSource is the external store the cache layer sits in front of.
// Implementations return *Error for failures reported by the store itself.
type DataSource interface {
	Select(ctx context.Context, q Query) ([]Row, error)
	Count(ctx context.Context, q Query) (int64, error)
	Insert(ctx context.Context, table string, rows []Row) ([]Row, error)
	Update(ctx context.Context, table string, patch Row, where []Filter) ([]Row, error)
	Delete(ctx context.Context, table string, where []Filter) ([]Row, error)
	Upsert(ctx context.Context, table string, rows []Row, onConflict string) ([]Row, error)
	// Transaction applies every operation atomically and returns the rows
	// each operation produced, in order.
	Transaction(ctx context.Context, ops []Operation) ([][]Row, error)
	Name() string
}

// Error is a failure reported by the data source.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *Error) Error() string { return e.Message }

func (e *Error) ErrorCode() string    { return e.Code }
func (e *Error) ErrorDetails() string { return e.Details }
func (e *Error) ErrorHint() string    { return e.Hint }

// Client reports whether the failure was caused by the request rather than
// the store being unhealthy. Client errors do not count against breakers.
func (e *Error) Client() bool {
	switch {
	case e.Code == "":
		return false
	case strings.HasPrefix(e.Code, "PGRST"):
		return true
	case len(e.Code) == 5:
		// SQLSTATE classes 22 (data), 23 (constraint), 42 (syntax/access)
		class := e.Code[:2]
		return class == "22" || class == "23" || class == "42"
	}
	return false
}

// Message codes used by the adapters.
const (
	CodeUniqueViolation = "23505"
	CodeCheckViolation  = "23514"
	CodeUndefinedTable  = "42P01"
	CodeInvalidFilter   = "PGRST100"
)

var postgrestErr = regexp.MustCompile(`^\(([^)]*)\) (.*)$`)

// parseError turns a "(code) message" string into an *Error.
func parseError(err error) error {
	if err == nil {
		return nil
	}
	if m := postgrestErr.FindStringSubmatch(err.Error()); m != nil {
		return &Error{Code: m[1], Message: m[2]}
	}
	return err
}

// Match reports whether row satisfies every filter.
func Match(row Row, filters []Filter) bool {
	for _, f := range filters {
		if !matchFilter(row[f.Column], f) {
			return false
		}
	}
	return true
}

func matchFilter(v any, f Filter) bool {
	switch f.Op {
	case OpEq:
		return v != nil && compare(v, f.Value) == 0
	case OpNeq:
		return v != nil && compare(v, f.Value) != 0
	case OpGt:
		return v != nil && compare(v, f.Value) > 0
	case OpGte:
		return v != nil && compare(v, f.Value) >= 0
	case OpLt:
		return v != nil && compare(v, f.Value) < 0
	case OpLte:
		return v != nil && compare(v, f.Value) <= 0
	case OpLike:
		return v != nil && likeMatch(FormatValue(f.Value), FormatValue(v), false)
	case OpILike:
		return v != nil && likeMatch(FormatValue(f.Value), FormatValue(v), true)
	case OpIn:
		for _, candidate := range Values(f.Value) {
			if v != nil && compare(v, candidate) == 0 {
				return true
			}
		}
	}
	return false
}

// compare orders two values numerically when both are numbers, otherwise by
// their formatted string.
func compare(a, b any) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(FormatValue(a), FormatValue(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// likeMatch implements SQL LIKE with % and _ wildcards. PostgREST also
// accepts * for %.
func likeMatch(pattern, s string, fold bool) bool {
	if fold {
		pattern, s = strings.ToLower(pattern), strings.ToLower(s)
	}
	p := []rune(pattern)
	r := []rune(s)

	// dp[j] is true when r[:i] matches p[:j]
	dp := make([]bool, len(p)+1)
	dp[0] = true
	for j := 1; j <= len(p); j++ {
		dp[j] = dp[j-1] && (p[j-1] == '%' || p[j-1] == '*')
	}
	for i := 1; i <= len(r); i++ {
		prev := dp[0]
		dp[0] = false
		for j := 1; j <= len(p); j++ {
			cur := dp[j]
			switch p[j-1] {
			case '%', '*':
				dp[j] = dp[j] || dp[j-1]
			case '_':
				dp[j] = prev
			default:
				dp[j] = prev && p[j-1] == r[i-1]
			}
			prev = cur
		}
	}
	return dp[len(p)]
}

// FormatValue renders a filter value the way it appears in a query string.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

// Values flattens an OpIn operand into its elements.
func Values(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out
	case []int64:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out
	}
	return []any{v}
}

// ValidateQuery rejects queries no adapter can execute.
func ValidateQuery(q Query) error {
	if q.Table == "" {
		return &Error{Code: CodeInvalidFilter, Message: "query has no table"}
	}
	for _, f := range q.Filters {
		if err := validateFilter(f); err != nil {
			return err
		}
	}
	if q.Limit < 0 {
		return &Error{Code: CodeInvalidFilter, Message: "limit must not be negative"}
	}
	if q.Range != nil && (q.Range.From < 0 || q.Range.To < q.Range.From) {
		return &Error{Code: CodeInvalidFilter, Message: fmt.Sprintf("invalid range %d-%d", q.Range.From, q.Range.To)}
	}
	return nil
}

func validateFilter(f Filter) error {
	if f.Column == "" {
		return &Error{Code: CodeInvalidFilter, Message: "filter has no column"}
	}
	if !f.Op.Valid() {
		return &Error{Code: CodeInvalidFilter, Message: fmt.Sprintf("unknown operator %q", f.Op)}
	}
	return nil
}
