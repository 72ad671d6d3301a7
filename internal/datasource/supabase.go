package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	postgrest "github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"
)

// TransactionFunction is the database function that applies a list of
// operations atomically on the Supabase side.
const TransactionFunction = "execute_transaction"

// SupabaseConfig holds the project coordinates.
type SupabaseConfig struct {
	URL    string `yaml:"url"`
	Key    string `yaml:"key"`
	Schema string `yaml:"schema"`
}

// Supabase talks to PostgREST through the supabase-go client.
type Supabase struct {
	config SupabaseConfig
	logger *zap.Logger

	mu     sync.RWMutex
	client *supabase.Client
}

// NewSupabase creates the adapter. It does not contact the server.
func NewSupabase(config SupabaseConfig, logger *zap.Logger) (*Supabase, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supabase{config: config, logger: logger}
	client, err := s.newClient()
	if err != nil {
		return nil, err
	}
	s.client = client
	return s, nil
}

func (s *Supabase) newClient() (*supabase.Client, error) {
	var opts *supabase.ClientOptions
	if s.config.Schema != "" {
		opts = &supabase.ClientOptions{Schema: s.config.Schema}
	}
	client, err := supabase.NewClient(s.config.URL, s.config.Key, opts)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return client, nil
}

func (s *Supabase) Name() string { return "supabase" }

func (s *Supabase) current() *supabase.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// reset replaces the client after a transport failure. The postgrest client
// keeps the first client-side error and fails every later request with it.
func (s *Supabase) reset(cause error) {
	client, err := s.newClient()
	if err != nil {
		s.logger.Error("Failed to rebuild supabase client", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	s.logger.Debug("Rebuilt supabase client", zap.Error(cause))
}

// execute runs a PostgREST request, giving up when ctx is done. The
// request itself cannot be interrupted and finishes in the background.
func (s *Supabase) execute(ctx context.Context, fb *postgrest.FilterBuilder) ([]byte, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	type result struct {
		body  []byte
		count int64
		err   error
	}
	done := make(chan result, 1)
	go func() {
		body, count, err := fb.Execute()
		done <- result{body, count, err}
	}()

	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case r := <-done:
		if r.err != nil {
			err := parseError(r.err)
			var dsErr *Error
			if !errors.As(err, &dsErr) {
				s.reset(r.err)
			}
			return nil, 0, err
		}
		return r.body, r.count, nil
	}
}

func (s *Supabase) Select(ctx context.Context, q Query) ([]Row, error) {
	if err := ValidateQuery(q); err != nil {
		return nil, err
	}
	fb := s.current().From(q.Table).Select(s.selectClause(q), "", false)
	applyFilters(fb, q.Filters)
	for _, o := range q.Orders {
		fb.Order(o.Column, &postgrest.OrderOpts{Ascending: o.Ascending})
	}
	if q.Range != nil {
		fb.Range(q.Range.From, q.Range.To, "")
	} else if q.Limit > 0 {
		fb.Limit(q.Limit, "")
	}
	if len(q.GroupBy) > 0 {
		s.logger.Debug("PostgREST has no GROUP BY, grouping ignored",
			zap.String("table", q.Table),
			zap.Strings("group_by", q.GroupBy))
	}

	body, _, err := s.execute(ctx, fb)
	if err != nil {
		return nil, err
	}
	return decodeRows(body)
}

// selectClause renders columns plus joins as embedded resources. Joins
// follow foreign keys, so an explicit condition is not sent.
func (s *Supabase) selectClause(q Query) string {
	cols := "*"
	if !q.SelectsAll() {
		cols = strings.Join(q.Columns, ",")
	}
	for _, j := range q.Joins {
		switch j.Type {
		case JoinInner:
			cols += "," + j.Table + "!inner(*)"
		case JoinRight:
			s.logger.Debug("Right join rendered as left embed", zap.String("table", j.Table))
			cols += "," + j.Table + "(*)"
		default:
			cols += "," + j.Table + "(*)"
		}
	}
	return cols
}

func (s *Supabase) Count(ctx context.Context, q Query) (int64, error) {
	if err := ValidateQuery(q); err != nil {
		return 0, err
	}
	fb := s.current().From(q.Table).Select("*", "exact", true)
	applyFilters(fb, q.Filters)
	_, count, err := s.execute(ctx, fb)
	return count, err
}

func (s *Supabase) Insert(ctx context.Context, table string, rows []Row) ([]Row, error) {
	fb := s.current().From(table).Insert(rows, false, "", "representation", "")
	body, _, err := s.execute(ctx, fb)
	if err != nil {
		return nil, err
	}
	return decodeRows(body)
}

func (s *Supabase) Update(ctx context.Context, table string, patch Row, where []Filter) ([]Row, error) {
	if err := validateFilters(where); err != nil {
		return nil, err
	}
	fb := s.current().From(table).Update(patch, "representation", "")
	applyFilters(fb, where)
	body, _, err := s.execute(ctx, fb)
	if err != nil {
		return nil, err
	}
	return decodeRows(body)
}

func (s *Supabase) Delete(ctx context.Context, table string, where []Filter) ([]Row, error) {
	if err := validateFilters(where); err != nil {
		return nil, err
	}
	fb := s.current().From(table).Delete("representation", "")
	applyFilters(fb, where)
	body, _, err := s.execute(ctx, fb)
	if err != nil {
		return nil, err
	}
	return decodeRows(body)
}

func (s *Supabase) Upsert(ctx context.Context, table string, rows []Row, onConflict string) ([]Row, error) {
	fb := s.current().From(table).Upsert(rows, onConflict, "representation", "")
	body, _, err := s.execute(ctx, fb)
	if err != nil {
		return nil, err
	}
	return decodeRows(body)
}

// Transaction calls the execute_transaction database function with the
// whole operation list so the database applies it atomically.
func (s *Supabase) Transaction(ctx context.Context, ops []Operation) ([][]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, op := range ops {
		if err := validateFilters(op.Where); err != nil {
			return nil, err
		}
	}

	client := s.current()
	done := make(chan string, 1)
	go func() {
		done <- client.Rpc(TransactionFunction, "", map[string]any{"operations": ops})
	}()

	var body string
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case body = <-done:
	}

	if body == "" {
		err := errors.New("transaction call returned no response")
		s.reset(err)
		return nil, err
	}
	return decodeTransaction([]byte(body))
}

func decodeTransaction(body []byte) ([][]Row, error) {
	if dsErr := decodeErrorBody(body); dsErr != nil {
		return nil, dsErr
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode transaction result: %w", err)
	}
	results := make([][]Row, len(raw))
	for i, part := range raw {
		var rows []Row
		if err := json.Unmarshal(part, &rows); err == nil {
			results[i] = rows
			continue
		}
		var row Row
		if err := json.Unmarshal(part, &row); err == nil && row != nil {
			results[i] = []Row{row}
		}
	}
	return results, nil
}

// decodeErrorBody recognizes a PostgREST error object.
func decodeErrorBody(body []byte) *Error {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var e Error
	if err := json.Unmarshal(body, &e); err != nil || e.Message == "" {
		return nil
	}
	return &e
}

func decodeRows(body []byte) ([]Row, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var rows []Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return rows, nil
}

func validateFilters(filters []Filter) error {
	for _, f := range filters {
		if err := validateFilter(f); err != nil {
			return err
		}
	}
	return nil
}

// applyFilters adds filters to fb. The builder keys filters by column, so a
// column filtered more than once goes into a single and=(...) group.
func applyFilters(fb *postgrest.FilterBuilder, filters []Filter) {
	perColumn := make(map[string]int, len(filters))
	for _, f := range filters {
		perColumn[f.Column]++
	}

	var grouped []string
	for _, f := range filters {
		if perColumn[f.Column] > 1 {
			grouped = append(grouped, f.Column+"."+filterExpr(f, true))
			continue
		}
		switch {
		case f.Op == OpIn:
			fb.In(f.Column, stringValues(f.Value))
		case f.Op == OpEq && f.Value == nil:
			fb.Is(f.Column, "null")
		default:
			fb.Filter(f.Column, string(f.Op), FormatValue(f.Value))
		}
	}
	if len(grouped) > 0 {
		fb.And(strings.Join(grouped, ","), "")
	}
}

var reservedChars = regexp.MustCompile(`[,()]`)

// filterExpr renders "op.value" for use inside a logical group.
func filterExpr(f Filter, quote bool) string {
	if f.Op == OpEq && f.Value == nil {
		return "is.null"
	}
	if f.Op == OpIn {
		vals := stringValues(f.Value)
		for i, v := range vals {
			if reservedChars.MatchString(v) {
				vals[i] = `"` + v + `"`
			}
		}
		return "in.(" + strings.Join(vals, ",") + ")"
	}
	v := FormatValue(f.Value)
	if quote && reservedChars.MatchString(v) {
		v = `"` + v + `"`
	}
	return string(f.Op) + "." + v
}

func stringValues(v any) []string {
	vals := Values(v)
	out := make([]string, len(vals))
	for i, x := range vals {
		out[i] = FormatValue(x)
	}
	return out
}
