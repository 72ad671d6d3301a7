package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docforge/querycache/internal/datasource"
)

// LargeTableRows is the row count above which a table is treated as large.
const LargeTableRows = 10000

// Severity grades a detected query anti-pattern.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// TableMeta is what the optimizer knows about one table.
type TableMeta struct {
	Indexes         []string
	Optimized       []string
	Essential       []string
	HighCardinality []string
	Large           bool
}

// TableStats holds observed statistics for a table.
type TableStats struct {
	RowCount     int64     `json:"row_count"`
	LastAnalyzed time.Time `json:"last_analyzed"`
}

// Performance is the result of scoring a query text.
type Performance struct {
	Score         int           `json:"score"`
	Issues        []string      `json:"issues"`
	Suggestions   []string      `json:"suggestions"`
	EstimatedTime time.Duration `json:"estimated_time"`
}

// Pattern is a problematic construct found in a query text.
type Pattern struct {
	Pattern     string   `json:"pattern"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Fix         string   `json:"fix"`
}

// IndexSuggestion proposes an index and its estimated improvement (0-1).
type IndexSuggestion struct {
	Column               string  `json:"column"`
	Type                 string  `json:"type"`
	Reason               string  `json:"reason"`
	EstimatedImprovement float64 `json:"estimated_improvement"`
}

// Pagination is the offset window chosen for a page request. Keyset is set
// when the table is too large for offset paging.
type Pagination struct {
	Offset  int  `json:"offset"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"has_more"`
	Keyset  bool `json:"keyset"`
}

// Stats is a rough cost estimate for a query text.
type Stats struct {
	EstimatedRows int64    `json:"estimated_rows"`
	Complexity    string   `json:"complexity"`
	ExecutionPlan []string `json:"execution_plan"`
}

// JoinHint is a join annotated with planner hints.
type JoinHint struct {
	Table     string
	Condition string
	Type      datasource.JoinType
}

type rewriteRule struct {
	priority    int
	description string
	pattern     *regexp.Regexp
	apply       func(o *Optimizer, sql, table string) string
}

var (
	reSelectAll     = regexp.MustCompile(`(?i)select\s+\*`)
	reJoin          = regexp.MustCompile(`(?i)\bjoin\s+(\w+)(?:\s+(\w+))?`)
	reOrderBy       = regexp.MustCompile(`(?i)order\s+by\s+(\w+)`)
	reLeadingLike   = regexp.MustCompile(`(?i)\blike\s+(['"])%`)
	reInSubselect   = regexp.MustCompile(`(?i)\w+\s+in\s*\(\s*select`)
	reFuncInWhere   = regexp.MustCompile(`(?i)where\s+.*\w+\s*\(`)
	reOr            = regexp.MustCompile(`(?i)\bor\b`)
	reWhereColumn   = regexp.MustCompile(`(?i)where\s+(\w+)`)
	reFromTable     = regexp.MustCompile(`(?i)from\s+(\w+)`)
	reLimit         = regexp.MustCompile(`(?i)\blimit\s+\d+`)
	reJoinWord      = regexp.MustCompile(`(?i)join`)
	reGroupBy       = regexp.MustCompile(`(?i)group\s+by`)
	reSubselect     = regexp.MustCompile(`(?i)subselect`)
	reJoinCondition = regexp.MustCompile(`(\w+)\.(\w+)\s*=\s*(\w+)\.(\w+)`)
)

// Optimizer rewrites query descriptions and scores query texts. It never
// executes anything; every hint it produces is advisory.
type Optimizer struct {
	mu     sync.RWMutex
	tables map[string]TableMeta
	stats  map[string]TableStats
	rules  []rewriteRule
	logger *zap.Logger
}

// DefaultTables returns the built-in table catalogue.
func DefaultTables() map[string]TableMeta {
	return map[string]TableMeta{
		"contracts": {
			Indexes:         []string{"id", "user_id", "created_at", "status"},
			Optimized:       []string{"id", "user_id", "status", "created_at", "updated_at"},
			Essential:       []string{"id", "status", "user_id"},
			HighCardinality: []string{"id", "user_id"},
			Large:           true,
		},
		"users": {
			Indexes:         []string{"id", "email", "created_at"},
			Optimized:       []string{"id", "email", "name", "created_at"},
			Essential:       []string{"id", "email"},
			HighCardinality: []string{"id", "email"},
		},
		"vistorias": {
			Indexes:         []string{"id", "contract_id", "created_at", "status"},
			Optimized:       []string{"id", "contract_id", "status", "created_at", "completed_at"},
			Essential:       []string{"id", "contract_id", "status"},
			HighCardinality: []string{"id", "contract_id"},
			Large:           true,
		},
		"prestadores": {
			Indexes:         []string{"id", "user_id", "specialty", "created_at"},
			Optimized:       []string{"id", "user_id", "name", "specialty", "rating"},
			Essential:       []string{"id", "user_id", "specialty"},
			HighCardinality: []string{"id"},
		},
		"documents": {Large: true},
	}
}

// NewOptimizer creates an optimizer over tables. A nil map uses DefaultTables.
func NewOptimizer(tables map[string]TableMeta, logger *zap.Logger) *Optimizer {
	if tables == nil {
		tables = DefaultTables()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Optimizer{
		tables: tables,
		stats:  make(map[string]TableStats),
		logger: logger,
	}
	o.rules = []rewriteRule{
		{100, "replace SELECT * with the table's column list", reSelectAll, (*Optimizer).expandSelectAll},
		{80, "bound unlimited reads on large tables", reFromTable, (*Optimizer).addLimit},
		{70, "use ilike for leading-wildcard patterns", reLeadingLike, (*Optimizer).leadingLikeToILike},
		{60, "annotate indexed WHERE columns", reWhereColumn, (*Optimizer).annotateWhere},
	}
	sort.SliceStable(o.rules, func(i, j int) bool { return o.rules[i].priority > o.rules[j].priority })
	return o
}

// SetTable registers or replaces the metadata for a table.
func (o *Optimizer) SetTable(name string, meta TableMeta) {
	o.mu.Lock()
	o.tables[name] = meta
	o.mu.Unlock()
}

// UpdateTableStats records the observed row count of a table.
func (o *Optimizer) UpdateTableStats(table string, rowCount int64) {
	o.mu.Lock()
	o.stats[table] = TableStats{RowCount: rowCount, LastAnalyzed: time.Now()}
	o.mu.Unlock()
}

// TableStats returns the recorded statistics for table.
func (o *Optimizer) TableStats(table string) (TableStats, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.stats[table]
	return s, ok
}

func (o *Optimizer) meta(table string) (TableMeta, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.tables[table]
	return m, ok
}

// IsLargeTable reports whether table exceeds LargeTableRows, or is marked
// large when no statistics exist.
func (o *Optimizer) IsLargeTable(table string) bool {
	if s, ok := o.TableStats(table); ok {
		return s.RowCount > LargeTableRows
	}
	m, _ := o.meta(table)
	return m.Large
}

func (o *Optimizer) hasIndex(table, column string) bool {
	m, _ := o.meta(table)
	return contains(m.Indexes, column)
}

// OptimizeSelectColumns narrows a column request. A request for all columns
// becomes the table's optimized list. An explicit list keeps the columns the
// table knows about and falls back to the request when none are known.
func (o *Optimizer) OptimizeSelectColumns(table string, columns []string) []string {
	m, known := o.meta(table)
	if selectsAll(columns) {
		if known && len(m.Optimized) > 0 {
			return append([]string(nil), m.Optimized...)
		}
		return []string{"*"}
	}
	if !known || (len(m.Optimized) == 0 && len(m.Essential) == 0) {
		return columns
	}

	var kept []string
	for _, c := range columns {
		if contains(m.Essential, c) || contains(m.Optimized, c) {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return columns
	}
	if len(kept) < len(columns) {
		o.logger.Debug("Narrowed column selection",
			zap.String("table", table),
			zap.Strings("requested", columns),
			zap.Strings("kept", kept))
	}
	return kept
}

// OptimizeWhereColumn returns an index hint for an indexed filter column.
func (o *Optimizer) OptimizeWhereColumn(table, column string) string {
	if o.hasIndex(table, column) {
		return fmt.Sprintf("/*+ INDEX(%s) */ %s", column, column)
	}
	return column
}

// OptimizeWhereClause annotates every filter column of a query.
func (o *Optimizer) OptimizeWhereClause(table string, filters []datasource.Filter) []string {
	out := make([]string, 0, len(filters))
	for _, f := range filters {
		out = append(out, o.OptimizeWhereColumn(table, f.Column))
	}
	return out
}

// OptimizeOrderColumn returns a sort hint for an indexed order column.
func (o *Optimizer) OptimizeOrderColumn(table, column string) string {
	if o.hasIndex(table, column) {
		return fmt.Sprintf("/*+ INDEX_SORT(%s) */ %s", column, column)
	}
	return column
}

// OptimizeOrderBy annotates every order column of a query.
func (o *Optimizer) OptimizeOrderBy(table string, orders []datasource.Order) []string {
	out := make([]string, 0, len(orders))
	for _, ord := range orders {
		out = append(out, o.OptimizeOrderColumn(table, ord.Column))
	}
	return out
}

// OptimizeGroupColumn returns a grouping hint for high-cardinality columns.
func (o *Optimizer) OptimizeGroupColumn(table, column string) string {
	m, _ := o.meta(table)
	if contains(m.HighCardinality, column) {
		return fmt.Sprintf("/*+ GROUP_INDEX(%s) */ %s", column, column)
	}
	return column
}

// OptimizeJoin annotates a join. Column-equality conditions get index hints;
// inner joins against large tables get a large-table hint.
func (o *Optimizer) OptimizeJoin(j datasource.Join) JoinHint {
	typ := j.Type
	if typ == "" {
		typ = datasource.JoinInner
	}
	if m := reJoinCondition.FindStringSubmatch(j.Condition); m != nil {
		return JoinHint{
			Table:     fmt.Sprintf("/*+ INDEX_JOIN(%s,%s) */ %s", m[2], m[4], j.Table),
			Condition: "/*+ OPTIMIZE_JOIN */ " + j.Condition,
			Type:      typ,
		}
	}
	if typ == datasource.JoinInner && o.IsLargeTable(j.Table) {
		return JoinHint{Table: j.Table, Condition: "/*+ LARGE_TABLE_JOIN */ " + j.Condition, Type: typ}
	}
	return JoinHint{Table: j.Table, Condition: j.Condition, Type: typ}
}

// OptimizeJoins annotates every join of a query.
func (o *Optimizer) OptimizeJoins(joins []datasource.Join) []JoinHint {
	out := make([]JoinHint, 0, len(joins))
	for _, j := range joins {
		out = append(out, o.OptimizeJoin(j))
	}
	return out
}

// OptimizePagination computes the offset window for a 1-based page. Above
// LargeTableRows total rows the offset is zeroed and Keyset is set.
func (o *Optimizer) OptimizePagination(page, pageSize int, totalRows int64) Pagination {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize
	p := Pagination{
		Offset:  offset,
		Limit:   pageSize,
		HasMore: int64(offset+pageSize) < totalRows,
	}
	if totalRows > LargeTableRows {
		p.Offset = 0
		p.Keyset = true
	}
	return p
}

// Hints collects the advisory annotations for a whole query description.
func (o *Optimizer) Hints(q datasource.Query) []string {
	var hints []string
	for _, h := range o.OptimizeWhereClause(q.Table, q.Filters) {
		if strings.HasPrefix(h, "/*+") {
			hints = append(hints, h)
		}
	}
	for _, h := range o.OptimizeOrderBy(q.Table, q.Orders) {
		if strings.HasPrefix(h, "/*+") {
			hints = append(hints, h)
		}
	}
	for _, c := range q.GroupBy {
		if h := o.OptimizeGroupColumn(q.Table, c); h != c {
			hints = append(hints, h)
		}
	}
	for _, j := range o.OptimizeJoins(q.Joins) {
		if strings.HasPrefix(j.Table, "/*+") {
			hints = append(hints, j.Table)
		}
		if strings.HasPrefix(j.Condition, "/*+") {
			hints = append(hints, j.Condition)
		}
	}
	return hints
}

// GenerateOptimizedQuery applies the rewrite rules to a query text in
// priority order.
func (o *Optimizer) GenerateOptimizedQuery(sql string) string {
	table := extractTable(sql)
	out := sql
	for _, r := range o.rules {
		if r.pattern.MatchString(out) {
			out = r.apply(o, out, table)
		}
	}
	return out
}

func (o *Optimizer) expandSelectAll(sql, table string) string {
	m, _ := o.meta(table)
	if len(m.Optimized) == 0 {
		return sql
	}
	return reSelectAll.ReplaceAllString(sql, "select "+strings.Join(m.Optimized, ", "))
}

func (o *Optimizer) addLimit(sql, table string) string {
	if reLimit.MatchString(sql) || !o.IsLargeTable(table) {
		return sql
	}
	return sql + " limit 100"
}

func (o *Optimizer) leadingLikeToILike(sql, _ string) string {
	return reLeadingLike.ReplaceAllString(sql, "ilike $1%")
}

func (o *Optimizer) annotateWhere(sql, table string) string {
	return reWhereColumn.ReplaceAllStringFunc(sql, func(match string) string {
		col := reWhereColumn.FindStringSubmatch(match)[1]
		if o.hasIndex(table, col) {
			return fmt.Sprintf("where /*+ INDEX(%s) */ %s", col, col)
		}
		return match
	})
}

// AnalyzeQueryPerformance scores a query text from 100 down. Each detected
// anti-pattern subtracts points and adds to the estimated time.
func (o *Optimizer) AnalyzeQueryPerformance(sql string) Performance {
	table := extractTable(sql)
	p := Performance{Score: 100, EstimatedTime: time.Millisecond}
	penalize := func(points int, cost time.Duration, issue, suggestion string) {
		p.Score -= points
		p.EstimatedTime += cost
		p.Issues = append(p.Issues, issue)
		p.Suggestions = append(p.Suggestions, suggestion)
	}

	if reSelectAll.MatchString(sql) {
		penalize(20, 10*time.Millisecond, "query selects all columns", "list the columns you need")
	}
	if joinWithoutOn(sql) {
		penalize(15, 50*time.Millisecond, "join without ON condition", "add an explicit join condition")
	}
	for _, m := range reOrderBy.FindAllStringSubmatch(sql, -1) {
		if !o.hasIndex(table, m[1]) {
			penalize(10, 20*time.Millisecond,
				"ORDER BY on unindexed column: "+m[1],
				"create an index on "+m[1])
		}
	}
	if reLeadingLike.MatchString(sql) {
		penalize(15, 30*time.Millisecond, "LIKE with leading wildcard cannot use an index", "use a fixed prefix where possible")
	}
	if reInSubselect.MatchString(sql) {
		penalize(25, 100*time.Millisecond, "correlated subquery", "rewrite the subquery as a join")
	}
	if p.Score < 0 {
		p.Score = 0
	}
	return p
}

// joinWithoutOn reports a JOIN whose table is not followed by ON.
func joinWithoutOn(sql string) bool {
	for _, m := range reJoin.FindAllStringSubmatch(sql, -1) {
		if !strings.EqualFold(m[2], "on") {
			return true
		}
	}
	return false
}

// DetectProblematicPatterns finds constructs that usually hurt performance.
func (o *Optimizer) DetectProblematicPatterns(sql string) []Pattern {
	var out []Pattern
	if reSelectAll.MatchString(sql) && o.IsLargeTable(extractTable(sql)) {
		out = append(out, Pattern{
			Pattern:     "SELECT *",
			Severity:    SeverityHigh,
			Description: "SELECT * on a table with many rows",
			Fix:         "select only the columns you need",
		})
	}
	if n := len(reJoinWord.FindAllString(sql, -1)); n > 3 {
		out = append(out, Pattern{
			Pattern:     "Multiple JOINs",
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("%d joins may hurt performance", n),
			Fix:         "consider denormalizing or a materialized view",
		})
	}
	if reFuncInWhere.MatchString(sql) {
		out = append(out, Pattern{
			Pattern:     "Function in WHERE",
			Severity:    SeverityMedium,
			Description: "a function call in WHERE prevents index use",
			Fix:         "move the function to the right-hand side of the comparison",
		})
	}
	if len(reOr.FindAllString(sql, -1)) > 2 {
		out = append(out, Pattern{
			Pattern:     "Multiple OR conditions",
			Severity:    SeverityMedium,
			Description: "many OR conditions can be slow",
			Fix:         "consider UNION or a dedicated index",
		})
	}
	return out
}

// GenerateIndexSuggestions proposes indexes for WHERE and ORDER BY columns,
// ranked by estimated improvement.
func (o *Optimizer) GenerateIndexSuggestions(sql string) []IndexSuggestion {
	var out []IndexSuggestion
	where := reWhereColumn.FindAllStringSubmatch(sql, -1)
	order := reOrderBy.FindAllStringSubmatch(sql, -1)
	for _, m := range where {
		out = append(out, IndexSuggestion{Column: m[1], Type: "single", Reason: "column used in WHERE", EstimatedImprovement: 0.3})
	}
	for _, m := range order {
		out = append(out, IndexSuggestion{Column: m[1], Type: "single", Reason: "column used in ORDER BY", EstimatedImprovement: 0.4})
	}
	if len(where) > 0 && len(order) > 0 {
		out = append(out, IndexSuggestion{
			Column:               where[0][1] + "," + order[0][1],
			Type:                 "composite",
			Reason:               "WHERE and ORDER BY combined",
			EstimatedImprovement: 0.6,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EstimatedImprovement > out[j].EstimatedImprovement
	})
	return out
}

// GetQueryStats estimates rows, complexity and plan steps for a query text.
func (o *Optimizer) GetQueryStats(sql string) Stats {
	lower := strings.ToLower(sql)

	rows := int64(1000)
	if s, ok := o.TableStats(extractTable(sql)); ok {
		rows = s.RowCount
		if strings.Contains(lower, "where") {
			rows = rows / 10
		}
	}

	score := len(reJoinWord.FindAllString(sql, -1))*10 +
		len(reSubselect.FindAllString(sql, -1))*15 +
		len(reGroupBy.FindAllString(sql, -1))*5 +
		len(reOrderBy.FindAllString(sql, -1))*3
	complexity := "high"
	switch {
	case score < 20:
		complexity = "low"
	case score < 50:
		complexity = "medium"
	}

	var plan []string
	if strings.Contains(lower, "select") {
		plan = append(plan, "TABLE ACCESS FULL")
	}
	if strings.Contains(lower, "where") {
		plan = append(plan, "INDEX RANGE SCAN")
	}
	if strings.Contains(lower, "order by") {
		plan = append(plan, "SORT ORDER BY")
	}
	if strings.Contains(lower, "join") {
		plan = append(plan, "NESTED LOOP JOIN")
	}
	return Stats{EstimatedRows: rows, Complexity: complexity, ExecutionPlan: plan}
}

func extractTable(sql string) string {
	if m := reFromTable.FindStringSubmatch(sql); m != nil {
		return m[1]
	}
	return ""
}

func selectsAll(columns []string) bool {
	if len(columns) == 0 {
		return true
	}
	for _, c := range columns {
		if strings.TrimSpace(c) == "*" {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
