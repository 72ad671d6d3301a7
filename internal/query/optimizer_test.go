package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docforge/querycache/internal/datasource"
)

func TestOptimizer_SelectColumns(t *testing.T) {
	o := NewOptimizer(nil, nil)

	tests := []struct {
		name    string
		table   string
		columns []string
		want    []string
	}{
		{"star on known table", "contracts", []string{"*"}, []string{"id", "user_id", "status", "created_at", "updated_at"}},
		{"empty on known table", "users", nil, []string{"id", "email", "name", "created_at"}},
		{"star on unknown table", "invoices", []string{"*"}, []string{"*"}},
		{"explicit list keeps known columns", "users", []string{"id", "email", "avatar_blob"}, []string{"id", "email"}},
		{"explicit list on unknown table", "invoices", []string{"total"}, []string{"total"}},
		{"nothing known keeps request", "users", []string{"avatar_blob"}, []string{"avatar_blob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, o.OptimizeSelectColumns(tt.table, tt.columns))
		})
	}
}

func TestOptimizer_Hints(t *testing.T) {
	o := NewOptimizer(nil, nil)

	assert.Equal(t, "/*+ INDEX(status) */ status", o.OptimizeWhereColumn("contracts", "status"))
	assert.Equal(t, "title", o.OptimizeWhereColumn("contracts", "title"))
	assert.Equal(t, "/*+ INDEX_SORT(created_at) */ created_at", o.OptimizeOrderColumn("users", "created_at"))
	assert.Equal(t, "/*+ GROUP_INDEX(user_id) */ user_id", o.OptimizeGroupColumn("contracts", "user_id"))

	j := o.OptimizeJoin(datasource.Join{Table: "users", Condition: "contracts.user_id = users.id"})
	assert.Equal(t, "/*+ INDEX_JOIN(user_id,id) */ users", j.Table)
	assert.Equal(t, "/*+ OPTIMIZE_JOIN */ contracts.user_id = users.id", j.Condition)
	assert.Equal(t, datasource.JoinInner, j.Type)

	j = o.OptimizeJoin(datasource.Join{Table: "vistorias", Condition: "match", Type: datasource.JoinInner})
	assert.Equal(t, "/*+ LARGE_TABLE_JOIN */ match", j.Condition)

	j = o.OptimizeJoin(datasource.Join{Table: "vistorias", Condition: "match", Type: datasource.JoinLeft})
	assert.Equal(t, "match", j.Condition)

	hints := o.Hints(datasource.Query{
		Table:   "contracts",
		Filters: []datasource.Filter{{Column: "status", Op: datasource.OpEq, Value: "active"}, {Column: "title", Op: datasource.OpEq, Value: "x"}},
		Orders:  []datasource.Order{{Column: "created_at"}},
	})
	assert.Equal(t, []string{"/*+ INDEX(status) */ status", "/*+ INDEX_SORT(created_at) */ created_at"}, hints)
}

func TestOptimizer_Pagination(t *testing.T) {
	o := NewOptimizer(nil, nil)

	p := o.OptimizePagination(3, 20, 100)
	assert.Equal(t, Pagination{Offset: 40, Limit: 20, HasMore: true}, p)

	p = o.OptimizePagination(5, 20, 100)
	assert.False(t, p.HasMore)

	p = o.OptimizePagination(2, 50, 20000)
	assert.Equal(t, Pagination{Offset: 0, Limit: 50, HasMore: true, Keyset: true}, p)
}

func TestOptimizer_AnalyzeQueryPerformance(t *testing.T) {
	o := NewOptimizer(nil, nil)

	clean := o.AnalyzeQueryPerformance("select id from contracts where status = 'active' order by created_at")
	assert.Equal(t, 100, clean.Score)
	assert.Equal(t, time.Millisecond, clean.EstimatedTime)
	assert.Empty(t, clean.Issues)

	bad := o.AnalyzeQueryPerformance("select * from contracts join users where title like '%x' order by title")
	assert.Equal(t, 100-20-15-10-15, bad.Score)
	assert.Equal(t, (1+10+50+20+30)*time.Millisecond, bad.EstimatedTime)
	assert.Len(t, bad.Issues, 4)
	assert.Len(t, bad.Suggestions, 4)

	withOn := o.AnalyzeQueryPerformance("select id from contracts join users on contracts.user_id = users.id")
	assert.Equal(t, 100, withOn.Score)

	floor := o.AnalyzeQueryPerformance(
		"select * from x join a where id in (select id from b) and t like '%a' order by q order by r order by s order by u")
	assert.Equal(t, 0, floor.Score)
}

func TestOptimizer_DetectProblematicPatterns(t *testing.T) {
	o := NewOptimizer(nil, nil)

	patterns := o.DetectProblematicPatterns("select * from contracts where lower(title) = 'a' or b = 1 or c = 2 or d = 3")
	require.Len(t, patterns, 3)
	assert.Equal(t, "SELECT *", patterns[0].Pattern)
	assert.Equal(t, SeverityHigh, patterns[0].Severity)
	assert.Equal(t, "Function in WHERE", patterns[1].Pattern)
	assert.Equal(t, "Multiple OR conditions", patterns[2].Pattern)

	assert.Empty(t, o.DetectProblematicPatterns("select * from users"))

	o.UpdateTableStats("users", 50000)
	assert.Len(t, o.DetectProblematicPatterns("select * from users"), 1)

	joins := o.DetectProblematicPatterns("select id from a join b on x join c on y join d on z join e on w")
	require.Len(t, joins, 1)
	assert.Equal(t, SeverityMedium, joins[0].Severity)
}

func TestOptimizer_GenerateIndexSuggestions(t *testing.T) {
	o := NewOptimizer(nil, nil)

	got := o.GenerateIndexSuggestions("select id from contracts where status = 1 order by created_at")
	require.Len(t, got, 3)
	assert.Equal(t, IndexSuggestion{Column: "status,created_at", Type: "composite", Reason: "WHERE and ORDER BY combined", EstimatedImprovement: 0.6}, got[0])
	assert.Equal(t, "created_at", got[1].Column)
	assert.Equal(t, "status", got[2].Column)

	assert.Empty(t, o.GenerateIndexSuggestions("select id from contracts"))
}

func TestOptimizer_GenerateOptimizedQuery(t *testing.T) {
	o := NewOptimizer(nil, nil)

	got := o.GenerateOptimizedQuery("select * from contracts where status = 'a' and title like '%x'")
	assert.Equal(t,
		"select id, user_id, status, created_at, updated_at from contracts where /*+ INDEX(status) */ status = 'a' and title ilike '%x' limit 100",
		got)

	assert.Equal(t, "select * from invoices limit 5", o.GenerateOptimizedQuery("select * from invoices limit 5"))
}

func TestOptimizer_GetQueryStats(t *testing.T) {
	o := NewOptimizer(nil, nil)

	s := o.GetQueryStats("select id from users")
	assert.Equal(t, int64(1000), s.EstimatedRows)
	assert.Equal(t, "low", s.Complexity)
	assert.Equal(t, []string{"TABLE ACCESS FULL"}, s.ExecutionPlan)

	o.UpdateTableStats("users", 5000)
	s = o.GetQueryStats("select id from users join a on x join b on y where id = 1 order by id")
	assert.Equal(t, int64(500), s.EstimatedRows)
	assert.Equal(t, "medium", s.Complexity)
	assert.Equal(t, []string{"TABLE ACCESS FULL", "INDEX RANGE SCAN", "SORT ORDER BY", "NESTED LOOP JOIN"}, s.ExecutionPlan)

	stats, ok := o.TableStats("users")
	require.True(t, ok)
	assert.Equal(t, int64(5000), stats.RowCount)
}
