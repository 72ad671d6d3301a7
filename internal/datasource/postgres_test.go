package datasource

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSelect(t *testing.T) {
	tests := []struct {
		name     string
		query    Query
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "select all",
			query:   Query{Table: "users"},
			wantSQL: `SELECT * FROM "users"`,
		},
		{
			name: "filters order limit",
			query: Query{
				Table:   "contracts",
				Columns: []string{"id", "title"},
				Filters: []Filter{{"status", OpEq, "active"}, {"amount", OpGt, 100}, {"title", OpILike, "*lease*"}},
				Orders:  []Order{{Column: "created_at"}, {Column: "id", Ascending: true}},
				Limit:   20,
			},
			wantSQL: `SELECT "id", "title" FROM "contracts" WHERE "status" = $1 AND "amount" > $2 AND "title" ILIKE $3` +
				` ORDER BY "created_at" DESC NULLS LAST, "id" ASC NULLS LAST LIMIT 20`,
			wantArgs: []any{"active", 100, "%lease%"},
		},
		{
			name:     "null checks and in",
			query:    Query{Table: "t", Filters: []Filter{{"deleted_at", OpEq, nil}, {"owner", OpNeq, nil}, {"id", OpIn, []any{1, 2}}}},
			wantSQL:  `SELECT * FROM "t" WHERE "deleted_at" IS NULL AND "owner" IS NOT NULL AND "id" = ANY($1)`,
			wantArgs: []any{[]float64{1, 2}},
		},
		{
			name:    "range",
			query:   Query{Table: "t", Range: &Range{From: 20, To: 29}},
			wantSQL: `SELECT * FROM "t" LIMIT 10 OFFSET 20`,
		},
		{
			name: "join and group",
			query: Query{
				Table:   "contracts",
				Joins:   []Join{{Table: "users", Condition: "contracts.owner_id = users.id", Type: JoinLeft}},
				GroupBy: []string{"contracts.status"},
			},
			wantSQL: `SELECT "contracts".* FROM "contracts" LEFT JOIN "users" ON "contracts"."owner_id" = "users"."id"` +
				` GROUP BY "contracts"."status"`,
		},
		{
			name:    "quoted identifiers",
			query:   Query{Table: `we"ird`, Columns: []string{`a"b`}},
			wantSQL: `SELECT "a""b" FROM "we""ird"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := BuildSelect(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestBuildSelect_RejectsUnsafeJoin(t *testing.T) {
	_, _, err := BuildSelect(Query{
		Table: "contracts",
		Joins: []Join{{Table: "users", Condition: "1=1; DROP TABLE users"}},
	})
	var dsErr *Error
	require.ErrorAs(t, err, &dsErr)
	assert.Equal(t, CodeInvalidFilter, dsErr.Code)

	sql, _, err := BuildSelect(Query{Table: "a", Joins: []Join{{Table: "b", Type: JoinInner}}})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "a".* FROM "a" CROSS JOIN "b"`, sql)
}

func TestBuildCount(t *testing.T) {
	sql, args, err := BuildCount(Query{Table: "users", Filters: []Filter{{"role", OpEq, "admin"}}, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, `SELECT count(*) FROM "users" WHERE "role" = $1`, sql)
	assert.Equal(t, []any{"admin"}, args)
}

func TestBuildMutation(t *testing.T) {
	tests := []struct {
		name     string
		op       Operation
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "insert fills missing columns with defaults",
			op:       Operation{Kind: OpInsert, Table: "users", Data: []Row{{"name": "Ana"}, {"name": "Bia", "role": "admin"}}},
			wantSQL:  `INSERT INTO "users" ("name", "role") VALUES ($1, DEFAULT), ($2, $3) RETURNING *`,
			wantArgs: []any{"Ana", "Bia", "admin"},
		},
		{
			name:     "upsert",
			op:       Operation{Kind: OpUpsert, Table: "users", Data: []Row{{"email": "a@x", "name": "Ana"}}, OnConflict: "email"},
			wantSQL:  `INSERT INTO "users" ("email", "name") VALUES ($1, $2) ON CONFLICT ("email") DO UPDATE SET "name" = EXCLUDED."name" RETURNING *`,
			wantArgs: []any{"a@x", "Ana"},
		},
		{
			name:     "upsert with only conflict columns",
			op:       Operation{Kind: OpUpsert, Table: "tags", Data: []Row{{"id": 1}}},
			wantSQL:  `INSERT INTO "tags" ("id") VALUES ($1) ON CONFLICT ("id") DO NOTHING RETURNING *`,
			wantArgs: []any{1},
		},
		{
			name:     "update",
			op:       Operation{Kind: OpUpdate, Table: "users", Data: []Row{{"role": "user", "active": false}}, Where: []Filter{{"id", OpEq, 7}}},
			wantSQL:  `UPDATE "users" SET "active" = $1, "role" = $2 WHERE "id" = $3 RETURNING *`,
			wantArgs: []any{false, "user", 7},
		},
		{
			name:     "delete",
			op:       Operation{Kind: OpDelete, Table: "sessions", Where: []Filter{{"expires_at", OpLt, "2024-01-01"}}},
			wantSQL:  `DELETE FROM "sessions" WHERE "expires_at" < $1 RETURNING *`,
			wantArgs: []any{"2024-01-01"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := BuildMutation(tt.op)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}

	sql, _, err := BuildMutation(Operation{Kind: OpInsert, Table: "users"})
	require.NoError(t, err)
	assert.Empty(t, sql)

	_, _, err = BuildMutation(Operation{Kind: OpUpdate, Table: "users", Data: []Row{{}}})
	assert.Error(t, err)
	_, _, err = BuildMutation(Operation{Kind: "merge", Table: "users"})
	assert.Error(t, err)
}

func TestNormalizeValue(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, id.String(), normalizeValue([16]byte(id)))
	assert.Equal(t, "x", normalizeValue("x"))
}

// TestPostgres_Live runs against a real database when POSTGRES_DSN is set.
func TestPostgres_Live(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()
	p, err := NewPostgres(ctx, PostgresConfig{DSN: dsn, MaxConns: 2}, nil)
	require.NoError(t, err)
	defer p.Close()

	table := "querycache_test_" + uuid.NewString()[:8]
	_, err = p.pool.Exec(ctx, `CREATE TABLE "`+table+`" (id int PRIMARY KEY, name text)`)
	require.NoError(t, err)
	defer p.pool.Exec(ctx, `DROP TABLE "`+table+`"`)

	_, err = p.Insert(ctx, table, []Row{{"id": 1, "name": "a"}, {"id": 2, "name": "b"}})
	require.NoError(t, err)

	_, err = p.Transaction(ctx, []Operation{
		{Kind: OpDelete, Table: table, Where: []Filter{{"id", OpEq, 1}}},
		{Kind: OpInsert, Table: table, Data: []Row{{"id": 2, "name": "dup"}}},
	})
	var dsErr *Error
	require.ErrorAs(t, err, &dsErr)
	assert.Equal(t, CodeUniqueViolation, dsErr.Code)

	n, err := p.Count(ctx, Query{Table: table})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
