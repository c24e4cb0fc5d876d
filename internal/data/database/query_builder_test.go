package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildListQuery(t *testing.T) {
	since := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		opts     *ListQueryOptions
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "bare table",
			opts:    NewListQueryOptions("voice_messages"),
			wantSQL: `SELECT * FROM "voice_messages"`,
		},
		{
			name: "columns order and paging",
			opts: NewListQueryOptions("voice_messages",
				WithColumns("id", "status"),
				WithOrderBy("created_at", "desc"),
				WithLimit(20),
				WithOffset(40),
			),
			wantSQL:  `SELECT "id", "status" FROM "voice_messages" ORDER BY "created_at" DESC, "id" DESC LIMIT $1 OFFSET $2`,
			wantArgs: []any{20, 40},
		},
		{
			name: "conditions are anded and numbered",
			opts: NewListQueryOptions("public.voice_messages",
				WithCondition(WhereCond("status", Equal, "FAILED")),
				WithCondition(WhereCond("created_at", GreaterThanOrEqual, since)),
				WithCondition(WhereCond("error_message", IsNull, false)),
				WithLimit(5),
			),
			wantSQL:  `SELECT * FROM "public"."voice_messages" WHERE "status" = $1 AND "created_at" >= $2 AND "error_message" IS NOT NULL LIMIT $3`,
			wantArgs: []any{"FAILED", since, 5},
		},
		{
			name: "in uses any",
			opts: NewListQueryOptions("voice_messages",
				WithCondition(WhereCond("status", In, []string{"RECEIVED", "PROCESSING"})),
				WithCondition(WhereCond("processed_at", IsNull, true)),
				WithOrderBy("id", "asc"),
			),
			wantSQL:  `SELECT * FROM "voice_messages" WHERE "status" = ANY($1) AND "processed_at" IS NULL ORDER BY "id" ASC`,
			wantArgs: []any{[]string{"RECEIVED", "PROCESSING"}},
		},
		{
			name: "negative offset and zero limit are dropped",
			opts: NewListQueryOptions("voice_messages",
				WithLimit(0),
				WithOffset(-3),
			),
			wantSQL: `SELECT * FROM "voice_messages"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := BuildListQuery(tt.opts)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestQuoteIdentEscapesQuotes(t *testing.T) {
	assert.Equal(t, `"bad""name"`, quoteIdent(`bad"name`))
	assert.Equal(t, `"s"."t"`, quoteIdent(" s.t "))
}
