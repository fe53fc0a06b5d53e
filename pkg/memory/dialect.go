package memory

import (
	"strconv"
	"strings"
)

// Dialect selects SQL placeholder and DDL flavor.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

func (d Dialect) schema() []string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS causal_failures (
			id ` + id + `,
			component TEXT NOT NULL,
			error_kind TEXT NOT NULL,
			message TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '{}',
			occurred_at BIGINT NOT NULL,
			resolution TEXT,
			resolved_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_causal_failures_key
			ON causal_failures (component, error_kind, id)`,
	}
}

// rebind rewrites ? placeholders to $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
