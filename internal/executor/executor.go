package executor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const defaultRowLimit = 1000

// Row is one result record keyed by column name.
type Row map[string]any

// Rows is an ordered result set. Columns preserves the SELECT column order
// so renderers don't depend on map iteration.
type Rows struct {
	Columns []string `json:"columns"`
	Records []Row    `json:"records"`
}

// Count returns the number of records.
func (r Rows) Count() int {
	return len(r.Records)
}

// Executor runs candidate SQL read-only against the dataset database.
type Executor struct {
	db       *sql.DB
	rowLimit int
}

// New creates an Executor over the given database handle. rowLimit caps the
// number of records returned per query (default 1000 if <= 0).
func New(db *sql.DB, rowLimit int) *Executor {
	if rowLimit <= 0 {
		rowLimit = defaultRowLimit
	}
	return &Executor{db: db, rowLimit: rowLimit}
}

// Execute runs the query and returns its result set. Any error — guard
// rejection, SQL failure, or transport problem — comes back as a plain
// error; the caller classifies its message.
func (e *Executor) Execute(ctx context.Context, query string) (Rows, error) {
	if err := guard(query); err != nil {
		return Rows{}, err
	}

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return Rows{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Rows{}, fmt.Errorf("reading columns: %w", err)
	}

	out := Rows{Columns: cols}
	for rows.Next() {
		if len(out.Records) >= e.rowLimit {
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Rows{}, fmt.Errorf("scanning row: %w", err)
		}
		rec := make(Row, len(cols))
		for i, c := range cols {
			rec[c] = normalize(values[i])
		}
		out.Records = append(out.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return Rows{}, err
	}

	return out, nil
}

// guard rejects anything other than a single read-only statement.
func guard(query string) error {
	q := strings.TrimSpace(query)
	q = strings.TrimSuffix(q, ";")
	if strings.Contains(q, ";") {
		return fmt.Errorf("query must be a single statement; found multiple terminated statements")
	}
	first := strings.ToUpper(firstWord(q))
	if first != "SELECT" && first != "WITH" {
		return fmt.Errorf("only SELECT statements are allowed, got %q", firstWord(q))
	}
	return nil
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
