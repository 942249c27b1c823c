package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IngestCSV loads a CSV stream into a new dataset table and records it in
// the catalog. The first row must be a header. Re-ingesting an existing
// dataset name replaces the previous table.
func (s *Store) IngestCSV(name string, r io.Reader) (Dataset, error) {
	if strings.TrimSpace(name) == "" {
		return Dataset{}, fmt.Errorf("dataset name is required")
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return Dataset{}, fmt.Errorf("parsing CSV: %w", err)
	}
	if len(records) < 1 {
		return Dataset{}, fmt.Errorf("CSV is empty")
	}

	header := records[0]
	rows := records[1:]

	cols := make([]Column, len(header))
	seen := make(map[string]bool)
	for i, h := range header {
		col := sanitizeIdent(h)
		for seen[col] {
			col += "_"
		}
		seen[col] = true
		cols[i] = Column{Name: col, Type: inferColumnType(rows, i)}
	}

	tableName := "ds_" + sanitizeIdent(name)

	if err := s.dropDataset(name, tableName); err != nil {
		return Dataset{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Dataset{}, fmt.Errorf("beginning ingest transaction: %w", err)
	}
	defer tx.Rollback()

	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = fmt.Sprintf("%q %s", c.Name, c.Type)
	}
	if _, err := tx.Exec(fmt.Sprintf("CREATE TABLE %q (%s)", tableName, strings.Join(defs, ", "))); err != nil {
		return Dataset{}, fmt.Errorf("creating dataset table: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	stmt, err := tx.Prepare(fmt.Sprintf("INSERT INTO %q VALUES (%s)", tableName, placeholders))
	if err != nil {
		return Dataset{}, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for n, rec := range rows {
		args := make([]any, len(cols))
		for i := range cols {
			if i >= len(rec) {
				args[i] = nil
				continue
			}
			args[i] = coerceValue(rec[i], cols[i].Type)
		}
		if _, err := stmt.Exec(args...); err != nil {
			return Dataset{}, fmt.Errorf("inserting row %d: %w", n+1, err)
		}
	}

	ds := Dataset{
		ID:        uuid.New().String(),
		Name:      name,
		TableName: tableName,
		Columns:   cols,
		RowCount:  len(rows),
		CreatedAt: time.Now().UTC(),
	}

	colsJSON, err := json.Marshal(cols)
	if err != nil {
		return Dataset{}, fmt.Errorf("encoding columns: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO datasets (id, name, table_name, columns_json, row_count, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		ds.ID, ds.Name, ds.TableName, string(colsJSON), ds.RowCount, ds.CreatedAt,
	); err != nil {
		return Dataset{}, fmt.Errorf("recording dataset: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Dataset{}, fmt.Errorf("committing ingest: %w", err)
	}
	return ds, nil
}

// dropDataset removes a previous catalog entry and table for name, if any.
func (s *Store) dropDataset(name, tableName string) error {
	if _, err := s.db.Exec("DELETE FROM datasets WHERE name = ?", name); err != nil {
		return fmt.Errorf("removing old catalog entry: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %q", tableName)); err != nil {
		return fmt.Errorf("dropping old dataset table: %w", err)
	}
	return nil
}

// ListDatasets returns all catalog entries ordered by creation time.
func (s *Store) ListDatasets() ([]Dataset, error) {
	rows, err := s.db.Query("SELECT id, name, table_name, columns_json, row_count, created_at FROM datasets ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("querying datasets: %w", err)
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		var ds Dataset
		var colsJSON string
		if err := rows.Scan(&ds.ID, &ds.Name, &ds.TableName, &colsJSON, &ds.RowCount, &ds.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning dataset: %w", err)
		}
		if err := json.Unmarshal([]byte(colsJSON), &ds.Columns); err != nil {
			return nil, fmt.Errorf("decoding columns for %s: %w", ds.Name, err)
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// Describe renders the dataset catalog as a compact schema listing used both
// in generation prompts and in schema-mismatch correction hints.
func (s *Store) Describe() (string, error) {
	datasets, err := s.ListDatasets()
	if err != nil {
		return "", err
	}
	if len(datasets) == 0 {
		return "", fmt.Errorf("no datasets ingested")
	}

	var sb strings.Builder
	for _, ds := range datasets {
		fmt.Fprintf(&sb, "table %s (dataset %q, %d rows):\n", ds.TableName, ds.Name, ds.RowCount)
		for _, c := range ds.Columns {
			fmt.Fprintf(&sb, "  %s %s\n", c.Name, c.Type)
		}
	}
	return sb.String(), nil
}

// sanitizeIdent converts an arbitrary header or dataset name into a safe
// SQL identifier: lowercase, [a-z0-9_] only, never starting with a digit.
func sanitizeIdent(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '_', r == ' ', r == '-', r == '.':
			sb.WriteRune('_')
		}
	}
	out := sb.String()
	if out == "" || (out[0] >= '0' && out[0] <= '9') {
		out = "c_" + out
	}
	return out
}

// inferColumnType scans a column's values and picks the narrowest SQLite
// type that fits all non-empty values.
func inferColumnType(rows [][]string, col int) string {
	typ := "INTEGER"
	sawValue := false
	for _, rec := range rows {
		if col >= len(rec) {
			continue
		}
		v := strings.TrimSpace(rec[col])
		if v == "" {
			continue
		}
		sawValue = true
		if typ == "INTEGER" {
			if _, err := strconv.ParseInt(v, 10, 64); err == nil {
				continue
			}
			typ = "REAL"
		}
		if typ == "REAL" {
			if _, err := strconv.ParseFloat(v, 64); err == nil {
				continue
			}
			typ = "TEXT"
		}
		if typ == "TEXT" {
			break
		}
	}
	if !sawValue {
		return "TEXT"
	}
	return typ
}

func coerceValue(raw, typ string) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	switch typ {
	case "INTEGER":
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	case "REAL":
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return v
}
