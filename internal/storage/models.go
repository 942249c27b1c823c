package storage

import "time"

// Column describes one column of an ingested dataset table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"` // TEXT, INTEGER, or REAL
}

// Dataset is a catalog entry describing one queryable table.
type Dataset struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TableName string    `json:"table_name"`
	Columns   []Column  `json:"columns"`
	RowCount  int       `json:"row_count"`
	CreatedAt time.Time `json:"created_at"`
}
