package models

import (
	"fmt"
	"sort"

	"github.com/spf13/cast"
)

// Row is one schema-less record returned by a data source.
type Row map[string]any

// DataTable is the tabular payload flowing between data sources and detectors.
type DataTable struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// NewDataTable builds a table and derives the column list from the rows when none is given.
func NewDataTable(columns []string, rows []Row) *DataTable {
	if len(columns) == 0 {
		seen := make(map[string]struct{})
		for _, r := range rows {
			for k := range r {
				if _, ok := seen[k]; !ok {
					seen[k] = struct{}{}
					columns = append(columns, k)
				}
			}
		}
		sort.Strings(columns)
	}
	return &DataTable{Columns: columns, Rows: rows}
}

// Len returns the number of rows.
func (t *DataTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Float reads a numeric cell.
func (r Row) Float(col string) (float64, error) {
	v, ok := r[col]
	if !ok {
		return 0, fmt.Errorf("column %q missing", col)
	}
	return cast.ToFloat64E(v)
}

// Int64 reads an integer cell.
func (r Row) Int64(col string) (int64, error) {
	v, ok := r[col]
	if !ok {
		return 0, fmt.Errorf("column %q missing", col)
	}
	return cast.ToInt64E(v)
}

// String reads a cell as text; missing cells read as "".
func (r Row) String(col string) string {
	return cast.ToString(r[col])
}
