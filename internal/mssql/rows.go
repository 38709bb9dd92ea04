package mssql

import (
	"database/sql"
	"fmt"
)

// Rows wraps *sql.Rows with an explicit Drain/Close pair so a caller
// holding an open reader is forced to finish with it before issuing the
// next statement on the same connection (see Gateway.Query).
type Rows struct {
	rows   *sql.Rows
	closed bool
}

func newRows(rows *sql.Rows) *Rows {
	return &Rows{rows: rows}
}

// Columns returns the column names of the result set.
func (r *Rows) Columns() ([]string, error) {
	return r.rows.Columns()
}

// Next advances to the next row, scanning column values (as driver-native
// types) into dest, which must have len(dest) == len(Columns()).
func (r *Rows) Next(dest []any) (bool, error) {
	if !r.rows.Next() {
		return false, r.rows.Err()
	}

	ptrs := make([]any, len(dest))
	for i := range dest {
		ptrs[i] = &dest[i]
	}

	if err := r.rows.Scan(ptrs...); err != nil {
		return false, fmt.Errorf("mssql: scan row: %w", err)
	}

	return true, nil
}

// Drain reads and discards any remaining rows without scanning them.
// Callers that stop iterating early (e.g. after an error) must call this
// before Close so the connection is not left mid-result-set.
func (r *Rows) Drain() {
	for r.rows.Next() {
	}
}

// Close releases the underlying *sql.Rows. Safe to call more than once.
func (r *Rows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.rows.Close()
}
