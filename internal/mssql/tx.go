package mssql

import (
	"context"
	"database/sql"
	"fmt"
)

// Tx is a transaction opened on a Gateway's connection.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mssql: tx exec: %w", err)
	}
	return res, nil
}

func (t *Tx) Scalar(ctx context.Context, query string, args ...any) (any, error) {
	row := t.tx.QueryRowContext(ctx, query, args...)

	var v any
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("mssql: tx scalar: %w", err)
	}

	return v, nil
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mssql: tx query: %w", err)
	}
	return newRows(rows), nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("mssql: commit: %w", err)
	}
	return nil
}

// Rollback discards the transaction. Calling Rollback after a successful
// Commit is a no-op error from database/sql (sql.ErrTxDone) which callers
// ignore via defer.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("mssql: rollback: %w", err)
	}
	return nil
}
