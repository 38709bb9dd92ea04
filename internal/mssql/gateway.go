// Package mssql wraps a single SQL Server connection: parameterized
// statements, scalar queries, row fetches, and transactions at a chosen
// isolation level. Every other package in this module talks to the
// database exclusively through a *Gateway.
package mssql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/denisenkom/go-mssqldb"
)

// Gateway holds one persistent connection to a SQL Server database. A
// persistent connection (rather than a pooled *sql.DB) is required
// because CHANGETABLE reads and the snapshot-isolation transaction that
// wraps them must execute on the same physical connection.
type Gateway struct {
	db   *sql.DB
	conn *sql.Conn
	dsn  string
}

// Open dials dsn and acquires a single dedicated connection from the pool.
func Open(ctx context.Context, dsn string) (*Gateway, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("mssql: open %w", err)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("mssql: acquire connection: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}

	return &Gateway{db: db, conn: conn, dsn: dsn}, nil
}

// Scalar runs query and returns the first column of the first row, or
// nil if the query produced no rows.
func (g *Gateway) Scalar(ctx context.Context, query string, args ...any) (any, error) {
	row := g.conn.QueryRowContext(ctx, query, args...)

	var v any
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("mssql: scalar: %w", err)
	}

	return v, nil
}

// Query runs query and returns a Rows that must be drained and closed by
// the caller before the next statement is issued on this Gateway.
func (g *Gateway) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	rows, err := g.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mssql: query: %w", err)
	}

	return newRows(rows), nil
}

// Exec runs a statement that returns no rows.
func (g *Gateway) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := g.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mssql: exec: %w", err)
	}
	return res, nil
}

// Begin opens a transaction at the given isolation level on this
// Gateway's connection.
func (g *Gateway) Begin(ctx context.Context, level sql.IsolationLevel) (*Tx, error) {
	tx, err := g.conn.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return nil, fmt.Errorf("mssql: begin: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Close releases the underlying connection on every exit path.
func (g *Gateway) Close() error {
	var connErr, dbErr error
	if g.conn != nil {
		connErr = g.conn.Close()
	}
	if g.db != nil {
		dbErr = g.db.Close()
	}
	if connErr != nil {
		return fmt.Errorf("mssql: close connection: %w", connErr)
	}
	if dbErr != nil {
		return fmt.Errorf("mssql: close pool: %w", dbErr)
	}
	return nil
}

// DSN returns the connection string this Gateway was opened with, for
// logging and error attribution. The password component is never logged
// by callers — see config.DatabaseEndpoint.Redacted.
func (g *Gateway) DSN() string {
	return g.dsn
}
