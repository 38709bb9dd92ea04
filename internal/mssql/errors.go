package mssql

import (
	"context"
	"errors"
	"net"
	"strings"

	mssqldriver "github.com/denisenkom/go-mssqldb"
)

// IsTransient reports whether err is a connection-level failure worth
// retrying (dropped connection, deadline, transient SQL Server error)
// rather than a statement-level error that will recur on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var sqlErr mssqldriver.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Number {
		// 40001: deadlock victim, 40613: database unavailable,
		// 10928/10929: resource governor throttling, 233: shared memory
		// transport severed, connection was already closed.
		case 40001, 40613, 10928, 10929, 233:
			return true
		}
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return true
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "connection closed") ||
		strings.Contains(errStr, "connection lost") ||
		strings.Contains(errStr, "broken pipe") {
		return true
	}

	return false
}
