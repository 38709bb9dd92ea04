// Package apply orders and executes a ChangeBatch's DML against a
// destination, advancing SyncInfo atomically (spec.md §4.5).
package apply

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/snapflowio/mssql-replicator/extract"
	"github.com/snapflowio/mssql-replicator/internal/mssql"
	"github.com/snapflowio/mssql-replicator/logger"
	"github.com/snapflowio/mssql-replicator/syncinfo"
)

var log = logger.Named("apply")

// ApplyError wraps any failure inside a destination's apply transaction
// (spec.md §7). The transaction is always rolled back before this error
// is returned.
type ApplyError struct {
	Destination string
	Err         error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply: destination %s: %v", e.Destination, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Applier executes one destination's share of a ChangeBatch.
type Applier struct {
	gw          *mssql.Gateway
	tracker     *syncinfo.Tracker
	dryRun      bool
	isolation   sql.IsolationLevel
	destination string
}

// New constructs an Applier. Every apply transaction runs at
// read-uncommitted isolation (spec.md §4.5): destinations are assumed to
// have no concurrent writers, so this choice minimizes locking against
// readers. The level is fixed; neither New nor Applier offers a way to
// select a different one.
func New(destination string, gw *mssql.Gateway, dryRun bool) *Applier {
	return &Applier{
		gw:          gw,
		tracker:     syncinfo.NewTracker(gw, dryRun),
		dryRun:      dryRun,
		isolation:   sql.LevelReadUncommitted,
		destination: destination,
	}
}

// Apply orders batch's records by (version, table name) ascending,
// executes the corresponding DML, advances SyncInfo, and commits — all
// inside one transaction. On any failure the transaction is rolled back
// and the destination is left at its previous version (spec.md §4.5).
func (a *Applier) Apply(ctx context.Context, batch *extract.ChangeBatch) error {
	ordered := Order(batch.Records)

	if a.dryRun {
		return a.applyDryRun(ordered, batch.SourceCurrentVersion)
	}

	tx, err := a.gw.Begin(ctx, a.isolation)
	if err != nil {
		return &ApplyError{Destination: a.destination, Err: fmt.Errorf("begin transaction: %w", err)}
	}
	defer tx.Rollback()

	for _, record := range ordered {
		stmt, args := BuildDML(record)
		for _, s := range stmt.statements {
			if _, err := tx.Exec(ctx, s, args...); err != nil {
				return &ApplyError{Destination: a.destination, Err: fmt.Errorf("exec %s: %w", describeStatement(s), err)}
			}
		}
	}

	if err := a.tracker.Advance(ctx, tx, batch.SourceCurrentVersion); err != nil {
		return &ApplyError{Destination: a.destination, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &ApplyError{Destination: a.destination, Err: fmt.Errorf("commit: %w", err)}
	}

	log.Info("applied change batch", "destination", a.destination, "records", len(ordered), "version", batch.SourceCurrentVersion)
	return nil
}

func (a *Applier) applyDryRun(ordered []extract.ChangeRecord, version int64) error {
	for _, record := range ordered {
		stmt, args := BuildDML(record)
		for _, s := range stmt.statements {
			log.Info("dry-run statement", "destination", a.destination, "sql", s, "params", formatParams(args))
		}
	}
	log.Info("dry-run: would advance SyncInfo", "destination", a.destination, "version", version)
	return nil
}

// Order sorts records primarily by Version ascending, secondarily by
// Table.QualifiedName ascending (spec.md §4.5 "Ordering"). The input
// slice is not mutated; a new sorted slice is returned.
func Order(records []extract.ChangeRecord) []extract.ChangeRecord {
	ordered := make([]extract.ChangeRecord, len(records))
	copy(ordered, records)

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Version != ordered[j].Version {
			return ordered[i].Version < ordered[j].Version
		}
		return ordered[i].Table.QualifiedName < ordered[j].Table.QualifiedName
	})

	return ordered
}

// statementSet is one or more SQL statements sharing the same
// parameter list positions, in execution order.
type statementSet struct {
	statements []string
}

// BuildDML generates the DML statement(s) and parameter list for one
// ChangeRecord, per spec.md §4.5's per-record generation rules.
func BuildDML(record extract.ChangeRecord) (statementSet, []any) {
	switch record.Op {
	case extract.Insert:
		return buildInsert(record)
	case extract.Update:
		return buildUpdate(record)
	case extract.Delete:
		return buildDelete(record)
	default:
		panic(fmt.Sprintf("apply: unhandled operation %v", record.Op))
	}
}

func buildInsert(record extract.ChangeRecord) (statementSet, []any) {
	table := record.Table.QualifiedName
	allColumns := make([]string, 0, len(record.Table.KeyColumns)+len(record.Table.OtherColumns))
	allColumns = append(allColumns, record.Table.KeyColumns...)
	allColumns = append(allColumns, record.Table.OtherColumns...)

	placeholders := make([]string, len(allColumns))
	args := make([]any, 0, len(allColumns))
	i := 1
	for _, kv := range record.Keys {
		placeholders[i-1] = fmt.Sprintf("@p%d", i)
		args = append(args, kvArg(kv))
		i++
	}
	for _, kv := range record.Others {
		placeholders[i-1] = fmt.Sprintf("@p%d", i)
		args = append(args, kvArg(kv))
		i++
	}

	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s);",
		table,
		strings.Join(allColumns, ", "),
		strings.Join(placeholders, ", "),
	)

	return statementSet{statements: []string{
		fmt.Sprintf("SET IDENTITY_INSERT %s ON;", table),
		insertSQL,
		fmt.Sprintf("SET IDENTITY_INSERT %s OFF;", table),
	}}, args
}

// buildUpdate follows spec.md §4.5 exactly: the parameter array is
// (keys, then others) so that WHERE references @p1..@pm (the key
// count) and SET references @p(m+1).. onward.
func buildUpdate(record extract.ChangeRecord) (statementSet, []any) {
	table := record.Table.QualifiedName
	keyCount := len(record.Keys)
	args := make([]any, 0, keyCount+len(record.Others))

	whereClauses := make([]string, keyCount)
	for i, kv := range record.Keys {
		whereClauses[i] = fmt.Sprintf("%s = @p%d", kv.Name, i+1)
		args = append(args, kvArg(kv))
	}

	setClauses := make([]string, len(record.Others))
	for i, kv := range record.Others {
		setClauses[i] = fmt.Sprintf("%s = @p%d", kv.Name, keyCount+i+1)
		args = append(args, kvArg(kv))
	}

	sqlStmt := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s;",
		table,
		strings.Join(setClauses, ", "),
		strings.Join(whereClauses, " AND "),
	)

	return statementSet{statements: []string{sqlStmt}}, args
}

func buildDelete(record extract.ChangeRecord) (statementSet, []any) {
	table := record.Table.QualifiedName
	args := make([]any, 0, len(record.Keys))

	whereClauses := make([]string, len(record.Keys))
	for i, kv := range record.Keys {
		whereClauses[i] = fmt.Sprintf("%s = @p%d", kv.Name, i+1)
		args = append(args, kvArg(kv))
	}

	sqlStmt := fmt.Sprintf("DELETE FROM %s WHERE %s;", table, strings.Join(whereClauses, " AND "))

	return statementSet{statements: []string{sqlStmt}}, args
}

func kvArg(kv extract.KV) any {
	if kv.Null {
		return nil
	}
	return kv.Value
}

func describeStatement(stmt string) string {
	if len(stmt) > 40 {
		return stmt[:40] + "..."
	}
	return stmt
}

func formatParams(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case nil:
			parts[i] = fmt.Sprintf("@%d = NULL", i)
		case string:
			parts[i] = fmt.Sprintf("@%d = '%s'", i, v)
		default:
			parts[i] = fmt.Sprintf("@%d = %v", i, v)
		}
	}
	return strings.Join(parts, ", ")
}
