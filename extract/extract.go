// Package extract computes the source's current change-tracking
// version, verifies retention coverage, and streams row-level changes
// into a ChangeBatch (spec.md §4.4).
package extract

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/snapflowio/mssql-replicator/catalog"
	"github.com/snapflowio/mssql-replicator/internal/mssql"
	"github.com/snapflowio/mssql-replicator/logger"
)

var log = logger.Named("extract")

// Operation is the kind of row-level change a ChangeRecord carries.
type Operation byte

const (
	Insert Operation = 'I'
	Update Operation = 'U'
	Delete Operation = 'D'
)

func (op Operation) String() string {
	switch op {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%c)", byte(op))
	}
}

// ParseOperation parses the first character of SYS_CHANGE_OPERATION.
func ParseOperation(code string) (Operation, error) {
	if len(code) == 0 {
		return 0, fmt.Errorf("extract: empty operation code")
	}
	switch op := Operation(code[0]); op {
	case Insert, Update, Delete:
		return op, nil
	default:
		return 0, fmt.Errorf("extract: unrecognized operation code %q", code)
	}
}

// KV is an ordered column name/value pair. A slice of KV replaces the
// source's weakly-typed row container with a plain, positionally
// populated pair list — spec.md §9 "dynamic per-row column sets". Value
// holds the driver-native value (time.Time, bool, []byte, int64, string,
// ...) exactly as returned by the scan; it flows through parameter
// binding unchanged and is never coerced to string.
type KV struct {
	Name  string
	Value any
	Null  bool
}

// ChangeRecord is one row-level change (spec.md §3).
type ChangeRecord struct {
	Table   catalog.TableDescriptor
	Op      Operation
	Version int64
	Keys    []KV // exactly Table.KeyColumns, in order
	Others  []KV // exactly Table.OtherColumns, in order; empty for Delete
}

// ChangeBatch is the source's current version plus every change record
// extracted against a baseline (spec.md §3). Immutable once returned by
// Extract; shared read-only across every destination in a group.
type ChangeBatch struct {
	SourceCurrentVersion int64
	Records              []ChangeRecord
}

// RetentionError reports that a table's change-tracking retention
// window no longer covers a destination group's baseline version
// (spec.md §4.4 step 3a, §7).
type RetentionError struct {
	Table           string
	MinValidVersion int64
	Baseline        int64
}

func (e *RetentionError) Error() string {
	return fmt.Sprintf("extract: table %s retention min valid version %d exceeds baseline %d",
		e.Table, e.MinValidVersion, e.Baseline)
}

// ExtractError wraps a source query/stream failure (spec.md §7).
type ExtractError struct {
	Table string
	Err   error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract: table %s: %v", e.Table, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// Extractor pulls a ChangeBatch from one source Gateway.
type Extractor struct {
	gw *mssql.Gateway
}

func NewExtractor(gw *mssql.Gateway) *Extractor {
	return &Extractor{gw: gw}
}

// Extract implements spec.md §4.4 steps 1-4. On a RetentionError it
// returns (nil, err) — no partial batch is ever emitted.
func (e *Extractor) Extract(ctx context.Context, baseline int64, tables []catalog.TableDescriptor) (*ChangeBatch, error) {
	snapshotEnabled, err := e.snapshotIsolationEnabled(ctx)
	if err != nil {
		return nil, &ExtractError{Table: "", Err: fmt.Errorf("probe snapshot_isolation_state: %w", err)}
	}

	var tx *mssql.Tx
	if snapshotEnabled {
		tx, err = e.gw.Begin(ctx, sql.LevelSnapshot)
		if err != nil {
			return nil, &ExtractError{Table: "", Err: fmt.Errorf("open snapshot transaction: %w", err)}
		}
		defer tx.Rollback()
	}

	currentVersion, err := e.currentVersion(ctx, tx)
	if err != nil {
		return nil, &ExtractError{Table: "", Err: fmt.Errorf("read current CT version: %w", err)}
	}

	batch := &ChangeBatch{SourceCurrentVersion: currentVersion}

	for _, table := range tables {
		minValid, err := e.minValidVersion(ctx, tx, table)
		if err != nil {
			return nil, &ExtractError{Table: table.QualifiedName, Err: err}
		}

		if minValid > baseline {
			return nil, &RetentionError{Table: table.QualifiedName, MinValidVersion: minValid, Baseline: baseline}
		}

		records, err := e.extractTable(ctx, tx, table, baseline, currentVersion, snapshotEnabled)
		if err != nil {
			return nil, &ExtractError{Table: table.QualifiedName, Err: err}
		}

		batch.Records = append(batch.Records, records...)
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			return nil, &ExtractError{Table: "", Err: fmt.Errorf("commit snapshot transaction: %w", err)}
		}
	}

	return batch, nil
}

func (e *Extractor) snapshotIsolationEnabled(ctx context.Context) (bool, error) {
	v, err := e.gw.Scalar(ctx, `
		SELECT snapshot_isolation_state
		FROM sys.databases
		WHERE database_id = DB_ID();
	`)
	if err != nil {
		return false, err
	}
	state, err := toInt64(v)
	if err != nil {
		return false, err
	}
	return state == 1, nil
}

func (e *Extractor) currentVersion(ctx context.Context, tx *mssql.Tx) (int64, error) {
	const q = `SELECT CHANGE_TRACKING_CURRENT_VERSION();`
	v, err := scalar(ctx, e.gw, tx, q)
	if err != nil {
		return 0, err
	}
	return toInt64(v)
}

func (e *Extractor) minValidVersion(ctx context.Context, tx *mssql.Tx, table catalog.TableDescriptor) (int64, error) {
	q := fmt.Sprintf(`SELECT CHANGE_TRACKING_MIN_VALID_VERSION(OBJECT_ID('%s'));`, unbracketQualified(table.QualifiedName))
	v, err := scalar(ctx, e.gw, tx, q)
	if err != nil {
		return 0, err
	}
	return toInt64(v)
}

func (e *Extractor) extractTable(ctx context.Context, tx *mssql.Tx, table catalog.TableDescriptor, baseline, currentVersion int64, snapshotEnabled bool) ([]ChangeRecord, error) {
	query := changeTableQuery(table, baseline)

	rows, err := queryRows(ctx, e.gw, tx, query)
	if err != nil {
		return nil, fmt.Errorf("CHANGETABLE query: %w", err)
	}
	defer rows.Close()

	columnCount := 2 + len(table.KeyColumns) + len(table.OtherColumns)
	if cols, err := rows.Columns(); err == nil && len(cols) != columnCount {
		panic(fmt.Sprintf("extract: %s: CHANGETABLE query returned %d columns, descriptor expects %d",
			table.QualifiedName, len(cols), columnCount))
	}
	var records []ChangeRecord

	for {
		values := make([]any, columnCount)
		ok, err := rows.Next(values)
		if err != nil {
			rows.Drain()
			return nil, fmt.Errorf("read change row: %w", err)
		}
		if !ok {
			break
		}

		record, err := decodeChangeRow(table, values)
		if err != nil {
			return nil, fmt.Errorf("decode change row: %w", err)
		}

		if !snapshotEnabled && record.Version > currentVersion {
			log.Warn("discarding change with version beyond source current version",
				"table", table.QualifiedName, "version", record.Version, "currentVersion", currentVersion)
			continue
		}

		records = append(records, record)
	}

	return records, nil
}

// changeTableQuery builds the CHANGETABLE + left-join query described in
// spec.md §4.4 step 3b. Key columns come from the change table
// (authoritative for deletes); other columns come from the base table
// via left join (NULL for deleted rows).
func changeTableQuery(table catalog.TableDescriptor, baseline int64) string {
	var sb strings.Builder

	sb.WriteString("SELECT c.SYS_CHANGE_OPERATION, c.SYS_CHANGE_VERSION")
	for _, k := range table.KeyColumns {
		fmt.Fprintf(&sb, ", c.%s", k)
	}
	for _, o := range table.OtherColumns {
		fmt.Fprintf(&sb, ", t.%s", o)
	}
	fmt.Fprintf(&sb, " FROM CHANGETABLE(CHANGES %s, %d) c", table.QualifiedName, baseline)
	fmt.Fprintf(&sb, " LEFT OUTER JOIN %s t ON ", table.QualifiedName)

	joins := make([]string, len(table.KeyColumns))
	for i, k := range table.KeyColumns {
		joins[i] = fmt.Sprintf("c.%s = t.%s", k, k)
	}
	sb.WriteString(strings.Join(joins, " AND "))
	sb.WriteString(" ORDER BY c.SYS_CHANGE_VERSION;")

	return sb.String()
}

func decodeChangeRow(table catalog.TableDescriptor, values []any) (ChangeRecord, error) {
	opCode := toString(values[0])
	op, err := ParseOperation(opCode)
	if err != nil {
		return ChangeRecord{}, err
	}

	version, err := toInt64(values[1])
	if err != nil {
		return ChangeRecord{}, fmt.Errorf("parse version: %w", err)
	}

	offset := 2
	keys := make([]KV, len(table.KeyColumns))
	for i, name := range table.KeyColumns {
		keys[i] = toKV(name, values[offset+i])
	}
	offset += len(table.KeyColumns)

	var others []KV
	if op != Delete {
		others = make([]KV, len(table.OtherColumns))
		for i, name := range table.OtherColumns {
			others[i] = toKV(name, values[offset+i])
		}
	}

	return ChangeRecord{
		Table:   table,
		Op:      op,
		Version: version,
		Keys:    keys,
		Others:  others,
	}, nil
}

func toKV(name string, v any) KV {
	if v == nil {
		return KV{Name: name, Null: true}
	}
	return KV{Name: name, Value: v}
}

func unbracketQualified(qualifiedName string) string {
	return strings.ReplaceAll(strings.ReplaceAll(qualifiedName, "[", ""), "]", "")
}

func scalar(ctx context.Context, gw *mssql.Gateway, tx *mssql.Tx, query string) (any, error) {
	if tx != nil {
		return tx.Scalar(ctx, query)
	}
	return gw.Scalar(ctx, query)
}

func queryRows(ctx context.Context, gw *mssql.Gateway, tx *mssql.Tx, query string) (*mssql.Rows, error) {
	if tx != nil {
		return tx.Query(ctx, query)
	}
	return gw.Query(ctx, query)
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}
