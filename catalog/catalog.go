// Package catalog discovers change-tracking-enabled tables on a source
// database and their key/other column layout (spec.md §4.1).
package catalog

import (
	"context"
	"fmt"

	"github.com/avast/retry-go/v4"
	"github.com/snapflowio/mssql-replicator/internal/mssql"
	"github.com/snapflowio/mssql-replicator/logger"
)

var log = logger.Named("catalog")

// MetadataError wraps a catalog-query failure. It is fatal for the
// replication set that triggered it (spec.md §7).
type MetadataError struct {
	Set string
	Err error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("catalog: discover tables for set %q: %v", e.Set, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// TableDescriptor describes one change-tracking-enabled table: its
// bracket-quoted qualified name and its ordered key/other columns
// (spec.md §3). The two column lists are disjoint and together cover
// every column of the table.
type TableDescriptor struct {
	QualifiedName string // "[dbo].[Orders]"
	SchemaName    string // "dbo" (unbracketed)
	TableName     string // "Orders" (unbracketed)
	KeyColumns    []string
	OtherColumns  []string
}

// HasKey reports whether this table has at least one key column, i.e.
// whether it is actually replicable (spec.md §4.1: "a table with zero
// key columns is never emitted... must be dropped with a warning").
func (t TableDescriptor) HasKey() bool {
	return len(t.KeyColumns) > 0
}

// discoveryQuery joins the change-tracking table registry with the
// schema/table/column/index-column system views: one row per
// (table, column), tagged with a nonzero index_id iff the column
// participates in any index.
const discoveryQuery = `
SELECT
    s.name   AS schema_name,
    t.name   AS table_name,
    c.name   AS column_name,
    c.column_id AS column_id,
    ISNULL(MAX(ic.index_id), 0) AS index_id
FROM sys.change_tracking_tables ctt
JOIN sys.tables  t ON t.object_id = ctt.object_id
JOIN sys.schemas s ON s.schema_id = t.schema_id
JOIN sys.columns c ON c.object_id = t.object_id
LEFT JOIN sys.index_columns ic
    ON ic.object_id = c.object_id AND ic.column_id = c.column_id
GROUP BY s.name, t.name, c.name, c.column_id
ORDER BY s.name, t.name, c.column_id;
`

// Discoverer reads the source catalog via a Gateway.
type Discoverer struct {
	gw *mssql.Gateway
}

func NewDiscoverer(gw *mssql.Gateway) *Discoverer {
	return &Discoverer{gw: gw}
}

// Discover enumerates every change-tracking-enabled table on the source.
// Tables with zero indexed columns are returned with an empty
// KeyColumns — callers must filter these out (spec.md §4.1). setName is
// used only to attribute a *MetadataError to the replication set that
// triggered it.
func (d *Discoverer) Discover(ctx context.Context, setName string) ([]TableDescriptor, error) {
	var rows []discoveryRow

	err := retry.Do(
		func() error {
			rows = rows[:0]

			result, err := d.gw.Query(ctx, discoveryQuery)
			if err != nil {
				return fmt.Errorf("discovery query: %w", err)
			}
			defer result.Close()

			for {
				values := make([]any, 5)
				ok, err := result.Next(values)
				if err != nil {
					result.Drain()
					return fmt.Errorf("read discovery row: %w", err)
				}
				if !ok {
					break
				}

				indexID, _ := toInt64(values[4])
				rows = append(rows, discoveryRow{
					schema:  toString(values[0]),
					table:   toString(values[1]),
					column:  toString(values[2]),
					indexID: indexID,
				})
			}

			return nil
		},
		retry.Attempts(3),
		retry.RetryIf(mssql.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("discovery query failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, &MetadataError{Set: setName, Err: err}
	}

	return groupTables(rows), nil
}

type discoveryRow struct {
	schema, table, column string
	indexID               int64
}

func groupTables(rows []discoveryRow) []TableDescriptor {
	order := make([]string, 0)
	byTable := make(map[string]*TableDescriptor)

	for _, r := range rows {
		key := r.schema + "." + r.table
		td, ok := byTable[key]
		if !ok {
			td = &TableDescriptor{
				QualifiedName: bracketQualify(r.schema, r.table),
				SchemaName:    r.schema,
				TableName:     r.table,
			}
			byTable[key] = td
			order = append(order, key)
		}

		col := bracket(r.column)
		if r.indexID != 0 {
			td.KeyColumns = append(td.KeyColumns, col)
		} else {
			td.OtherColumns = append(td.OtherColumns, col)
		}
	}

	out := make([]TableDescriptor, 0, len(order))
	for _, key := range order {
		out = append(out, *byTable[key])
	}
	return out
}

func bracket(name string) string {
	return "[" + name + "]"
}

func bracketQualify(schema, table string) string {
	return bracket(schema) + "." + bracket(table)
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
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
