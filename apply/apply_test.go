package apply

import (
	"fmt"
	"testing"
	"time"

	"github.com/snapflowio/mssql-replicator/catalog"
	"github.com/snapflowio/mssql-replicator/extract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable() catalog.TableDescriptor {
	return catalog.TableDescriptor{
		QualifiedName: "[dbo].[T]",
		KeyColumns:    []string{"[Id]"},
		OtherColumns:  []string{"[V]"},
	}
}

// S1 (insert): destination at version 5, source current version 7, a
// single CT row op=I ver=6 Id=42 V='x'.
func TestBuildDML_Insert_S1(t *testing.T) {
	table := testTable()
	record := extract.ChangeRecord{
		Table:   table,
		Op:      extract.Insert,
		Version: 6,
		Keys:    []extract.KV{{Name: "[Id]", Value: "42"}},
		Others:  []extract.KV{{Name: "[V]", Value: "x"}},
	}

	stmt, args := BuildDML(record)

	require.Len(t, stmt.statements, 3)
	assert.Equal(t, "SET IDENTITY_INSERT [dbo].[T] ON;", stmt.statements[0])
	assert.Equal(t, "INSERT INTO [dbo].[T] ([Id], [V]) VALUES (@p1, @p2);", stmt.statements[1])
	assert.Equal(t, "SET IDENTITY_INSERT [dbo].[T] OFF;", stmt.statements[2])
	assert.Equal(t, []any{"42", "x"}, args)
}

// S2 (update + delete, ordering): two rows op=D ver=8 Id=1 and op=U
// ver=7 Id=2 V='y'. Applied in order version 7 (update), then 8 (delete).
func TestOrder_S2(t *testing.T) {
	table := testTable()
	records := []extract.ChangeRecord{
		{Table: table, Op: extract.Delete, Version: 8, Keys: []extract.KV{{Name: "[Id]", Value: "1"}}},
		{Table: table, Op: extract.Update, Version: 7, Keys: []extract.KV{{Name: "[Id]", Value: "2"}}, Others: []extract.KV{{Name: "[V]", Value: "y"}}},
	}

	ordered := Order(records)

	require.Len(t, ordered, 2)
	assert.Equal(t, extract.Update, ordered[0].Op)
	assert.Equal(t, int64(7), ordered[0].Version)
	assert.Equal(t, extract.Delete, ordered[1].Op)
	assert.Equal(t, int64(8), ordered[1].Version)
}

func TestOrder_SecondarySortByTableName(t *testing.T) {
	tableA := catalog.TableDescriptor{QualifiedName: "[dbo].[A]", KeyColumns: []string{"[Id]"}}
	tableB := catalog.TableDescriptor{QualifiedName: "[dbo].[B]", KeyColumns: []string{"[Id]"}}

	records := []extract.ChangeRecord{
		{Table: tableB, Version: 5, Op: extract.Delete, Keys: []extract.KV{{Name: "[Id]", Value: "1"}}},
		{Table: tableA, Version: 5, Op: extract.Delete, Keys: []extract.KV{{Name: "[Id]", Value: "2"}}},
	}

	ordered := Order(records)

	assert.Equal(t, "[dbo].[A]", ordered[0].Table.QualifiedName)
	assert.Equal(t, "[dbo].[B]", ordered[1].Table.QualifiedName)
}

func TestBuildDML_Update(t *testing.T) {
	table := testTable()
	record := extract.ChangeRecord{
		Table:   table,
		Op:      extract.Update,
		Version: 7,
		Keys:    []extract.KV{{Name: "[Id]", Value: "2"}},
		Others:  []extract.KV{{Name: "[V]", Value: "y"}},
	}

	stmt, args := BuildDML(record)

	require.Len(t, stmt.statements, 1)
	assert.Equal(t, "UPDATE [dbo].[T] SET [V] = @p2 WHERE [Id] = @p1;", stmt.statements[0])
	assert.Equal(t, []any{"2", "y"}, args)
}

func TestBuildDML_Delete(t *testing.T) {
	table := testTable()
	record := extract.ChangeRecord{
		Table:   table,
		Op:      extract.Delete,
		Version: 8,
		Keys:    []extract.KV{{Name: "[Id]", Value: "1"}},
	}

	stmt, args := BuildDML(record)

	require.Len(t, stmt.statements, 1)
	assert.Equal(t, "DELETE FROM [dbo].[T] WHERE [Id] = @p1;", stmt.statements[0])
	assert.Equal(t, []any{"1"}, args)
}

// S6 (dry-run): same as S1 but dry-run — the generated statements and
// params are what a dry-run log would show, not whether they execute.
// Key values arrive as driver-native types (here int64, as go-mssqldb
// would decode an int column); formatParams must not quote them, but
// must quote the string column.
func TestBuildDML_DryRunParams_S6(t *testing.T) {
	table := testTable()
	record := extract.ChangeRecord{
		Table:   table,
		Op:      extract.Insert,
		Version: 6,
		Keys:    []extract.KV{{Name: "[Id]", Value: int64(42)}},
		Others:  []extract.KV{{Name: "[V]", Value: "x"}},
	}

	_, args := BuildDML(record)
	formatted := formatParams(args)

	assert.Equal(t, "@0 = 42, @1 = 'x'", formatted)
}

// formatParams must null-format a Null KV and preserve non-string
// driver-native types (time.Time, bool) without stringifying them into
// the wrong SQL literal shape.
func TestFormatParams_NativeTypesAndNull(t *testing.T) {
	ts := time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC)
	args := []any{nil, ts, true, int64(7)}

	formatted := formatParams(args)

	assert.Equal(t, fmt.Sprintf("@0 = NULL, @1 = %v, @2 = true, @3 = 7", ts), formatted)
}
