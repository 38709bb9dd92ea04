package extract

import (
	"testing"
	"time"

	"github.com/snapflowio/mssql-replicator/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable() catalog.TableDescriptor {
	return catalog.TableDescriptor{
		QualifiedName: "[dbo].[Orders]",
		KeyColumns:    []string{"[Id]"},
		OtherColumns:  []string{"[Total]", "[Status]"},
	}
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation("I")
	require.NoError(t, err)
	assert.Equal(t, Insert, op)

	op, err = ParseOperation("U")
	require.NoError(t, err)
	assert.Equal(t, Update, op)

	op, err = ParseOperation("D")
	require.NoError(t, err)
	assert.Equal(t, Delete, op)

	_, err = ParseOperation("X")
	assert.Error(t, err)

	_, err = ParseOperation("")
	assert.Error(t, err)
}

func TestOperationString(t *testing.T) {
	assert.Equal(t, "insert", Insert.String())
	assert.Equal(t, "update", Update.String())
	assert.Equal(t, "delete", Delete.String())
}

// S3: a table's retention window no longer covers the destination's
// baseline (min valid version 10 > baseline 5). Extract must surface a
// *RetentionError and emit no partial batch — exercised here directly
// against the error type since Extract itself requires a live Gateway.
func TestRetentionError_S3(t *testing.T) {
	err := &RetentionError{Table: "[dbo].[Orders]", MinValidVersion: 10, Baseline: 5}

	assert.Contains(t, err.Error(), "[dbo].[Orders]")
	assert.Contains(t, err.Error(), "10")
	assert.Contains(t, err.Error(), "5")
}

func TestExtractErrorUnwrap(t *testing.T) {
	inner := assert.AnError
	err := &ExtractError{Table: "[dbo].[Orders]", Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "[dbo].[Orders]")
}

func TestChangeTableQuery(t *testing.T) {
	table := testTable()
	q := changeTableQuery(table, 42)

	assert.Contains(t, q, "CHANGETABLE(CHANGES [dbo].[Orders], 42)")
	assert.Contains(t, q, "c.SYS_CHANGE_OPERATION, c.SYS_CHANGE_VERSION, c.[Id], t.[Total], t.[Status]")
	assert.Contains(t, q, "LEFT OUTER JOIN [dbo].[Orders] t ON c.[Id] = t.[Id]")
	assert.Contains(t, q, "ORDER BY c.SYS_CHANGE_VERSION;")
}

func TestDecodeChangeRow_Insert(t *testing.T) {
	table := testTable()
	values := []any{"I", int64(6), "42", "100.00", "open"}

	record, err := decodeChangeRow(table, values)
	require.NoError(t, err)

	assert.Equal(t, Insert, record.Op)
	assert.Equal(t, int64(6), record.Version)
	require.Len(t, record.Keys, 1)
	assert.Equal(t, KV{Name: "[Id]", Value: "42"}, record.Keys[0])
	require.Len(t, record.Others, 2)
	assert.Equal(t, KV{Name: "[Total]", Value: "100.00"}, record.Others[0])
	assert.Equal(t, KV{Name: "[Status]", Value: "open"}, record.Others[1])
}

// S4 (version skew without snapshot isolation): a row's SYS_CHANGE_VERSION
// exceeds the source's CHANGE_TRACKING_CURRENT_VERSION() reading, which
// can happen under READ COMMITTED when a concurrent commit races the
// version read. decodeChangeRow itself doesn't filter — extractTable does,
// by comparing record.Version against currentVersion — so this test
// verifies decode succeeds regardless, leaving the skew check to the
// caller as designed.
func TestDecodeChangeRow_VersionSkew_S4(t *testing.T) {
	table := testTable()
	values := []any{"U", int64(99), "1", "5.00", "closed"}

	record, err := decodeChangeRow(table, values)
	require.NoError(t, err)
	assert.Equal(t, int64(99), record.Version)
}

func TestDecodeChangeRow_Delete_NoOthers(t *testing.T) {
	table := testTable()
	values := []any{"D", int64(8), "1", nil, nil}

	record, err := decodeChangeRow(table, values)
	require.NoError(t, err)

	assert.Equal(t, Delete, record.Op)
	assert.Nil(t, record.Others)
	require.Len(t, record.Keys, 1)
	assert.Equal(t, "1", record.Keys[0].Value)
}

func TestDecodeChangeRow_NullColumn(t *testing.T) {
	table := testTable()
	values := []any{"I", int64(1), "1", nil, "open"}

	record, err := decodeChangeRow(table, values)
	require.NoError(t, err)

	assert.True(t, record.Others[0].Null)
	assert.Nil(t, record.Others[0].Value)
}

// decodeChangeRow must carry driver-native values (time.Time, bool,
// []byte) through unchanged — they are bound as parameters on apply,
// never stringified. Stringifying a time.Time or bool here is what
// corrupts datetime2/bit columns and silently mangles
// uniqueidentifier/varbinary ones on the destination.
func TestDecodeChangeRow_PreservesNativeTypes(t *testing.T) {
	table := catalog.TableDescriptor{
		QualifiedName: "[dbo].[Events]",
		KeyColumns:    []string{"[Id]"},
		OtherColumns:  []string{"[At]", "[Active]", "[Guid]"},
	}
	guid := []byte{0x01, 0x02, 0x03}
	at := time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC)
	values := []any{"I", int64(6), int64(1), at, true, guid}

	record, err := decodeChangeRow(table, values)
	require.NoError(t, err)

	require.Len(t, record.Others, 3)
	assert.Equal(t, at, record.Others[0].Value)
	assert.Equal(t, true, record.Others[1].Value)
	assert.Equal(t, guid, record.Others[2].Value)
}

func TestDecodeChangeRow_UnrecognizedOperation(t *testing.T) {
	table := testTable()
	values := []any{"Z", int64(1), "1", "1.00", "open"}

	_, err := decodeChangeRow(table, values)
	assert.Error(t, err)
}

func TestUnbracketQualified(t *testing.T) {
	assert.Equal(t, "dbo.Orders", unbracketQualified("[dbo].[Orders]"))
}
