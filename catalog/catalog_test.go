package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGroupTables(t *testing.T) {
	rows := []discoveryRow{
		{schema: "dbo", table: "Orders", column: "Id", indexID: 1},
		{schema: "dbo", table: "Orders", column: "CustomerId", indexID: 0},
		{schema: "dbo", table: "Orders", column: "Total", indexID: 0},
		{schema: "dbo", table: "Logs", column: "Message", indexID: 0},
	}

	tables := groupTables(rows)

	assert.Len(t, tables, 2)

	orders := tables[0]
	assert.Equal(t, "[dbo].[Orders]", orders.QualifiedName)
	assert.Equal(t, []string{"[Id]"}, orders.KeyColumns)
	assert.Equal(t, []string{"[CustomerId]", "[Total]"}, orders.OtherColumns)
	assert.True(t, orders.HasKey())

	logs := tables[1]
	assert.False(t, logs.HasKey())
	assert.Equal(t, []string{"[Message]"}, logs.OtherColumns)
}

func TestMetadataErrorUnwrap(t *testing.T) {
	inner := assert.AnError
	err := &MetadataError{Set: "primary", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "primary")
}
