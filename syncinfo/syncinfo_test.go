package syncinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsInt64(t *testing.T) {
	v, err := asInt64(int64(42))
	assert.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = asInt64(int32(7))
	assert.NoError(t, err)
	assert.Equal(t, int64(7), v)

	_, err = asInt64("not a number")
	assert.Error(t, err)
}

func TestUnavailableSentinel(t *testing.T) {
	assert.Equal(t, int64(-1), Unavailable)
}
