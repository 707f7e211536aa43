package canonical

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_KeyOrderIndependent(t *testing.T) {
	a, err := Hash(map[string]any{"b": 2, "a": "x", "c": []any{1, "two"}})
	require.NoError(t, err)
	b, err := Hash(map[string]any{"c": []any{1, "two"}, "a": "x", "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestHash_DiffersOnContent(t *testing.T) {
	a, err := Hash(map[string]string{"id": "1"})
	require.NoError(t, err)
	b, err := Hash(map[string]string{"id": "2"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestMarshal_RejectsNaN(t *testing.T) {
	_, err := Marshal(map[string]float64{"x": math.NaN()})
	assert.Error(t, err)
}
