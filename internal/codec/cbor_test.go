package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID        string    `cbor:"id"`
	Size      int64     `cbor:"size"`
	CreatedAt time.Time `cbor:"created_at"`
	Labels    map[string]string
}

func TestMarshal_Deterministic(t *testing.T) {
	r := record{ID: "abc", Size: 10, Labels: map[string]string{"b": "2", "a": "1", "c": "3"}}
	first, err := Marshal(r)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Marshal(r)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestTimePrecisionSurvives(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	data, err := Marshal(record{ID: "x", CreatedAt: ts})
	require.NoError(t, err)

	var back record
	require.NoError(t, Unmarshal(data, &back))
	assert.True(t, ts.Equal(back.CreatedAt), "got %v", back.CreatedAt)
}

func TestUnmarshal_AnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"kind": "json", "n": 1})
	require.NoError(t, err)

	var v any
	require.NoError(t, Unmarshal(data, &v))
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json", m["kind"])

	diag, err := Diagnose(data)
	require.NoError(t, err)
	assert.Contains(t, diag, `"kind"`)
}
