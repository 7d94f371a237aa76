package clone

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValuePlainData(t *testing.T) {
	src := []any{
		map[string]any{"id": "n1", "data": map[string]any{"label": "A", "weight": 2.5}},
		map[string]any{"id": "n2", "tags": []any{"x", "y"}},
	}

	out, err := Value(src)
	require.NoError(t, err)
	assert.Equal(t, src, out)

	// Mutating the copy must not reach the source.
	copied := out.([]any)
	copied[0].(map[string]any)["id"] = "changed"
	assert.Equal(t, "n1", src[0].(map[string]any)["id"])
}

func TestValueStructs(t *testing.T) {
	type inner struct {
		Name string `json:"name"`
	}
	type outer struct {
		ID      string    `json:"id"`
		Items   []inner   `json:"items"`
		At      time.Time `json:"at"`
		skipped func()
	}

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	out, err := Value(outer{ID: "x", Items: []inner{{Name: "a"}}, At: at, skipped: func() {}})
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "x", m["id"])
	assert.Equal(t, []any{map[string]any{"name": "a"}}, m["items"])
	assert.Equal(t, "2024-05-01T12:00:00Z", m["at"])
}

func TestValueRejects(t *testing.T) {
	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	type node struct {
		Next *node
	}
	loop := &node{}
	loop.Next = loop

	tests := []struct {
		name  string
		value any
	}{
		{"function", map[string]any{"fn": func() {}}},
		{"channel", []any{make(chan int)}},
		{"complex", complex(1, 2)},
		{"nan", math.NaN()},
		{"infinity", []float64{math.Inf(1)}},
		{"map cycle", cyclic},
		{"pointer cycle", loop},
		{"struct keys", map[struct{ A int }]string{{A: 1}: "x"}},
		{"large int64", map[string]any{"n": int64(9007199254740993)}},
		{"large negative int", []any{-(1 << 60)}},
		{"large uint64", []uint64{1 << 63}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Value(tt.value)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUncloneable)
		})
	}
}

func TestValueSharedReferenceIsNotACycle(t *testing.T) {
	shared := map[string]any{"v": 1.0}
	out, err := Value(map[string]any{"a": shared, "b": shared})
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, shared, m["a"])
	assert.Equal(t, shared, m["b"])
}

func TestValueKeepsSafeIntegersExact(t *testing.T) {
	out, err := Value(map[string]any{"max": int64(MaxSafeInteger), "min": -MaxSafeInteger})
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, float64(MaxSafeInteger), m["max"])
	assert.Equal(t, float64(-MaxSafeInteger), m["min"])
}

func TestValueNil(t *testing.T) {
	out, err := Value(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestInto(t *testing.T) {
	var dst struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}
	require.NoError(t, Into(map[string]any{"id": "abc", "count": 3}, &dst))
	assert.Equal(t, "abc", dst.ID)
	assert.Equal(t, 3, dst.Count)

	assert.ErrorIs(t, Into(map[string]any{"fn": func() {}}, &dst), ErrUncloneable)
}
