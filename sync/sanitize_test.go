package sync

import (
	"math"
	"testing"

	"github.com/rvalkov/boardsync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize_RejectsMissingIdentity(t *testing.T) {
	cases := []map[string]any{
		{},
		{"id": "el1"},
		{"type": "rectangle"},
		{"id": "", "type": "rectangle"},
		{"id": "el1", "type": ""},
		{"id": 42, "type": "rectangle"},
		{"id": "el1", "type": []any{"rectangle"}},
	}

	for _, raw := range cases {
		_, ok := Sanitize(raw)
		assert.False(t, ok, "expected rejection of %v", raw)
	}
}

func TestSanitize_CoercesMalformedGeometry(t *testing.T) {
	el, ok := Sanitize(map[string]any{
		"id":     "el1",
		"type":   "rectangle",
		"x":      "not a number",
		"y":      math.NaN(),
		"width":  math.Inf(1),
		"height": 20.0,
		"angle":  nil,
	})

	require.True(t, ok)
	assert.Equal(t, 0.0, el.X)
	assert.Equal(t, 0.0, el.Y)
	assert.Equal(t, 0.0, el.Width)
	assert.Equal(t, 20.0, el.Height)
	assert.Equal(t, 0.0, el.Angle)
}

func TestSanitize_PathTypeGetsDiagonalFallback(t *testing.T) {
	// A line with no usable points degenerates to the bounding-box diagonal.
	el, ok := Sanitize(map[string]any{
		"id":     "el1",
		"type":   "line",
		"width":  30.0,
		"height": 40.0,
		"points": []any{[]any{math.NaN(), 1.0}},
	})

	require.True(t, ok)
	assert.Equal(t, []models.Point{{0, 0}, {30, 40}}, el.Points)
}

func TestSanitize_PathTypeKeepsValidPoints(t *testing.T) {
	el, ok := Sanitize(map[string]any{
		"id":   "el1",
		"type": "freedraw",
		"points": []any{
			[]any{0.0, 0.0},
			[]any{1.0, 2.0},
			[]any{"bad", 3.0},
			[]any{4.0, 5.0},
		},
	})

	require.True(t, ok)
	assert.Equal(t, []models.Point{{0, 0}, {1, 2}, {4, 5}}, el.Points)
}

func TestSanitize_NonPathTypeDropsEmptyPoints(t *testing.T) {
	el, ok := Sanitize(map[string]any{
		"id":     "el1",
		"type":   "rectangle",
		"points": []any{[]any{"bad"}},
	})

	require.True(t, ok)
	assert.Nil(t, el.Points)
}

func TestSanitize_FiltersBoundElements(t *testing.T) {
	el, ok := Sanitize(map[string]any{
		"id":   "el1",
		"type": "rectangle",
		"boundElements": []any{
			map[string]any{"id": "el2", "type": "arrow"},
			map[string]any{"id": "", "type": "arrow"},
			"garbage",
			map[string]any{"id": "el3", "type": "text"},
		},
	})

	require.True(t, ok)
	assert.Equal(t, []models.BoundElement{{Id: "el2", Type: "arrow"}, {Id: "el3", Type: "text"}}, el.BoundElements)
}

func TestSanitize_MissingBoundElementsField(t *testing.T) {
	// Binding-carrying types always get a list, even when the field is
	// absent or malformed.
	el, ok := Sanitize(map[string]any{"id": "el1", "type": "arrow"})
	require.True(t, ok)
	assert.NotNil(t, el.BoundElements)
	assert.Empty(t, el.BoundElements)

	el, ok = Sanitize(map[string]any{"id": "el2", "type": "line", "boundElements": "garbage"})
	require.True(t, ok)
	assert.NotNil(t, el.BoundElements)

	el, ok = Sanitize(map[string]any{"id": "el3", "type": "rectangle"})
	require.True(t, ok)
	assert.Nil(t, el.BoundElements)
}

// Sanitizing an already-canonical element must be a no-op, or remote echoes
// of our own writes would look like changes forever.
func TestSanitize_Idempotent(t *testing.T) {
	inputs := []map[string]any{
		{"id": "el1", "type": "rectangle", "x": 1.5, "width": 10.0, "points": []any{"junk"}},
		{"id": "el2", "type": "arrow", "points": []any{[]any{0.0, 0.0}}, "width": 5.0, "height": 5.0},
		{"id": "el3", "type": "text", "groupIds": []any{"g1", 7.0}, "version": 3.0, "isDeleted": true},
		{"id": "el4", "type": "freedraw", "owner": "dev1", "ownerName": "Ana", "ownerColor": "#fa5252"},
	}

	for _, raw := range inputs {
		first, ok := Sanitize(raw)
		require.True(t, ok)

		again, ok := SanitizeJSON(mustMarshal(t, first))
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestSanitizeJSON_RejectsNonObject(t *testing.T) {
	_, ok := SanitizeJSON([]byte(`[1,2,3]`))
	assert.False(t, ok)

	_, ok = SanitizeJSON([]byte(`not json`))
	assert.False(t, ok)
}
