package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalValue_ResolvesTimestampSentinel(t *testing.T) {
	b, err := MarshalValue(map[string]any{
		"endedAt": TimestampSentinel{},
		"name":    "alice",
	}, 42)
	require.NoError(t, err)
	assert.JSONEq(t, `{"endedAt":42,"name":"alice"}`, string(b))
}

func TestMarshalValue_PassesPlainValuesThrough(t *testing.T) {
	b, err := MarshalValue([]string{"a", "b"}, 42)
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(b))
}

func TestSplitPath(t *testing.T) {
	parent, key, err := SplitPath("boards/b1/elements/el1")
	require.NoError(t, err)
	assert.Equal(t, "boards/b1/elements", parent)
	assert.Equal(t, "el1", key)

	parent, key, err = SplitPath("/config/admins/")
	require.NoError(t, err)
	assert.Equal(t, "config", parent)
	assert.Equal(t, "admins", key)

	_, _, err = SplitPath("admins")
	assert.Error(t, err)

	_, _, err = SplitPath("config/")
	assert.Error(t, err)
}
