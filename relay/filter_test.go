package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGlobFilter(t *testing.T) {
	filter, err := NewGlobFilter([]string{"quotes", "orders"})
	require.NoError(t, err)
	require.NotNil(t, filter)

	assert.Len(t, filter.globs, 2)
}

func TestGlobFilterEmptyPatternsMatchEverything(t *testing.T) {
	filter, err := NewGlobFilter(nil)
	require.NoError(t, err)

	assert.True(t, filter.Match("quotes"))
	assert.True(t, filter.Match("anything"))
	assert.True(t, filter.Match(""))
}

func TestGlobFilterExactMatch(t *testing.T) {
	filter, err := NewGlobFilter([]string{"quotes"})
	require.NoError(t, err)

	assert.True(t, filter.Match("quotes"))
	assert.False(t, filter.Match("orders"))
	assert.False(t, filter.Match("quotes_archive"))
}

func TestGlobFilterWildcard(t *testing.T) {
	filter, err := NewGlobFilter([]string{"quote*"})
	require.NoError(t, err)

	assert.True(t, filter.Match("quotes"))
	assert.True(t, filter.Match("quote_history"))
	assert.False(t, filter.Match("orders"))
}

func TestGlobFilterMultiplePatterns(t *testing.T) {
	filter, err := NewGlobFilter([]string{"quotes", "order_*"})
	require.NoError(t, err)

	assert.True(t, filter.Match("quotes"))
	assert.True(t, filter.Match("order_items"))
	assert.False(t, filter.Match("inventory"))
}

func TestGlobFilterInvalidPattern(t *testing.T) {
	filter, err := NewGlobFilter([]string{"[unclosed"})
	assert.Error(t, err)
	assert.Nil(t, filter)
	assert.Contains(t, err.Error(), "invalid table pattern")
}
