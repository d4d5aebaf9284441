package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScope_Allows(t *testing.T) {
	t.Parallel()

	scope, err := NewScope(SessionConfig{
		TargetURL:       "https://www.example.com/",
		IncludePatterns: []string{`^https://example\.com/(blog|docs)`, `^https://www\.example\.com/(blog|docs)`},
		ExcludePatterns: []string{`/private`},
	})
	require.NoError(t, err)

	require.True(t, scope.Allows("https://example.com/blog/post"))
	require.True(t, scope.Allows("https://www.example.com/docs"))
	require.False(t, scope.Allows("https://example.com/shop"), "not included")
	require.False(t, scope.Allows("https://example.com/blog/private"), "excluded")
	require.True(t, scope.Excluded("https://example.com/blog/private"))
	require.False(t, scope.Allows("https://other.com/blog"), "off host")
	require.False(t, scope.Allows("mailto:someone@example.com"))
}

func TestScope_NoIncludeAllowsWholeSite(t *testing.T) {
	t.Parallel()

	scope, err := NewScope(SessionConfig{TargetURL: "https://example.com"})
	require.NoError(t, err)
	require.True(t, scope.Allows("https://example.com/anything"))
	require.False(t, scope.Allows("https://cdn.example.net/x.js"))
}

func TestScope_Priority(t *testing.T) {
	t.Parallel()

	scope, err := NewScope(SessionConfig{
		TargetURL:        "https://example.com",
		PriorityPatterns: []string{`/pricing`},
	})
	require.NoError(t, err)
	require.Equal(t, PriorityPattern, scope.Priority("https://example.com/pricing", PriorityOrganic))
	require.Equal(t, PriorityOrganic, scope.Priority("https://example.com/about", PriorityOrganic))
	require.Equal(t, PrioritySitemap, scope.Priority("https://example.com/pricing", PrioritySitemap))
}

func TestNewScope_InvalidPattern(t *testing.T) {
	t.Parallel()

	_, err := NewScope(SessionConfig{TargetURL: "https://example.com", ExcludePatterns: []string{"("}})
	require.ErrorContains(t, err, "exclude pattern")
}
