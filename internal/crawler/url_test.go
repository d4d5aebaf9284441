package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestURLNormalizer_Normalize(t *testing.T) {
	t.Parallel()

	n := NewURLNormalizer(nil)
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase host", "https://EXAMPLE.com/Path", "https://example.com/Path"},
		{"strip fragment", "https://example.com/a#section", "https://example.com/a"},
		{"default port", "http://example.com:80/a", "http://example.com/a"},
		{"keeps custom port", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"sort query", "https://example.com/?b=2&a=1", "https://example.com/?a=1&b=2"},
		{"strip tracking", "https://example.com/p?utm_source=x&id=7&gclid=y", "https://example.com/p?id=7"},
		{"trailing slash", "https://example.com/docs/", "https://example.com/docs"},
		{"dot segments", "https://example.com/a/./b/../c", "https://example.com/a/c"},
		{"empty path", "https://example.com", "https://example.com/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := n.Normalize(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestURLNormalizer_EquivalentURLsShareHash(t *testing.T) {
	t.Parallel()

	n := NewURLNormalizer(nil)
	_, h1, err := n.Hash("https://Example.com/page/?utm_campaign=spring&b=2&a=1#top")
	require.NoError(t, err)
	_, h2, err := n.Hash("https://example.com:443/page?a=1&b=2")
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestURLNormalizer_CustomTrackingParams(t *testing.T) {
	t.Parallel()

	n := NewURLNormalizer([]string{"sessionid"})
	got, err := n.Normalize("https://example.com/?SessionID=1&utm_source=x")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/?utm_source=x", got)
}

func TestURLNormalizer_RejectsRelative(t *testing.T) {
	t.Parallel()

	_, err := NewURLNormalizer(nil).Normalize("/relative/path")
	require.Error(t, err)
}

func TestHost(t *testing.T) {
	t.Parallel()

	host, err := Host("https://Shop.Example.com:8080/x")
	require.NoError(t, err)
	require.Equal(t, "shop.example.com", host)

	_, err = Host("not a url")
	require.Error(t, err)
}
