package objstore

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRemotePath(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"a", "a"},
		{"a/b/c", "a/b/c"},
		{"a//b", "a/b"},
		{"./a/./b", "a/b"},
		{"a/b/", "a/b"},
		{"tenants/1/timelines/2/000000-000001", "tenants/1/timelines/2/000000-000001"},
	}
	for _, tt := range tests {
		p, err := ParseRemotePath(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, p.String(), tt.raw)
	}
}

func TestParseRemotePathRejects(t *testing.T) {
	for _, raw := range []string{"", "/a", "..", "a/../b", "a/..", ".", "./", "a\x00b"} {
		_, err := ParseRemotePath(raw)
		assert.True(t, errors.Is(err, ErrInvalidPath), "%q: got %v", raw, err)
	}
}

func TestRemotePathHelpers(t *testing.T) {
	p := MustParseRemotePath("a/b/c")
	assert.Equal(t, "c", p.ObjectName())

	parent, ok := p.Parent()
	require.True(t, ok)
	assert.Equal(t, "a/b", parent.String())

	_, ok = MustParseRemotePath("top").Parent()
	assert.False(t, ok)

	joined, err := parent.Join("d")
	require.NoError(t, err)
	assert.Equal(t, "a/b/d", joined.String())

	_, err = parent.Join("../x")
	assert.True(t, errors.Is(err, ErrInvalidPath))
	_, err = parent.Join("/x")
	assert.True(t, errors.Is(err, ErrInvalidPath))

	rest, ok := p.StripPrefix(MustParseRemotePath("a"))
	require.True(t, ok)
	assert.Equal(t, "b/c", rest.String())
	_, ok = p.StripPrefix(MustParseRemotePath("ab"))
	assert.False(t, ok)
	_, ok = p.StripPrefix(p)
	assert.False(t, ok)

	assert.True(t, MustParseRemotePath("a").Less(MustParseRemotePath("b")))
	assert.True(t, RemotePath{}.IsZero())
	assert.Panics(t, func() { MustParseRemotePath("/abs") })
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "", normalizePrefix(""))
	assert.Equal(t, "", normalizePrefix("/"))
	assert.Equal(t, "pageserver/", normalizePrefix("pageserver"))
	assert.Equal(t, "pageserver/", normalizePrefix("/pageserver/"))
	assert.Equal(t, "a/b/", normalizePrefix("a//b"))
}
