package fingerprint

import (
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOf(t *testing.T) {
	fsys := memfs.New()
	require.NoError(t, util.WriteFile(fsys, "docs/test.txt", []byte("test content"), 0644))

	// Verify hash is consistent
	hash1, err := Of(fsys, "docs/test.txt")
	require.NoError(t, err)
	hash2, err := Of(fsys, "docs/test.txt")
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)
	assert.Len(t, hash1.String(), 32)

	// Verify hash changes when content changes
	require.NoError(t, util.WriteFile(fsys, "docs/test.txt", []byte("different content"), 0644))
	hash3, err := Of(fsys, "docs/test.txt")
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash3)
}

func TestOf_KnownDigest(t *testing.T) {
	fsys := memfs.New()
	require.NoError(t, util.WriteFile(fsys, "empty", nil, 0644))

	got, err := Of(fsys, "empty")
	require.NoError(t, err)
	assert.Equal(t, Value("d41d8cd98f00b204e9800998ecf8427e"), got)
}

func TestOf_MissingFile(t *testing.T) {
	got, err := Of(memfs.New(), "nope.txt")
	require.NoError(t, err)
	assert.Equal(t, NeverSynced, got)
	assert.True(t, got.IsNeverSynced())
}

func TestFromReader(t *testing.T) {
	a, err := FromReader(strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, Value("900150983cd24fb0d6963f7d28e17f72"), a)
	assert.False(t, a.IsNeverSynced())
}
