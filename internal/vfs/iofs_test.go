package vfs

import (
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIOFSConformance(t *testing.T) {
	fsys := setupTestFS(t)
	require.NoError(t, fsys.WriteFile("/lib/b.lua", "return 2", WriteOptions{}))

	err := fstest.TestFS(fsys.FS(), "lib/a.lua", "lib/b.lua", "dev/vector")
	assert.NoError(t, err)
}

func TestIOFSModes(t *testing.T) {
	fsys := setupTestFS(t)

	info, err := fs.Stat(fsys.FS(), "dev/vector")
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o444), info.Mode())
	assert.Equal(t, Rights{Native: true, RootOnlyWrite: true}, info.Sys())

	info, err = fs.Stat(fsys.FS(), "lib")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = fs.Stat(fsys.FS(), "lib/missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	data, err := fs.ReadFile(fsys.FS(), "lib/a.lua")
	require.NoError(t, err)
	assert.Equal(t, "return 1", string(data))
}

func TestGlob(t *testing.T) {
	fsys := setupTestFS(t)
	require.NoError(t, fsys.MkdirAll("/lib/deep/er"))
	require.NoError(t, fsys.WriteFile("/lib/deep/er/c.lua", "", WriteOptions{}))
	require.NoError(t, fsys.WriteFile("/lib/notes.txt", "", WriteOptions{}))

	tests := []struct {
		pattern  string
		expected []string
	}{
		{"/lib/*.lua", []string{"/lib/a.lua"}},
		{"/**/*.lua", []string{"/lib/a.lua", "/lib/deep/er/c.lua"}},
		{"lib/*.txt", []string{"/lib/notes.txt"}},
		{"/dev/*", []string{"/dev/vector"}},
		{"/nothing/*", nil},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := fsys.Glob(tt.pattern)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.expected, got)
		})
	}

	_, err := fsys.Glob("/lib/[")
	assert.Error(t, err)
}
