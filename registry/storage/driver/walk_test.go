package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type treeDriver struct {
	StorageDriver
	tree    map[string][]string
	removed map[string]bool
}

func (d *treeDriver) List(_ context.Context, path string) ([]string, error) {
	return d.tree[path], nil
}

func (d *treeDriver) Stat(_ context.Context, path string) (FileInfo, error) {
	if d.removed[path] {
		return nil, PathNotFoundError{Path: path}
	}
	_, isDir := d.tree[path]
	return FileInfoInternal{FileInfoFields{Path: path, IsDir: isDir}}, nil
}

func walkPaths(t *testing.T, d StorageDriver, f func(FileInfo) error) ([]string, error) {
	t.Helper()
	var walked []string
	err := WalkFallback(context.Background(), d, "/", func(fi FileInfo) error {
		walked = append(walked, fi.Path())
		if f != nil {
			return f(fi)
		}
		return nil
	})
	return walked, err
}

func TestWalkFallback(t *testing.T) {
	d := &treeDriver{tree: map[string][]string{
		"/":        {"/uploads", "/blobs"},
		"/uploads": {"/uploads/b", "/uploads/a"},
		"/blobs":   {"/blobs/sha256"},
	}}

	walked, err := walkPaths(t, d, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/blobs", "/blobs/sha256", "/uploads", "/uploads/a", "/uploads/b"}, walked)
}

func TestWalkFallbackIgnoresRemovedPaths(t *testing.T) {
	d := &treeDriver{
		tree:    map[string][]string{"/": {"/a", "/b"}},
		removed: map[string]bool{"/a": true},
	}

	walked, err := walkPaths(t, d, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/b"}, walked)
}

func TestWalkFallbackSkipDir(t *testing.T) {
	d := &treeDriver{tree: map[string][]string{
		"/":        {"/file1", "/folder1", "/folder2", "/file2"},
		"/folder1": {"/folder1/file1"},
		"/folder2": {"/folder2/file1"},
	}}

	walked, err := walkPaths(t, d, func(fi FileInfo) error {
		if fi.Path() == "/folder1" {
			return ErrSkipDir
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/file1", "/file2", "/folder1", "/folder2", "/folder2/file1"}, walked)

	// on a file, ErrSkipDir stops the walk
	walked, err = walkPaths(t, d, func(fi FileInfo) error {
		if fi.Path() == "/file2" {
			return ErrSkipDir
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/file1", "/file2"}, walked)
}

func TestWalkFallbackPropagatesErrors(t *testing.T) {
	d := &treeDriver{tree: map[string][]string{"/": {"/a", "/b"}}}
	boom := errors.New("boom")

	walked, err := walkPaths(t, d, func(FileInfo) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"/a"}, walked)
}
