package driver

import (
	"context"
	"errors"
	"sort"

	"github.com/dockyard/registry/internal/dcontext"
)

// ErrSkipDir is used as a return value from onFileFunc to indicate that
// the directory named in the call is to be skipped. It is not returned
// as an error by any function.
var ErrSkipDir = errors.New("skip this directory")

// WalkFn is called once per file by Walk
type WalkFn func(fileInfo FileInfo) error

// WalkFallback traverses a filesystem defined within driver, starting
// from the given path, calling f on each file. It uses List and Stat to
// drive itself. Returning ErrSkipDir for a directory skips its contents;
// returning it for a file stops the walk without error.
func WalkFallback(ctx context.Context, driver StorageDriver, from string, f WalkFn) error {
	_, err := walkFallback(ctx, driver, from, f)
	return err
}

// walkFallback reports whether the traversal should continue.
func walkFallback(ctx context.Context, driver StorageDriver, from string, f WalkFn) (bool, error) {
	children, err := driver.List(ctx, from)
	if err != nil {
		return false, err
	}
	sort.Strings(children)

	for _, child := range children {
		fileInfo, err := driver.Stat(ctx, child)
		if err != nil {
			var notFound PathNotFoundError
			if errors.As(err, &notFound) {
				// removed between listing and stat
				dcontext.GetLogger(ctx).WithField("path", child).Debug("ignoring deleted path")
				continue
			}
			return false, err
		}

		switch err := f(fileInfo); {
		case err == nil:
			if fileInfo.IsDir() {
				if ok, err := walkFallback(ctx, driver, child, f); err != nil || !ok {
					return ok, err
				}
			}
		case errors.Is(err, ErrSkipDir):
			if !fileInfo.IsDir() {
				return false, nil
			}
		default:
			return false, err
		}
	}
	return true, nil
}
