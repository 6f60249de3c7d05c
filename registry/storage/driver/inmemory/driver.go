// Package inmemory provides a storage driver that keeps everything in
// process memory. It is intended for tests and development.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	storagedriver "github.com/dockyard/registry/registry/storage/driver"
	"github.com/dockyard/registry/registry/storage/driver/base"
	"github.com/dockyard/registry/registry/storage/driver/factory"
)

const driverName = "inmemory"

func init() {
	factory.Register(driverName, &inMemoryDriverFactory{})
}

// inMemoryDriverFactory implements the factory.StorageDriverFactory interface.
type inMemoryDriverFactory struct{}

func (factory *inMemoryDriverFactory) Create(ctx context.Context, parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	return New(), nil
}

type file struct {
	data    []byte
	modTime time.Time
}

type driver struct {
	files map[string]*file
	mutex sync.RWMutex
}

// baseEmbed allows us to hide the Base embed.
type baseEmbed struct {
	base.Base
}

// Driver is a storagedriver.StorageDriver implementation backed by a local map.
// Intended solely for example and testing purposes.
type Driver struct {
	baseEmbed // embedded, hidden base driver.
}

var _ storagedriver.StorageDriver = &Driver{}

// New constructs a new Driver.
func New() *Driver {
	return &Driver{
		baseEmbed: baseEmbed{
			Base: base.Base{
				StorageDriver: &driver{
					files: make(map[string]*file),
				},
			},
		},
	}
}

// Implement the storagedriver.StorageDriver interface.

func (d *driver) Name() string {
	return driverName
}

// GetContent retrieves the content stored at "path" as a []byte.
func (d *driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	f, ok := d.files[normalize(path)]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}

	return bytes.Clone(f.data), nil
}

// PutContent stores the []byte content at a location designated by "path".
func (d *driver) PutContent(ctx context.Context, p string, contents []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	p = normalize(p)
	if d.isDir(p) {
		return fmt.Errorf("not a file: %s", p)
	}
	d.files[p] = &file{data: bytes.Clone(contents), modTime: time.Now()}
	return nil
}

// Reader retrieves an io.ReadCloser for the content stored at "path" with a
// given byte offset.
func (d *driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if offset < 0 {
		return nil, storagedriver.InvalidOffsetError{Path: path, Offset: offset}
	}

	f, ok := d.files[normalize(path)]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}
	if offset > int64(len(f.data)) {
		return nil, storagedriver.InvalidOffsetError{Path: path, Offset: offset}
	}

	return io.NopCloser(bytes.NewReader(f.data[offset:])), nil
}

// Writer returns a FileWriter which will store the content written to it
// at the location designated by "path" after the call to Commit.
func (d *driver) Writer(ctx context.Context, path string) (storagedriver.FileWriter, error) {
	return &writer{d: d, path: normalize(path)}, nil
}

// Stat returns info about the provided path.
func (d *driver) Stat(ctx context.Context, path string) (storagedriver.FileInfo, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	p := normalize(path)
	fi := storagedriver.FileInfoFields{Path: p}

	if f, ok := d.files[p]; ok {
		fi.Size = int64(len(f.data))
		fi.ModTime = f.modTime
		return storagedriver.FileInfoInternal{FileInfoFields: fi}, nil
	}

	found := false
	for name, f := range d.files {
		if strings.HasPrefix(name, dirPrefix(p)) {
			found = true
			if f.modTime.After(fi.ModTime) {
				fi.ModTime = f.modTime
			}
		}
	}
	if !found {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}
	fi.IsDir = true
	return storagedriver.FileInfoInternal{FileInfoFields: fi}, nil
}

// List returns a list of the objects that are direct descendants of the given
// path.
func (d *driver) List(ctx context.Context, path string) ([]string, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	p := normalize(path)
	prefix := dirPrefix(p)

	seen := map[string]struct{}{}
	for name := range d.files {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		child, _, _ := strings.Cut(strings.TrimPrefix(name, prefix), "/")
		seen[prefix+child] = struct{}{}
	}

	if len(seen) == 0 {
		if _, ok := d.files[p]; ok {
			return nil, fmt.Errorf("not a directory: %s", p)
		}
		if p == "/" {
			return []string{}, nil
		}
		return nil, storagedriver.PathNotFoundError{Path: path}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Move moves an object stored at sourcePath to destPath, removing the original
// object.
func (d *driver) Move(ctx context.Context, sourcePath string, destPath string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	src, dst := normalize(sourcePath), normalize(destPath)

	if f, ok := d.files[src]; ok {
		delete(d.files, src)
		d.files[dst] = f
		return nil
	}

	moved := false
	for name, f := range d.files {
		if strings.HasPrefix(name, dirPrefix(src)) {
			delete(d.files, name)
			d.files[dirPrefix(dst)+strings.TrimPrefix(name, dirPrefix(src))] = f
			moved = true
		}
	}
	if !moved {
		return storagedriver.PathNotFoundError{Path: sourcePath}
	}
	return nil
}

// Delete recursively deletes all objects stored at "path" and its subpaths.
func (d *driver) Delete(ctx context.Context, path string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	p := normalize(path)
	if _, ok := d.files[p]; ok {
		delete(d.files, p)
		return nil
	}

	deleted := false
	for name := range d.files {
		if strings.HasPrefix(name, dirPrefix(p)) {
			delete(d.files, name)
			deleted = true
		}
	}
	if !deleted {
		return storagedriver.PathNotFoundError{Path: path}
	}
	return nil
}

// RedirectURL returns a URL which may be used to retrieve the content stored at the given path.
func (d *driver) RedirectURL(*http.Request, string) (string, error) {
	return "", nil
}

// Walk traverses a filesystem defined within driver, starting
// from the given path, calling f on each file and directory
func (d *driver) Walk(ctx context.Context, path string, f storagedriver.WalkFn) error {
	return storagedriver.WalkFallback(ctx, d, path, f)
}

// isDir reports whether any file lives below p. Callers hold the lock.
func (d *driver) isDir(p string) bool {
	for name := range d.files {
		if strings.HasPrefix(name, dirPrefix(p)) {
			return true
		}
	}
	return false
}

func normalize(p string) string {
	return path.Clean("/" + p)
}

func dirPrefix(p string) string {
	if p == "/" {
		return p
	}
	return p + "/"
}

type writer struct {
	d         *driver
	path      string
	buffer    bytes.Buffer
	closed    bool
	committed bool
	cancelled bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("already closed")
	} else if w.committed {
		return 0, fmt.Errorf("already committed")
	} else if w.cancelled {
		return 0, fmt.Errorf("already cancelled")
	}
	return w.buffer.Write(p)
}

func (w *writer) Size() int64 {
	return int64(w.buffer.Len())
}

func (w *writer) Close() error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.closed = true
	return nil
}

func (w *writer) Cancel(ctx context.Context) error {
	if w.committed {
		return fmt.Errorf("already committed")
	}
	w.cancelled = true
	w.buffer.Reset()
	return nil
}

func (w *writer) Commit(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	} else if w.cancelled {
		return fmt.Errorf("already cancelled")
	}
	w.committed = true
	return w.d.PutContent(ctx, w.path, w.buffer.Bytes())
}
