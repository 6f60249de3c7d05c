// Package storage implements the blob store, upload sessions, manifest store
// and tag index of the registry. Blob bytes are kept in a storage driver and
// every relation between them is kept in the metadata database.
package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/mjl-/bstore"

	v2 "github.com/dockyard/registry/registry/api/v2"
	storagedriver "github.com/dockyard/registry/registry/storage/driver"
	"github.com/dockyard/registry/registry/storage/metadata"
)

const (
	defaultSessionTimeout  = 30 * time.Minute
	defaultLinkTTL         = 24 * time.Hour
	defaultTagHistoryGrace = 14 * 24 * time.Hour
)

// Registry is the entry point to the storage of all repositories. It is safe
// for concurrent use.
type Registry struct {
	db     *bstore.DB
	driver storagedriver.StorageDriver

	redirect        bool
	sessionTimeout  time.Duration
	linkTTL         time.Duration
	tagHistoryGrace time.Duration
	maxBlobSize     int64
	quotaBytes      int64
	now             func() time.Time

	uploadLocks sync.Map // upload uuid -> *sync.Mutex
	blobLocks   [64]sync.Mutex
}

// RegistryOption is the type used for functional options for NewRegistry.
type RegistryOption func(*Registry) error

// EnableRedirect is a functional option for NewRegistry. It causes the
// backend blob server to attempt using (StorageDriver).RedirectURL to serve
// all blobs.
func EnableRedirect(registry *Registry) error {
	registry.redirect = true
	return nil
}

// SessionTimeout sets how long an upload session may stay idle.
func SessionTimeout(d time.Duration) RegistryOption {
	return func(registry *Registry) error {
		if d <= 0 {
			return fmt.Errorf("session timeout must be positive, got %v", d)
		}
		registry.sessionTimeout = d
		return nil
	}
}

// LinkTTL sets how long blobs linked by uploads and mounts stay visible
// without a manifest referencing them.
func LinkTTL(d time.Duration) RegistryOption {
	return func(registry *Registry) error {
		if d <= 0 {
			return fmt.Errorf("link ttl must be positive, got %v", d)
		}
		registry.linkTTL = d
		return nil
	}
}

// TagHistoryGrace sets how long closed tag rows are kept.
func TagHistoryGrace(d time.Duration) RegistryOption {
	return func(registry *Registry) error {
		registry.tagHistoryGrace = d
		return nil
	}
}

// MaxBlobSize limits the size of a single blob. Zero means unlimited.
func MaxBlobSize(n int64) RegistryOption {
	return func(registry *Registry) error {
		registry.maxBlobSize = n
		return nil
	}
}

// QuotaBytes limits the bytes of blobs linked into each repository. Zero
// means unlimited.
func QuotaBytes(n int64) RegistryOption {
	return func(registry *Registry) error {
		registry.quotaBytes = n
		return nil
	}
}

// Clock replaces the time source, for tests.
func Clock(now func() time.Time) RegistryOption {
	return func(registry *Registry) error {
		registry.now = now
		return nil
	}
}

// NewRegistry creates a new registry instance from the provided metadata
// database and driver.
func NewRegistry(ctx context.Context, db *bstore.DB, driver storagedriver.StorageDriver, options ...RegistryOption) (*Registry, error) {
	registry := &Registry{
		db:              db,
		driver:          driver,
		sessionTimeout:  defaultSessionTimeout,
		linkTTL:         defaultLinkTTL,
		tagHistoryGrace: defaultTagHistoryGrace,
		now:             time.Now,
	}

	for _, option := range options {
		if err := option(registry); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// DB returns the metadata database.
func (reg *Registry) DB() *bstore.DB {
	return reg.db
}

// Driver returns the storage driver blobs are kept in.
func (reg *Registry) Driver() storagedriver.StorageDriver {
	return reg.driver
}

// Repository returns a handle on the named repository. The repository is
// created in the metadata database by the first push.
func (reg *Registry) Repository(ctx context.Context, name string) (*Repository, error) {
	if err := v2.ValidateRepositoryName(name); err != nil {
		return nil, ErrRepositoryNameInvalid{Name: name, Reason: err}
	}
	return &Repository{registry: reg, name: name}, nil
}

// Catalog returns up to n repository names sorted lexically and following
// last. more reports whether names remain after the returned ones. A
// non-positive n returns every name.
func (reg *Registry) Catalog(ctx context.Context, n int, last string) (names []string, more bool, err error) {
	q := bstore.QueryDB[metadata.Repository](ctx, reg.db).SortAsc("Name")
	if last != "" {
		q.FilterGreater("Name", last)
	}
	if n > 0 {
		q.Limit(n + 1)
	}
	repos, err := q.List()
	if err != nil {
		return nil, false, fmt.Errorf("listing repositories: %w", err)
	}

	for _, r := range repos {
		names = append(names, r.Name)
	}
	if n > 0 && len(names) > n {
		return names[:n], true, nil
	}
	return names, false, nil
}

// lockBlob serializes the registry's own writers of a blob path.
func (reg *Registry) lockBlob(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &reg.blobLocks[h.Sum32()%uint32(len(reg.blobLocks))]
	mu.Lock()
	return mu.Unlock
}

// tryLockUpload takes the mutation lock of an upload session.
func (reg *Registry) tryLockUpload(uuid string) (func(), error) {
	v, _ := reg.uploadLocks.LoadOrStore(uuid, new(sync.Mutex))
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, ErrUploadBusy
	}
	return mu.Unlock, nil
}

// Repository provides access to the blobs, uploads, manifests and tags of
// one repository. It is cheap to create and should be request scoped.
type Repository struct {
	registry *Registry
	name     string
}

// Named returns the name of the repository.
func (repo *Repository) Named() string {
	return repo.name
}

// Blobs returns the blob store of the repository.
func (repo *Repository) Blobs() *BlobStore {
	return &BlobStore{repository: repo}
}

// Uploads returns the upload sessions of the repository.
func (repo *Repository) Uploads() *UploadStore {
	return &UploadStore{repository: repo}
}

// Manifests returns the manifest store of the repository.
func (repo *Repository) Manifests() *ManifestStore {
	return &ManifestStore{repository: repo}
}

// Tags returns the tag index of the repository.
func (repo *Repository) Tags() *TagStore {
	return &TagStore{repository: repo}
}

// lookupRepository returns the row of name, or ErrRepositoryUnknown.
func lookupRepository(tx *bstore.Tx, name string) (metadata.Repository, error) {
	r, err := bstore.QueryTx[metadata.Repository](tx).FilterNonzero(metadata.Repository{Name: name}).Get()
	if errors.Is(err, bstore.ErrAbsent) {
		return r, ErrRepositoryUnknown
	}
	return r, err
}

// ensureRepository returns the row of name, creating it if needed.
func ensureRepository(tx *bstore.Tx, name string) (metadata.Repository, error) {
	r, err := lookupRepository(tx, name)
	if err != ErrRepositoryUnknown {
		return r, err
	}
	r = metadata.Repository{Name: name}
	if err := tx.Insert(&r); err != nil {
		return r, fmt.Errorf("creating repository %s: %w", name, err)
	}
	return r, nil
}
