// Package metadata declares the records the registry keeps in its metadata
// database. Blob bytes live in the storage driver; everything that relates
// them (repositories, links, manifests, tags, upload sessions and service
// keys) is stored here and updated in transactions.
//
// In the types below, the first field is the primary key. Digests are stored
// in their canonical lowercase string form.
package metadata

import (
	"context"
	"time"

	"github.com/mjl-/bstore"
)

// Repository is created on first push of a blob or manifest.
type Repository struct {
	ID      int64
	Name    string    `bstore:"nonzero,unique"`
	Created time.Time `bstore:"nonzero,default now"`
}

// Blob is content known to the blob store. Blobs are shared between
// repositories, which reference them through BlobLinks.
type Blob struct {
	Digest    string
	Size      int64
	MediaType string
	Created   time.Time `bstore:"nonzero,default now"`

	// Orphaned is when the blob was last seen without any link or manifest
	// referencing it. Zero while referenced.
	Orphaned time.Time
}

// BlobLink makes a blob visible in a repository. Links created by uploads
// and mounts expire unless a manifest referencing the blob is pushed first.
type BlobLink struct {
	ID           int64
	RepositoryID int64     `bstore:"nonzero,ref Repository"`
	Digest       string    `bstore:"nonzero,ref Blob,unique Digest+RepositoryID"`
	Created      time.Time `bstore:"nonzero,default now"`

	// Expires is zero for permanent links.
	Expires time.Time
}

// Temporary reports whether the link still waits for a manifest.
func (l BlobLink) Temporary() bool {
	return !l.Expires.IsZero()
}

// Alive reports whether the link is usable at t.
func (l BlobLink) Alive(t time.Time) bool {
	return l.Expires.IsZero() || l.Expires.After(t)
}

// UploadState is the state of an upload session.
type UploadState string

const (
	UploadOpen      UploadState = "open"
	UploadCommitted UploadState = "committed"
	UploadCancelled UploadState = "cancelled"
	UploadExpired   UploadState = "expired"
)

// Upload is a resumable blob upload session.
type Upload struct {
	UUID         string
	RepositoryID int64       `bstore:"nonzero,ref Repository"`
	State        UploadState `bstore:"nonzero"`

	// Offset is the number of bytes received so far. HashState is the
	// marshaled sha256 state over those bytes.
	Offset    int64
	HashState []byte

	Created      time.Time `bstore:"nonzero,default now"`
	LastActivity time.Time `bstore:"nonzero,default now"`
	Deadline     time.Time `bstore:"nonzero"`

	// Closed is set when the session leaves the open state.
	Closed time.Time

	// Digest is the committed digest, set on commit.
	Digest string

	// Version is incremented on every mutation.
	Version int64
}

// Manifest is a manifest pushed to a repository. Raw holds the bytes exactly
// as they were received.
type Manifest struct {
	ID           int64
	RepositoryID int64  `bstore:"nonzero,ref Repository"`
	Digest       string `bstore:"nonzero,unique Digest+RepositoryID"`
	MediaType    string `bstore:"nonzero"`
	Raw          []byte `bstore:"nonzero"`

	// SubjectDigest is the digest of the manifest this one refers to, for
	// OCI referrers.
	SubjectDigest string `bstore:"index"`
	ArtifactType  string
	Annotations   map[string]string
	LayersSize    int64

	Created time.Time `bstore:"nonzero,default now"`
}

// ManifestChild is an edge from an index to one of its manifests.
type ManifestChild struct {
	ID           int64
	RepositoryID int64  `bstore:"nonzero,ref Repository"`
	ParentDigest string `bstore:"nonzero,index"`
	ChildDigest  string `bstore:"nonzero,index"`
	Architecture string
	OS           string
}

// ManifestBlob is an edge from an image manifest to a config or layer blob
// stored in the registry.
type ManifestBlob struct {
	ID             int64
	RepositoryID   int64  `bstore:"nonzero,ref Repository"`
	ManifestDigest string `bstore:"nonzero,index"`
	BlobDigest     string `bstore:"nonzero,index"`
}

// Tag is one lifetime of a tag. Retargeting closes the current row and
// inserts a new one, so rows for a name form its history.
type Tag struct {
	ID             int64
	RepositoryID   int64  `bstore:"nonzero,ref Repository"`
	Name           string `bstore:"nonzero,index Name+RepositoryID"`
	ManifestDigest string `bstore:"nonzero"`

	// Lifetime bounds in milliseconds since the epoch. End is zero while
	// the tag has no end; it may be set in the future by an expiration.
	Start int64 `bstore:"nonzero"`
	End   int64

	Immutable bool

	// Reversion is set when the tag moved back to a manifest it pointed at
	// before.
	Reversion bool
}

// Alive reports whether the tag row is in effect at the given time in
// milliseconds.
func (t Tag) Alive(nowMs int64) bool {
	return t.End == 0 || t.End > nowMs
}

// ActiveTag points at the current row of a tag. The unique index holds at
// most one pointer per name and repository.
type ActiveTag struct {
	ID           int64
	RepositoryID int64  `bstore:"nonzero,ref Repository"`
	Name         string `bstore:"nonzero,unique Name+RepositoryID"`
	TagID        int64  `bstore:"nonzero,ref Tag"`
}

// ServiceKey is a key that may sign registry tokens.
type ServiceKey struct {
	KID     string
	Service string `bstore:"nonzero"`
	Name    string

	// JWK is the public key in JSON Web Key form.
	JWK      []byte `bstore:"nonzero"`
	Approved bool
	Created  time.Time `bstore:"nonzero,default now"`

	// Expires is zero for keys that never expire.
	Expires         time.Time
	RotationSeconds int64
}

// Usable reports whether tokens signed by the key are accepted at t.
func (k ServiceKey) Usable(t time.Time) bool {
	return k.Approved && (k.Expires.IsZero() || k.Expires.After(t))
}

// Types returns the record types in the order they are registered.
func Types() []any {
	return []any{
		Repository{},
		Blob{},
		BlobLink{},
		Upload{},
		Manifest{},
		ManifestChild{},
		ManifestBlob{},
		Tag{},
		ActiveTag{},
		ServiceKey{},
	}
}

// Open opens or creates the metadata database at path.
func Open(ctx context.Context, path string) (*bstore.DB, error) {
	return bstore.Open(ctx, path, &bstore.Options{Perm: 0660}, Types()...)
}
