package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mjl-/bstore"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/internal/retry"
	"github.com/dockyard/registry/internal/uuid"
	storagedriver "github.com/dockyard/registry/registry/storage/driver"
	"github.com/dockyard/registry/registry/storage/metadata"
)

const defaultBlobMediaType = "application/octet-stream"

// BlobStore gives access to the blobs linked into one repository.
type BlobStore struct {
	repository *Repository
}

// Stat returns the descriptor of a blob if a live link to it exists in the
// repository.
func (bs *BlobStore) Stat(ctx context.Context, dgst digest.Digest) (v1.Descriptor, error) {
	var desc v1.Descriptor
	err := bs.repository.registry.db.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		desc, err = bs.statTx(tx, dgst)
		return err
	})
	return desc, err
}

func (bs *BlobStore) statTx(tx *bstore.Tx, dgst digest.Digest) (v1.Descriptor, error) {
	repo, err := lookupRepository(tx, bs.repository.name)
	if err == ErrRepositoryUnknown {
		return v1.Descriptor{}, ErrBlobUnknown
	} else if err != nil {
		return v1.Descriptor{}, err
	}

	link, err := bstore.QueryTx[metadata.BlobLink](tx).FilterNonzero(metadata.BlobLink{RepositoryID: repo.ID, Digest: dgst.String()}).Get()
	if errors.Is(err, bstore.ErrAbsent) {
		return v1.Descriptor{}, ErrBlobUnknown
	} else if err != nil {
		return v1.Descriptor{}, err
	}
	if !link.Alive(bs.repository.registry.now()) {
		return v1.Descriptor{}, ErrBlobUnknown
	}

	blob := metadata.Blob{Digest: link.Digest}
	if err := tx.Get(&blob); err != nil {
		return v1.Descriptor{}, fmt.Errorf("fetching blob %s: %w", dgst, err)
	}
	return blobDescriptor(blob), nil
}

func blobDescriptor(blob metadata.Blob) v1.Descriptor {
	mediaType := blob.MediaType
	if mediaType == "" {
		mediaType = defaultBlobMediaType
	}
	return v1.Descriptor{
		MediaType: mediaType,
		Digest:    digest.Digest(blob.Digest),
		Size:      blob.Size,
	}
}

// Open returns a reader over the blob content.
func (bs *BlobStore) Open(ctx context.Context, dgst digest.Digest) (io.ReadSeekCloser, error) {
	desc, err := bs.Stat(ctx, dgst)
	if err != nil {
		return nil, err
	}
	return newFileReader(ctx, bs.repository.registry.driver, blobDataPath(desc.Digest), desc.Size), nil
}

// ServeBlob writes the blob to w, honoring Range requests. When redirects
// are enabled and the driver can produce a URL, the client is redirected
// there instead.
func (bs *BlobStore) ServeBlob(ctx context.Context, w http.ResponseWriter, r *http.Request, dgst digest.Digest) error {
	desc, err := bs.Stat(ctx, dgst)
	if err != nil {
		return err
	}
	reg := bs.repository.registry
	path := blobDataPath(desc.Digest)

	if reg.redirect {
		redirectURL, err := reg.driver.RedirectURL(r, path)
		if err != nil {
			return err
		}
		if redirectURL != "" {
			// Redirect to storage URL.
			http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
			return nil
		}
		// Fallback to serving the content directly.
	}

	br := newFileReader(ctx, reg.driver, path, desc.Size)
	defer br.Close()

	w.Header().Set("ETag", fmt.Sprintf(`"%s"`, desc.Digest))
	// If-None-Match handled by ServeContent
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%.f", (365*24*time.Hour).Seconds()))
	w.Header().Set("Accept-Ranges", "bytes")

	if w.Header().Get("Docker-Content-Digest") == "" {
		w.Header().Set("Docker-Content-Digest", desc.Digest.String())
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", desc.MediaType)
	}
	if w.Header().Get("Content-Length") == "" {
		// Set the content length if not already set.
		w.Header().Set("Content-Length", strconv.FormatInt(desc.Size, 10))
	}

	http.ServeContent(w, r, desc.Digest.String(), time.Time{}, br)
	return nil
}

// Put stores the content of rd as a blob and links it into the repository.
// The content must hash to expected.
func (bs *BlobStore) Put(ctx context.Context, rd io.Reader, expected digest.Digest) (v1.Descriptor, error) {
	if err := expected.Validate(); err != nil {
		return v1.Descriptor{}, ErrBlobInvalidDigest{Digest: expected, Reason: err}
	}
	reg := bs.repository.registry
	id := uuid.NewString()
	staged := uploadDataPath(id)

	fw, err := reg.driver.Writer(ctx, staged)
	if err != nil {
		return v1.Descriptor{}, err
	}

	verifier := expected.Verifier()
	src := rd
	if reg.maxBlobSize > 0 {
		src = io.LimitReader(rd, reg.maxBlobSize+1)
	}
	n, err := io.Copy(fw, io.TeeReader(src, verifier))
	if err != nil {
		fw.Cancel(ctx)
		return v1.Descriptor{}, err
	}
	if reg.maxBlobSize > 0 && n > reg.maxBlobSize {
		fw.Cancel(ctx)
		return v1.Descriptor{}, ErrBlobInvalidLength{Reason: fmt.Sprintf("blob exceeds the maximum size of %d bytes", reg.maxBlobSize)}
	}
	if n == 0 {
		fw.Cancel(ctx)
		return v1.Descriptor{}, errEmptyBlob
	}
	if !verifier.Verified() {
		fw.Cancel(ctx)
		return v1.Descriptor{}, ErrBlobInvalidDigest{Digest: expected, Reason: errors.New("content does not match digest")}
	}
	if err := fw.Commit(ctx); err != nil {
		fw.Cancel(ctx)
		return v1.Descriptor{}, err
	}

	desc := v1.Descriptor{MediaType: defaultBlobMediaType, Digest: expected, Size: n}
	if err := reg.commitStaged(ctx, bs.repository.name, id, desc, nil); err != nil {
		return v1.Descriptor{}, err
	}
	return desc, nil
}

// Mount links a blob of the repository named from into this repository.
// The caller checks that the client may pull from the source. A missing
// source link returns ErrBlobUnknown so the client falls back to uploading.
func (bs *BlobStore) Mount(ctx context.Context, from string, dgst digest.Digest) (v1.Descriptor, error) {
	reg := bs.repository.registry
	var desc v1.Descriptor
	err := reg.db.Write(ctx, func(tx *bstore.Tx) error {
		src := &BlobStore{repository: &Repository{registry: reg, name: from}}
		var err error
		desc, err = src.statTx(tx, dgst)
		if err != nil {
			return err
		}

		repo, err := ensureRepository(tx, bs.repository.name)
		if err != nil {
			return err
		}
		blob := metadata.Blob{Digest: dgst.String()}
		if err := tx.Get(&blob); err != nil {
			return err
		}
		return reg.linkTemporaryTx(tx, repo, blob, reg.now().Add(reg.linkTTL))
	})
	return desc, err
}

// LinkTemporary links an existing blob into the repository until ttl
// passes or a manifest referencing it is pushed.
func (bs *BlobStore) LinkTemporary(ctx context.Context, dgst digest.Digest, ttl time.Duration) error {
	reg := bs.repository.registry
	return reg.db.Write(ctx, func(tx *bstore.Tx) error {
		blob := metadata.Blob{Digest: dgst.String()}
		if err := tx.Get(&blob); errors.Is(err, bstore.ErrAbsent) {
			return ErrBlobUnknown
		} else if err != nil {
			return err
		}
		repo, err := ensureRepository(tx, bs.repository.name)
		if err != nil {
			return err
		}
		return reg.linkTemporaryTx(tx, repo, blob, reg.now().Add(ttl))
	})
}

// PromoteLink makes the link to a blob permanent.
func (bs *BlobStore) PromoteLink(ctx context.Context, dgst digest.Digest) error {
	return bs.repository.registry.db.Write(ctx, func(tx *bstore.Tx) error {
		repo, err := lookupRepository(tx, bs.repository.name)
		if err == ErrRepositoryUnknown {
			return ErrBlobUnknown
		} else if err != nil {
			return err
		}
		return promoteLinkTx(tx, repo.ID, dgst.String())
	})
}

func promoteLinkTx(tx *bstore.Tx, repoID int64, dgst string) error {
	link, err := bstore.QueryTx[metadata.BlobLink](tx).FilterNonzero(metadata.BlobLink{RepositoryID: repoID, Digest: dgst}).Get()
	if errors.Is(err, bstore.ErrAbsent) {
		return ErrBlobUnknown
	} else if err != nil {
		return err
	}
	if link.Temporary() {
		link.Expires = time.Time{}
		return tx.Update(&link)
	}
	return nil
}

// linkTemporaryTx creates or extends a temporary link. Permanent links are
// left alone.
func (reg *Registry) linkTemporaryTx(tx *bstore.Tx, repo metadata.Repository, blob metadata.Blob, expires time.Time) error {
	if !blob.Orphaned.IsZero() {
		blob.Orphaned = time.Time{}
		if err := tx.Update(&blob); err != nil {
			return err
		}
	}

	link, err := bstore.QueryTx[metadata.BlobLink](tx).FilterNonzero(metadata.BlobLink{RepositoryID: repo.ID, Digest: blob.Digest}).Get()
	switch {
	case err == nil:
		if !link.Temporary() || link.Expires.After(expires) {
			return nil
		}
		if !link.Alive(reg.now()) {
			if err := reg.checkQuotaTx(tx, repo, blob.Size); err != nil {
				return err
			}
		}
		link.Expires = expires
		return tx.Update(&link)
	case errors.Is(err, bstore.ErrAbsent):
		if err := reg.checkQuotaTx(tx, repo, blob.Size); err != nil {
			return err
		}
		return tx.Insert(&metadata.BlobLink{RepositoryID: repo.ID, Digest: blob.Digest, Expires: expires})
	default:
		return err
	}
}

// checkQuotaTx fails if linking size more bytes would exceed the quota of
// the repository.
func (reg *Registry) checkQuotaTx(tx *bstore.Tx, repo metadata.Repository, size int64) error {
	if reg.quotaBytes <= 0 {
		return nil
	}
	used, err := repositoryUsageTx(tx, repo.ID, reg.now())
	if err != nil {
		return err
	}
	if used+size > reg.quotaBytes {
		return ErrQuotaExceeded{Repository: repo.Name, Limit: reg.quotaBytes, Used: used + size}
	}
	return nil
}

// repositoryUsageTx sums the sizes of the blobs with a live link in the
// repository.
func repositoryUsageTx(tx *bstore.Tx, repoID int64, now time.Time) (int64, error) {
	var total int64
	err := bstore.QueryTx[metadata.BlobLink](tx).FilterNonzero(metadata.BlobLink{RepositoryID: repoID}).ForEach(func(link metadata.BlobLink) error {
		if !link.Alive(now) {
			return nil
		}
		blob := metadata.Blob{Digest: link.Digest}
		if err := tx.Get(&blob); err != nil {
			return err
		}
		total += blob.Size
		return nil
	})
	return total, err
}

// commitStaged moves the staged data of upload id into the blob store and
// links it into the repository. When the blob already exists the staged
// bytes are discarded. inTx runs in the linking transaction.
func (reg *Registry) commitStaged(ctx context.Context, repoName, id string, desc v1.Descriptor, inTx func(tx *bstore.Tx) error) error {
	log := dcontext.GetLoggerWithField(ctx, "digest", desc.Digest)
	expires := reg.now().Add(reg.linkTTL)

	link := func(tx *bstore.Tx, blob metadata.Blob) error {
		repo, err := ensureRepository(tx, repoName)
		if err != nil {
			return err
		}
		if err := reg.linkTemporaryTx(tx, repo, blob, expires); err != nil {
			return err
		}
		if inTx != nil {
			return inTx(tx)
		}
		return nil
	}

	unlock := reg.lockBlob(desc.Digest.String())
	defer unlock()

	exists := false
	err := reg.db.Write(ctx, func(tx *bstore.Tx) error {
		blob := metadata.Blob{Digest: desc.Digest.String()}
		err := tx.Get(&blob)
		if errors.Is(err, bstore.ErrAbsent) {
			return nil
		} else if err != nil {
			return err
		}
		exists = true
		return link(tx, blob)
	})
	if err != nil {
		return err
	}

	if !exists {
		if err := retry.Do(ctx, "move blob", func() error {
			return reg.driver.Move(ctx, uploadDataPath(id), blobDataPath(desc.Digest))
		}); err != nil {
			return fmt.Errorf("moving upload %s to blob store: %w", id, err)
		}

		err = reg.db.Write(ctx, func(tx *bstore.Tx) error {
			blob := metadata.Blob{Digest: desc.Digest.String(), Size: desc.Size, MediaType: desc.MediaType}
			if err := tx.Insert(&blob); errors.Is(err, bstore.ErrUnique) {
				if err := tx.Get(&blob); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
			return link(tx, blob)
		})
		if err != nil {
			return err
		}
		log.Debug("blob committed")
	} else {
		log.Debug("blob exists, discarding staged content")
	}

	if err := reg.driver.Delete(ctx, uploadRootPath(id)); err != nil {
		var notFound storagedriver.PathNotFoundError
		if !errors.As(err, &notFound) {
			// The staging sweeper removes it later.
			log.WithError(err).Warn("removing upload directory")
		}
	}
	return nil
}
