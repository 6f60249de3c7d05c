package storage

import (
	"context"
	"crypto/sha256"
	"encoding"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"
	"time"

	"github.com/mjl-/bstore"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/internal/uuid"
	prometheus "github.com/dockyard/registry/metrics"
	storagedriver "github.com/dockyard/registry/registry/storage/driver"
	"github.com/dockyard/registry/registry/storage/metadata"
)

// UploadStatus describes an open upload session.
type UploadStatus struct {
	UUID     string
	Offset   int64
	Started  time.Time
	Deadline time.Time
}

func uploadStatus(u metadata.Upload) UploadStatus {
	return UploadStatus{
		UUID:     u.UUID,
		Offset:   u.Offset,
		Started:  u.Created,
		Deadline: u.Deadline,
	}
}

// UploadStore manages the resumable upload sessions of a repository.
//
// A session accepts chunks strictly in byte order. Each chunk is written to
// the backend as a separate object while the running sha256 state is kept
// in the session row, so no request holds state between calls and a failed
// chunk leaves the session at its previous offset.
type UploadStore struct {
	repository *Repository
}

// Create opens a new session.
func (us *UploadStore) Create(ctx context.Context) (UploadStatus, error) {
	reg := us.repository.registry
	state, err := marshalHash(sha256.New())
	if err != nil {
		return UploadStatus{}, err
	}

	now := reg.now()
	upload := metadata.Upload{
		UUID:         uuid.NewString(),
		State:        metadata.UploadOpen,
		HashState:    state,
		Created:      now,
		LastActivity: now,
		Deadline:     now.Add(reg.sessionTimeout),
	}
	err = reg.db.Write(ctx, func(tx *bstore.Tx) error {
		repo, err := ensureRepository(tx, us.repository.name)
		if err != nil {
			return err
		}
		upload.RepositoryID = repo.ID
		return tx.Insert(&upload)
	})
	if err != nil {
		return UploadStatus{}, err
	}

	prometheus.UploadsOpen.WithValues(string(metadata.UploadOpen)).Inc()
	dcontext.GetLoggerWithField(ctx, "vars.uuid", upload.UUID).Debug("upload session opened")
	return uploadStatus(upload), nil
}

// Status returns the state of an open session.
func (us *UploadStore) Status(ctx context.Context, id string) (UploadStatus, error) {
	upload, err := us.load(ctx, id)
	if err != nil {
		return UploadStatus{}, err
	}
	if upload.State != metadata.UploadOpen {
		return UploadStatus{}, ErrUploadUnknown
	}
	return uploadStatus(upload), nil
}

// load fetches the session row and checks that it belongs to the repository
// and has not passed its deadline.
func (us *UploadStore) load(ctx context.Context, id string) (metadata.Upload, error) {
	reg := us.repository.registry
	var upload metadata.Upload
	err := reg.db.Read(ctx, func(tx *bstore.Tx) error {
		repo, err := lookupRepository(tx, us.repository.name)
		if err == ErrRepositoryUnknown {
			return ErrUploadUnknown
		} else if err != nil {
			return err
		}
		upload = metadata.Upload{UUID: id}
		if err := tx.Get(&upload); errors.Is(err, bstore.ErrAbsent) {
			return ErrUploadUnknown
		} else if err != nil {
			return err
		}
		if upload.RepositoryID != repo.ID {
			return ErrUploadUnknown
		}
		return nil
	})
	if err != nil {
		return upload, err
	}
	if upload.State == metadata.UploadOpen && !upload.Deadline.After(reg.now()) {
		upload.State = metadata.UploadExpired
	}
	return upload, nil
}

// loadWritable is load for requests that send data: committed sessions
// return ErrUploadClosed, other closed sessions ErrUploadUnknown.
func (us *UploadStore) loadWritable(ctx context.Context, id string) (metadata.Upload, error) {
	upload, err := us.load(ctx, id)
	if err != nil {
		return upload, err
	}
	switch upload.State {
	case metadata.UploadOpen:
		return upload, nil
	case metadata.UploadCommitted:
		return upload, ErrUploadClosed
	}
	return upload, ErrUploadUnknown
}

// Append writes the content of rd at the current offset of the session.
// start is the first byte offset the client claims for the chunk, or -1
// when it sent no range. length is the declared content length, or -1.
func (us *UploadStore) Append(ctx context.Context, id string, start int64, rd io.Reader, length int64) (UploadStatus, error) {
	reg := us.repository.registry
	unlock, err := reg.tryLockUpload(id)
	if err != nil {
		return UploadStatus{}, err
	}
	defer unlock()

	upload, err := us.loadWritable(ctx, id)
	if err != nil {
		return UploadStatus{}, err
	}
	upload, err = us.appendLocked(ctx, upload, start, rd, length)
	if err != nil {
		return UploadStatus{}, err
	}
	return uploadStatus(upload), nil
}

func (us *UploadStore) appendLocked(ctx context.Context, upload metadata.Upload, start int64, rd io.Reader, length int64) (metadata.Upload, error) {
	reg := us.repository.registry
	if start >= 0 && start != upload.Offset {
		return upload, ErrRangeInvalid{Offset: upload.Offset, Start: start}
	}

	h, err := unmarshalHash(upload.HashState)
	if err != nil {
		return upload, fmt.Errorf("restoring hash state of upload %s: %w", upload.UUID, err)
	}

	chunk := uploadChunkPath(upload.UUID, upload.Offset)
	n, err := us.writeChunk(ctx, chunk, upload.Offset, rd, h)
	if err != nil {
		return upload, err
	}
	if length >= 0 && n != length {
		us.removeChunk(ctx, chunk, n)
		return upload, ErrBlobInvalidLength{Reason: fmt.Sprintf("received %d bytes, expected %d", n, length)}
	}

	state, err := marshalHash(h)
	if err != nil {
		us.removeChunk(ctx, chunk, n)
		return upload, err
	}

	version := upload.Version
	now := reg.now()
	err = reg.db.Write(ctx, func(tx *bstore.Tx) error {
		current := metadata.Upload{UUID: upload.UUID}
		if err := tx.Get(&current); err != nil {
			return err
		}
		if current.Version != version || current.State != metadata.UploadOpen {
			return ErrUploadBusy
		}
		current.Offset += n
		current.HashState = state
		current.LastActivity = now
		current.Deadline = now.Add(reg.sessionTimeout)
		current.Version++
		upload = current
		return tx.Update(&current)
	})
	if err != nil {
		us.removeChunk(ctx, chunk, n)
		return upload, err
	}

	prometheus.UploadBytes.Inc(float64(n))
	return upload, nil
}

// writeChunk streams rd into a new chunk object while feeding h. Empty
// chunks are not stored. Nothing is left behind on failure.
func (us *UploadStore) writeChunk(ctx context.Context, path string, offset int64, rd io.Reader, h hash.Hash) (int64, error) {
	reg := us.repository.registry
	if rd == nil {
		return 0, nil
	}

	fw, err := reg.driver.Writer(ctx, path)
	if err != nil {
		return 0, err
	}

	src := rd
	if reg.maxBlobSize > 0 {
		src = io.LimitReader(rd, reg.maxBlobSize-offset+1)
	}
	n, err := io.Copy(fw, io.TeeReader(src, h))
	if err != nil {
		fw.Cancel(ctx)
		return 0, err
	}
	if reg.maxBlobSize > 0 && offset+n > reg.maxBlobSize {
		fw.Cancel(ctx)
		return 0, ErrBlobInvalidLength{Reason: fmt.Sprintf("blob exceeds the maximum size of %d bytes", reg.maxBlobSize)}
	}
	if n == 0 {
		return 0, fw.Cancel(ctx)
	}
	if err := fw.Commit(ctx); err != nil {
		fw.Cancel(ctx)
		return 0, err
	}
	return n, nil
}

func (us *UploadStore) removeChunk(ctx context.Context, path string, n int64) {
	if n == 0 {
		return
	}
	if err := us.repository.registry.driver.Delete(ctx, path); err != nil {
		dcontext.GetLogger(ctx).WithError(err).Warnf("removing chunk %s", path)
	}
}

// Commit finalizes the session. Content in rd is appended first. The bytes
// received must hash to expected; on mismatch the session is cancelled.
func (us *UploadStore) Commit(ctx context.Context, id string, start int64, rd io.Reader, length int64, expected digest.Digest) (v1.Descriptor, error) {
	reg := us.repository.registry
	unlock, err := reg.tryLockUpload(id)
	if err != nil {
		return v1.Descriptor{}, err
	}
	defer unlock()

	upload, err := us.loadWritable(ctx, id)
	if err != nil {
		return v1.Descriptor{}, err
	}
	if err := expected.Validate(); err != nil {
		return v1.Descriptor{}, ErrBlobInvalidDigest{Digest: expected, Reason: err}
	}

	if rd != nil && length != 0 {
		upload, err = us.appendLocked(ctx, upload, start, rd, length)
		if err != nil {
			return v1.Descriptor{}, err
		}
	}

	if upload.Offset == 0 {
		return v1.Descriptor{}, errEmptyBlob
	}

	h, err := unmarshalHash(upload.HashState)
	if err != nil {
		return v1.Descriptor{}, fmt.Errorf("restoring hash state of upload %s: %w", id, err)
	}
	computed := digest.NewDigest(digest.SHA256, h)
	if computed != expected {
		if err := us.close(ctx, upload, metadata.UploadCancelled); err != nil {
			return v1.Descriptor{}, err
		}
		return v1.Descriptor{}, ErrBlobInvalidDigest{Digest: expected, Reason: fmt.Errorf("content digest %s", computed)}
	}

	if err := us.assemble(ctx, upload); err != nil {
		return v1.Descriptor{}, err
	}

	desc := v1.Descriptor{MediaType: defaultBlobMediaType, Digest: computed, Size: upload.Offset}
	version := upload.Version
	err = reg.commitStaged(ctx, us.repository.name, id, desc, func(tx *bstore.Tx) error {
		current := metadata.Upload{UUID: id}
		if err := tx.Get(&current); err != nil {
			return err
		}
		if current.Version != version || current.State != metadata.UploadOpen {
			return ErrUploadBusy
		}
		current.State = metadata.UploadCommitted
		current.Closed = reg.now()
		current.Digest = computed.String()
		current.Version++
		return tx.Update(&current)
	})
	if err != nil {
		return v1.Descriptor{}, err
	}

	reg.uploadLocks.Delete(id)
	prometheus.UploadsOpen.WithValues(string(metadata.UploadCommitted)).Inc()
	return desc, nil
}

// assemble joins the chunks of a session into its data object.
func (us *UploadStore) assemble(ctx context.Context, upload metadata.Upload) error {
	driver := us.repository.registry.driver
	data := uploadDataPath(upload.UUID)

	chunks, err := driver.List(ctx, uploadChunksPath(upload.UUID))
	var notFound storagedriver.PathNotFoundError
	if errors.As(err, &notFound) {
		chunks = nil
	} else if err != nil {
		return err
	}

	switch len(chunks) {
	case 0:
		return fmt.Errorf("upload %s lost its chunks", upload.UUID)
	case 1:
		return driver.Move(ctx, chunks[0], data)
	}

	// Chunk names are zero padded offsets.
	sort.Strings(chunks)
	fw, err := driver.Writer(ctx, data)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		rc, err := driver.Reader(ctx, chunk, 0)
		if err != nil {
			fw.Cancel(ctx)
			return err
		}
		_, err = io.Copy(fw, rc)
		rc.Close()
		if err != nil {
			fw.Cancel(ctx)
			return err
		}
	}
	if fw.Size() != upload.Offset {
		fw.Cancel(ctx)
		return fmt.Errorf("upload %s assembled %d bytes, expected %d", upload.UUID, fw.Size(), upload.Offset)
	}
	return fw.Commit(ctx)
}

// Cancel closes an open session and removes its data.
func (us *UploadStore) Cancel(ctx context.Context, id string) error {
	unlock, err := us.repository.registry.tryLockUpload(id)
	if err != nil {
		return err
	}
	defer unlock()

	upload, err := us.load(ctx, id)
	if err != nil {
		return err
	}
	if upload.State != metadata.UploadOpen {
		return ErrUploadUnknown
	}
	return us.close(ctx, upload, metadata.UploadCancelled)
}

func (us *UploadStore) close(ctx context.Context, upload metadata.Upload, state metadata.UploadState) error {
	reg := us.repository.registry
	err := reg.db.Write(ctx, func(tx *bstore.Tx) error {
		current := metadata.Upload{UUID: upload.UUID}
		if err := tx.Get(&current); err != nil {
			return err
		}
		current.State = state
		current.Closed = reg.now()
		current.Version++
		return tx.Update(&current)
	})
	if err != nil {
		return err
	}
	reg.uploadLocks.Delete(upload.UUID)
	prometheus.UploadsOpen.WithValues(string(state)).Inc()
	return reg.removeUploadData(ctx, upload.UUID)
}

func (reg *Registry) removeUploadData(ctx context.Context, id string) error {
	err := reg.driver.Delete(ctx, uploadRootPath(id))
	var notFound storagedriver.PathNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

func marshalHash(h hash.Hash) ([]byte, error) {
	m, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, errors.New("hash state cannot be saved")
	}
	return m.MarshalBinary()
}

func unmarshalHash(state []byte) (hash.Hash, error) {
	h := sha256.New()
	if len(state) == 0 {
		return h, nil
	}
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		return nil, err
	}
	return h, nil
}
