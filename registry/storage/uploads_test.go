package storage

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/dockyard/registry/registry/storage/metadata"
)

func TestUploadChunked(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	uploads := repo.Uploads()

	status, err := uploads.Create(env.ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), status.Offset)

	chunks := []string{"hel", "lo wo", "rld"}
	var offset int64
	for _, c := range chunks {
		status, err = uploads.Append(env.ctx, status.UUID, offset, strings.NewReader(c), int64(len(c)))
		require.NoError(t, err)
		offset += int64(len(c))
		require.Equal(t, offset, status.Offset)
	}

	status, err = uploads.Status(env.ctx, status.UUID)
	require.NoError(t, err)
	require.Equal(t, int64(11), status.Offset)

	desc, err := uploads.Commit(env.ctx, status.UUID, -1, nil, 0, digest.FromString("hello world"))
	require.NoError(t, err)
	require.Equal(t, int64(11), desc.Size)

	rd, err := repo.Blobs().Open(env.ctx, desc.Digest)
	require.NoError(t, err)
	got, err := io.ReadAll(rd)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	_, err = env.driver.List(env.ctx, uploadRootPath(status.UUID))
	require.Error(t, err, "upload directory should be removed")

	// committed sessions refuse data and are unknown to status queries
	_, err = uploads.Append(env.ctx, status.UUID, -1, strings.NewReader("x"), 1)
	require.ErrorIs(t, err, ErrUploadClosed)
	_, err = uploads.Commit(env.ctx, status.UUID, -1, nil, 0, desc.Digest)
	require.ErrorIs(t, err, ErrUploadClosed)
	_, err = uploads.Status(env.ctx, status.UUID)
	require.ErrorIs(t, err, ErrUploadUnknown)
	require.ErrorIs(t, uploads.Cancel(env.ctx, status.UUID), ErrUploadUnknown)
}

func TestUploadRangeMismatch(t *testing.T) {
	env := newTestEnv(t)
	uploads := env.repository(t, "library/app").Uploads()

	status, err := uploads.Create(env.ctx)
	require.NoError(t, err)
	_, err = uploads.Append(env.ctx, status.UUID, 0, strings.NewReader("abc"), 3)
	require.NoError(t, err)

	_, err = uploads.Append(env.ctx, status.UUID, 1, strings.NewReader("def"), 3)
	var rangeErr ErrRangeInvalid
	require.ErrorAs(t, err, &rangeErr)
	require.Equal(t, int64(3), rangeErr.Offset)

	// the session is intact
	status, err = uploads.Status(env.ctx, status.UUID)
	require.NoError(t, err)
	require.Equal(t, int64(3), status.Offset)

	// no range appends at the current offset
	status, err = uploads.Append(env.ctx, status.UUID, -1, strings.NewReader("def"), -1)
	require.NoError(t, err)
	require.Equal(t, int64(6), status.Offset)
}

type failingReader struct {
	data []byte
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, errors.New("connection reset")
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestUploadInterruptedChunk(t *testing.T) {
	env := newTestEnv(t)
	uploads := env.repository(t, "library/app").Uploads()

	status, err := uploads.Create(env.ctx)
	require.NoError(t, err)
	_, err = uploads.Append(env.ctx, status.UUID, 0, strings.NewReader("abc"), 3)
	require.NoError(t, err)

	_, err = uploads.Append(env.ctx, status.UUID, 3, &failingReader{data: []byte("partial")}, 20)
	require.Error(t, err)

	status, err = uploads.Status(env.ctx, status.UUID)
	require.NoError(t, err)
	require.Equal(t, int64(3), status.Offset)

	desc, err := uploads.Commit(env.ctx, status.UUID, 3, strings.NewReader("def"), 3, digest.FromString("abcdef"))
	require.NoError(t, err)
	require.Equal(t, int64(6), desc.Size)
}

func TestUploadLengthMismatch(t *testing.T) {
	env := newTestEnv(t)
	uploads := env.repository(t, "library/app").Uploads()

	status, err := uploads.Create(env.ctx)
	require.NoError(t, err)
	_, err = uploads.Append(env.ctx, status.UUID, 0, strings.NewReader("abc"), 5)
	var lengthErr ErrBlobInvalidLength
	require.ErrorAs(t, err, &lengthErr)

	status, err = uploads.Status(env.ctx, status.UUID)
	require.NoError(t, err)
	require.Equal(t, int64(0), status.Offset)
}

func TestUploadDigestMismatchCancels(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	uploads := repo.Uploads()

	status, err := uploads.Create(env.ctx)
	require.NoError(t, err)
	_, err = uploads.Append(env.ctx, status.UUID, 0, strings.NewReader("hello"), 5)
	require.NoError(t, err)

	wrong := digest.Digest("sha256:" + strings.Repeat("0", 64))
	_, err = uploads.Commit(env.ctx, status.UUID, -1, nil, 0, wrong)
	var invalid ErrBlobInvalidDigest
	require.ErrorAs(t, err, &invalid)

	_, err = uploads.Status(env.ctx, status.UUID)
	require.ErrorIs(t, err, ErrUploadUnknown)
	_, err = uploads.Append(env.ctx, status.UUID, -1, strings.NewReader("x"), 1)
	require.ErrorIs(t, err, ErrUploadUnknown)

	for _, d := range []digest.Digest{wrong, digest.FromString("hello")} {
		_, err = repo.Blobs().Stat(env.ctx, d)
		require.ErrorIs(t, err, ErrBlobUnknown)
	}
}

func TestUploadMonolithicPut(t *testing.T) {
	env := newTestEnv(t)
	uploads := env.repository(t, "library/app").Uploads()

	status, err := uploads.Create(env.ctx)
	require.NoError(t, err)
	content := bytes.Repeat([]byte("x"), 1<<16)
	desc, err := uploads.Commit(env.ctx, status.UUID, -1, bytes.NewReader(content), int64(len(content)), digest.FromBytes(content))
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), desc.Size)
}

func TestUploadEmptyBlob(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	uploads := repo.Uploads()

	status, err := uploads.Create(env.ctx)
	require.NoError(t, err)
	_, err = uploads.Commit(env.ctx, status.UUID, -1, nil, 0, digest.FromBytes(nil))
	var lengthErr ErrBlobInvalidLength
	require.ErrorAs(t, err, &lengthErr)

	_, err = repo.Blobs().Stat(env.ctx, digest.FromBytes(nil))
	require.ErrorIs(t, err, ErrBlobUnknown)

	// the session stays open for content
	status, err = uploads.Status(env.ctx, status.UUID)
	require.NoError(t, err)
	require.Equal(t, int64(0), status.Offset)
	desc, err := uploads.Commit(env.ctx, status.UUID, 0, strings.NewReader("abc"), 3, digest.FromString("abc"))
	require.NoError(t, err)
	require.Equal(t, int64(3), desc.Size)
}

func TestUploadExpiry(t *testing.T) {
	env := newTestEnv(t, SessionTimeout(time.Minute))
	uploads := env.repository(t, "library/app").Uploads()

	status, err := uploads.Create(env.ctx)
	require.NoError(t, err)
	_, err = uploads.Append(env.ctx, status.UUID, 0, strings.NewReader("abc"), 3)
	require.NoError(t, err)

	// activity pushes the deadline
	env.clock.Advance(45 * time.Second)
	_, err = uploads.Append(env.ctx, status.UUID, 3, strings.NewReader("d"), 1)
	require.NoError(t, err)
	env.clock.Advance(45 * time.Second)
	_, err = uploads.Status(env.ctx, status.UUID)
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	_, err = uploads.Status(env.ctx, status.UUID)
	require.ErrorIs(t, err, ErrUploadUnknown)
	_, err = uploads.Append(env.ctx, status.UUID, 4, strings.NewReader("e"), 1)
	require.ErrorIs(t, err, ErrUploadUnknown)

	n, err := env.reg.ExpireUploads(env.ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	upload := metadata.Upload{UUID: status.UUID}
	require.NoError(t, env.reg.DB().Get(env.ctx, &upload))
	require.Equal(t, metadata.UploadExpired, upload.State)
	_, err = env.driver.List(env.ctx, uploadRootPath(status.UUID))
	require.Error(t, err)
}

func TestUploadBusy(t *testing.T) {
	env := newTestEnv(t)
	uploads := env.repository(t, "library/app").Uploads()

	status, err := uploads.Create(env.ctx)
	require.NoError(t, err)

	unlock, err := env.reg.tryLockUpload(status.UUID)
	require.NoError(t, err)
	_, err = uploads.Append(env.ctx, status.UUID, 0, strings.NewReader("abc"), 3)
	require.ErrorIs(t, err, ErrUploadBusy)
	unlock()

	_, err = uploads.Append(env.ctx, status.UUID, 0, strings.NewReader("abc"), 3)
	require.NoError(t, err)
}

func TestUploadOtherRepository(t *testing.T) {
	env := newTestEnv(t)
	status, err := env.repository(t, "lib/a").Uploads().Create(env.ctx)
	require.NoError(t, err)

	other := env.repository(t, "lib/b")
	env.pushBlob(t, other, []byte("make lib/b exist"))
	_, err = other.Uploads().Status(env.ctx, status.UUID)
	require.ErrorIs(t, err, ErrUploadUnknown)
}

func TestConcurrentCommitSameDigest(t *testing.T) {
	env := newTestEnv(t)
	a := env.repository(t, "lib/a")
	b := env.repository(t, "lib/b")
	content := []byte("same bytes")

	errs := make(chan error, 2)
	for _, repo := range []*Repository{a, b} {
		repo := repo
		go func() {
			_, err := repo.Blobs().Put(env.ctx, bytes.NewReader(content), digest.FromBytes(content))
			errs <- err
		}()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	for _, repo := range []*Repository{a, b} {
		_, err := repo.Blobs().Stat(env.ctx, digest.FromBytes(content))
		require.NoError(t, err)
	}
	blob := metadata.Blob{Digest: digest.FromBytes(content).String()}
	require.NoError(t, env.reg.DB().Get(env.ctx, &blob))
	require.Equal(t, int64(len(content)), blob.Size)
}
