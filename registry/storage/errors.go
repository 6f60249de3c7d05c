package storage

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrBlobUnknown is returned when a blob is not linked in the
	// repository.
	ErrBlobUnknown = errors.New("blob unknown to registry")

	// ErrUploadUnknown is returned for sessions that do not exist, were
	// cancelled or expired.
	ErrUploadUnknown = errors.New("blob upload unknown")

	// ErrUploadClosed is returned when data is sent to a committed session.
	ErrUploadClosed = errors.New("blob upload already committed")

	// ErrUploadBusy is returned when another request is mutating the same
	// session.
	ErrUploadBusy = errors.New("blob upload is being modified by another request")

	// ErrManifestUnknown is returned when a reference resolves to nothing.
	ErrManifestUnknown = errors.New("manifest unknown")

	// ErrTagUnknown is returned for tags without an alive row.
	ErrTagUnknown = errors.New("tag unknown")

	// ErrRepositoryUnknown is returned for repositories never pushed to.
	ErrRepositoryUnknown = errors.New("repository name not known to registry")

	// ErrUnsupported is returned when an operation is not available.
	ErrUnsupported = errors.New("operation unsupported")
)

// ErrBlobInvalidDigest is returned when the content does not match the
// digest the client claimed.
type ErrBlobInvalidDigest struct {
	Digest digest.Digest
	Reason error
}

func (err ErrBlobInvalidDigest) Error() string {
	return fmt.Sprintf("invalid digest for referenced layer: %v, %v", err.Digest, err.Reason)
}

// ErrBlobInvalidLength is returned when a declared length does not match
// the received one or a blob exceeds the size limit.
type ErrBlobInvalidLength struct {
	Reason string
}

func (err ErrBlobInvalidLength) Error() string {
	return "invalid blob length: " + err.Reason
}

var errEmptyBlob = ErrBlobInvalidLength{Reason: "blob is empty"}

// ErrRangeInvalid is returned when a chunk does not start at the current
// offset of its session.
type ErrRangeInvalid struct {
	Offset int64
	Start  int64
}

func (err ErrRangeInvalid) Error() string {
	return fmt.Sprintf("chunk starts at %d, upload is at offset %d", err.Start, err.Offset)
}

// ErrManifestInvalid wraps a parse or validation failure.
type ErrManifestInvalid struct {
	Reason error
}

func (err ErrManifestInvalid) Error() string {
	return fmt.Sprintf("manifest invalid: %v", err.Reason)
}

func (err ErrManifestInvalid) Unwrap() error {
	return err.Reason
}

// ErrManifestBlobUnknown names the first blob or child manifest a pushed
// manifest refers to that the repository does not have.
type ErrManifestBlobUnknown struct {
	Digest digest.Digest
}

func (err ErrManifestBlobUnknown) Error() string {
	return fmt.Sprintf("unknown blob %v on manifest", err.Digest)
}

// ErrTagImmutable is returned when an operation would move or remove an
// immutable tag.
type ErrTagImmutable struct {
	Tag string
}

func (err ErrTagImmutable) Error() string {
	return fmt.Sprintf("tag %s is immutable", err.Tag)
}

// ErrManifestReferenced is returned when deleting a manifest an immutable
// tag or an index still refers to.
type ErrManifestReferenced struct {
	Digest digest.Digest
	By     string
}

func (err ErrManifestReferenced) Error() string {
	return fmt.Sprintf("manifest %v is referenced by %s", err.Digest, err.By)
}

// ErrQuotaExceeded is returned when a repository would grow beyond its byte
// quota.
type ErrQuotaExceeded struct {
	Repository string
	Limit      int64
	Used       int64
}

func (err ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("repository %s would use %d bytes, quota is %d", err.Repository, err.Used, err.Limit)
}

// ErrRepositoryNameInvalid is returned for names the registry refuses.
type ErrRepositoryNameInvalid struct {
	Name   string
	Reason error
}

func (err ErrRepositoryNameInvalid) Error() string {
	return fmt.Sprintf("repository name %q invalid: %v", err.Name, err.Reason)
}

func (err ErrRepositoryNameInvalid) Unwrap() error {
	return err.Reason
}
