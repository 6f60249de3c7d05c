package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/opencontainers/go-digest"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/registry/api/errcode"
	v2 "github.com/dockyard/registry/registry/api/v2"
	"github.com/dockyard/registry/registry/auth"
	"github.com/dockyard/registry/registry/storage"
)

// Context should contain the request specific context for use in across
// handlers. Resources that don't need to be shared across handlers should not
// be on this object.
type Context struct {
	// App points to the application structure that created this context.
	*App
	context.Context

	// Repository is the repository for the current request. All requests
	// should be scoped to a single repository. This field may be nil.
	Repository *storage.Repository

	// Errors is a collection of errors encountered during the request to be
	// returned to the client API. If errors are added to the collection, the
	// handler *must not* start the response via http.ResponseWriter.
	Errors errcode.Errors

	// grant is what the credential of the request was verified to carry.
	// Nil when authorization is disabled.
	grant *auth.Grant

	urlBuilder *v2.URLBuilder
}

// Value overrides context.Context.Value to ensure that calls are routed to
// correct context.
func (ctx *Context) Value(key any) any {
	return ctx.Context.Value(key)
}

func getName(ctx context.Context) (name string) {
	return dcontext.GetStringValue(ctx, "vars.name")
}

func getReference(ctx context.Context) (reference string) {
	return dcontext.GetStringValue(ctx, "vars.reference")
}

var errDigestNotAvailable = errors.New("digest not available in context")

func getDigest(ctx context.Context) (dgst digest.Digest, err error) {
	dgstStr := dcontext.GetStringValue(ctx, "vars.digest")

	if dgstStr == "" {
		dcontext.GetLogger(ctx).Errorf("digest not available")
		return "", errDigestNotAvailable
	}

	d, err := digest.Parse(dgstStr)
	if err != nil {
		dcontext.GetLogger(ctx).Errorf("error parsing digest=%q: %v", dgstStr, err)
		return "", err
	}

	return d, nil
}

func getUploadUUID(ctx context.Context) (uuid string) {
	return dcontext.GetStringValue(ctx, "vars.uuid")
}

func getTag(ctx context.Context) (tag string) {
	return dcontext.GetStringValue(ctx, "vars.tag")
}

// apiError maps an error of the storage layer to the error served to the
// client. Errors without a client meaning become internal errors carrying
// the request id.
func (ctx *Context) apiError(err error) error {
	var (
		coded       errcode.Error
		badDigest   storage.ErrBlobInvalidDigest
		badLength   storage.ErrBlobInvalidLength
		badRange    storage.ErrRangeInvalid
		badManifest storage.ErrManifestInvalid
		missingBlob storage.ErrManifestBlobUnknown
		immutable   storage.ErrTagImmutable
		referenced  storage.ErrManifestReferenced
		quota       storage.ErrQuotaExceeded
		badName     storage.ErrRepositoryNameInvalid
		internalErr errcode.InternalError
	)

	switch {
	case errors.As(err, &coded):
		return coded
	case errors.As(err, &internalErr):
		return internalErr
	case errors.Is(err, storage.ErrBlobUnknown):
		return v2.ErrorCodeBlobUnknown.WithDetail(dcontext.GetStringValue(ctx, "vars.digest"))
	case errors.Is(err, storage.ErrUploadUnknown):
		return v2.ErrorCodeBlobUploadUnknown.WithDetail(getUploadUUID(ctx))
	case errors.Is(err, storage.ErrUploadClosed):
		return v2.ErrorCodeBlobUploadInvalid.WithMessage(err.Error()).WithStatus(http.StatusGone)
	case errors.Is(err, storage.ErrUploadBusy):
		return v2.ErrorCodeBlobUploadInvalid.WithMessage(err.Error()).WithStatus(http.StatusConflict)
	case errors.Is(err, storage.ErrManifestUnknown), errors.Is(err, storage.ErrTagUnknown):
		return v2.ErrorCodeManifestUnknown.WithDetail(getReferenceDetail(ctx))
	case errors.Is(err, storage.ErrRepositoryUnknown):
		return v2.ErrorCodeNameUnknown.WithDetail(map[string]string{"name": getName(ctx)})
	case errors.Is(err, storage.ErrUnsupported):
		return errcode.ErrorCodeUnsupported.WithDetail(err.Error())
	case errors.As(err, &badDigest):
		return v2.ErrorCodeDigestInvalid.WithDetail(badDigest.Error())
	case errors.As(err, &badLength):
		return v2.ErrorCodeSizeInvalid.WithDetail(badLength.Error())
	case errors.As(err, &badRange):
		return v2.ErrorCodeRangeInvalid.WithDetail(badRange.Error())
	case errors.As(err, &missingBlob):
		return v2.ErrorCodeManifestBlobUnknown.WithDetail(missingBlob.Digest)
	case errors.As(err, &badManifest):
		return v2.ErrorCodeManifestInvalid.WithDetail(badManifest.Error())
	case errors.As(err, &immutable):
		return errcode.ErrorCodeDenied.WithMessage(immutable.Error())
	case errors.As(err, &referenced):
		return errcode.ErrorCodeDenied.WithMessage(referenced.Error())
	case errors.As(err, &quota):
		return v2.ErrorCodeQuotaExceeded.WithDetail(map[string]int64{"limit": quota.Limit, "used": quota.Used})
	case errors.As(err, &badName):
		return v2.ErrorCodeNameInvalid.WithDetail(badName.Error())
	}

	dcontext.GetLogger(ctx).WithError(err).Error("unexpected storage error")
	return errcode.NewInternalError(dcontext.GetRequestID(ctx), err)
}

func getReferenceDetail(ctx context.Context) map[string]string {
	if tag := getTag(ctx); tag != "" {
		return map[string]string{"tag": tag}
	}
	return map[string]string{"reference": getReference(ctx)}
}
