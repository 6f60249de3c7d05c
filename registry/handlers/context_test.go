package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/dockyard/registry/registry/api/errcode"
	v2 "github.com/dockyard/registry/registry/api/v2"
	"github.com/dockyard/registry/registry/storage"
)

func TestAPIErrorMapping(t *testing.T) {
	ctx := &Context{Context: context.Background()}
	dgst := digest.FromString("payload")

	for _, tc := range []struct {
		err    error
		code   errcode.ErrorCode
		status int
	}{
		{storage.ErrBlobUnknown, v2.ErrorCodeBlobUnknown, http.StatusNotFound},
		{fmt.Errorf("stat: %w", storage.ErrBlobUnknown), v2.ErrorCodeBlobUnknown, http.StatusNotFound},
		{storage.ErrUploadUnknown, v2.ErrorCodeBlobUploadUnknown, http.StatusNotFound},
		{storage.ErrUploadClosed, v2.ErrorCodeBlobUploadInvalid, http.StatusGone},
		{storage.ErrUploadBusy, v2.ErrorCodeBlobUploadInvalid, http.StatusConflict},
		{storage.ErrManifestUnknown, v2.ErrorCodeManifestUnknown, http.StatusNotFound},
		{storage.ErrTagUnknown, v2.ErrorCodeManifestUnknown, http.StatusNotFound},
		{storage.ErrRepositoryUnknown, v2.ErrorCodeNameUnknown, http.StatusNotFound},
		{storage.ErrUnsupported, errcode.ErrorCodeUnsupported, http.StatusMethodNotAllowed},
		{storage.ErrBlobInvalidDigest{Digest: dgst, Reason: errors.New("mismatch")}, v2.ErrorCodeDigestInvalid, http.StatusBadRequest},
		{storage.ErrBlobInvalidLength{Reason: "short"}, v2.ErrorCodeSizeInvalid, http.StatusBadRequest},
		{storage.ErrRangeInvalid{Offset: 5, Start: 3}, v2.ErrorCodeRangeInvalid, http.StatusRequestedRangeNotSatisfiable},
		{storage.ErrManifestInvalid{Reason: errors.New("bad")}, v2.ErrorCodeManifestInvalid, http.StatusBadRequest},
		{storage.ErrManifestBlobUnknown{Digest: dgst}, v2.ErrorCodeManifestBlobUnknown, http.StatusBadRequest},
		{storage.ErrTagImmutable{Tag: "stable"}, errcode.ErrorCodeDenied, http.StatusForbidden},
		{storage.ErrManifestReferenced{Digest: dgst, By: "tag stable"}, errcode.ErrorCodeDenied, http.StatusForbidden},
		{storage.ErrQuotaExceeded{Repository: "lib/a", Limit: 1, Used: 2}, v2.ErrorCodeQuotaExceeded, http.StatusForbidden},
		{storage.ErrRepositoryNameInvalid{Name: "A", Reason: errors.New("uppercase")}, v2.ErrorCodeNameInvalid, http.StatusBadRequest},
		{v2.ErrorCodeTagInvalid.WithDetail("x"), v2.ErrorCodeTagInvalid, http.StatusBadRequest},
	} {
		mapped := ctx.apiError(tc.err)
		coded, ok := mapped.(errcode.Error)
		require.True(t, ok, "%v mapped to %#v", tc.err, mapped)
		require.Equal(t, tc.code, coded.Code, "%v", tc.err)
		require.Equal(t, tc.status, coded.StatusCode(), "%v", tc.err)
	}
}

func TestAPIErrorInternal(t *testing.T) {
	ctx := &Context{Context: context.Background()}

	mapped := ctx.apiError(errors.New("disk on fire"))
	var internal errcode.InternalError
	require.ErrorAs(t, mapped, &internal)
	require.EqualError(t, internal.Err, "disk on fire")
}
