package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/registry/api/errcode"
	v2 "github.com/dockyard/registry/registry/api/v2"
	"github.com/dockyard/registry/registry/auth"
	"github.com/dockyard/registry/registry/storage"
)

// blobUploadDispatcher constructs and returns the blob upload handler for the
// given request context.
func blobUploadDispatcher(ctx *Context, r *http.Request) http.Handler {
	buh := &blobUploadHandler{
		Context: ctx,
		UUID:    getUploadUUID(ctx),
	}

	if buh.UUID == "" {
		return handlers.MethodHandler{
			http.MethodPost: http.HandlerFunc(buh.StartBlobUpload),
		}
	}

	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(buh.GetUploadStatus),
		http.MethodHead:   http.HandlerFunc(buh.GetUploadStatus),
		http.MethodPatch:  http.HandlerFunc(buh.PatchBlobData),
		http.MethodPut:    http.HandlerFunc(buh.PutBlobUploadComplete),
		http.MethodDelete: http.HandlerFunc(buh.CancelBlobUpload),
	}
}

// blobUploadHandler handles the http blob upload process.
type blobUploadHandler struct {
	*Context

	// UUID identifies the upload session for the current request.
	UUID string
}

// StartBlobUpload begins the blob upload process and allocates a server-side
// upload session, optionally mounting the blob from a separate repository
// or taking the whole blob in this request.
func (buh *blobUploadHandler) StartBlobUpload(w http.ResponseWriter, r *http.Request) {
	fromRepo := r.FormValue("from")
	mountDigest := r.FormValue("mount")

	if mountDigest != "" && fromRepo != "" {
		if mounted := buh.mountBlob(w, fromRepo, mountDigest); mounted {
			return
		}
	}

	if dgstStr := r.FormValue("digest"); dgstStr != "" {
		buh.putMonolithic(w, r, dgstStr)
		return
	}

	status, err := buh.Repository.Uploads().Create(buh)
	if err != nil {
		buh.Errors = append(buh.Errors, buh.apiError(err))
		return
	}
	buh.UUID = status.UUID

	if err := buh.blobUploadResponse(w, status); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// mountBlob attempts to mount a blob from another repository by its digest. If
// successful, the blob is linked into the repository and 201 Created is
// returned with the canonical url of the blob. When the source does not have
// the blob the caller falls back to opening a session.
func (buh *blobUploadHandler) mountBlob(w http.ResponseWriter, fromRepo, mountDigest string) bool {
	logger := dcontext.GetLoggerWithFields(buh, map[any]any{"mount.from": fromRepo, "mount.digest": mountDigest})

	dgst, err := digest.Parse(mountDigest)
	if err != nil {
		logger.Infof("ignoring mount of invalid digest: %v", err)
		return false
	}
	if err := v2.ValidateRepositoryName(fromRepo); err != nil {
		logger.Infof("ignoring mount from invalid repository: %v", err)
		return false
	}
	if buh.accessController != nil && !buh.grant.Allows(auth.Access{
		Resource: auth.Resource{Type: "repository", Name: fromRepo},
		Action:   "pull",
	}) {
		logger.Info("no pull access to mount source, opening upload session")
		return false
	}

	desc, err := buh.Repository.Blobs().Mount(buh, fromRepo, dgst)
	switch {
	case errors.Is(err, storage.ErrBlobUnknown):
		logger.Info("mount source unknown, opening upload session")
		return false
	case err != nil:
		buh.Errors = append(buh.Errors, buh.apiError(err))
		return true
	}

	logger.Info("blob mounted")
	if err := buh.writeBlobCreatedHeaders(w, desc); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
	return true
}

// putMonolithic stores the request body as the blob named by dgstStr.
func (buh *blobUploadHandler) putMonolithic(w http.ResponseWriter, r *http.Request, dgstStr string) {
	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		buh.Errors = append(buh.Errors, v2.ErrorCodeDigestInvalid.WithDetail("digest parsing failed"))
		return
	}

	desc, err := buh.Repository.Blobs().Put(buh, r.Body, dgst)
	if err != nil {
		if checkForClientDisconnection(w, r) != nil {
			dcontext.GetLogger(buh).WithError(err).Error("client disconnected during blob POST")
			return
		}
		buh.Errors = append(buh.Errors, buh.apiError(err))
		return
	}

	if err := buh.writeBlobCreatedHeaders(w, desc); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}

// GetUploadStatus returns the status of a given upload, identified by id.
func (buh *blobUploadHandler) GetUploadStatus(w http.ResponseWriter, r *http.Request) {
	status, err := buh.Repository.Uploads().Status(buh, buh.UUID)
	if err != nil {
		buh.Errors = append(buh.Errors, buh.apiError(err))
		return
	}

	if err := buh.blobUploadResponse(w, status); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PatchBlobData writes data to an upload.
func (buh *blobUploadHandler) PatchBlobData(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/octet-stream" {
		buh.Errors = append(buh.Errors, v2.ErrorCodeBlobUploadInvalid.WithDetail(fmt.Sprintf("bad Content-Type %q", ct)))
		return
	}

	start, ok := buh.chunkStart(r)
	if !ok {
		return
	}

	status, err := buh.Repository.Uploads().Append(buh, buh.UUID, start, r.Body, r.ContentLength)
	if err != nil {
		buh.chunkError(w, r, err, "blob PATCH")
		return
	}

	if err := buh.blobUploadResponse(w, status); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// PutBlobUploadComplete takes the final request of a blob upload. The
// request may include all the blob data or no blob data. Any data
// provided is received and verified. If successful, the blob is linked
// into the blob store and 201 Created is returned with the canonical
// url of the blob.
func (buh *blobUploadHandler) PutBlobUploadComplete(w http.ResponseWriter, r *http.Request) {
	dgstStr := r.FormValue("digest")

	if dgstStr == "" {
		// no digest? return error, but allow retry.
		buh.Errors = append(buh.Errors, v2.ErrorCodeDigestInvalid.WithDetail("digest missing"))
		return
	}

	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		// no digest? return error, but allow retry.
		buh.Errors = append(buh.Errors, v2.ErrorCodeDigestInvalid.WithDetail("digest parsing failed"))
		return
	}

	start, ok := buh.chunkStart(r)
	if !ok {
		return
	}

	desc, err := buh.Repository.Uploads().Commit(buh, buh.UUID, start, r.Body, r.ContentLength, dgst)
	if err != nil {
		buh.chunkError(w, r, err, "blob PUT")
		return
	}

	if err := buh.writeBlobCreatedHeaders(w, desc); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
}

// CancelBlobUpload cancels an in-progress upload of a blob.
func (buh *blobUploadHandler) CancelBlobUpload(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Upload-UUID", buh.UUID)
	if err := buh.Repository.Uploads().Cancel(buh, buh.UUID); err != nil {
		dcontext.GetLogger(buh).Errorf("error encountered canceling upload: %v", err)
		buh.Errors = append(buh.Errors, buh.apiError(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// chunkStart returns the first offset the client claims for the request
// body, or -1 when it sent no Content-Range.
func (buh *blobUploadHandler) chunkStart(r *http.Request) (int64, bool) {
	cr := r.Header.Get("Content-Range")
	if cr == "" {
		return -1, true
	}

	start, end, err := parseContentRange(cr)
	if err != nil {
		buh.Errors = append(buh.Errors, v2.ErrorCodeBlobUploadInvalid.WithDetail(err.Error()))
		return -1, false
	}

	if cl := r.Header.Get("Content-Length"); cl != "" {
		clInt, err := strconv.ParseInt(cl, 10, 64)
		if err != nil {
			buh.Errors = append(buh.Errors, v2.ErrorCodeSizeInvalid.WithDetail(err.Error()))
			return -1, false
		}
		if clInt != (end-start)+1 {
			buh.Errors = append(buh.Errors, v2.ErrorCodeSizeInvalid.WithDetail(fmt.Sprintf("Content-Length %d does not match Content-Range %s", clInt, cr)))
			return -1, false
		}
	}

	return start, true
}

// chunkError records the failure of a PATCH or PUT. A range mismatch leaves
// the session intact, so the response tells the client where to resume.
func (buh *blobUploadHandler) chunkError(w http.ResponseWriter, r *http.Request, err error, action string) {
	if checkForClientDisconnection(w, r) != nil {
		dcontext.GetLogger(buh).WithError(err).Errorf("client disconnected during %s", action)
		return
	}

	var badRange storage.ErrRangeInvalid
	if errors.As(err, &badRange) {
		if status, statusErr := buh.Repository.Uploads().Status(buh, buh.UUID); statusErr == nil {
			if err := buh.blobUploadResponse(w, status); err != nil {
				dcontext.GetLogger(buh).Errorf("error building upload response: %v", err)
			}
		}
	}

	buh.Errors = append(buh.Errors, buh.apiError(err))
}

// blobUploadResponse provides a standard request for uploading blobs and
// chunk responses. This sets the correct headers but the response status is
// left to the caller.
func (buh *blobUploadHandler) blobUploadResponse(w http.ResponseWriter, status storage.UploadStatus) error {
	uploadURL, err := buh.urlBuilder.BuildBlobUploadChunkURL(buh.Repository.Named(), status.UUID)
	if err != nil {
		dcontext.GetLogger(buh).Infof("error building upload url: %s", err)
		return err
	}

	endRange := status.Offset
	if endRange > 0 {
		endRange = endRange - 1
	}

	w.Header().Set("Docker-Upload-UUID", status.UUID)
	w.Header().Set("Location", uploadURL)

	w.Header().Set("Content-Length", "0")
	w.Header().Set("Range", fmt.Sprintf("0-%d", endRange))

	return nil
}

// writeBlobCreatedHeaders writes the standard headers describing a newly
// created blob. A 201 Created is written as well as the canonical URL and
// blob digest.
func (buh *blobUploadHandler) writeBlobCreatedHeaders(w http.ResponseWriter, desc v1.Descriptor) error {
	blobURL, err := buh.urlBuilder.BuildBlobURL(buh.Repository.Named(), desc.Digest)
	if err != nil {
		return err
	}

	w.Header().Set("Location", blobURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Content-Digest", desc.Digest.String())
	w.WriteHeader(http.StatusCreated)
	return nil
}
