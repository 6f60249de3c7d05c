package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/manifest"
	v2 "github.com/dockyard/registry/registry/api/v2"
	"github.com/dockyard/registry/registry/pullmetrics"
	"github.com/dockyard/registry/registry/storage"
)

// manifestDispatcher takes the request context and builds the
// appropriate handler for handling manifest requests.
func manifestDispatcher(ctx *Context, r *http.Request) http.Handler {
	manifestHandler := &manifestHandler{
		Context: ctx,
	}

	reference := getReference(ctx)
	tag, dgst, err := v2.ParseReference(reference)
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(reference, ":") {
				ctx.Errors = append(ctx.Errors, v2.ErrorCodeDigestInvalid.WithDetail(err))
				return
			}
			ctx.Errors = append(ctx.Errors, v2.ErrorCodeTagInvalid.WithDetail(reference))
		})
	}
	manifestHandler.Tag = tag
	manifestHandler.Digest = dgst

	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(manifestHandler.GetManifest),
		http.MethodHead:   http.HandlerFunc(manifestHandler.GetManifest),
		http.MethodPut:    http.HandlerFunc(manifestHandler.PutManifest),
		http.MethodDelete: http.HandlerFunc(manifestHandler.DeleteManifest),
	}
}

// manifestHandler handles http operations on image manifests. Exactly one of
// Tag and Digest is set.
type manifestHandler struct {
	*Context

	Tag    string
	Digest digest.Digest
}

// GetManifest fetches the image manifest from the storage backend, if it exists.
func (imh *manifestHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(imh).Debug("GetImageManifest")

	manifests := imh.Repository.Manifests()

	var (
		info storage.ManifestInfo
		err  error
	)
	if imh.Tag != "" {
		info, err = manifests.GetByTag(imh, imh.Tag)
	} else {
		info, err = manifests.Get(imh, imh.Digest)
	}
	if err != nil {
		imh.Errors = append(imh.Errors, imh.apiError(err))
		return
	}

	if !acceptsMediaType(r, info.MediaType) {
		imh.Errors = append(imh.Errors, v2.ErrorCodeManifestUnknown.
			WithMessage(fmt.Sprintf("manifest found, but accept header does not support %s", info.MediaType)).
			WithStatus(http.StatusNotAcceptable))
		return
	}

	if r.Method == http.MethodGet && imh.pulls != nil {
		imh.pulls.Record(imh, pullmetrics.Event{
			Repository: imh.Repository.Named(),
			Tag:        imh.Tag,
			Digest:     info.Digest,
		})
	}

	w.Header().Set("Content-Type", info.MediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(info.Payload)))
	w.Header().Set("Docker-Content-Digest", info.Digest.String())
	w.Header().Set("Etag", fmt.Sprintf(`"%s"`, info.Digest))

	if r.Method == http.MethodHead {
		return
	}

	if _, err := w.Write(info.Payload); err != nil {
		dcontext.GetLogger(imh).Errorf("error writing manifest payload: %v", err)
	}
}

// acceptsMediaType reports whether the Accept headers of r admit a manifest
// stored as mediaType. A request without Accept takes whatever is stored.
func acceptsMediaType(r *http.Request, mediaType string) bool {
	var seen bool
	for _, acceptHeader := range r.Header["Accept"] {
		for _, mediaRange := range strings.Split(acceptHeader, ",") {
			mt := manifest.NormalizeContentType(mediaRange)
			if mt == "" {
				continue
			}
			seen = true
			if mt == "*/*" || mt == "application/*" || mt == mediaType {
				return true
			}
			// Legacy clients ask for the unsigned schema1 type.
			if mt == manifest.MediaTypeSchema1 && mediaType == manifest.MediaTypeSignedSchema1 {
				return true
			}
		}
	}
	return !seen
}

// PutManifest validates and stores a manifest in the registry.
func (imh *manifestHandler) PutManifest(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(imh).Debug("PutImageManifest")

	jsonBuf, err := readFullPayload(imh, w, r, maxManifestBodySize, "image manifest PUT")
	if errors.Is(err, errClientDisconnected) {
		return
	} else if err != nil {
		imh.Errors = append(imh.Errors, imh.apiError(err))
		return
	}

	mediaType := r.Header.Get("Content-Type")
	m, err := manifest.Parse(mediaType, jsonBuf)
	if err != nil {
		// unknown kinds included
		imh.Errors = append(imh.Errors, v2.ErrorCodeManifestInvalid.WithDetail(err.Error()))
		return
	}

	if imh.Digest != "" && imh.Digest != m.Digest() {
		dcontext.GetLogger(imh).Errorf("payload digest does not match: %q != %q", imh.Digest, m.Digest())
		imh.Errors = append(imh.Errors, v2.ErrorCodeDigestInvalid.WithDetail(fmt.Sprintf("payload digest %s does not match reference", m.Digest())))
		return
	}

	dgst, err := imh.Repository.Manifests().Put(imh, m, imh.Tag)
	if err != nil {
		imh.Errors = append(imh.Errors, imh.apiError(err))
		return
	}

	// Construct a canonical url for the uploaded manifest.
	location, err := imh.urlBuilder.BuildManifestURL(imh.Repository.Named(), dgst.String())
	if err != nil {
		// The manifest is stored; an empty Location is all the client loses.
		dcontext.GetLogger(imh).Errorf("error building manifest url from digest: %v", err)
	}

	if subject := manifest.Subject(m); subject != nil {
		w.Header().Set("OCI-Subject", subject.Digest.String())
	}

	w.Header().Set("Location", location)
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)

	dcontext.GetLoggerWithFields(imh, map[any]any{
		"manifest.digest":    dgst,
		"manifest.mediatype": m.MediaType(),
		"manifest.tag":       imh.Tag,
	}).Info("manifest stored")
}

// DeleteManifest removes the manifest with the given digest or, for a tag
// reference, closes the tag.
func (imh *manifestHandler) DeleteManifest(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(imh).Debug("DeleteImageManifest")

	var err error
	if imh.Tag != "" {
		err = imh.Repository.Tags().Delete(imh, imh.Tag)
	} else {
		err = imh.Repository.Manifests().Delete(imh, imh.Digest)
	}
	if err != nil {
		imh.Errors = append(imh.Errors, imh.apiError(err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
