package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/registry/api/errcode"
	v2 "github.com/dockyard/registry/registry/api/v2"
)

func referrersDispatcher(ctx *Context, r *http.Request) http.Handler {
	dgst, err := getDigest(ctx)
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx.Errors = append(ctx.Errors, v2.ErrorCodeDigestInvalid.WithDetail(err))
		})
	}

	referrersHandler := &referrersHandler{
		Context: ctx,
		Digest:  dgst,
	}

	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(referrersHandler.GetReferrers),
	}
}

type referrersHandler struct {
	*Context

	Digest digest.Digest
}

// GetReferrers answers with an image index of the manifests whose subject is
// the requested digest. An unknown subject yields an empty index.
func (rh *referrersHandler) GetReferrers(w http.ResponseWriter, r *http.Request) {
	artifactType := r.URL.Query().Get("artifactType")

	referrers, err := rh.Repository.Manifests().Referrers(rh, rh.Digest, artifactType)
	if err != nil {
		rh.Errors = append(rh.Errors, rh.apiError(err))
		return
	}

	dcontext.GetLoggerWithField(rh, "referrers.count", len(referrers)).Debug("GetReferrers")

	index := v1.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageIndex,
		Manifests: referrers,
	}

	if artifactType != "" {
		w.Header().Set("OCI-Filters-Applied", "artifactType")
	}
	w.Header().Set("Content-Type", v1.MediaTypeImageIndex)

	if err := json.NewEncoder(w).Encode(index); err != nil {
		rh.Errors = append(rh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}
