package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/handlers"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/registry/api/errcode"
	v2 "github.com/dockyard/registry/registry/api/v2"
	"github.com/dockyard/registry/registry/storage"
)

// maxExpirationBodySize bounds the JSON body of an expiration request.
const maxExpirationBodySize = 4 << 10

// tagHandler serves the tag extension routes under /v2/<name>/_tags/<tag>/.
type tagHandler struct {
	*Context

	Tag string
}

func newTagHandler(ctx *Context) (*tagHandler, bool) {
	th := &tagHandler{
		Context: ctx,
		Tag:     getTag(ctx),
	}
	if err := v2.ValidateTag(th.Tag); err != nil {
		ctx.Errors = append(ctx.Errors, v2.ErrorCodeTagInvalid.WithDetail(th.Tag))
		return nil, false
	}
	return th, true
}

func tagHistoryDispatcher(ctx *Context, r *http.Request) http.Handler {
	th, ok := newTagHandler(ctx)
	if !ok {
		return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	}

	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(th.GetHistory),
	}
}

func tagImmutableDispatcher(ctx *Context, r *http.Request) http.Handler {
	th, ok := newTagHandler(ctx)
	if !ok {
		return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	}

	return handlers.MethodHandler{
		http.MethodPut:    http.HandlerFunc(th.SetImmutable),
		http.MethodDelete: http.HandlerFunc(th.ClearImmutable),
	}
}

func tagExpirationDispatcher(ctx *Context, r *http.Request) http.Handler {
	th, ok := newTagHandler(ctx)
	if !ok {
		return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	}

	return handlers.MethodHandler{
		http.MethodPut: http.HandlerFunc(th.SetExpiration),
	}
}

type tagHistoryEntry struct {
	Digest    string     `json:"digest"`
	Start     time.Time  `json:"start"`
	End       *time.Time `json:"end,omitempty"`
	Active    bool       `json:"active"`
	Immutable bool       `json:"immutable"`
	Reversion bool       `json:"reversion"`
}

type tagHistoryAPIResponse struct {
	Name    string            `json:"name"`
	Tag     string            `json:"tag"`
	History []tagHistoryEntry `json:"history"`
}

// GetHistory lists every row recorded for the tag, oldest first.
func (th *tagHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := th.Repository.Tags().History(th, th.Tag)
	if err != nil {
		th.Errors = append(th.Errors, th.apiError(err))
		return
	}

	active, err := th.Repository.Tags().Get(th, th.Tag)
	if err != nil && !errors.Is(err, storage.ErrTagUnknown) {
		th.Errors = append(th.Errors, th.apiError(err))
		return
	}
	hasActive := err == nil

	resp := tagHistoryAPIResponse{
		Name:    th.Repository.Named(),
		Tag:     th.Tag,
		History: make([]tagHistoryEntry, 0, len(rows)),
	}
	for _, row := range rows {
		entry := tagHistoryEntry{
			Digest:    row.Digest.String(),
			Start:     row.Start,
			Immutable: row.Immutable,
			Reversion: row.Reversion,
		}
		if !row.End.IsZero() {
			end := row.End
			entry.End = &end
		}
		entry.Active = hasActive && row.Start.Equal(active.Start) && row.Digest == active.Digest
		resp.History = append(resp.History, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}

// SetImmutable marks the active tag immutable.
func (th *tagHandler) SetImmutable(w http.ResponseWriter, r *http.Request) {
	th.setImmutable(w, true)
}

// ClearImmutable lifts the immutable flag of the active tag.
func (th *tagHandler) ClearImmutable(w http.ResponseWriter, r *http.Request) {
	th.setImmutable(w, false)
}

func (th *tagHandler) setImmutable(w http.ResponseWriter, immutable bool) {
	if err := th.Repository.Tags().SetImmutable(th, th.Tag, immutable); err != nil {
		th.Errors = append(th.Errors, th.apiError(err))
		return
	}

	dcontext.GetLoggerWithField(th, "immutable", immutable).Info("tag immutability changed")
	w.WriteHeader(http.StatusNoContent)
}

type tagExpirationRequest struct {
	ExpiresAt *time.Time `json:"expires_at"`
}

// SetExpiration schedules the end of the active tag's lifetime. A null
// expires_at removes a pending expiration.
func (th *tagHandler) SetExpiration(w http.ResponseWriter, r *http.Request) {
	p, err := readFullPayload(th, w, r, maxExpirationBodySize, "tag expiration")
	if errors.Is(err, errClientDisconnected) {
		return
	} else if err != nil {
		th.Errors = append(th.Errors, th.apiError(err))
		return
	}

	var req tagExpirationRequest
	if err := json.Unmarshal(p, &req); err != nil {
		th.Errors = append(th.Errors, errcode.ErrorCodeUnsupported.WithMessage("invalid expiration request").WithDetail(err.Error()).WithStatus(http.StatusBadRequest))
		return
	}

	if err := th.Repository.Tags().SetExpiration(th, th.Tag, req.ExpiresAt); err != nil {
		th.Errors = append(th.Errors, th.apiError(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
