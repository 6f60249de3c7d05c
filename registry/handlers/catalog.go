package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/dockyard/registry/registry/api/errcode"
)

const maximumReturnedEntries = 100

func catalogDispatcher(ctx *Context, r *http.Request) http.Handler {
	catalogHandler := &catalogHandler{
		Context: ctx,
	}

	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(catalogHandler.GetCatalog),
	}
}

type catalogHandler struct {
	*Context
}

type catalogAPIResponse struct {
	Repositories []string `json:"repositories"`
}

func (ch *catalogHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	maxEntries, lastEntry, err := paginationParams(r.URL.Query(), maximumReturnedEntries)
	if err != nil {
		ch.Errors = append(ch.Errors, err)
		return
	}

	repos := []string{}
	var moreEntries bool
	if maxEntries > 0 {
		repos, moreEntries, err = ch.registry.Catalog(ch, maxEntries, lastEntry)
		if err != nil {
			ch.Errors = append(ch.Errors, ch.apiError(err))
			return
		}
		if repos == nil {
			repos = []string{}
		}
	}

	w.Header().Set("Content-Type", "application/json")

	// Add a link header if there are more entries to retrieve
	if moreEntries {
		urlStr, err := createLinkEntry(r.URL.String(), maxEntries, repos[len(repos)-1])
		if err != nil {
			ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
		w.Header().Set("Link", urlStr)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(catalogAPIResponse{
		Repositories: repos,
	}); err != nil {
		ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
}
