package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/registry/api/errcode"
)

// errClientDisconnected is recorded when the client went away before the
// request body was read.
var errClientDisconnected = errors.New("client disconnected")

// maxManifestBodySize is the largest manifest payload accepted.
const maxManifestBodySize = 4 << 20

// checkForClientDisconnection reports whether the client of r went away.
// If so, the response status is set to "499 Client Closed Request" so the
// access log shows it instead of a 0.
func checkForClientDisconnection(w http.ResponseWriter, r *http.Request) error {
	select {
	case <-r.Context().Done():
		w.WriteHeader(499)
		return errClientDisconnected
	default:
		return nil
	}
}

// readFullPayload reads the body of r up to limit bytes. If it receives less
// content than expected, and the client disconnected during the upload, it
// avoids sending a 400 error to keep the logs cleaner.
func readFullPayload(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, action string) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, limit)

	// Read in the data, if any.
	p, err := io.ReadAll(body)
	if err != nil || (r.ContentLength > 0 && int64(len(p)) < r.ContentLength) {
		// Didn't receive as much content as expected. Did the client
		// disconnect during the request? If so, avoid returning a 400
		// error to keep the logs cleaner.
		if disconnected := checkForClientDisconnection(w, r); disconnected != nil {
			dcontext.GetLoggerWithFields(ctx, map[any]any{
				"error":         err,
				"copied":        len(p),
				"contentLength": r.ContentLength,
			}, "error", "copied", "contentLength").Error("client disconnected during " + action)
			return nil, disconnected
		}
	}

	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errcode.ErrorCodeUnsupported.WithMessage(fmt.Sprintf("payload exceeds %d bytes", limit)).WithStatus(http.StatusRequestEntityTooLarge)
		}
		dcontext.GetLogger(ctx).Errorf("unknown error reading request payload: %v", err)
		return nil, err
	}

	return p, nil
}

// parseContentRange parses a Content-Range header of the form
// "<start>-<end>", with or without a "bytes " prefix.
func parseContentRange(cr string) (start int64, end int64, err error) {
	rStart, rEnd, ok := strings.Cut(strings.TrimPrefix(cr, "bytes "), "-")
	if !ok {
		return -1, -1, fmt.Errorf("invalid content range format, %s", cr)
	}
	start, err = strconv.ParseInt(rStart, 10, 64)
	if err != nil {
		return -1, -1, err
	}
	end, err = strconv.ParseInt(rEnd, 10, 64)
	if err != nil {
		return -1, -1, err
	}
	if start > end {
		return -1, -1, fmt.Errorf("invalid content range, %s", cr)
	}
	return start, end, nil
}

// createLinkEntry constructs the Link header value pointing at the next page
// of a paginated listing.
func createLinkEntry(origURL string, maxEntries int, lastEntry string) (string, error) {
	calledURL, err := url.Parse(origURL)
	if err != nil {
		return "", err
	}

	v := url.Values{}
	v.Add("n", strconv.Itoa(maxEntries))
	v.Add("last", lastEntry)

	calledURL.RawQuery = v.Encode()

	calledURL.Fragment = ""
	urlStr := fmt.Sprintf("<%s>; rel=\"next\"", calledURL.String())

	return urlStr, nil
}

// paginationParams reads the n and last query parameters of a listing.
// maxEntries is defaultEntries when the client does not set n.
func paginationParams(q url.Values, defaultEntries int) (maxEntries int, lastEntry string, err error) {
	maxEntries = defaultEntries
	lastEntry = q.Get("last")

	if entries := q.Get("n"); entries != "" {
		maxEntries, err = strconv.Atoi(entries)
		if err != nil || maxEntries < 0 {
			return 0, "", errcode.ErrorCodeUnsupported.WithMessage("n must be a non-negative integer").WithStatus(http.StatusBadRequest)
		}
	}

	return maxEntries, lastEntry, nil
}
