package errcode

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go/aws/awserr"

	storagedriver "github.com/dockyard/registry/registry/storage/driver"
)

// ServeJSON attempts to serve the errcode in a JSON envelope. It marshals err
// and sets the content-type header to 'application/json'. It will handle
// ErrorCoder and Errors, and if necessary will create an envelope.
func ServeJSON(w http.ResponseWriter, err error) error {
	w.Header().Set("Content-Type", "application/json")
	var sc int

	switch errs := err.(type) {
	case Errors:
		if len(errs) < 1 {
			break
		}

		for i := range errs {
			if err2, ok := errs[i].(Error); ok {
				errs[i] = replaceError(err2)
			}
		}

		sc = statusOf(errs[0])
	case ErrorCoder:
		if err2, ok := errs.(Error); ok {
			errs = replaceError(err2)
		}

		sc = statusOf(errs.(error))
		err = Errors{errs.(error)} // create an envelope.
	default:
		// We just have an unhandled error type, so just place in an envelope
		// and move along.
		err = Errors{err}
	}

	if sc == 0 {
		sc = http.StatusInternalServerError
	}

	w.WriteHeader(sc)

	return json.NewEncoder(w).Encode(err)
}

func statusOf(err error) int {
	switch err := err.(type) {
	case Error:
		return err.StatusCode()
	case ErrorCoder:
		return err.ErrorCode().Descriptor().HTTPStatusCode
	}
	return 0
}

// replaceError turns a backend refusal carried in the detail into the code
// that best describes it to the client.
func replaceError(e Error) Error {
	var serr storagedriver.Error
	detail, ok := e.Detail.(error)
	if !ok || !errors.As(detail, &serr) {
		return e
	}

	err, ok := serr.Detail.(awserr.RequestFailure)
	if !ok {
		return e
	}

	code := ErrorCodeUnknown
	switch err.StatusCode() {
	case http.StatusForbidden:
		code = ErrorCodeDenied
	case http.StatusServiceUnavailable:
		code = ErrorCodeUnavailable
	case http.StatusUnauthorized:
		code = ErrorCodeUnauthorized
	case http.StatusTooManyRequests:
		code = ErrorCodeTooManyRequests
	}

	return code.WithDetail(err.Code())
}
