// Package retry runs operations against storage and the metadata database
// with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dockyard/registry/internal/dcontext"
	storagedriver "github.com/dockyard/registry/registry/storage/driver"
)

// Attempts is the number of times an operation runs before its error is
// surfaced.
const Attempts = 3

var (
	initialInterval = 50 * time.Millisecond
	maxInterval     = time.Second
)

// Do runs op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. Only transient errors are retried.
func Do(ctx context.Context, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.MaxInterval = maxInterval
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err != nil && !Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, Attempts-1), ctx), func(err error, wait time.Duration) {
		dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
			"operation": name,
			"attempt":   attempt,
			"wait":      wait,
		}).WithError(err).Warn("transient failure, retrying")
	})
}

// Value is Do for operations producing a result.
func Value[T any](ctx context.Context, name string, op func() (T, error)) (T, error) {
	var v T
	err := Do(ctx, name, func() error {
		var err error
		v, err = op()
		return err
	})
	return v, err
}

// Transient reports whether err is worth retrying: backend failures not
// classified by the driver, network timeouts and temporary syscall errors.
// Cancellation is never transient.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EBUSY) {
		return true
	}

	var driverErr storagedriver.Error
	return errors.As(err, &driverErr)
}
