// Package checks provides health checks for the registry's dependencies.
package checks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mjl-/bstore"
	"github.com/redis/go-redis/v9"

	"github.com/dockyard/registry/health"
	storagedriver "github.com/dockyard/registry/registry/storage/driver"
	"github.com/dockyard/registry/registry/storage/metadata"
)

// FileChecker checks the existence of a file and returns an error
// if the file exists.
func FileChecker(f string) health.Checker {
	return health.CheckFunc(func(context.Context) error {
		if _, err := os.Stat(f); err == nil {
			return errors.New("file exists")
		}
		return nil
	})
}

// HTTPChecker does a HEAD request and verifies that the HTTP status code
// returned matches statusCode.
func HTTPChecker(r string, statusCode int, timeout time.Duration, headers http.Header) health.Checker {
	return health.CheckFunc(func(ctx context.Context) error {
		client := http.Client{
			Timeout: timeout,
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, r, nil)
		if err != nil {
			return errors.New("error creating request: " + r)
		}
		for headerName, headerValues := range headers {
			for _, headerValue := range headerValues {
				req.Header.Add(headerName, headerValue)
			}
		}
		response, err := client.Do(req)
		if err != nil {
			return errors.New("error while checking: " + r)
		}
		defer response.Body.Close()
		if response.StatusCode != statusCode {
			return fmt.Errorf("downstream service returned unexpected status: %d", response.StatusCode)
		}
		return nil
	})
}

// TCPChecker attempts to open a TCP connection.
func TCPChecker(addr string, timeout time.Duration) health.Checker {
	return health.CheckFunc(func(ctx context.Context) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return errors.New("connection to " + addr + " failed")
		}
		return conn.Close()
	})
}

// StorageDriverChecker lists the root of the driver. A missing root is
// healthy: the registry may be empty.
func StorageDriverChecker(driver storagedriver.StorageDriver) health.Checker {
	return health.CheckFunc(func(ctx context.Context) error {
		_, err := driver.Stat(ctx, "/")
		if errors.As(err, &storagedriver.PathNotFoundError{}) {
			return nil
		}
		return err
	})
}

// DBChecker runs a read transaction against the metadata store.
func DBChecker(db *bstore.DB) health.Checker {
	return health.CheckFunc(func(ctx context.Context) error {
		return db.Read(ctx, func(tx *bstore.Tx) error {
			_, err := bstore.QueryTx[metadata.Repository](tx).Limit(1).List()
			return err
		})
	})
}

// RedisChecker pings a redis server.
func RedisChecker(client *redis.Client) health.Checker {
	return health.CheckFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// Pinger is implemented by database handles such as *sqlx.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingChecker pings a database.
func PingChecker(db Pinger) health.Checker {
	return health.CheckFunc(func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
}
