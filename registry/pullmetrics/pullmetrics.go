// Package pullmetrics records tag and manifest pulls. Handlers hand events
// to a Recorder, which queues them and writes them to redis or postgres
// from a small pool of workers. Events are dropped when the queue is full.
package pullmetrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	events "github.com/docker/go-events"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/dockyard/registry/configuration"
	"github.com/dockyard/registry/internal/dcontext"
	prometheus "github.com/dockyard/registry/metrics"
)

// ErrNoStatistics is returned for a tag or manifest that was never pulled.
var ErrNoStatistics = errors.New("no pull statistics")

// Event is one pull. Tag is empty for pulls by digest.
type Event struct {
	Repository string
	Tag        string
	Digest     digest.Digest
	Time       time.Time
}

// Stats are the statistics kept for a tag or a manifest.
type Stats struct {
	PullCount    int64     `db:"pull_count"`
	LastPullDate time.Time `db:"last_pull_date"`

	// CurrentManifestDigest is set for tags only.
	CurrentManifestDigest string `db:"current_manifest_digest"`
}

// StatsReader reads back the statistics written by a sink.
type StatsReader interface {
	TagStatistics(ctx context.Context, repository, tag string) (Stats, error)
	ManifestStatistics(ctx context.Context, repository string, dgst digest.Digest) (Stats, error)
}

const (
	breakerThreshold = 3
	breakerBackoff   = time.Second
)

// Recorder queues pull events for the workers.
type Recorder struct {
	queue  chan Event
	sink   *events.RetryingSink
	target events.Sink
	group  errgroup.Group

	redis    *RedisSink
	postgres *PostgresSink

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewRecorder starts workers writing to sink. Failed writes are retried
// behind a breaker until the recorder is closed.
func NewRecorder(sink events.Sink, workers, queueSize int) *Recorder {
	r := &Recorder{
		queue:  make(chan Event, queueSize),
		sink:   events.NewRetryingSink(sink, events.NewBreaker(breakerThreshold, breakerBackoff)),
		target: sink,
	}
	for i := 0; i < workers; i++ {
		r.group.Go(r.work)
	}
	return r
}

// FromConfig builds the sink selected by config. Both sinks are written
// when both are configured.
func FromConfig(ctx context.Context, config configuration.PullMetrics) (*Recorder, error) {
	var (
		sinks    []events.Sink
		redis    *RedisSink
		postgres *PostgresSink
	)
	if config.Redis.Addr != "" {
		sink, err := NewRedisSink(ctx, RedisOptions{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		redis = sink
		sinks = append(sinks, sink)
	}
	if config.Postgres.DSN != "" {
		sink, err := NewPostgresSink(ctx, config.Postgres.DSN)
		if err != nil {
			if redis != nil {
				redis.Close()
			}
			return nil, err
		}
		postgres = sink
		sinks = append(sinks, sink)
	}

	var r *Recorder
	switch len(sinks) {
	case 0:
		return nil, fmt.Errorf("pullmetrics: no sink configured")
	case 1:
		r = NewRecorder(sinks[0], config.Workers, config.QueueSize)
	default:
		r = NewRecorder(events.NewBroadcaster(sinks...), config.Workers, config.QueueSize)
	}
	r.redis, r.postgres = redis, postgres
	return r, nil
}

// Redis returns the redis sink, or nil when redis is not configured.
func (r *Recorder) Redis() *RedisSink {
	return r.redis
}

// Postgres returns the postgres sink, or nil when postgres is not
// configured.
func (r *Recorder) Postgres() *PostgresSink {
	return r.postgres
}

// Record queues ev without blocking. It reports whether ev was accepted.
func (r *Recorder) Record(ctx context.Context, ev Event) bool {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		prometheus.PullEvents.WithValues("dropped").Inc()
		return false
	}

	select {
	case r.queue <- ev:
		return true
	default:
		prometheus.PullEvents.WithValues("dropped").Inc()
		dcontext.GetLogger(ctx).Warn("pullmetrics: queue full, dropping event")
		return false
	}
}

func (r *Recorder) work() error {
	for ev := range r.queue {
		if err := r.sink.Write(ev); err != nil {
			prometheus.PullEvents.WithValues("failed").Inc()
			dcontext.GetLoggerWithFields(dcontext.Background(), map[any]any{
				"vars.name":   ev.Repository,
				"vars.digest": ev.Digest,
			}).WithError(err).Warn("pullmetrics: dropping event")
			continue
		}
		prometheus.PullEvents.WithValues("recorded").Inc()
	}
	return nil
}

// Close stops accepting events and waits for the queued ones to be
// written. When ctx ends first, pending writes are abandoned.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- r.group.Wait() }()

	select {
	case err := <-done:
		if cerr := r.closeSink(); err == nil {
			err = cerr
		}
		return err
	case <-ctx.Done():
		r.closeSink()
		<-done
		return ctx.Err()
	}
}

func (r *Recorder) closeSink() error {
	var err error
	r.closeOnce.Do(func() {
		r.sink.Close()
		err = r.target.Close()
	})
	return err
}

// timestamp formats pull times the way the statistics are stored in redis.
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
