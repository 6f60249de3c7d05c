package pullmetrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	events "github.com/docker/go-events"
	"github.com/opencontainers/go-digest"
	"github.com/redis/go-redis/v9"
)

const redisTimeout = 2 * time.Second

// RedisOptions selects the redis server of a RedisSink.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisSink keeps statistics in one hash per tag and per manifest.
type RedisSink struct {
	client *redis.Client
}

var (
	_ events.Sink = &RedisSink{}
	_ StatsReader = &RedisSink{}
)

// NewRedisSink connects to the server and checks that it answers.
func NewRedisSink(ctx context.Context, opts RedisOptions) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  redisTimeout,
		ReadTimeout:  redisTimeout,
		WriteTimeout: redisTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pullmetrics: redis %s: %w", opts.Addr, err)
	}
	return &RedisSink{client: client}, nil
}

// Client returns the redis client, for health checks.
func (s *RedisSink) Client() *redis.Client {
	return s.client
}

func tagKey(repository, tag string) string {
	return fmt.Sprintf("pull_metrics/tag/%s/%s", repository, tag)
}

func manifestKey(repository string, dgst digest.Digest) string {
	return fmt.Sprintf("pull_metrics/manifest/%s/%s", repository, dgst)
}

// Write counts the pull on the manifest and, for tag pulls, on the tag.
func (s *RedisSink) Write(event events.Event) error {
	ev, ok := event.(Event)
	if !ok {
		return fmt.Errorf("pullmetrics: unexpected event %T", event)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	ts := timestamp(ev.Time)
	pipe := s.client.TxPipeline()
	if ev.Tag != "" {
		key := tagKey(ev.Repository, ev.Tag)
		pipe.HIncrBy(ctx, key, "pull_count", 1)
		pipe.HSet(ctx, key, "last_pull_date", ts, "current_manifest_digest", ev.Digest.String())
	}
	key := manifestKey(ev.Repository, ev.Digest)
	pipe.HIncrBy(ctx, key, "pull_count", 1)
	pipe.HSet(ctx, key, "last_pull_date", ts)

	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// TagStatistics returns the statistics of a tag.
func (s *RedisSink) TagStatistics(ctx context.Context, repository, tag string) (Stats, error) {
	return s.read(ctx, tagKey(repository, tag))
}

// ManifestStatistics returns the statistics of a manifest.
func (s *RedisSink) ManifestStatistics(ctx context.Context, repository string, dgst digest.Digest) (Stats, error) {
	return s.read(ctx, manifestKey(repository, dgst))
}

func (s *RedisSink) read(ctx context.Context, key string) (Stats, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Stats{}, err
	}
	if len(fields) == 0 {
		return Stats{}, ErrNoStatistics
	}

	var stats Stats
	if stats.PullCount, err = strconv.ParseInt(fields["pull_count"], 10, 64); err != nil {
		return Stats{}, fmt.Errorf("pullmetrics: %s: pull_count: %w", key, err)
	}
	if stats.LastPullDate, err = time.Parse(time.RFC3339Nano, fields["last_pull_date"]); err != nil {
		return Stats{}, fmt.Errorf("pullmetrics: %s: last_pull_date: %w", key, err)
	}
	stats.CurrentManifestDigest = fields["current_manifest_digest"]
	return stats, nil
}
