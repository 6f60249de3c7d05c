package pullmetrics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func exerciseSink(t *testing.T, sink StatsReader, write func(Event) error) {
	t.Helper()
	ctx := context.Background()
	repo := "pullmetrics-test/" + time.Now().Format("20060102150405.000000000")
	first := digest.FromString("first")
	second := digest.FromString("second")
	at := time.Now().UTC().Truncate(time.Millisecond)

	_, err := sink.TagStatistics(ctx, repo, "latest")
	require.ErrorIs(t, err, ErrNoStatistics)

	require.NoError(t, write(Event{Repository: repo, Tag: "latest", Digest: first, Time: at}))
	require.NoError(t, write(Event{Repository: repo, Tag: "latest", Digest: second, Time: at.Add(time.Second)}))
	require.NoError(t, write(Event{Repository: repo, Digest: first, Time: at.Add(2 * time.Second)}))

	tag, err := sink.TagStatistics(ctx, repo, "latest")
	require.NoError(t, err)
	require.Equal(t, int64(2), tag.PullCount)
	require.Equal(t, second.String(), tag.CurrentManifestDigest)
	require.True(t, tag.LastPullDate.Equal(at.Add(time.Second)))

	manifest, err := sink.ManifestStatistics(ctx, repo, first)
	require.NoError(t, err)
	require.Equal(t, int64(2), manifest.PullCount)
	require.True(t, manifest.LastPullDate.Equal(at.Add(2*time.Second)))
}

func TestRedisSink(t *testing.T) {
	addr := os.Getenv("TEST_REGISTRY_PULLMETRICS_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REGISTRY_PULLMETRICS_REDIS_ADDR not set")
	}
	sink, err := NewRedisSink(context.Background(), RedisOptions{Addr: addr})
	require.NoError(t, err)
	defer sink.Close()

	exerciseSink(t, sink, func(ev Event) error { return sink.Write(ev) })
}

func TestPostgresSink(t *testing.T) {
	dsn := os.Getenv("TEST_REGISTRY_PULLMETRICS_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_REGISTRY_PULLMETRICS_POSTGRES_DSN not set")
	}
	sink, err := NewPostgresSink(context.Background(), dsn)
	require.NoError(t, err)
	defer sink.Close()

	exerciseSink(t, sink, func(ev Event) error { return sink.Write(ev) })
}
