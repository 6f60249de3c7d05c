package purge

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dockyard/registry/configuration"
	"github.com/dockyard/registry/registry/storage"
	"github.com/dockyard/registry/registry/storage/driver/inmemory"
	"github.com/dockyard/registry/registry/storage/metadata"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRegistry(t *testing.T) (*storage.Registry, *clock) {
	t.Helper()
	ctx := context.Background()

	db, err := metadata.Open(ctx, filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := &clock{now: time.Now().UTC()}
	reg, err := storage.NewRegistry(ctx, db, inmemory.New(),
		storage.Clock(c.Now),
		storage.SessionTimeout(time.Minute))
	require.NoError(t, err)
	return reg, c
}

func testOptions() PurgeOption {
	return PurgeOption{
		Enabled:         true,
		Interval:        time.Hour,
		BlobGrace:       time.Hour,
		StagingTTL:      time.Hour,
		UploadRetention: time.Hour,
	}
}

func TestRunOnceExpiresUploads(t *testing.T) {
	ctx := context.Background()
	reg, c := newRegistry(t)

	repo, err := reg.Repository(ctx, "library/app")
	require.NoError(t, err)
	status, err := repo.Uploads().Create(ctx)
	require.NoError(t, err)

	c.Advance(2 * time.Minute)

	dry := testOptions()
	dry.DryRun = true
	stats, err := New(reg, dry).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ExpiredUploads)

	upload := metadata.Upload{UUID: status.UUID}
	require.NoError(t, reg.DB().Get(ctx, &upload))
	require.Equal(t, metadata.UploadOpen, upload.State, "dry run must leave the session row alone")

	stats, err = New(reg, testOptions()).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ExpiredUploads)

	upload = metadata.Upload{UUID: status.UUID}
	require.NoError(t, reg.DB().Get(ctx, &upload))
	require.Equal(t, metadata.UploadExpired, upload.State)
	_, err = repo.Uploads().Status(ctx, status.UUID)
	require.ErrorIs(t, err, storage.ErrUploadUnknown)

	// closed rows are dropped after the retention period
	c.Advance(2 * time.Hour)
	stats, err = New(reg, testOptions()).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.PurgedUploads)
}

func TestRunDisabled(t *testing.T) {
	reg, _ := newRegistry(t)
	opts := testOptions()
	opts.Enabled = false

	done := make(chan struct{})
	go func() {
		New(reg, opts).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("disabled purger did not return")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())

	p := New(reg, testOptions())
	p.jitter = func() time.Duration { return 0 }

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("purger did not stop")
	}
}

func TestFromConfig(t *testing.T) {
	config := &configuration.Configuration{}
	config.GC.Enabled = true
	config.GC.Interval = 30 * time.Minute
	config.GC.BlobGrace = 3 * time.Hour
	config.GC.DeleteUntagged = true
	config.Uploads.StagingTTL = time.Hour
	config.Uploads.Retention = 48 * time.Hour

	opts := FromConfig(config)
	require.Equal(t, PurgeOption{
		Enabled:         true,
		Interval:        30 * time.Minute,
		DeleteUntagged:  true,
		BlobGrace:       3 * time.Hour,
		StagingTTL:      time.Hour,
		UploadRetention: 48 * time.Hour,
	}, opts)
	require.Contains(t, opts.String(), "DeleteUntagged:  true")
}
