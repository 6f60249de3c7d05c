package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/dockyard/registry/manifest"
	"github.com/dockyard/registry/registry/storage/driver/inmemory"
	"github.com/dockyard/registry/registry/storage/metadata"
)

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Millisecond)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	ctx    context.Context
	reg    *Registry
	driver *inmemory.Driver
	clock  *testClock
}

func newTestEnv(t *testing.T, options ...RegistryOption) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := metadata.Open(ctx, filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := newTestClock()
	driver := inmemory.New()
	options = append([]RegistryOption{Clock(clock.Now)}, options...)
	reg, err := NewRegistry(ctx, db, driver, options...)
	require.NoError(t, err)

	return &testEnv{ctx: ctx, reg: reg, driver: driver, clock: clock}
}

func (env *testEnv) repository(t *testing.T, name string) *Repository {
	t.Helper()
	repo, err := env.reg.Repository(env.ctx, name)
	require.NoError(t, err)
	return repo
}

// pushBlob uploads content through a session and returns its descriptor.
func (env *testEnv) pushBlob(t *testing.T, repo *Repository, content []byte) v1.Descriptor {
	t.Helper()
	status, err := repo.Uploads().Create(env.ctx)
	require.NoError(t, err)
	desc, err := repo.Uploads().Commit(env.ctx, status.UUID, 0, bytes.NewReader(content), int64(len(content)), digest.FromBytes(content))
	require.NoError(t, err)
	return desc
}

// pushImage uploads a config and one layer and returns an OCI image
// manifest referencing them.
func (env *testEnv) pushImage(t *testing.T, repo *Repository, seed string) manifest.Manifest {
	t.Helper()
	config := env.pushBlob(t, repo, []byte(`{"seed":"`+seed+`"}`))
	layer := env.pushBlob(t, repo, []byte("layer-"+seed))
	return buildImage(t, config, layer, nil)
}

func buildImage(t *testing.T, config, layer v1.Descriptor, subject *v1.Descriptor) manifest.Manifest {
	t.Helper()
	config.MediaType = v1.MediaTypeImageConfig
	layer.MediaType = v1.MediaTypeImageLayerGzip
	m := v1.Manifest{
		MediaType: v1.MediaTypeImageManifest,
		Config:    config,
		Layers:    []v1.Descriptor{layer},
		Subject:   subject,
	}
	m.SchemaVersion = 2
	if subject != nil {
		m.ArtifactType = "application/vnd.example.signature"
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	parsed, err := manifest.Parse(v1.MediaTypeImageManifest, raw)
	require.NoError(t, err)
	return parsed
}

func buildIndex(t *testing.T, children ...manifest.Manifest) manifest.Manifest {
	t.Helper()
	idx := v1.Index{MediaType: v1.MediaTypeImageIndex}
	idx.SchemaVersion = 2
	for _, c := range children {
		idx.Manifests = append(idx.Manifests, v1.Descriptor{
			MediaType: c.MediaType(),
			Digest:    c.Digest(),
			Size:      int64(len(c.Payload())),
			Platform:  &v1.Platform{Architecture: "amd64", OS: "linux"},
		})
	}
	raw, err := json.Marshal(idx)
	require.NoError(t, err)
	parsed, err := manifest.Parse(v1.MediaTypeImageIndex, raw)
	require.NoError(t, err)
	return parsed
}

func TestRepositoryNameValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.reg.Repository(env.ctx, "Library/App")
	var invalid ErrRepositoryNameInvalid
	require.ErrorAs(t, err, &invalid)
}

func TestCatalog(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"lib/c", "lib/a", "lib/b", "other"} {
		repo := env.repository(t, name)
		env.pushBlob(t, repo, []byte(name))
	}

	names, more, err := env.reg.Catalog(env.ctx, 2, "")
	require.NoError(t, err)
	require.Equal(t, []string{"lib/a", "lib/b"}, names)
	require.True(t, more)

	names, more, err = env.reg.Catalog(env.ctx, 2, "lib/b")
	require.NoError(t, err)
	require.Equal(t, []string{"lib/c", "other"}, names)
	require.False(t, more)

	names, _, err = env.reg.Catalog(env.ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, names, 4)
}
