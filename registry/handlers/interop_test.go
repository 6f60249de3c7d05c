package handlers

import (
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/stretchr/testify/require"
)

// TestRemoteClientRoundTrip pushes and pulls with an independent registry
// client implementation.
func TestRemoteClientRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	host := strings.TrimPrefix(env.server.URL, "http://")

	img, err := random.Image(1024, 3)
	require.NoError(t, err)

	ref, err := name.ParseReference(host+"/interop/image:v1", name.Insecure)
	require.NoError(t, err)
	require.NoError(t, remote.Write(ref, img, remote.WithContext(env.ctx)))

	pulled, err := remote.Image(ref, remote.WithContext(env.ctx))
	require.NoError(t, err)

	want, err := img.Digest()
	require.NoError(t, err)
	got, err := pulled.Digest()
	require.NoError(t, err)
	require.Equal(t, want, got)

	wantLayers, err := img.Layers()
	require.NoError(t, err)
	gotLayers, err := pulled.Layers()
	require.NoError(t, err)
	require.Len(t, gotLayers, len(wantLayers))
	for i := range wantLayers {
		wantDigest, err := wantLayers[i].Digest()
		require.NoError(t, err)
		gotDigest, err := gotLayers[i].Digest()
		require.NoError(t, err)
		require.Equal(t, wantDigest, gotDigest)

		rc, err := gotLayers[i].Compressed()
		require.NoError(t, err)
		require.NoError(t, rc.Close())
	}

	tags, err := remote.List(ref.Context(), remote.WithContext(env.ctx))
	require.NoError(t, err)
	require.Equal(t, []string{"v1"}, tags)
}

func TestRemoteClientIndex(t *testing.T) {
	env := newTestEnv(t)
	host := strings.TrimPrefix(env.server.URL, "http://")

	idx, err := random.Index(512, 1, 2)
	require.NoError(t, err)

	ref, err := name.ParseReference(host+"/interop/multi:latest", name.Insecure)
	require.NoError(t, err)
	require.NoError(t, remote.WriteIndex(ref, idx, remote.WithContext(env.ctx)))

	desc, err := remote.Get(ref, remote.WithContext(env.ctx))
	require.NoError(t, err)
	require.True(t, desc.MediaType.IsIndex())

	want, err := idx.Digest()
	require.NoError(t, err)
	require.Equal(t, want, desc.Digest)

	pulled, err := desc.ImageIndex()
	require.NoError(t, err)
	manifest, err := pulled.IndexManifest()
	require.NoError(t, err)
	require.Len(t, manifest.Manifests, 2)
	for _, child := range manifest.Manifests {
		img, err := pulled.Image(child.Digest)
		require.NoError(t, err)
		_, err = img.ConfigFile()
		require.NoError(t, err)
	}
}
