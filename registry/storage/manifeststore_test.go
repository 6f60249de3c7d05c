package storage

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/dockyard/registry/manifest"
)

func TestManifestPutGet(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	m := env.pushImage(t, repo, "a")

	dgst, err := repo.Manifests().Put(env.ctx, m, "latest")
	require.NoError(t, err)
	require.Equal(t, digest.FromBytes(m.Payload()), dgst)

	byDigest, err := repo.Manifests().Get(env.ctx, dgst)
	require.NoError(t, err)
	require.Equal(t, m.Payload(), byDigest.Payload)
	require.Equal(t, v1.MediaTypeImageManifest, byDigest.MediaType)

	byTag, err := repo.Manifests().GetByTag(env.ctx, "latest")
	require.NoError(t, err)
	require.Equal(t, byDigest, byTag)

	_, err = repo.Manifests().GetByTag(env.ctx, "missing")
	require.ErrorIs(t, err, ErrManifestUnknown)
	_, err = repo.Manifests().Get(env.ctx, digest.FromString("missing"))
	require.ErrorIs(t, err, ErrManifestUnknown)
}

func TestManifestPutPromotesLinks(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	m := env.pushImage(t, repo, "a")
	_, err := repo.Manifests().Put(env.ctx, m, "")
	require.NoError(t, err)

	env.clock.Advance(48 * time.Hour)
	for _, ref := range m.References() {
		_, err := repo.Blobs().Stat(env.ctx, ref.Digest)
		require.NoError(t, err)
	}
}

func TestManifestMissingBlob(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	config := env.pushBlob(t, repo, []byte(`{}`))
	layer := v1.Descriptor{Digest: digest.FromString("never pushed"), Size: 12}
	m := buildImage(t, config, layer, nil)

	_, err := repo.Manifests().Put(env.ctx, m, "latest")
	var unknown ErrManifestBlobUnknown
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, layer.Digest, unknown.Digest)

	_, err = repo.Tags().Get(env.ctx, "latest")
	require.ErrorIs(t, err, ErrTagUnknown)
	_, err = repo.Manifests().Get(env.ctx, m.Digest())
	require.ErrorIs(t, err, ErrManifestUnknown)
}

func TestManifestBlobFromOtherRepository(t *testing.T) {
	env := newTestEnv(t)
	a := env.repository(t, "lib/a")
	b := env.repository(t, "lib/b")
	m := env.pushImage(t, a, "a")
	env.pushBlob(t, b, []byte("exists"))

	_, err := b.Manifests().Put(env.ctx, m, "")
	var unknown ErrManifestBlobUnknown
	require.ErrorAs(t, err, &unknown)
}

func TestManifestIndexRequiresChildren(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	child := env.pushImage(t, repo, "amd64")
	index := buildIndex(t, child)

	_, err := repo.Manifests().Put(env.ctx, index, "multi")
	var unknown ErrManifestBlobUnknown
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, child.Digest(), unknown.Digest)

	_, err = repo.Manifests().Put(env.ctx, child, "")
	require.NoError(t, err)
	dgst, err := repo.Manifests().Put(env.ctx, index, "multi")
	require.NoError(t, err)
	require.Equal(t, index.Digest(), dgst)

	// the child is held by the index
	err = repo.Manifests().Delete(env.ctx, child.Digest())
	var referenced ErrManifestReferenced
	require.ErrorAs(t, err, &referenced)

	require.NoError(t, repo.Manifests().Delete(env.ctx, index.Digest()))
	require.NoError(t, repo.Manifests().Delete(env.ctx, child.Digest()))
}

func TestManifestSchema1Rejected(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")

	raw := []byte(`{"schemaVersion":1,"name":"library/app","tag":"v1","architecture":"amd64",` +
		`"fsLayers":[{"blobSum":"` + digest.FromString("l").String() + `"}],` +
		`"history":[{"v1Compatibility":"{}"}],"signatures":[]}`)
	m, err := manifest.Parse(manifest.MediaTypeSignedSchema1, raw)
	require.NoError(t, err)

	_, err = repo.Manifests().Put(env.ctx, m, "v1")
	var invalid ErrManifestInvalid
	require.ErrorAs(t, err, &invalid)
	require.True(t, errors.Is(err, errSchema1Push))
}

func TestManifestPutIdempotent(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	m := env.pushImage(t, repo, "a")

	for i := 0; i < 3; i++ {
		_, err := repo.Manifests().Put(env.ctx, m, "latest")
		require.NoError(t, err)
	}

	history, err := repo.Tags().History(env.ctx, "latest")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestManifestDelete(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	m := env.pushImage(t, repo, "a")
	_, err := repo.Manifests().Put(env.ctx, m, "latest")
	require.NoError(t, err)
	_, err = repo.Manifests().Put(env.ctx, m, "stable")
	require.NoError(t, err)

	require.NoError(t, repo.Manifests().Delete(env.ctx, m.Digest()))
	require.ErrorIs(t, repo.Manifests().Delete(env.ctx, m.Digest()), ErrManifestUnknown)

	for _, tag := range []string{"latest", "stable"} {
		_, err := repo.Tags().Get(env.ctx, tag)
		require.ErrorIs(t, err, ErrTagUnknown)
		history, err := repo.Tags().History(env.ctx, tag)
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.False(t, history[0].End.IsZero())
	}

	// blobs only the deleted manifest used expire with the link lifetime
	refs := m.References()
	_, err = repo.Blobs().Stat(env.ctx, refs[0].Digest)
	require.NoError(t, err)
	env.clock.Advance(25 * time.Hour)
	_, err = repo.Blobs().Stat(env.ctx, refs[0].Digest)
	require.ErrorIs(t, err, ErrBlobUnknown)
}

func TestManifestDeleteKeepsSharedBlobs(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	config := env.pushBlob(t, repo, []byte(`{"shared":true}`))
	layerA := env.pushBlob(t, repo, []byte("layer a"))
	layerB := env.pushBlob(t, repo, []byte("layer b"))
	a := buildImage(t, config, layerA, nil)
	b := buildImage(t, config, layerB, nil)
	for _, m := range []manifest.Manifest{a, b} {
		_, err := repo.Manifests().Put(env.ctx, m, "")
		require.NoError(t, err)
	}

	require.NoError(t, repo.Manifests().Delete(env.ctx, a.Digest()))
	env.clock.Advance(48 * time.Hour)

	_, err := repo.Blobs().Stat(env.ctx, config.Digest)
	require.NoError(t, err)
	_, err = repo.Blobs().Stat(env.ctx, layerB.Digest)
	require.NoError(t, err)
	_, err = repo.Blobs().Stat(env.ctx, layerA.Digest)
	require.ErrorIs(t, err, ErrBlobUnknown)
}

func TestManifestDeleteImmutableTag(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	m := env.pushImage(t, repo, "a")
	_, err := repo.Manifests().Put(env.ctx, m, "release")
	require.NoError(t, err)
	require.NoError(t, repo.Tags().SetImmutable(env.ctx, "release", true))

	err = repo.Manifests().Delete(env.ctx, m.Digest())
	var referenced ErrManifestReferenced
	require.ErrorAs(t, err, &referenced)

	_, err = repo.Manifests().GetByTag(env.ctx, "release")
	require.NoError(t, err)
}

func TestReferrers(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	subject := env.pushImage(t, repo, "a")
	_, err := repo.Manifests().Put(env.ctx, subject, "latest")
	require.NoError(t, err)

	referrers, err := repo.Manifests().Referrers(env.ctx, subject.Digest(), "")
	require.NoError(t, err)
	require.NotNil(t, referrers)
	require.Empty(t, referrers)

	config := env.pushBlob(t, repo, []byte(`{"kind":"signature"}`))
	layer := env.pushBlob(t, repo, []byte("signature payload"))
	subjectDesc := v1.Descriptor{MediaType: subject.MediaType(), Digest: subject.Digest(), Size: int64(len(subject.Payload()))}
	signature := buildImage(t, config, layer, &subjectDesc)
	_, err = repo.Manifests().Put(env.ctx, signature, "")
	require.NoError(t, err)

	other := buildImage(t, layer, config, &subjectDesc)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(other.Payload(), &raw))
	raw["artifactType"] = "application/vnd.example.sbom"
	payload, err := json.Marshal(raw)
	require.NoError(t, err)
	sbom, err := manifest.Parse(v1.MediaTypeImageManifest, payload)
	require.NoError(t, err)
	_, err = repo.Manifests().Put(env.ctx, sbom, "")
	require.NoError(t, err)

	referrers, err = repo.Manifests().Referrers(env.ctx, subject.Digest(), "")
	require.NoError(t, err)
	require.Len(t, referrers, 2)
	require.Equal(t, signature.Digest(), referrers[0].Digest)
	require.Equal(t, "application/vnd.example.signature", referrers[0].ArtifactType)

	referrers, err = repo.Manifests().Referrers(env.ctx, subject.Digest(), "application/vnd.example.sbom")
	require.NoError(t, err)
	require.Len(t, referrers, 1)
	require.Equal(t, sbom.Digest(), referrers[0].Digest)

	// a subject need not exist
	referrers, err = repo.Manifests().Referrers(env.ctx, digest.FromString("absent"), "")
	require.NoError(t, err)
	require.Empty(t, referrers)
}
