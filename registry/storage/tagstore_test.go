package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTagRetarget(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	first := env.pushImage(t, repo, "1")
	second := env.pushImage(t, repo, "2")

	_, err := repo.Manifests().Put(env.ctx, first, "latest")
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	_, err = repo.Manifests().Put(env.ctx, second, "latest")
	require.NoError(t, err)

	info, err := repo.Tags().Get(env.ctx, "latest")
	require.NoError(t, err)
	require.Equal(t, second.Digest(), info.Digest)
	require.True(t, info.End.IsZero())

	history, err := repo.Tags().History(env.ctx, "latest")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, first.Digest(), history[0].Digest)
	require.Equal(t, history[1].Start, history[0].End)
	require.True(t, history[1].End.IsZero())

	// the previous manifest is still addressable by digest
	_, err = repo.Manifests().Get(env.ctx, first.Digest())
	require.NoError(t, err)

	env.clock.Advance(time.Second)
	require.NoError(t, repo.Tags().Tag(env.ctx, "latest", first.Digest()))
	history, err = repo.Tags().History(env.ctx, "latest")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.True(t, history[2].Reversion)
	require.False(t, history[1].Reversion)
}

func TestTagUnknownManifest(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	m := env.pushImage(t, repo, "a")
	_, err := repo.Manifests().Put(env.ctx, m, "")
	require.NoError(t, err)

	other := env.pushImage(t, repo, "b")
	require.ErrorIs(t, repo.Tags().Tag(env.ctx, "latest", other.Digest()), ErrManifestUnknown)
}

func TestTagImmutable(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	first := env.pushImage(t, repo, "1")
	second := env.pushImage(t, repo, "2")
	_, err := repo.Manifests().Put(env.ctx, first, "v1.0")
	require.NoError(t, err)
	require.NoError(t, repo.Tags().SetImmutable(env.ctx, "v1.0", true))

	// same target is a no-op
	_, err = repo.Manifests().Put(env.ctx, first, "v1.0")
	require.NoError(t, err)

	_, err = repo.Manifests().Put(env.ctx, second, "v1.0")
	var immutable ErrTagImmutable
	require.ErrorAs(t, err, &immutable)
	// the whole put failed
	_, err = repo.Manifests().Get(env.ctx, second.Digest())
	require.ErrorIs(t, err, ErrManifestUnknown)

	require.ErrorAs(t, repo.Tags().Delete(env.ctx, "v1.0"), &immutable)
	require.ErrorAs(t, repo.Tags().SetExpiration(env.ctx, "v1.0", nil), &immutable)

	require.NoError(t, repo.Tags().SetImmutable(env.ctx, "v1.0", false))
	require.NoError(t, repo.Tags().Delete(env.ctx, "v1.0"))
}

func TestTagDelete(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	m := env.pushImage(t, repo, "a")
	_, err := repo.Manifests().Put(env.ctx, m, "latest")
	require.NoError(t, err)

	require.NoError(t, repo.Tags().Delete(env.ctx, "latest"))
	require.ErrorIs(t, repo.Tags().Delete(env.ctx, "latest"), ErrTagUnknown)
	_, err = repo.Manifests().GetByTag(env.ctx, "latest")
	require.ErrorIs(t, err, ErrManifestUnknown)

	// the manifest survives
	_, err = repo.Manifests().Get(env.ctx, m.Digest())
	require.NoError(t, err)

	require.NoError(t, repo.Tags().Tag(env.ctx, "latest", m.Digest()))
	history, err := repo.Tags().History(env.ctx, "latest")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.True(t, history[1].Reversion)
}

func TestTagExpiration(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	m := env.pushImage(t, repo, "a")
	_, err := repo.Manifests().Put(env.ctx, m, "nightly")
	require.NoError(t, err)

	at := env.clock.Now().Add(time.Hour)
	require.NoError(t, repo.Tags().SetExpiration(env.ctx, "nightly", &at))
	info, err := repo.Tags().Get(env.ctx, "nightly")
	require.NoError(t, err)
	require.True(t, at.Equal(info.End))

	env.clock.Advance(2 * time.Hour)
	_, err = repo.Tags().Get(env.ctx, "nightly")
	require.ErrorIs(t, err, ErrTagUnknown)
	tags, _, err := repo.Tags().List(env.ctx, 0, "")
	require.NoError(t, err)
	require.Empty(t, tags)

	// an expired tag can be pointed again
	_, err = repo.Manifests().Put(env.ctx, m, "nightly")
	require.NoError(t, err)
	history, err := repo.Tags().History(env.ctx, "nightly")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.True(t, at.Equal(history[0].End))
}

func TestTagExpirationClear(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	m := env.pushImage(t, repo, "a")
	_, err := repo.Manifests().Put(env.ctx, m, "nightly")
	require.NoError(t, err)

	at := env.clock.Now().Add(time.Hour)
	require.NoError(t, repo.Tags().SetExpiration(env.ctx, "nightly", &at))
	require.NoError(t, repo.Tags().SetExpiration(env.ctx, "nightly", nil))
	env.clock.Advance(2 * time.Hour)
	_, err = repo.Tags().Get(env.ctx, "nightly")
	require.NoError(t, err)

	past := env.clock.Now().Add(-time.Minute)
	require.NoError(t, repo.Tags().SetExpiration(env.ctx, "nightly", &past))
	_, err = repo.Tags().Get(env.ctx, "nightly")
	require.ErrorIs(t, err, ErrTagUnknown)
}

func TestTagImmutableDropsExpiration(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	m := env.pushImage(t, repo, "a")
	_, err := repo.Manifests().Put(env.ctx, m, "release")
	require.NoError(t, err)

	at := env.clock.Now().Add(time.Hour)
	require.NoError(t, repo.Tags().SetExpiration(env.ctx, "release", &at))
	require.NoError(t, repo.Tags().SetImmutable(env.ctx, "release", true))

	env.clock.Advance(2 * time.Hour)
	info, err := repo.Tags().Get(env.ctx, "release")
	require.NoError(t, err)
	require.True(t, info.Immutable)
	require.True(t, info.End.IsZero())
}

func TestTagList(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/app")
	m := env.pushImage(t, repo, "a")
	for i := 5; i > 0; i-- {
		_, err := repo.Manifests().Put(env.ctx, m, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
	}
	require.NoError(t, repo.Tags().Delete(env.ctx, "v3"))

	tags, more, err := repo.Tags().List(env.ctx, 2, "")
	require.NoError(t, err)
	require.Equal(t, []string{"v1", "v2"}, tags)
	require.True(t, more)

	tags, more, err = repo.Tags().List(env.ctx, 2, "v2")
	require.NoError(t, err)
	require.Equal(t, []string{"v4", "v5"}, tags)
	require.False(t, more)

	tags, more, err = repo.Tags().List(env.ctx, 0, "")
	require.NoError(t, err)
	require.Equal(t, []string{"v1", "v2", "v4", "v5"}, tags)
	require.False(t, more)
}

func TestTagUnknownRepository(t *testing.T) {
	env := newTestEnv(t)
	repo := env.repository(t, "library/nothing")
	_, _, err := repo.Tags().List(env.ctx, 0, "")
	require.ErrorIs(t, err, ErrRepositoryUnknown)
	_, err = repo.Tags().History(env.ctx, "latest")
	require.ErrorIs(t, err, ErrRepositoryUnknown)
}
