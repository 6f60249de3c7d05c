package htpasswd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dockyard/registry/registry/auth"
)

func entry(t *testing.T, user, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s\n", user, hash)
}

// writeFile replaces path atomically, the way configuration management
// tools update credentials.
func writeFile(t *testing.T, path string, lines ...string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(strings.Join(lines, "")), 0600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestParse(t *testing.T) {
	entries, err := parse(strings.NewReader("# comment\n\n" + entry(t, "alice", "secret") + "  " + entry(t, "bob", "hunter2")))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Contains(t, entries, "bob")

	_, err = parse(strings.NewReader("alice\n"))
	require.Error(t, err)

	_, err = parse(strings.NewReader("alice:{SHA}W6ph5Mm5Pz8GgiULbPgzG37mj9g=\n"))
	require.Error(t, err, "only bcrypt hashes are accepted")
}

func TestAuthenticate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "htpasswd")
	writeFile(t, path, entry(t, "alice", "secret"))

	source, err := auth.GetIdentitySource("htpasswd", map[string]any{"path": path})
	require.NoError(t, err)
	defer source.(*Source).Close()

	ctx := context.Background()
	user, err := source.Authenticate(ctx, "alice", "secret")
	require.NoError(t, err)
	require.Equal(t, "alice", user.Name)

	_, err = source.Authenticate(ctx, "alice", "wrong")
	require.ErrorIs(t, err, auth.ErrAuthenticationFailure)
	_, err = source.Authenticate(ctx, "mallory", "secret")
	require.ErrorIs(t, err, auth.ErrAuthenticationFailure)
}

func TestFromParametersRequiresPath(t *testing.T) {
	_, err := FromParameters(map[string]any{})
	require.Error(t, err)

	_, err = FromParameters(map[string]any{"path": filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "htpasswd")
	writeFile(t, path, entry(t, "alice", "secret"))

	source, err := New(path)
	require.NoError(t, err)
	defer source.Close()

	ctx := context.Background()
	_, err = source.Authenticate(ctx, "bob", "hunter2")
	require.Error(t, err)

	writeFile(t, path, entry(t, "alice", "secret"), entry(t, "bob", "hunter2"))
	require.Eventually(t, func() bool {
		_, err := source.Authenticate(ctx, "bob", "hunter2")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	// a broken file keeps the previous entries
	writeFile(t, path, "garbage\n")
	time.Sleep(200 * time.Millisecond)
	_, err = source.Authenticate(ctx, "alice", "secret")
	require.NoError(t, err)
}
