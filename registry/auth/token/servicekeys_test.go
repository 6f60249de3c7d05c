package token

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/mjl-/bstore"
	"github.com/stretchr/testify/require"

	"github.com/dockyard/registry/registry/storage/metadata"
)

func openTestDB(t *testing.T) *bstore.DB {
	t.Helper()
	db, err := metadata.Open(context.Background(), filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestServiceKeysPublish(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	keys := NewServiceKeys(db, testService)
	priv, _ := makeTestKey(t, testKID)

	require.NoError(t, keys.Publish(ctx, testKID, "instance", &priv.PublicKey, time.Now().Add(time.Hour), 24*time.Hour, true))
	require.NoError(t, keys.Publish(ctx, "pending", "new instance", &priv.PublicKey, time.Time{}, 0, false))

	// keys of other services are not visible
	other := NewServiceKeys(db, "other-service")
	require.NoError(t, other.Publish(ctx, "foreign", "other", &priv.PublicKey, time.Time{}, 0, true))

	got, err := keys.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, testKID, got[0].KID)
	require.Equal(t, string(jose.RS256), got[0].Algorithm)
	pub, ok := got[0].Public.(*rsa.PublicKey)
	require.True(t, ok)
	require.True(t, priv.PublicKey.Equal(pub))

	rows, err := keys.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		if row.KID == testKID {
			require.Equal(t, int64(86400), row.RotationSeconds)
			require.True(t, row.Approved)
		}
	}

	require.NoError(t, keys.Approve(ctx, "pending"))
	got, err = keys.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.ErrorIs(t, keys.Approve(ctx, "missing"), ErrServiceKeyUnknown)
	require.ErrorIs(t, keys.Revoke(ctx, "foreign"), ErrServiceKeyUnknown)
}

func TestRevokedKeyFailsAfterInvalidate(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	priv, _ := makeTestKey(t, testKID)

	keys := NewServiceKeys(openTestDB(t), testService)
	require.NoError(t, keys.Publish(ctx, testKID, "instance", &priv.PublicKey, time.Time{}, 0, true))

	cache := NewKeyCache(keys, time.Hour)
	v := NewVerifier(VerifyOptions{
		Issuer:           testIssuer,
		Service:          testService,
		MaxSignedSeconds: 3600,
		Keys:             cache,
	})
	raw := makeTestToken(t, priv, testKID, jose.RS256, testClaims(now))

	_, err := v.Verify(ctx, raw)
	require.NoError(t, err)

	require.NoError(t, keys.Revoke(ctx, testKID))

	// cached until invalidated
	_, err = v.Verify(ctx, raw)
	require.NoError(t, err)

	cache.Invalidate()
	_, err = v.Verify(ctx, raw)
	require.ErrorIs(t, err, ErrInvalidToken)
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestPrivateKeyEncodings(t *testing.T) {
	priv, pemBytes, err := GenerateKey(2048)
	require.NoError(t, err)

	parsed, err := ParsePrivateKey(pemBytes)
	require.NoError(t, err)
	require.True(t, priv.Equal(parsed))

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, pkcs1, 0600))
	loaded, err := LoadPrivateKey(path)
	require.NoError(t, err)
	require.True(t, priv.Equal(loaded))

	_, err = ParsePrivateKey([]byte("not pem"))
	require.Error(t, err)

	require.NotEmpty(t, GetRFC7638Thumbprint(&priv.PublicKey))
	require.Equal(t, GetRFC7638Thumbprint(&priv.PublicKey), GetRFC7638Thumbprint(&parsed.PublicKey))
}
