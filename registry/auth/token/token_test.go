package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/stretchr/testify/require"

	"github.com/dockyard/registry/registry/auth"
)

const (
	testIssuer  = "test-issuer"
	testService = "test-service"
	testKID     = "test-kid"
)

func makeTestKey(t *testing.T, kid string) (*rsa.PrivateKey, Key) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv, Key{KID: kid, Algorithm: string(jose.RS256), Public: &priv.PublicKey}
}

func newTestVerifier(now time.Time, keys ...Key) *Verifier {
	v := NewVerifier(VerifyOptions{
		Issuer:           testIssuer,
		Service:          testService,
		MaxSignedSeconds: 3600,
		Keys:             NewKeyCache(StaticKeys(keys), time.Minute),
	})
	v.now = func() time.Time { return now }
	return v
}

func testClaims(now time.Time) ClaimSet {
	return ClaimSet{
		Issuer:     testIssuer,
		Subject:    "alice",
		Audience:   AudienceList{testService},
		Expiration: now.Add(5 * time.Minute).Unix(),
		NotBefore:  now.Unix(),
		IssuedAt:   now.Unix(),
		JWTID:      "1",
		Access: []*ResourceActions{{
			Type:    "repository",
			Name:    "lib/a",
			Actions: []string{"pull"},
		}},
	}
}

func makeTestToken(t *testing.T, priv *rsa.PrivateKey, kid string, alg jose.SignatureAlgorithm, claims ClaimSet) string {
	t.Helper()

	var key any = priv
	if kid != "" {
		key = jose.JSONWebKey{Key: priv, KeyID: kid}
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)

	raw, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	require.NoError(t, err)
	return raw
}

func TestNewTokenMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"abc",
		"a.b",
		"a.b.c.d",
		" a.b.c",
		"a.b.c ",
		"!!.??.##",
	} {
		_, err := NewToken(raw)
		require.ErrorIs(t, err, ErrMalformedToken, "token %q", raw)
	}
}

func TestIssueVerify(t *testing.T) {
	priv, key := makeTestKey(t, testKID)
	issuer, err := NewIssuer(IssuerOptions{
		Issuer:     testIssuer,
		Service:    testService,
		KID:        testKID,
		PrivateKey: priv,
		Expiration: time.Hour,
	})
	require.NoError(t, err)

	access := []auth.Access{
		{Resource: auth.Resource{Type: "repository", Name: "lib/a"}, Action: "pull"},
		{Resource: auth.Resource{Type: "repository", Name: "lib/a"}, Action: "push"},
		{Resource: auth.Resource{Type: "repository", Name: "lib/b"}, Action: "pull"},
	}
	resp, err := issuer.Issue("alice", access, nil)
	require.NoError(t, err)
	require.Equal(t, 3600, resp.ExpiresIn)
	require.Equal(t, resp.Token, resp.AccessToken)
	_, err = time.Parse(time.RFC3339, resp.IssuedAt)
	require.NoError(t, err)

	tok, err := NewToken(resp.Token)
	require.NoError(t, err)
	header := tok.JWT.Headers[0]
	require.Equal(t, testKID, header.KeyID)
	require.Equal(t, "RS256", header.Algorithm)

	claims, err := newTestVerifier(time.Now(), key).Verify(context.Background(), resp.Token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, AudienceList{testService}, claims.Audience)
	require.Equal(t, int64(3600), claims.Expiration-claims.IssuedAt)
	require.NotEmpty(t, claims.JWTID)
	require.Nil(t, claims.Context)
	require.ElementsMatch(t, access, claims.Grants())
	require.Len(t, claims.Access, 2)
}

func TestIssuerRequiresKey(t *testing.T) {
	_, err := NewIssuer(IssuerOptions{KID: testKID})
	require.Error(t, err)
}

func TestVerifyRules(t *testing.T) {
	now := time.Unix(1700000000, 0)
	priv, key := makeTestKey(t, testKID)
	other, _ := makeTestKey(t, "other")
	v := newTestVerifier(now, key)

	tests := []struct {
		name   string
		kid    string
		alg    jose.SignatureAlgorithm
		signer *rsa.PrivateKey
		mutate func(c *ClaimSet)
		valid  bool
	}{
		{name: "valid", valid: true},
		{name: "nbf is now", mutate: func(c *ClaimSet) { c.NotBefore = now.Unix() }, valid: true},
		{name: "nbf one second ahead", mutate: func(c *ClaimSet) { c.NotBefore = now.Unix() + 1 }},
		{name: "iat one second ahead", mutate: func(c *ClaimSet) { c.IssuedAt = now.Unix() + 1 }},
		{name: "no kid", kid: "-"},
		{name: "unknown kid", kid: "unknown"},
		{name: "algorithm substitution", alg: jose.RS384},
		{name: "wrong signature", signer: other},
		{name: "expired", mutate: func(c *ClaimSet) { c.Expiration = now.Unix() - 1 }},
		{name: "expires now", mutate: func(c *ClaimSet) { c.Expiration = now.Unix() }},
		{name: "not yet valid", mutate: func(c *ClaimSet) { c.NotBefore = now.Add(time.Minute).Unix() }},
		{name: "issued in the future", mutate: func(c *ClaimSet) { c.IssuedAt = now.Add(time.Minute).Unix() }},
		{name: "wrong issuer", mutate: func(c *ClaimSet) { c.Issuer = "someone-else" }},
		{name: "wrong audience", mutate: func(c *ClaimSet) { c.Audience = AudienceList{"other-service"} }},
		{name: "lifetime too long", mutate: func(c *ClaimSet) { c.Expiration = c.IssuedAt + 3601 }},
		{name: "no subject", mutate: func(c *ClaimSet) { c.Subject = "" }},
		{name: "access without actions", mutate: func(c *ClaimSet) { c.Access[0].Actions = nil }},
		{name: "access without name", mutate: func(c *ClaimSet) { c.Access[0].Name = "" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			claims := testClaims(now)
			if tc.mutate != nil {
				tc.mutate(&claims)
			}
			kid := testKID
			switch tc.kid {
			case "":
			case "-":
				kid = ""
			default:
				kid = tc.kid
			}
			alg := jose.RS256
			if tc.alg != "" {
				alg = tc.alg
			}
			signer := priv
			if tc.signer != nil {
				signer = tc.signer
			}

			got, err := v.Verify(context.Background(), makeTestToken(t, signer, kid, alg, claims))
			if tc.valid {
				require.NoError(t, err)
				require.Equal(t, "alice", got.Subject)
				return
			}
			require.ErrorIs(t, err, ErrInvalidToken)
			require.Nil(t, got)
		})
	}
}

func TestVerifyRejectsUnsigned(t *testing.T) {
	now := time.Now()
	_, key := makeTestKey(t, testKID)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT","kid":"` + testKID + `"}`))
	payload, err := json.Marshal(testClaims(now))
	require.NoError(t, err)
	raw := strings.Join([]string{header, base64.RawURLEncoding.EncodeToString(payload), ""}, TokenSeparator)

	_, err = newTestVerifier(now, key).Verify(context.Background(), raw)
	require.Error(t, err)
}

func TestVerifyWildcardGrantsEverything(t *testing.T) {
	now := time.Now()
	priv, key := makeTestKey(t, testKID)
	claims := testClaims(now)
	claims.Access[0].Actions = []string{"*"}

	got, err := newTestVerifier(now, key).Verify(context.Background(), makeTestToken(t, priv, testKID, jose.RS256, claims))
	require.NoError(t, err)

	set := got.accessSet()
	resource := auth.Resource{Type: "repository", Name: "lib/a"}
	require.True(t, set.contains(auth.Access{Resource: resource, Action: "pull"}))
	require.True(t, set.contains(auth.Access{Resource: resource, Action: "push"}))
	require.False(t, set.contains(auth.Access{Resource: auth.Resource{Type: "repository", Name: "lib/b"}, Action: "pull"}))
}
