package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dockyard/registry/registry/auth"
)

func newTestService(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/authenticate", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		require.Equal(t, "Bearer s3cr3t", r.Header.Get("Authorization"))

		var req authenticateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Username != "alice" || req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(authenticateResponse{Name: "alice@example.com"})
	})
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		var req authorizeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(authorizeResponse{
			Allowed: req.Subject == "alice@example.com" && req.Action == auth.ActionPull,
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &calls
}

func TestRemoteSource(t *testing.T) {
	server, _ := newTestService(t, 0)

	source, err := auth.GetIdentitySource("remote", map[string]any{
		"endpoint": server.URL + "/",
		"token":    "s3cr3t",
		"timeout":  "2s",
	})
	require.NoError(t, err)

	ctx := context.Background()
	user, err := source.Authenticate(ctx, "alice", "secret")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", user.Name)

	_, err = source.Authenticate(ctx, "alice", "wrong")
	require.ErrorIs(t, err, auth.ErrAuthenticationFailure)

	authorizer, ok := source.(auth.Authorizer)
	require.True(t, ok)
	resource := auth.Resource{Type: auth.TypeRepository, Name: "lib/a"}

	allowed, err := authorizer.Authorize(ctx, user, auth.Access{Resource: resource, Action: auth.ActionPull})
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, err = authorizer.Authorize(ctx, user, auth.Access{Resource: resource, Action: auth.ActionPush})
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestRemoteSourceRetries(t *testing.T) {
	server, calls := newTestService(t, 1)
	source := New(Parameters{Endpoint: server.URL, Token: "s3cr3t", Timeout: time.Second, Retries: 2})

	user, err := source.Authenticate(context.Background(), "alice", "secret")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", user.Name)
	require.Equal(t, int32(2), calls.Load())
}

func TestRemoteSourceUnavailable(t *testing.T) {
	server, _ := newTestService(t, 100)
	source := New(Parameters{Endpoint: server.URL, Token: "s3cr3t", Timeout: time.Second, Retries: 1})

	_, err := source.Authenticate(context.Background(), "alice", "secret")
	require.Error(t, err)
	require.NotErrorIs(t, err, auth.ErrAuthenticationFailure)
}

func TestFromParametersRequiresEndpoint(t *testing.T) {
	_, err := FromParameters(map[string]any{})
	require.Error(t, err)
}
