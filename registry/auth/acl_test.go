package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func pull(name string) Access {
	return Access{Resource: Resource{Type: TypeRepository, Name: name}, Action: ActionPull}
}

func push(name string) Access {
	return Access{Resource: Resource{Type: TypeRepository, Name: name}, Action: ActionPush}
}

func TestACL(t *testing.T) {
	ctx := context.Background()
	acl := ACL{
		{Account: "admin", Name: "*", Actions: []string{"*"}},
		{Account: "admin", Name: "*/*", Actions: []string{"*"}},
		{Account: "ci-*", Name: "builds/*", Actions: []string{"pull", "push"}},
		{Account: "*", Name: "public/*", Actions: []string{"pull"}},
	}

	tests := []struct {
		user    string
		access  Access
		allowed bool
	}{
		{"admin", push("lib/a"), true},
		{"admin", Access{Resource: CatalogResource, Action: ActionAll}, true},
		{"ci-linux", push("builds/app"), true},
		{"ci-linux", push("public/app"), false},
		{"alice", pull("public/app"), true},
		{"alice", push("public/app"), false},
		{"alice", pull("public/team/app"), false},
		{AnonymousUser, pull("public/app"), true},
		{AnonymousUser, pull("builds/app"), false},
	}

	for _, tc := range tests {
		allowed, err := acl.Authorize(ctx, UserInfo{Name: tc.user}, tc.access)
		require.NoError(t, err)
		require.Equal(t, tc.allowed, allowed, "%s %s", tc.user, tc.access)
	}
}

func TestEntitled(t *testing.T) {
	ctx := context.Background()
	acl := ACL{{Account: "alice", Name: "lib/*", Actions: []string{"pull"}}}

	granted, err := Entitled(ctx, acl, UserInfo{Name: "alice"}, []Access{pull("lib/a"), push("lib/a"), pull("other/b")})
	require.NoError(t, err)
	require.Equal(t, []Access{pull("lib/a")}, granted)

	failing := AuthorizerFunc(func(context.Context, UserInfo, Access) (bool, error) {
		return false, errors.New("backend down")
	})
	_, err = Entitled(ctx, failing, UserInfo{Name: "alice"}, []Access{pull("lib/a")})
	require.Error(t, err)
}

type authorizingSource struct{}

func (authorizingSource) Authenticate(context.Context, string, string) (UserInfo, error) {
	return UserInfo{}, ErrAuthenticationFailure
}

func (authorizingSource) Authorize(context.Context, UserInfo, Access) (bool, error) {
	return true, nil
}

func TestSelectAuthorizer(t *testing.T) {
	ctx := context.Background()
	acl := ACL{{Account: "alice", Name: "lib/*", Actions: []string{"pull"}}}

	ok, err := SelectAuthorizer(acl, authorizingSource{}).Authorize(ctx, UserInfo{Name: "bob"}, pull("lib/a"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = SelectAuthorizer(nil, authorizingSource{}).Authorize(ctx, UserInfo{Name: AnonymousUser}, pull("lib/a"))
	require.NoError(t, err)
	require.True(t, ok)

	authorizer := SelectAuthorizer(nil, nil)
	ok, err = authorizer.Authorize(ctx, UserInfo{Name: "bob"}, push("lib/a"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = authorizer.Authorize(ctx, UserInfo{Name: AnonymousUser}, pull("lib/a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGrantAllows(t *testing.T) {
	grant := &Grant{Access: []Access{
		push("lib/b"),
		{Resource: Resource{Type: TypeRepository, Name: "lib/c"}, Action: ActionAll},
	}}

	require.True(t, grant.Allows(push("lib/b")))
	require.False(t, grant.Allows(pull("lib/b")))
	require.False(t, grant.Allows(pull("lib/a")))
	require.True(t, grant.Allows(pull("lib/c")))

	var none *Grant
	require.False(t, none.Allows(pull("lib/b")))
}
