package auth

import (
	"context"
	"path"

	"github.com/samber/lo"

	"github.com/dockyard/registry/configuration"
)

// ACL is an Authorizer backed by the auth.acl section of the
// configuration. Account and repository patterns use path.Match syntax.
type ACL []configuration.ACLEntry

// Authorize reports whether an entry matching the principal and the
// resource name grants the action.
func (acl ACL) Authorize(_ context.Context, user UserInfo, access Access) (bool, error) {
	for _, entry := range acl {
		if !match(entry.Account, user.Name) || !match(entry.Name, access.Name) {
			continue
		}
		if Implies(entry.Actions, access.Action) {
			return true, nil
		}
	}
	return false, nil
}

func match(pattern, value string) bool {
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// Entitled returns the part of requested that authorizer grants to user.
// Errors of the authorizer abort the whole request.
func Entitled(ctx context.Context, authorizer Authorizer, user UserInfo, requested []Access) ([]Access, error) {
	var failure error
	granted := lo.Filter(requested, func(a Access, _ int) bool {
		if failure != nil {
			return false
		}
		ok, err := authorizer.Authorize(ctx, user, a)
		if err != nil {
			failure = err
		}
		return ok
	})
	if failure != nil {
		return nil, failure
	}
	return granted, nil
}

// SelectAuthorizer returns the authorizer of a registry: the ACL when it
// has entries, else the identity source when it also authorizes, else
// AllowAuthenticated.
func SelectAuthorizer(acl ACL, source Authenticator) Authorizer {
	if len(acl) > 0 {
		return acl
	}
	if authorizer, ok := source.(Authorizer); ok {
		return authorizer
	}
	return AllowAuthenticated
}
