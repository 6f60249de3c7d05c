// Package auth defines the interfaces the registry uses to authenticate
// principals and to check the access a request needs.
//
// An access controller checks that a request carries a grant for one or
// more actions on one or more resources:
//
//	access := auth.Access{
//		Resource: auth.Resource{Type: "repository", Name: "library/app"},
//		Action:   "pull",
//	}
//	grant, err := accessController.Authorized(r, access)
//	if challenge, ok := err.(auth.Challenge); ok {
//		challenge.SetHeaders(r, w)
//		w.WriteHeader(http.StatusUnauthorized)
//		return
//	}
//
// Identity sources authenticate principals for the token endpoint. They
// register by name, as storage drivers do, and are built from the options
// of the configuration.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dockyard/registry/internal/dcontext"
)

const (
	// UserKey is used to get the user object from
	// a user context
	UserKey = "auth.user"

	// UserNameKey is used to get the user name from
	// a user context
	UserNameKey = "auth.user.name"

	// AnonymousUser is the subject of tokens issued without credentials.
	AnonymousUser = "(anonymous)"
)

var (
	// ErrInvalidCredential is returned when the auth token does not authenticate correctly.
	ErrInvalidCredential = errors.New("invalid authorization credential")

	// ErrAuthenticationFailure returned when authentication fails.
	ErrAuthenticationFailure = errors.New("authentication failure")
)

// UserInfo carries information about
// an autenticated/authorized client.
type UserInfo struct {
	Name string
}

// Resource describes a resource by type and name.
type Resource struct {
	Type  string
	Class string
	Name  string
}

// Access describes a specific action that is
// requested or allowed for a given resource.
type Access struct {
	Resource
	Action string
}

func (a Access) String() string {
	return fmt.Sprintf("%s:%s:%s", a.Type, a.Name, a.Action)
}

// Grant is the result of a successful authorization.
type Grant struct {
	User UserInfo

	// Resources are the resources the credential carries grants for.
	Resources []Resource

	// Access lists every granted action.
	Access []Access
}

// Allows reports whether g carries access, directly or through the
// wildcard action on the same resource.
func (g *Grant) Allows(access Access) bool {
	if g == nil {
		return false
	}
	for _, a := range g.Access {
		if a.Resource == access.Resource && (a.Action == access.Action || a.Action == ActionAll) {
			return true
		}
	}
	return false
}

// Challenge is a special error type which is used for HTTP 401 Unauthorized
// responses and is able to write the response with WWW-Authenticate challenge
// header values based on the error.
type Challenge interface {
	error

	// SetHeaders prepares the request to conduct a challenge response by
	// adding the an HTTP challenge header on the response message. Callers
	// are expected to set the appropriate HTTP status code (e.g. 401)
	// themselves.
	SetHeaders(r *http.Request, w http.ResponseWriter)
}

// AccessController controls access to registry resources based on a request
// and required access levels for a request. Implementations can support both
// complete denial and http authorization challenges.
type AccessController interface {
	// Authorized returns a non-nil error if the request is not granted
	// every requested access. The error may be a Challenge, in which case
	// the caller should answer 401 with the challenge headers.
	Authorized(req *http.Request, access ...Access) (*Grant, error)
}

// Authenticator verifies the credentials of a principal.
type Authenticator interface {
	// Authenticate returns the principal for the credentials, or
	// ErrAuthenticationFailure when they do not match.
	Authenticate(ctx context.Context, username, password string) (UserInfo, error)
}

// Authorizer decides whether a principal is entitled to an action.
type Authorizer interface {
	Authorize(ctx context.Context, user UserInfo, access Access) (bool, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, user UserInfo, access Access) (bool, error)

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, user UserInfo, access Access) (bool, error) {
	return f(ctx, user, access)
}

// AllowAuthenticated entitles every authenticated principal to every
// action. The anonymous user gets nothing.
var AllowAuthenticated = AuthorizerFunc(func(_ context.Context, user UserInfo, _ Access) (bool, error) {
	return user.Name != "" && user.Name != AnonymousUser, nil
})

// WithUser returns a context with the authorized user info.
func WithUser(ctx context.Context, user UserInfo) context.Context {
	return userInfoContext{
		Context: ctx,
		user:    user,
	}
}

type userInfoContext struct {
	context.Context
	user UserInfo
}

func (uic userInfoContext) Value(key any) any {
	switch key {
	case UserKey:
		return uic.user
	case UserNameKey:
		return uic.user.Name
	}

	return uic.Context.Value(key)
}

// WithUserLogger returns a context whose logger carries the user name.
func WithUserLogger(ctx context.Context) context.Context {
	return dcontext.WithLogger(ctx, dcontext.GetLogger(ctx, UserNameKey))
}

// InitFunc is the type of an identity source factory function. The
// returned source must implement Authenticator and may implement
// Authorizer.
type InitFunc func(options map[string]any) (Authenticator, error)

var identitySources = make(map[string]InitFunc)

// Register is used to register an InitFunc for
// an identity source with the given name.
func Register(name string, initFunc InitFunc) error {
	if _, exists := identitySources[name]; exists {
		return fmt.Errorf("name already registered: %s", name)
	}

	identitySources[name] = initFunc

	return nil
}

// GetIdentitySource constructs the named identity source with the given
// options.
func GetIdentitySource(name string, options map[string]any) (Authenticator, error) {
	if initFunc, exists := identitySources[name]; exists {
		return initFunc(options)
	}

	return nil, fmt.Errorf("no identity source registered with name: %s", name)
}
