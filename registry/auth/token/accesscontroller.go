package token

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/registry/auth"
)

var (
	errTokenRequired     = errors.New("authorization token required")
	errInsufficientScope = errors.New("insufficient scope")
)

// authChallenge implements the auth.Challenge interface.
type authChallenge struct {
	err       error
	realm     string
	service   string
	accessSet accessSet
}

var _ auth.Challenge = authChallenge{}

// Error returns the internal error string for this authChallenge.
func (ac authChallenge) Error() string {
	return ac.err.Error()
}

// Unwrap returns the verification error.
func (ac authChallenge) Unwrap() error {
	return ac.err
}

// challengeParams constructs the value to be used in
// the WWW-Authenticate response challenge header.
// See https://tools.ietf.org/html/rfc6750#section-3
func (ac authChallenge) challengeParams(r *http.Request) string {
	realm := ac.realm
	if realm == "" {
		realm = DefaultRealm(r)
	}
	str := fmt.Sprintf("Bearer realm=%q,service=%q,scope=%q", realm, ac.service, ac.accessSet.scopeParam())

	switch {
	case errors.Is(ac.err, errTokenRequired):
	case errors.Is(ac.err, errInsufficientScope):
		str = fmt.Sprintf("%s,error=%q", str, "insufficient_scope")
	default:
		str = fmt.Sprintf("%s,error=%q", str, "invalid_token")
	}

	return str
}

// SetHeaders sets the WWW-Authenticate value for the response.
func (ac authChallenge) SetHeaders(r *http.Request, w http.ResponseWriter) {
	w.Header().Add("WWW-Authenticate", ac.challengeParams(r))
}

// DefaultRealm is the token endpoint of the registry serving r. The scheme
// comes from X-Forwarded-Proto when a proxy sets it.
func DefaultRealm(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return fmt.Sprintf("%s://%s/v2/auth", scheme, host)
}

// accessController implements the auth.AccessController interface.
type accessController struct {
	realm    string
	service  string
	verifier *Verifier
}

// NewAccessController returns an access controller checking bearer tokens
// with verifier. An empty realm is derived from each request.
func NewAccessController(realm, service string, verifier *Verifier) auth.AccessController {
	return &accessController{
		realm:    realm,
		service:  service,
		verifier: verifier,
	}
}

// Authorized handles checking whether the given request is authorized
// for actions on resources described by the given access items.
func (ac *accessController) Authorized(req *http.Request, accessItems ...auth.Access) (*auth.Grant, error) {
	challenge := authChallenge{
		realm:     ac.realm,
		service:   ac.service,
		accessSet: newAccessSet(accessItems...),
	}

	raw, err := bearerToken(req)
	if err != nil {
		challenge.err = err
		return nil, challenge
	}

	claims, err := ac.verifier.Verify(req.Context(), raw)
	if err != nil {
		challenge.err = err
		return nil, challenge
	}

	granted := claims.accessSet()
	for _, access := range accessItems {
		if !granted.contains(access) {
			dcontext.GetLogger(req.Context()).Debugf("token for %q lacks %s", claims.Subject, access)
			challenge.err = errInsufficientScope
			return nil, challenge
		}
	}

	return &auth.Grant{
		User:      auth.UserInfo{Name: claims.Subject},
		Resources: claims.resources(),
		Access:    claims.Grants(),
	}, nil
}

// bearerToken returns the token of an Authorization header of exactly the
// form "Bearer <token>".
func bearerToken(req *http.Request) (string, error) {
	header := req.Header.Get("Authorization")
	if header == "" {
		return "", errTokenRequired
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", ErrMalformedToken
	}
	return raw, nil
}
