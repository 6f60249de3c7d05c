package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/registry/api/errcode"
	"github.com/dockyard/registry/registry/auth"
)

// Server answers token requests at /v2/auth.
type Server struct {
	service       string
	issuer        *Issuer
	verifier      *Verifier
	authenticator auth.Authenticator
	authorizer    auth.Authorizer
}

// NewServer returns a token endpoint. authenticator may be nil, in which
// case only anonymous and refresh requests succeed.
func NewServer(service string, issuer *Issuer, verifier *Verifier, authenticator auth.Authenticator, authorizer auth.Authorizer) *Server {
	return &Server{
		service:       service,
		issuer:        issuer,
		verifier:      verifier,
		authenticator: authenticator,
		authorizer:    authorizer,
	}
}

// ServeHTTP issues a token for the entitled part of the requested scopes.
// Principals present Basic credentials or a registry token to refresh.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	if service := query.Get("service"); service != "" && service != s.service {
		s.fail(w, r, errcode.ErrorCodeDenied.WithMessage(fmt.Sprintf("unknown service %q", service)))
		return
	}

	requested, err := auth.ParseScopes(query["scope"])
	if err != nil {
		s.fail(w, r, errcode.ErrorCodeUnsupported.WithMessage(err.Error()).WithStatus(http.StatusBadRequest))
		return
	}

	user, err := s.principal(r, len(requested) > 0)
	if err != nil {
		dcontext.GetLogger(ctx).WithError(err).Info("token request refused")
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", s.service))
		s.fail(w, r, errcode.ErrorCodeUnauthorized.WithDetail(err.Error()))
		return
	}
	ctx = auth.WithUser(ctx, user)

	granted, err := auth.Entitled(ctx, s.authorizer, user, requested)
	if err != nil {
		dcontext.GetLogger(ctx).WithError(err).Error("authorizing token request")
		s.fail(w, r, errcode.NewInternalError(dcontext.GetRequestID(ctx), err))
		return
	}

	resp, err := s.issuer.Issue(user.Name, granted, nil)
	if err != nil {
		dcontext.GetLogger(ctx).WithError(err).Error("issuing token")
		s.fail(w, r, errcode.NewInternalError(dcontext.GetRequestID(ctx), err))
		return
	}

	dcontext.GetLoggerWithFields(ctx, map[any]any{
		"auth.user.name": user.Name,
		"scope":          strings.Join(auth.Scopes(granted), " "),
	}).Info("issued token")

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		dcontext.GetLogger(ctx).WithError(err).Error("writing token response")
	}
}

// principal authenticates the request. Requests without credentials are
// anonymous when they ask for some scope.
func (s *Server) principal(r *http.Request, scoped bool) (auth.UserInfo, error) {
	header := r.Header.Get("Authorization")
	switch {
	case header == "":
		if !scoped {
			return auth.UserInfo{}, errTokenRequired
		}
		return auth.UserInfo{Name: auth.AnonymousUser}, nil

	case strings.HasPrefix(header, "Bearer "):
		claims, err := s.verifier.Verify(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			return auth.UserInfo{}, err
		}
		return auth.UserInfo{Name: claims.Subject}, nil
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		return auth.UserInfo{}, auth.ErrInvalidCredential
	}
	if s.authenticator == nil {
		return auth.UserInfo{}, auth.ErrAuthenticationFailure
	}
	user, err := s.authenticator.Authenticate(r.Context(), username, password)
	if err != nil {
		if !errors.Is(err, auth.ErrAuthenticationFailure) {
			dcontext.GetLogger(r.Context()).WithError(err).Warn("identity source failed")
		}
		return auth.UserInfo{}, auth.ErrAuthenticationFailure
	}
	return user, nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if err := errcode.ServeJSON(w, err); err != nil {
		dcontext.GetLogger(r.Context()).Errorf("error serving error json: %v", err)
	}
}
