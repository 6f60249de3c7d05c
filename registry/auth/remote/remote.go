// Package remote provides an identity source that delegates
// authentication and authorization to an HTTP service.
//
// The service answers two JSON requests:
//
//	POST <endpoint>/authenticate {"username": "...", "password": "..."}
//	  200 {"name": "..."} or 401
//	POST <endpoint>/authorize {"subject": "...", "type": "...", "name": "...", "action": "..."}
//	  200 {"allowed": true|false}
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mitchellh/mapstructure"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/registry/auth"
)

const (
	defaultTimeout = 5 * time.Second
	defaultRetries = 2
)

// Parameters configures the remote identity source.
type Parameters struct {
	Endpoint string        `mapstructure:"endpoint"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Retries  int           `mapstructure:"retries"`
}

// Source calls the remote service.
type Source struct {
	endpoint string
	token    string
	client   *retryablehttp.Client
}

var (
	_ auth.Authenticator = &Source{}
	_ auth.Authorizer    = &Source{}
)

func init() {
	if err := auth.Register("remote", func(options map[string]any) (auth.Authenticator, error) {
		return FromParameters(options)
	}); err != nil {
		panic(err)
	}
}

// FromParameters builds a Source from identity source options.
func FromParameters(options map[string]any) (*Source, error) {
	params := Parameters{Timeout: defaultTimeout, Retries: defaultRetries}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           &params,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(options); err != nil {
		return nil, fmt.Errorf("remote: invalid parameters: %w", err)
	}
	if params.Endpoint == "" {
		return nil, errors.New(`remote: "endpoint" must be set`)
	}
	return New(params), nil
}

// New returns a Source for params.
func New(params Parameters) *Source {
	client := retryablehttp.NewClient()
	client.RetryMax = params.Retries
	client.RetryWaitMin = 50 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = params.Timeout
	client.Logger = dcontext.GetLoggerWithField(dcontext.Background(), "identity", "remote")

	return &Source{
		endpoint: strings.TrimSuffix(params.Endpoint, "/"),
		token:    params.Token,
		client:   client,
	}
}

type authenticateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authenticateResponse struct {
	Name string `json:"name"`
}

type authorizeRequest struct {
	Subject string `json:"subject"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Action  string `json:"action"`
}

type authorizeResponse struct {
	Allowed bool `json:"allowed"`
}

// Authenticate asks the service to check the credentials. The service may
// return a canonical name for the principal.
func (s *Source) Authenticate(ctx context.Context, username, password string) (auth.UserInfo, error) {
	var resp authenticateResponse
	status, err := s.post(ctx, "/authenticate", authenticateRequest{Username: username, Password: password}, &resp)
	if err != nil {
		return auth.UserInfo{}, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return auth.UserInfo{}, auth.ErrAuthenticationFailure
	default:
		return auth.UserInfo{}, fmt.Errorf("remote: authenticate: unexpected status %d", status)
	}

	if resp.Name == "" {
		resp.Name = username
	}
	return auth.UserInfo{Name: resp.Name}, nil
}

// Authorize asks the service whether user may perform access.
func (s *Source) Authorize(ctx context.Context, user auth.UserInfo, access auth.Access) (bool, error) {
	var resp authorizeResponse
	status, err := s.post(ctx, "/authorize", authorizeRequest{
		Subject: user.Name,
		Type:    access.Type,
		Name:    access.Name,
		Action:  access.Action,
	}, &resp)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("remote: authorize: unexpected status %d", status)
	}
	return resp.Allowed, nil
}

func (s *Source) post(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("remote: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, fmt.Errorf("remote: %s: decoding response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
