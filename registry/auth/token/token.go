package token

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v3/jwt"

	"github.com/dockyard/registry/registry/auth"
)

const (
	// TokenSeparator is the value which separates the header, claims, and
	// signature in the compact serialization of a JSON Web Token.
	TokenSeparator = "."
)

// Errors used by token parsing and verification.
var (
	ErrMalformedToken = errors.New("malformed token")
	ErrInvalidToken   = errors.New("invalid token")
)

// ResourceActions stores allowed actions on a named and typed resource.
type ResourceActions struct {
	Type    string   `json:"type"`
	Class   string   `json:"class,omitempty"`
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// ClaimSet describes the main section of a JSON Web Token.
type ClaimSet struct {
	// Public claims
	Issuer     string       `json:"iss"`
	Subject    string       `json:"sub"`
	Audience   AudienceList `json:"aud"`
	Expiration int64        `json:"exp"`
	NotBefore  int64        `json:"nbf"`
	IssuedAt   int64        `json:"iat"`
	JWTID      string       `json:"jti"`

	// Private claims
	Access  []*ResourceActions `json:"access"`
	Context map[string]any     `json:"context,omitempty"`
}

// Token is a JSON Web Token.
type Token struct {
	Raw string
	JWT *jwt.JSONWebToken
}

// NewToken parses the given raw token string
// and constructs an unverified JSON Web Token.
func NewToken(rawToken string) (*Token, error) {
	parts := strings.Split(rawToken, TokenSeparator)
	if len(parts) != 3 || strings.ContainsAny(rawToken, " \t\r\n") {
		return nil, ErrMalformedToken
	}

	token, err := jwt.ParseSigned(rawToken)
	if err != nil {
		return nil, ErrMalformedToken
	}
	if len(token.Headers) != 1 {
		return nil, ErrMalformedToken
	}

	return &Token{
		Raw: rawToken,
		JWT: token,
	}, nil
}

// validateAccess checks that every access entry names a resource and
// carries actions.
func (c *ClaimSet) validateAccess() error {
	for i, ra := range c.Access {
		if ra == nil || ra.Type == "" || ra.Name == "" || len(ra.Actions) == 0 {
			return fmt.Errorf("access entry %d is incomplete", i)
		}
		for _, action := range ra.Actions {
			if action == "" {
				return fmt.Errorf("access entry %d has an empty action", i)
			}
		}
	}
	return nil
}

// accessSet returns a set of actions available for the resource
// actions listed in the `access` section of this token.
func (c *ClaimSet) accessSet() accessSet {
	accessSet := make(accessSet, len(c.Access))

	for _, resourceActions := range c.Access {
		resource := auth.Resource{
			Type:  resourceActions.Type,
			Class: resourceActions.Class,
			Name:  resourceActions.Name,
		}

		set, exists := accessSet[resource]
		if !exists {
			set = newActionSet()
			accessSet[resource] = set
		}

		for _, action := range resourceActions.Actions {
			set.add(action)
		}
	}

	return accessSet
}

func (c *ClaimSet) resources() []auth.Resource {
	resourceSet := map[auth.Resource]struct{}{}

	for _, resourceActions := range c.Access {
		resource := auth.Resource{
			Type:  resourceActions.Type,
			Class: resourceActions.Class,
			Name:  resourceActions.Name,
		}
		resourceSet[resource] = struct{}{}
	}

	resources := make([]auth.Resource, 0, len(resourceSet))
	for resource := range resourceSet {
		resources = append(resources, resource)
	}

	return resources
}

// Grants returns the access the claims carry, one entry per action.
func (c *ClaimSet) Grants() []auth.Access {
	var grants []auth.Access
	for _, ra := range c.Access {
		resource := auth.Resource{Type: ra.Type, Class: ra.Class, Name: ra.Name}
		for _, action := range ra.Actions {
			grants = append(grants, auth.Access{Resource: resource, Action: action})
		}
	}
	return grants
}
