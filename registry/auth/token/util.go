package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/dockyard/registry/registry/auth"
)

// accessSet maps a typed, named resource to
// a set of actions requested or authorized.
type accessSet map[auth.Resource]actionSet

// newAccessSet constructs an accessSet from
// a variable number of auth.Access items.
func newAccessSet(accessItems ...auth.Access) accessSet {
	accessSet := make(accessSet, len(accessItems))

	for _, access := range accessItems {
		resource := auth.Resource{
			Type:  access.Type,
			Class: access.Class,
			Name:  access.Name,
		}

		set, exists := accessSet[resource]
		if !exists {
			set = newActionSet()
			accessSet[resource] = set
		}

		set.add(access.Action)
	}

	return accessSet
}

// contains returns whether or not the given access is in this accessSet.
func (s accessSet) contains(access auth.Access) bool {
	actionSet, ok := s[access.Resource]
	if ok {
		return actionSet.contains(access.Action)
	}

	return false
}

// scopeParam returns a collection of scopes which can
// be used for a WWW-Authenticate challenge parameter.
// See https://tools.ietf.org/html/rfc6750#section-3
func (s accessSet) scopeParam() string {
	scopes := make([]string, 0, len(s))

	for resource, actionSet := range s {
		scopes = append(scopes, auth.ScopeString(resource, actionSet.keys()))
	}

	sort.Strings(scopes)
	return strings.Join(scopes, " ")
}

// actionSet is a set of action names.
type actionSet map[string]struct{}

func newActionSet(actions ...string) actionSet {
	s := make(actionSet, len(actions))
	for _, a := range actions {
		s.add(a)
	}
	return s
}

func (s actionSet) add(action string) {
	s[action] = struct{}{}
}

// contains reports whether action is granted, directly or through the
// wildcard.
func (s actionSet) contains(action string) bool {
	if _, ok := s[auth.ActionAll]; ok {
		return true
	}
	_, ok := s[action]
	return ok
}

func (s actionSet) keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NOTE: RFC7638 does not prescribe which hashing function to use, but suggests
// sha256 as a sane default as of time of writing
func hashAndEncode(payload string) string {
	shasum := sha256.Sum256([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(shasum[:])
}

// GetRFC7638Thumbprint returns the JWK thumbprint of a public key. It is
// the default key id of generated service keys.
//
// RFC7638 states in section 3 sub 1 that the keys in the JSON object payload
// are required to be ordered lexicographical order. The payloads are small
// enough to create the JSON strings manually.
func GetRFC7638Thumbprint(publickey crypto.PublicKey) string {
	var payload string

	switch pubkey := publickey.(type) {
	case *rsa.PublicKey:
		eBig := big.NewInt(int64(pubkey.E)).Bytes()

		e := base64.RawURLEncoding.EncodeToString(eBig)
		n := base64.RawURLEncoding.EncodeToString(pubkey.N.Bytes())

		payload = fmt.Sprintf(`{"e":"%s","kty":"RSA","n":"%s"}`, e, n)
	case *ecdsa.PublicKey:
		params := pubkey.Params()
		crv := params.Name
		x := base64.RawURLEncoding.EncodeToString(pubkey.X.Bytes())
		y := base64.RawURLEncoding.EncodeToString(pubkey.Y.Bytes())

		payload = fmt.Sprintf(`{"crv":"%s","kty":"EC","x":"%s","y":"%s"}`, crv, x, y)
	default:
		return ""
	}

	return hashAndEncode(payload)
}
