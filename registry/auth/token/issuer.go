package token

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/samber/lo"

	"github.com/dockyard/registry/internal/uuid"
	prometheus "github.com/dockyard/registry/metrics"
	"github.com/dockyard/registry/registry/auth"
)

// IssuerOptions configures an Issuer.
type IssuerOptions struct {
	Issuer     string
	Service    string
	KID        string
	PrivateKey *rsa.PrivateKey
	Expiration time.Duration
}

// Issuer signs registry tokens with the instance key.
type Issuer struct {
	opts   IssuerOptions
	signer jose.Signer
	now    func() time.Time
}

// Response is the body of a token endpoint answer.
type Response struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// NewIssuer returns an RS256 issuer for opts.
func NewIssuer(opts IssuerOptions) (*Issuer, error) {
	if opts.KID == "" || opts.PrivateKey == nil {
		return nil, fmt.Errorf("token issuer requires a kid and a private key")
	}
	signingKey := jose.SigningKey{
		Algorithm: jose.RS256,
		Key: jose.JSONWebKey{
			Key:   opts.PrivateKey,
			KeyID: opts.KID,
		},
	}
	signerOpts := jose.SignerOptions{}
	signerOpts.WithType("JWT")

	signer, err := jose.NewSigner(signingKey, &signerOpts)
	if err != nil {
		return nil, fmt.Errorf("unable to create a signer: %w", err)
	}
	return &Issuer{opts: opts, signer: signer, now: time.Now}, nil
}

// Issue signs a token for subject granting access. The context claim is
// omitted when empty.
func (iss *Issuer) Issue(subject string, access []auth.Access, context map[string]any) (Response, error) {
	now := iss.now().Truncate(time.Second)
	exp := now.Add(iss.opts.Expiration)

	claims := ClaimSet{
		Issuer:     iss.opts.Issuer,
		Subject:    subject,
		Audience:   AudienceList{iss.opts.Service},
		Expiration: exp.Unix(),
		NotBefore:  now.Unix(),
		IssuedAt:   now.Unix(),
		JWTID:      uuid.NewString(),
		Access:     resourceActions(access),
		Context:    context,
	}

	raw, err := jwt.Signed(iss.signer).Claims(claims).CompactSerialize()
	if err != nil {
		return Response{}, fmt.Errorf("unable to build token string: %w", err)
	}

	prometheus.TokensIssued.Inc(1)
	return Response{
		Token:       raw,
		AccessToken: raw,
		ExpiresIn:   int(iss.opts.Expiration / time.Second),
		IssuedAt:    now.UTC().Format(time.RFC3339),
	}, nil
}

// resourceActions groups access by resource in first appearance order.
func resourceActions(access []auth.Access) []*ResourceActions {
	out := []*ResourceActions{}
	byResource := map[auth.Resource]*ResourceActions{}
	for _, a := range access {
		ra, ok := byResource[a.Resource]
		if !ok {
			ra = &ResourceActions{Type: a.Type, Class: a.Class, Name: a.Name}
			byResource[a.Resource] = ra
			out = append(out, ra)
		}
		ra.Actions = append(ra.Actions, a.Action)
	}
	for _, ra := range out {
		ra.Actions = lo.Uniq(ra.Actions)
	}
	return out
}
