package token

import (
	"context"
	"fmt"
	"time"

	"github.com/dockyard/registry/internal/dcontext"
	prometheus "github.com/dockyard/registry/metrics"
)

// VerifyOptions is used to specify
// options when verifying a JSON Web Token.
type VerifyOptions struct {
	Issuer           string
	Service          string
	MaxSignedSeconds int64
	Keys             *KeyCache
}

// Verifier checks tokens against the keys of a KeyCache.
type Verifier struct {
	opts VerifyOptions
	now  func() time.Time
}

// NewVerifier returns a verifier for opts.
func NewVerifier(opts VerifyOptions) *Verifier {
	return &Verifier{opts: opts, now: time.Now}
}

// Verify parses and checks a compact serialized token. Checks run in this
// order: key id known, approved and unexpired; algorithm equal to the
// key's; signature; issuer, audience and time claims; subject; access
// entries. Any failure is reported as the cause of ErrInvalidToken.
func (v *Verifier) Verify(ctx context.Context, raw string) (*ClaimSet, error) {
	claims, err := v.verify(ctx, raw)
	if err != nil {
		prometheus.TokenVerifications.WithValues("invalid").Inc()
		dcontext.GetLogger(ctx).WithError(err).Info("token verification failed")
		return nil, err
	}
	prometheus.TokenVerifications.WithValues("valid").Inc()
	return claims, nil
}

func (v *Verifier) verify(ctx context.Context, raw string) (*ClaimSet, error) {
	token, err := NewToken(raw)
	if err != nil {
		return nil, err
	}

	header := token.JWT.Headers[0]
	if header.KeyID == "" {
		return nil, invalid("token header has no kid")
	}
	key, err := v.opts.Keys.Get(ctx, header.KeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: kid %q: %w", ErrInvalidToken, header.KeyID, err)
	}

	if header.Algorithm != key.Algorithm {
		return nil, invalid("algorithm %q does not match key algorithm %q", header.Algorithm, key.Algorithm)
	}

	var claims ClaimSet
	if err := token.JWT.Claims(key.Public, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Issuer != v.opts.Issuer {
		return nil, invalid("token from untrusted issuer %q", claims.Issuer)
	}
	if !claims.Audience.Contains(v.opts.Service) {
		return nil, invalid("token intended for another audience %v", claims.Audience)
	}

	now := v.now().Unix()
	switch {
	case claims.Expiration <= now:
		return nil, invalid("token expired at %s", time.Unix(claims.Expiration, 0).UTC())
	case claims.NotBefore > now:
		return nil, invalid("token not valid before %s", time.Unix(claims.NotBefore, 0).UTC())
	case claims.IssuedAt > now:
		return nil, invalid("token issued in the future")
	case claims.Expiration-claims.IssuedAt > v.opts.MaxSignedSeconds:
		return nil, invalid("token lifetime %ds exceeds %ds", claims.Expiration-claims.IssuedAt, v.opts.MaxSignedSeconds)
	}

	if claims.Subject == "" {
		return nil, invalid("token has no subject")
	}
	if err := claims.validateAccess(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return &claims, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidToken, fmt.Sprintf(format, args...))
}
