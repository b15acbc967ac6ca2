package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// signingMethods are the asymmetric algorithms accepted from the
// identity provider. Symmetric methods are never accepted.
var signingMethods = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// KeyResolver returns the verification key for a key ID.
type KeyResolver interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// tokenClaims are the claims read from identity provider tokens.
type tokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// SignedTokenVerifier validates identity provider JWTs.
type SignedTokenVerifier struct {
	keys     KeyResolver
	issuer   string
	audience string
	now      func() time.Time
}

// NewSignedTokenVerifier creates a verifier that accepts tokens signed
// by a key from keys, issued by issuer, for audience.
func NewSignedTokenVerifier(keys KeyResolver, issuer, audience string) *SignedTokenVerifier {
	return &SignedTokenVerifier{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// Verify checks signature, issuer, audience and expiry with no leeway.
// Every credential failure wraps ErrUnauthorized; failures to obtain
// the key set wrap ErrVerifierUnavailable.
func (v *SignedTokenVerifier) Verify(ctx context.Context, raw string) (*models.Principal, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(signingMethods),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)

	claims := &tokenClaims{}

	token, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: token header missing kid", errs.ErrUnauthorized)
		}

		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, errs.ErrVerifierUnavailable) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w", errs.ErrUnauthorized, err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("%w: token not valid", errs.ErrUnauthorized)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", errs.ErrUnauthorized)
	}

	p := &models.Principal{
		Subject: claims.Subject,
		Method:  models.MethodOAuth,
		TokenID: claims.ID,
	}

	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}

	return p, nil
}
