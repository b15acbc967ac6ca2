package auth

import (
	"context"
	"fmt"
	"time"

	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/models"
)

//go:generate mockgen -destination=mock_keystore_test.go -package=auth . KeyStore,UseRecorder

// KeyStore looks up persisted API keys by the SHA-256 hex of the raw
// key. A missing key returns (nil, nil).
type KeyStore interface {
	LookupAPIKey(keyHash string) (*models.APIKey, error)
}

// UseRecorder accepts last-used updates. RecordUse must not block.
type UseRecorder interface {
	RecordUse(keyHash string, at time.Time)
}

// APIKeyVerifier validates opaque API keys against the identity store.
type APIKeyVerifier struct {
	store       KeyStore
	recorder    UseRecorder
	tierAllowed func(tier string) bool
	now         func() time.Time
}

// NewAPIKeyVerifier creates a verifier. tierAllowed decides which plan
// tiers carry API access.
func NewAPIKeyVerifier(store KeyStore, recorder UseRecorder, tierAllowed func(string) bool) *APIKeyVerifier {
	return &APIKeyVerifier{
		store:       store,
		recorder:    recorder,
		tierAllowed: tierAllowed,
		now:         time.Now,
	}
}

// Verify looks up the key by digest and checks revocation, expiry and
// tier. On success exactly one last-used update is handed to the
// recorder.
func (v *APIKeyVerifier) Verify(_ context.Context, raw string) (*models.Principal, error) {
	if !IsOpaqueKey(raw) {
		return nil, fmt.Errorf("%w: %w", errs.ErrUnauthorized, errs.ErrMalformedCredential)
	}

	hash := HashKey(raw)
	prefix := DisplayPrefix(raw)

	ak, err := v.store.LookupAPIKey(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: identity store: %w", errs.ErrVerifierUnavailable, err)
	}

	now := v.now()

	switch {
	case ak == nil:
		return nil, fmt.Errorf("%w: api key %s not found", errs.ErrUnauthorized, prefix)
	case ak.Revoked:
		return nil, fmt.Errorf("%w: api key %s revoked", errs.ErrUnauthorized, prefix)
	case ak.Expired(now):
		return nil, fmt.Errorf("%w: api key %s expired", errs.ErrUnauthorized, prefix)
	case !v.tierAllowed(ak.Tier):
		return nil, fmt.Errorf("%w: tier %q has no API access", errs.ErrUnauthorized, ak.Tier)
	case ak.Subject == "":
		return nil, fmt.Errorf("%w: api key %s has no owner", errs.ErrUnauthorized, prefix)
	}

	v.recorder.RecordUse(hash, now)

	return &models.Principal{
		Subject:   ak.Subject,
		Method:    models.MethodAPIKey,
		KeyID:     ak.ID,
		KeyPrefix: ak.Prefix,
		Tier:      ak.Tier,
		ExpiresAt: ak.ExpiresAt,
	}, nil
}
