package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	// maxKeySetBytes caps the key endpoint response body.
	maxKeySetBytes = 1 << 20

	defaultKeySetTTL    = time.Hour
	defaultFetchTimeout = 5 * time.Second

	refreshFlightKey = "jwks"
)

// KeySetOptions configures a KeySetCache.
type KeySetOptions struct {
	URL        string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	// TTL is how long a fetched key set is used before a lookup
	// triggers a refresh.
	TTL time.Duration

	// MinRefreshInterval suppresses refetches for unknown key IDs when
	// the current set is younger than this. A suppressed lookup is
	// reported as unavailable so the caller can retry once the window
	// passes. Zero refetches on every miss.
	MinRefreshInterval time.Duration

	// FetchTimeout bounds one fetch. The fetch is shared by every caller
	// waiting on it, so it runs detached from any single request.
	FetchTimeout time.Duration
}

// keySet is an immutable snapshot of the provider's verification keys.
type keySet struct {
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// KeySetCache holds the identity provider's keys. Readers load the
// current snapshot without locking; refreshes build a new snapshot and
// swap it in whole. Concurrent refreshes coalesce into one fetch.
type KeySetCache struct {
	url          string
	client       *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
	ttl          time.Duration
	minRefresh   time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	current atomic.Pointer[keySet]
	group   singleflight.Group
}

// NewKeySetCache creates an empty cache. The first lookup fetches.
func NewKeySetCache(opts KeySetOptions) *KeySetCache {
	c := &KeySetCache{
		url:          opts.URL,
		client:       opts.HTTPClient,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		ttl:          opts.TTL,
		minRefresh:   opts.MinRefreshInterval,
		fetchTimeout: opts.FetchTimeout,
		now:          time.Now,
	}

	if c.client == nil {
		c.client = &http.Client{Timeout: defaultFetchTimeout}
	}

	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if c.ttl <= 0 {
		c.ttl = defaultKeySetTTL
	}

	if c.fetchTimeout <= 0 {
		c.fetchTimeout = defaultFetchTimeout
	}

	return c
}

// Key returns the verification key for kid. An unknown kid triggers at
// most one refetch; if the key is still missing the result wraps
// ErrUnauthorized. Fetch failures, and misses inside the minimum refresh
// interval, wrap ErrVerifierUnavailable unless a stale snapshot still
// holds the key.
func (c *KeySetCache) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	snap := c.current.Load()
	if snap != nil && !c.expired(snap) {
		if k, ok := snap.keys[kid]; ok {
			return k, nil
		}

		if c.minRefresh > 0 && c.now().Sub(snap.fetchedAt) < c.minRefresh {
			return nil, fmt.Errorf("%w: unknown key id %q, key set refreshed %s ago",
				errs.ErrVerifierUnavailable, kid, c.now().Sub(snap.fetchedAt).Round(time.Millisecond))
		}
	}

	fresh, err := c.refresh(ctx, snap)
	if err != nil {
		if snap != nil {
			if k, ok := snap.keys[kid]; ok {
				c.logger.Warn("jwks: refresh failed, using stale key",
					slog.String("kid", kid),
					slog.String("error", err.Error()),
				)

				return k, nil
			}
		}

		return nil, err
	}

	if k, ok := fresh.keys[kid]; ok {
		return k, nil
	}

	return nil, fmt.Errorf("%w: unknown key id %q", errs.ErrUnauthorized, kid)
}

func (c *KeySetCache) expired(ks *keySet) bool {
	return c.now().Sub(ks.fetchedAt) >= c.ttl
}

// refresh replaces the snapshot the caller saw. If another caller has
// already swapped in a newer snapshot, that one is returned without a
// fetch. The caller stops waiting when ctx ends; the shared fetch runs
// on under its own timeout for any other waiters.
func (c *KeySetCache) refresh(ctx context.Context, seen *keySet) (*keySet, error) {
	if cur := c.current.Load(); cur != nil && cur != seen {
		return cur, nil
	}

	ch := c.group.DoChan(refreshFlightKey, func() (interface{}, error) {
		if cur := c.current.Load(); cur != nil && cur != seen {
			return cur, nil
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		ks, err := c.fetch(fetchCtx)
		if err != nil {
			c.metrics.KeySetFetch("error")
			return nil, err
		}

		c.metrics.KeySetFetch("ok")
		c.current.Store(ks)

		c.logger.Debug("jwks: key set refreshed", slog.Int("keys", len(ks.keys)))

		return ks, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for key set: %w", errs.ErrVerifierUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*keySet), nil
	}
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (c *KeySetCache) fetch(ctx context.Context) (*keySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building jwks request: %w", errs.ErrVerifierUnavailable, err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching jwks: %w", errs.ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: jwks endpoint returned HTTP %d", errs.ErrVerifierUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading jwks: %w", errs.ErrVerifierUnavailable, err)
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding jwks: %w", errs.ErrVerifierUnavailable, err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))

	for _, k := range doc.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}

		pub, err := k.publicKey()
		if err != nil {
			c.logger.Debug("jwks: skipping key",
				slog.String("kid", k.Kid),
				slog.String("error", err.Error()),
			)

			continue
		}

		keys[k.Kid] = pub
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: jwks contains no usable signing keys", errs.ErrVerifierUnavailable)
	}

	return &keySet{keys: keys, fetchedAt: c.now()}, nil
}

func (k jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		return parseRSAKey(k.N, k.E)
	case "EC":
		return parseECKey(k.Crv, k.X, k.Y)
	case "OKP":
		return parseOKPKey(k.Crv, k.X)
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decoding RSA modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decoding RSA exponent: %w", err)
	}

	exp := new(big.Int).SetBytes(eBytes)
	if len(nBytes) == 0 || !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("invalid RSA parameters")
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(exp.Int64())}, nil
}

func parseECKey(crv, x, y string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve

	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported EC curve %q", crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(x)
	if err != nil {
		return nil, fmt.Errorf("decoding EC x: %w", err)
	}

	yBytes, err := base64.RawURLEncoding.DecodeString(y)
	if err != nil {
		return nil, fmt.Errorf("decoding EC y: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

func parseOKPKey(crv, x string) (ed25519.PublicKey, error) {
	if crv != "Ed25519" {
		return nil, fmt.Errorf("unsupported OKP curve %q", crv)
	}

	raw, err := base64.RawURLEncoding.DecodeString(x)
	if err != nil {
		return nil, fmt.Errorf("decoding OKP x: %w", err)
	}

	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 key has %d bytes", len(raw))
	}

	return ed25519.PublicKey(raw), nil
}
