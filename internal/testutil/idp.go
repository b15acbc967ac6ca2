// Package testutil provides a fake identity provider for tests. It
// serves a JWKS document at /auth/v1/jwks and signs tokens with the
// keys it publishes.
package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// Audience is the audience the provider stamps on tokens by default.
const Audience = "authenticated"

// IdP is a fake identity provider.
type IdP struct {
	t      *testing.T
	Server *httptest.Server

	mu   sync.Mutex
	keys map[string]crypto.Signer
	// gate, when set, blocks JWKS responses until closed.
	gate chan struct{}

	fetches atomic.Int32
	status  atomic.Int32
}

// NewIdP starts a provider with no keys. It is closed on test cleanup.
func NewIdP(t *testing.T) *IdP {
	t.Helper()

	p := &IdP{t: t, keys: make(map[string]crypto.Signer)}
	p.status.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/jwks", p.serveJWKS)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)

	return p
}

// URL is the provider base URL (the SUPABASE_URL equivalent).
func (p *IdP) URL() string { return p.Server.URL }

// JWKSURL is the key endpoint.
func (p *IdP) JWKSURL() string { return p.Server.URL + "/auth/v1/jwks" }

// Issuer is the iss claim the provider stamps on tokens.
func (p *IdP) Issuer() string { return p.Server.URL + "/auth/v1" }

// Fetches returns how many JWKS requests the provider has served.
func (p *IdP) Fetches() int { return int(p.fetches.Load()) }

// FailWith makes the JWKS endpoint answer with status. Pass
// http.StatusOK to recover.
func (p *IdP) FailWith(status int) { p.status.Store(int32(status)) }

// Hold blocks JWKS responses until the returned func is called.
func (p *IdP) Hold() (release func()) {
	gate := make(chan struct{})

	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()

	var once sync.Once

	release = func() {
		once.Do(func() {
			p.mu.Lock()
			p.gate = nil
			p.mu.Unlock()
			close(gate)
		})
	}

	// Blocked handlers would stall Server.Close.
	p.t.Cleanup(release)

	return release
}

// AddRSAKey publishes a new RSA signing key under kid.
func (p *IdP) AddRSAKey(kid string) *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(p.t, err)
	p.setKey(kid, k)

	return k
}

// AddECKey publishes a new P-256 signing key under kid.
func (p *IdP) AddECKey(kid string) *ecdsa.PrivateKey {
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(p.t, err)
	p.setKey(kid, k)

	return k
}

// AddEd25519Key publishes a new Ed25519 signing key under kid.
func (p *IdP) AddEd25519Key(kid string) ed25519.PrivateKey {
	_, k, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(p.t, err)
	p.setKey(kid, k)

	return k
}

// RemoveKey stops publishing kid.
func (p *IdP) RemoveKey(kid string) {
	p.mu.Lock()
	delete(p.keys, kid)
	p.mu.Unlock()
}

func (p *IdP) setKey(kid string, k crypto.Signer) {
	p.mu.Lock()
	p.keys[kid] = k
	p.mu.Unlock()
}

// Claims returns valid claims for sub expiring after ttl.
func (p *IdP) Claims(sub string, ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now()

	return jwt.RegisteredClaims{
		Issuer:    p.Issuer(),
		Subject:   sub,
		Audience:  jwt.ClaimStrings{Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        "jti-" + sub,
	}
}

// Sign signs claims with the key published (or once published) under
// kid, choosing the algorithm from the key type.
func (p *IdP) Sign(kid string, claims jwt.Claims) string {
	p.mu.Lock()
	k, ok := p.keys[kid]
	p.mu.Unlock()
	require.True(p.t, ok, "unknown kid %q", kid)

	return SignWith(p.t, kid, k, claims)
}

// SignWith signs claims with an arbitrary key, for tokens the provider
// never published.
func SignWith(t *testing.T, kid string, key crypto.Signer, claims jwt.Claims) string {
	t.Helper()

	var method jwt.SigningMethod

	switch key.(type) {
	case *rsa.PrivateKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PrivateKey:
		method = jwt.SigningMethodES256
	case ed25519.PrivateKey:
		method = jwt.SigningMethodEdDSA
	default:
		t.Fatalf("unsupported key type %T", key)
	}

	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}

	s, err := tok.SignedString(key)
	require.NoError(t, err)

	return s
}

func (p *IdP) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	p.fetches.Add(1)

	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}

	if status := int(p.status.Load()); status != http.StatusOK {
		http.Error(w, "unavailable", status)
		return
	}

	p.mu.Lock()

	keys := make([]map[string]string, 0, len(p.keys))
	for kid, k := range p.keys {
		keys = append(keys, jwkFor(kid, k.Public()))
	}

	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
}

func jwkFor(kid string, pub crypto.PublicKey) map[string]string {
	enc := base64.RawURLEncoding.EncodeToString

	switch k := pub.(type) {
	case *rsa.PublicKey:
		return map[string]string{
			"kid": kid, "kty": "RSA", "use": "sig", "alg": "RS256",
			"n": enc(k.N.Bytes()),
			"e": enc(big.NewInt(int64(k.E)).Bytes()),
		}
	case *ecdsa.PublicKey:
		size := (k.Curve.Params().BitSize + 7) / 8

		return map[string]string{
			"kid": kid, "kty": "EC", "use": "sig", "alg": "ES256", "crv": "P-256",
			"x": enc(k.X.FillBytes(make([]byte, size))),
			"y": enc(k.Y.FillBytes(make([]byte, size))),
		}
	case ed25519.PublicKey:
		return map[string]string{
			"kid": kid, "kty": "OKP", "use": "sig", "alg": "EdDSA", "crv": "Ed25519",
			"x": enc(k),
		}
	default:
		return map[string]string{"kid": kid, "kty": "unknown"}
	}
}
