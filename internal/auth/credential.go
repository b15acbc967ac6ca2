// Package auth implements the dual-credential Bearer gateway for the
// MCP server. Signed tokens from the identity provider and opaque API
// keys share one Authorization header; the reserved key prefix decides
// which verifier handles a credential.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

const (
	// APIKeyPrefix marks opaque API keys. Signed tokens issued by the
	// identity provider never start with it.
	APIKeyPrefix = "gdelt_sk_"

	apiKeyHexLen = 64

	// APIKeyLen is the exact length of a well-formed API key.
	APIKeyLen = len(APIKeyPrefix) + apiKeyHexLen
)

// CredentialKind tags which verifier a credential belongs to.
type CredentialKind int

const (
	KindSignedToken CredentialKind = iota
	KindOpaqueKey
)

func (k CredentialKind) String() string {
	if k == KindOpaqueKey {
		return "api_key"
	}

	return "oauth"
}

// Credential is a classified Bearer value. The raw value is only
// reachable from inside this package.
type Credential struct {
	kind CredentialKind
	raw  string
}

// Classify tags a raw Bearer value. It is total: every input is either
// an opaque key or a signed-token candidate, and malformed input goes
// to the signed-token path where verification rejects it.
func Classify(raw string) Credential {
	if IsOpaqueKey(raw) {
		return Credential{kind: KindOpaqueKey, raw: raw}
	}

	return Credential{kind: KindSignedToken, raw: raw}
}

// Kind returns the credential's tag.
func (c Credential) Kind() CredentialKind {
	return c.kind
}

// String never prints the secret.
func (c Credential) String() string {
	return c.kind.String() + " credential"
}

// IsOpaqueKey reports whether s has the exact API key shape: the
// reserved prefix followed by 64 lowercase hex characters.
func IsOpaqueKey(s string) bool {
	if len(s) != APIKeyLen || s[:len(APIKeyPrefix)] != APIKeyPrefix {
		return false
	}

	for i := len(APIKeyPrefix); i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}

// RandomHex returns n random bytes encoded as hex.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// MintAPIKey generates a new API key. The caller must show it to the
// owner once and persist only HashKey(key).
func MintAPIKey() (string, error) {
	suffix, err := RandomHex(apiKeyHexLen / 2)
	if err != nil {
		return "", err
	}

	return APIKeyPrefix + suffix, nil
}

// HashKey returns the SHA-256 hex digest used as the identity store key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// DisplayPrefix returns the non-secret leading part of an API key.
func DisplayPrefix(key string) string {
	const visible = len(APIKeyPrefix) + 4

	if len(key) <= visible {
		return key
	}

	return key[:visible]
}
