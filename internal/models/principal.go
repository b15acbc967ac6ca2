// Package models defines types shared across internal packages.
package models

import "time"

// AuthMethod names the verification path that produced a Principal.
type AuthMethod string

const (
	MethodOAuth  AuthMethod = "oauth"
	MethodAPIKey AuthMethod = "api_key"
)

// Principal is the verified identity of one request. It is built only
// after a credential passes verification and is never cached across
// requests.
type Principal struct {
	Subject string     `json:"subject"`
	Method  AuthMethod `json:"method"`

	// KeyID is the stored API key ID for api_key principals.
	KeyID string `json:"key_id,omitempty"`
	// KeyPrefix is the non-secret display prefix of the API key.
	KeyPrefix string `json:"key_prefix,omitempty"`
	// Tier is the plan tier recorded against the API key.
	Tier string `json:"tier,omitempty"`

	// TokenID is the jti claim of a signed token, when present.
	TokenID string `json:"token_id,omitempty"`
	// ExpiresAt is the token or key expiry. Zero means no expiry.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Source tags a request's origin for usage accounting.
type Source string

const (
	SourceApp Source = "app"
	SourceAPI Source = "api"
	SourceMCP Source = "mcp"
)

// Sources lists every valid Source in a stable order.
var Sources = []Source{SourceApp, SourceAPI, SourceMCP}

// Valid reports whether s is one of the enumerated sources.
func (s Source) Valid() bool {
	switch s {
	case SourceApp, SourceAPI, SourceMCP:
		return true
	default:
		return false
	}
}
