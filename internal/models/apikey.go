package models

import "time"

// APIKey is the persisted record of an opaque key. The raw key is
// never stored; records are keyed by the SHA-256 digest of the key.
type APIKey struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Name      string    `json:"name,omitempty"`
	Prefix    string    `json:"prefix"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Revoked   bool      `json:"revoked"`
	RevokedAt time.Time `json:"revoked_at,omitempty"`
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// UsageRecord is one accounting row written per completed query.
type UsageRecord struct {
	ID        string        `json:"id"`
	RequestID string        `json:"request_id"`
	Subject   string        `json:"subject"`
	Method    AuthMethod    `json:"method"`
	Source    Source        `json:"source"`
	Outcome   string        `json:"outcome"`
	RowCount  int           `json:"row_count"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Usage outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeClientError = "client_error"
	OutcomeServerError = "server_error"
)
