// Package admin manages API keys. The serving process owns the identity
// store's file lock, so it exposes the same operations on a loopback
// endpoint; the key commands use that endpoint when a server is running
// and open the store directly otherwise.
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alexjbarnes/gdelt-mcp/internal/auth"
	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/models"
	"github.com/google/uuid"
)

//go:generate mockgen -destination=mock_store_test.go -package=admin . KeyStore

// KeyStore is the identity store surface key administration needs.
type KeyStore interface {
	SaveAPIKey(keyHash string, ak models.APIKey) error
	RevokeAPIKey(id string, at time.Time) error
	APIKeyByID(id string) (*models.APIKey, error)
	AllAPIKeys(subject string) ([]models.APIKey, error)
}

// Manager is implemented by both the local Service and the HTTP Client.
type Manager interface {
	CreateKey(ctx context.Context, req CreateRequest) (*CreateResponse, error)
	ListKeys(ctx context.Context, subject string) ([]models.APIKey, error)
	RevokeKey(ctx context.Context, id string) (*models.APIKey, error)
}

// CreateRequest describes a key to mint. ExpiresIn is a Go duration
// string; empty means the key never expires.
type CreateRequest struct {
	Subject   string `json:"subject"`
	Tier      string `json:"tier"`
	Name      string `json:"name,omitempty"`
	ExpiresIn string `json:"expires_in,omitempty"`
}

// CreateResponse carries the raw key. It is the only time the key is
// ever returned.
type CreateResponse struct {
	Key    string        `json:"key"`
	APIKey models.APIKey `json:"api_key"`
}

// Service runs key administration directly against a KeyStore.
type Service struct {
	store KeyStore
	now   func() time.Time
}

// NewService creates a Service over store.
func NewService(store KeyStore) *Service {
	return &Service{store: store, now: time.Now}
}

// CreateKey mints a key for req.Subject and persists its digest.
func (s *Service) CreateKey(_ context.Context, req CreateRequest) (*CreateResponse, error) {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: subject is required", errs.ErrInvalidKeyRequest)
	}

	tier := strings.ToLower(strings.TrimSpace(req.Tier))
	if tier == "" {
		return nil, fmt.Errorf("%w: tier is required", errs.ErrInvalidKeyRequest)
	}

	var ttl time.Duration

	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			return nil, fmt.Errorf("%w: expires_in: %w", errs.ErrInvalidKeyRequest, err)
		}

		if d < 0 {
			return nil, fmt.Errorf("%w: expires_in must not be negative", errs.ErrInvalidKeyRequest)
		}

		ttl = d
	}

	raw, err := auth.MintAPIKey()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ak := models.APIKey{
		ID:        uuid.NewString(),
		Subject:   subject,
		Name:      strings.TrimSpace(req.Name),
		Prefix:    auth.DisplayPrefix(raw),
		Tier:      tier,
		CreatedAt: now,
	}

	if ttl > 0 {
		ak.ExpiresAt = now.Add(ttl)
	}

	if err := s.store.SaveAPIKey(auth.HashKey(raw), ak); err != nil {
		return nil, fmt.Errorf("saving api key: %w", err)
	}

	return &CreateResponse{Key: raw, APIKey: ak}, nil
}

// ListKeys returns keys, optionally only those owned by subject.
func (s *Service) ListKeys(_ context.Context, subject string) ([]models.APIKey, error) {
	keys, err := s.store.AllAPIKeys(strings.TrimSpace(subject))
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}

	return keys, nil
}

// RevokeKey revokes the key with id. Revoking twice keeps the first
// revocation time.
func (s *Service) RevokeKey(_ context.Context, id string) (*models.APIKey, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", errs.ErrInvalidKeyRequest)
	}

	if err := s.store.RevokeAPIKey(id, s.now()); err != nil {
		return nil, fmt.Errorf("revoking api key: %w", err)
	}

	return s.store.APIKeyByID(id)
}
