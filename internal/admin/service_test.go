package admin

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/gdelt-mcp/internal/auth"
	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/models"
	"github.com/alexjbarnes/gdelt-mcp/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testState(t *testing.T) *state.State {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func fixedService(st KeyStore, now time.Time) *Service {
	s := NewService(st)
	s.now = func() time.Time { return now }

	return s
}

func TestCreateKey_StoresDigestOnly(t *testing.T) {
	st := testState(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := fixedService(st, now)

	resp, err := s.CreateKey(context.Background(), CreateRequest{
		Subject:   " user-1 ",
		Tier:      "Pro",
		Name:      "laptop",
		ExpiresIn: "24h",
	})
	require.NoError(t, err)

	assert.True(t, auth.IsOpaqueKey(resp.Key))
	assert.Equal(t, "user-1", resp.APIKey.Subject)
	assert.Equal(t, "pro", resp.APIKey.Tier)
	assert.Equal(t, auth.DisplayPrefix(resp.Key), resp.APIKey.Prefix)
	assert.True(t, now.Add(24*time.Hour).Equal(resp.APIKey.ExpiresAt))

	stored, err := st.LookupAPIKey(auth.HashKey(resp.Key))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, resp.APIKey.ID, stored.ID)

	missing, err := st.LookupAPIKey(resp.Key)
	require.NoError(t, err)
	assert.Nil(t, missing, "the raw key is never a lookup key")
}

func TestCreateKey_NoExpiry(t *testing.T) {
	s := NewService(testState(t))

	resp, err := s.CreateKey(context.Background(), CreateRequest{Subject: "user-1", Tier: "pro"})
	require.NoError(t, err)
	assert.True(t, resp.APIKey.ExpiresAt.IsZero())
}

func TestCreateKey_Validation(t *testing.T) {
	s := NewService(testState(t))

	for _, req := range []CreateRequest{
		{Subject: "  ", Tier: "pro"},
		{Subject: "user-1", Tier: ""},
		{Subject: "user-1", Tier: "pro", ExpiresIn: "-1h"},
		{Subject: "user-1", Tier: "pro", ExpiresIn: "soon"},
	} {
		_, err := s.CreateKey(context.Background(), req)
		assert.True(t, errors.Is(err, errs.ErrInvalidKeyRequest), "%+v: got %v", req, err)
	}
}

func TestCreateKey_StoreFailure(t *testing.T) {
	store := NewMockKeyStore(gomock.NewController(t))
	store.EXPECT().SaveAPIKey(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	_, err := NewService(store).CreateKey(context.Background(), CreateRequest{Subject: "user-1", Tier: "pro"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, errs.ErrInvalidKeyRequest))
}

func TestRevokeKey(t *testing.T) {
	st := testState(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := fixedService(st, now)

	resp, err := s.CreateKey(context.Background(), CreateRequest{Subject: "user-1", Tier: "pro"})
	require.NoError(t, err)

	ak, err := s.RevokeKey(context.Background(), resp.APIKey.ID)
	require.NoError(t, err)
	assert.True(t, ak.Revoked)
	assert.True(t, now.Equal(ak.RevokedAt))

	_, err = s.RevokeKey(context.Background(), "missing")
	assert.True(t, errors.Is(err, errs.ErrKeyNotFound))

	_, err = s.RevokeKey(context.Background(), " ")
	assert.True(t, errors.Is(err, errs.ErrInvalidKeyRequest))
}

func TestListKeys_FiltersBySubject(t *testing.T) {
	store := NewMockKeyStore(gomock.NewController(t))
	store.EXPECT().AllAPIKeys("user-1").Return([]models.APIKey{{ID: "k1", Subject: "user-1"}}, nil)

	keys, err := NewService(store).ListKeys(context.Background(), " user-1 ")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "k1", keys[0].ID)
}
