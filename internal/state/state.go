// Package state is the bbolt-backed identity store. It holds API key
// records keyed by the SHA-256 digest of the raw key, plus an index
// from key ID to digest for administration.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	apiKeysBucket  = []byte("api_keys")
	apiKeyIDBucket = []byte("api_key_ids")
)

// State wraps a bbolt database holding API key records.
type State struct {
	db *bolt.DB
}

// LoadAt opens the state database at path, creating it and its parent
// directory if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(apiKeysBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(apiKeyIDBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SaveAPIKey persists an API key under its digest. The key ID must be
// unique; saving a different digest under an existing ID fails.
func (s *State) SaveAPIKey(keyHash string, ak models.APIKey) error {
	if keyHash == "" || ak.ID == "" {
		return fmt.Errorf("key hash and id are required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(apiKeyIDBucket)

		if existing := ids.Get([]byte(ak.ID)); existing != nil && string(existing) != keyHash {
			return fmt.Errorf("api key id %s already in use", ak.ID)
		}

		data, err := json.Marshal(ak)
		if err != nil {
			return err
		}

		if err := tx.Bucket(apiKeysBucket).Put([]byte(keyHash), data); err != nil {
			return err
		}

		return ids.Put([]byte(ak.ID), []byte(keyHash))
	})
}

// LookupAPIKey returns the key stored under keyHash, or nil if none.
func (s *State) LookupAPIKey(keyHash string) (*models.APIKey, error) {
	var ak *models.APIKey

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(apiKeysBucket).Get([]byte(keyHash))
		if v == nil {
			return nil
		}

		ak = &models.APIKey{}

		return json.Unmarshal(v, ak)
	})

	return ak, err
}

// TouchAPIKey advances the last-used time of a key. Older timestamps
// are ignored so out-of-order updates never move it backwards.
func (s *State) TouchAPIKey(keyHash string, at time.Time) error {
	return s.updateKey(byHash(keyHash), func(ak *models.APIKey) bool {
		if !at.After(ak.LastUsed) {
			return false
		}

		ak.LastUsed = at.UTC()

		return true
	})
}

// RevokeAPIKey marks the key with the given ID revoked. Revoking twice
// keeps the first revocation time.
func (s *State) RevokeAPIKey(id string, at time.Time) error {
	return s.updateKey(byID(id), func(ak *models.APIKey) bool {
		if ak.Revoked {
			return false
		}

		ak.Revoked = true
		ak.RevokedAt = at.UTC()

		return true
	})
}

// APIKeyByID returns the key with the given ID.
func (s *State) APIKeyByID(id string) (*models.APIKey, error) {
	var ak *models.APIKey

	err := s.db.View(func(t *bolt.Tx) error {
		hash := t.Bucket(apiKeyIDBucket).Get([]byte(id))
		if hash == nil {
			return fmt.Errorf("%w: %s", errs.ErrKeyNotFound, id)
		}

		v := t.Bucket(apiKeysBucket).Get(hash)
		if v == nil {
			return fmt.Errorf("%w: %s", errs.ErrKeyNotFound, id)
		}

		ak = &models.APIKey{}

		return json.Unmarshal(v, ak)
	})

	return ak, err
}

// AllAPIKeys returns every stored key ordered by creation time. An
// empty subject returns keys of all subjects.
func (s *State) AllAPIKeys(subject string) ([]models.APIKey, error) {
	var keys []models.APIKey

	err := s.db.View(func(t *bolt.Tx) error {
		return t.Bucket(apiKeysBucket).ForEach(func(_, v []byte) error {
			var ak models.APIKey
			if err := json.Unmarshal(v, &ak); err != nil {
				return err
			}

			if subject == "" || ak.Subject == subject {
				keys = append(keys, ak)
			}

			return nil
		})
	})

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].ID < keys[j].ID
		}

		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})

	return keys, err
}

// keyLocator resolves the digest of the record to update.
type keyLocator func(t *bolt.Tx) ([]byte, error)

func byHash(keyHash string) keyLocator {
	return func(*bolt.Tx) ([]byte, error) { return []byte(keyHash), nil }
}

func byID(id string) keyLocator {
	return func(t *bolt.Tx) ([]byte, error) {
		hash := t.Bucket(apiKeyIDBucket).Get([]byte(id))
		if hash == nil {
			return nil, fmt.Errorf("%w: %s", errs.ErrKeyNotFound, id)
		}

		return hash, nil
	}
}

// updateKey applies fn to one record in a single write transaction.
// fn reports whether it changed anything.
func (s *State) updateKey(locate keyLocator, fn func(*models.APIKey) bool) error {
	return s.db.Update(func(t *bolt.Tx) error {
		hash, err := locate(t)
		if err != nil {
			return err
		}

		b := t.Bucket(apiKeysBucket)

		v := b.Get(hash)
		if v == nil {
			return errs.ErrKeyNotFound
		}

		var ak models.APIKey
		if err := json.Unmarshal(v, &ak); err != nil {
			return err
		}

		if !fn(&ak) {
			return nil
		}

		data, err := json.Marshal(ak)
		if err != nil {
			return err
		}

		return b.Put(hash, data)
	})
}
