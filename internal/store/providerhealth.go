package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/walletd/snapshot-engine/pkg/models"
)

// providerHealthBucket is the BoltDB bucket holding RpcProviderHealth rows,
// keyed by "<chainID>:<url>". Adapted from the teacher's checkpoint bucket
// (internal/db/checkpoint.go): same opportunistic single-bucket JSON-blob
// pattern, repurposed from sync checkpoints to provider health so a
// restart does not lose which endpoints were unhealthy.
const providerHealthBucket = "provider_health"

// ProviderHealthStore persists RpcProviderHealth records across restarts.
type ProviderHealthStore struct {
	db *bbolt.DB
}

// NewProviderHealthStore opens (creating if absent) a bbolt file at dbPath.
func NewProviderHealthStore(dbPath string) (*ProviderHealthStore, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open provider health db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(providerHealthBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create provider health bucket: %w", err)
	}

	return &ProviderHealthStore{db: db}, nil
}

func healthKey(chainID int64, url string) string {
	return fmt.Sprintf("%d:%s", chainID, url)
}

// Save persists (or overwrites) one provider's health record.
func (s *ProviderHealthStore) Save(h models.RpcProviderHealth) error {
	h.LastCheck = time.Now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(providerHealthBucket))
		data, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("failed to marshal provider health: %w", err)
		}
		return b.Put([]byte(healthKey(h.ChainID, h.URL)), data)
	})
}

// SaveBatch persists a full pool snapshot in one transaction.
func (s *ProviderHealthStore) SaveBatch(records []models.RpcProviderHealth) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(providerHealthBucket))
		for _, h := range records {
			h.LastCheck = time.Now()
			data, err := json.Marshal(h)
			if err != nil {
				return fmt.Errorf("failed to marshal provider health: %w", err)
			}
			if err := b.Put([]byte(healthKey(h.ChainID, h.URL)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get retrieves the last known health of one provider, if persisted.
func (s *ProviderHealthStore) Get(chainID int64, url string) (*models.RpcProviderHealth, error) {
	var h models.RpcProviderHealth
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(providerHealthBucket))
		data := b.Get([]byte(healthKey(chainID, url)))
		if data == nil {
			return fmt.Errorf("no health record for chain %d url %s", chainID, url)
		}
		return json.Unmarshal(data, &h)
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Close closes the underlying bbolt database.
func (s *ProviderHealthStore) Close() error {
	return s.db.Close()
}
