package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/docbridge/internal/models"
	bolt "go.etcd.io/bbolt"
)

// boltOpenTimeout is the maximum time to wait for the bolt database lock.
const boltOpenTimeout = 5 * time.Second

var credentialsBucket = []byte("credentials")

// Bolt stores records in a bbolt database. Save swaps the whole bucket in
// one transaction. Records are keyed by their big-endian position so a
// cursor walk returns them in insertion order.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Load returns all records in insertion order.
func (s *Bolt) Load() ([]models.CredentialRecord, error) {
	var records []models.CredentialRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(credentialsBucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var rec models.CredentialRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			records = append(records, rec)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading store db: %w", err)
	}

	return records, nil
}

// Save replaces every record. The transaction either commits in full or
// leaves the previous set in place.
func (s *Bolt) Save(records []models.CredentialRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(credentialsBucket) != nil {
			if err := tx.DeleteBucket(credentialsBucket); err != nil {
				return err
			}
		}

		b, err := tx.CreateBucket(credentialsBucket)
		if err != nil {
			return err
		}

		for i, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}

			if err := b.Put(positionKey(uint64(i)+1), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// Close closes the database.
func (s *Bolt) Close() error {
	return s.db.Close()
}

func positionKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)

	return k
}
