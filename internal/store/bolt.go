package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketLights = []byte("lights")
	bucketToy    = []byte("toy")
	keyToy       = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLights, bucketToy} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveLight(rec *LightRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("light record has no id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLights).Put([]byte(rec.ID), data)
	})
}

func (s *BoltStore) GetLight(id string) (*LightRecord, error) {
	var rec LightRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLights).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("light %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) DeleteLight(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLights).Delete([]byte(id))
	})
}

func (s *BoltStore) ListLights() ([]*LightRecord, error) {
	var lights []*LightRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLights)
		lights = make([]*LightRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec LightRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("light %s: %w", k, err)
			}
			lights = append(lights, &rec)
			return nil
		})
	})
	return lights, err
}

func (s *BoltStore) GetToy() (*Toy, error) {
	var toy Toy
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketToy).Get(keyToy)
		if data == nil {
			return fmt.Errorf("toy state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &toy)
	})
	if err != nil {
		return nil, err
	}
	return &toy, nil
}

func (s *BoltStore) UpdateToy(fn func(toy *Toy) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketToy)
		var toy Toy
		if data := b.Get(keyToy); data != nil {
			if err := json.Unmarshal(data, &toy); err != nil {
				return err
			}
		}
		if err := fn(&toy); err != nil {
			return err
		}
		data, err := json.Marshal(&toy)
		if err != nil {
			return err
		}
		return b.Put(keyToy, data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
