// Package store journals the host objects the daemon creates so a later
// start can remove anything a crash left behind.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

var (
	networksBucket = []byte("networks")
	tapsBucket     = []byte("taps")
)

// NetworkRecord stores what is needed to tear a network segment down
type NetworkRecord struct {
	Segment    string `json:"segment"`
	UID        uint32 `json:"uid"`
	Kind       string `json:"kind"`
	ID         uint32 `json:"id"`
	Bridge     bool   `json:"bridge"`
	Masquerade string `json:"masquerade,omitempty"`
}

// TapRecord stores one tap device
type TapRecord struct {
	Name    string `json:"name"`
	Segment string `json:"segment"`
}

// Store is a bbolt database with one bucket per record type
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens or creates the journal at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{networksBucket, tapsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file
func (s *Store) Path() string {
	return s.path
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(bucket []byte, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *Store) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func list[T any](s *Store, bucket []byte) ([]T, error) {
	out := []T{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var rec T
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", string(k), err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// SaveNetwork records a created network segment
func (s *Store) SaveNetwork(rec NetworkRecord) error {
	return s.put(networksBucket, rec.Segment, rec)
}

// GetNetwork returns the record for segment
func (s *Store) GetNetwork(segment string) (*NetworkRecord, error) {
	var rec NetworkRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(networksBucket).Get([]byte(segment))
		if data == nil {
			return fmt.Errorf("network %s: %w", segment, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteNetwork forgets a network segment. Deleting a missing key is not an error.
func (s *Store) DeleteNetwork(segment string) error {
	return s.delete(networksBucket, segment)
}

// ListNetworks returns all recorded segments in key order
func (s *Store) ListNetworks() ([]NetworkRecord, error) {
	return list[NetworkRecord](s, networksBucket)
}

// SaveTap records a created tap
func (s *Store) SaveTap(rec TapRecord) error {
	return s.put(tapsBucket, rec.Name, rec)
}

// DeleteTap forgets a tap
func (s *Store) DeleteTap(name string) error {
	return s.delete(tapsBucket, name)
}

// ListTaps returns all recorded taps in key order
func (s *Store) ListTaps() ([]TapRecord, error) {
	return list[TapRecord](s, tapsBucket)
}
