// internal/store/store.go
// Package store persists fleet settings in a local bbolt file. It stands in
// for device NVS: small typed values under string keys, surviving restarts.
// Writes are fire-and-forget; a failed write is logged and the in-memory
// value stays authoritative until the next successful flush.
package store

import (
	"encoding/binary"
	"fmt"
	"log"
	"time"

	bolt "go.etcd.io/bbolt"
)

var settingsBucket = []byte("settings")

// Store is a settings store backed by one bbolt file.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the settings file.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open settings store %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(settingsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init settings bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// GetUint16 reads a stored value; ok is false when the key is absent or
// malformed.
func (s *Store) GetUint16(key string) (uint16, bool) {
	var value uint16
	var ok bool
	s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(settingsBucket).Get([]byte(key))
		if len(raw) == 2 {
			value = binary.BigEndian.Uint16(raw)
			ok = true
		}
		return nil
	})
	return value, ok
}

// PutUint16 stores a value. Failures are logged, not returned.
func (s *Store) PutUint16(key string, value uint16) {
	raw := make([]byte, 2)
	binary.BigEndian.PutUint16(raw, value)
	s.put(key, raw)
}

// GetBool reads a stored flag.
func (s *Store) GetBool(key string) (bool, bool) {
	var value, ok bool
	s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(settingsBucket).Get([]byte(key))
		if len(raw) == 1 {
			value = raw[0] == 1
			ok = true
		}
		return nil
	})
	return value, ok
}

// PutBool stores a flag. Failures are logged, not returned.
func (s *Store) PutBool(key string, value bool) {
	raw := []byte{0}
	if value {
		raw[0] = 1
	}
	s.put(key, raw)
}

func (s *Store) put(key string, raw []byte) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(key), raw)
	})
	if err != nil {
		log.Printf("store: write %q failed: %v", key, err)
	}
}
