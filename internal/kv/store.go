// Package kv provides the durable global key-value store. Automations
// use it to persist state across restarts — counters, last-seen
// timestamps, toggles — anything that needs to survive a process
// restart but doesn't warrant its own schema. It is backed by a single
// bbolt file so the whole store is one portable file on disk.
package kv

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"
)

// bucketName is the single bbolt bucket all keys live in. The store
// has no namespacing beyond the key string itself — automations are
// expected to prefix their own keys (e.g. "pomodoro.last_started") to
// avoid collisions.
var bucketName = []byte("global_state")

// Store is a namespace-free key-value store backed by a single bbolt
// file on disk. All public methods are safe for concurrent use; bbolt
// serializes writes internally via its single-writer transaction
// model.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt file at path and
// ensures the global_state bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open kv store at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the underlying file. Safe to call once;
// the caller should not use the Store afterward.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get decodes the value stored under key into dst, which must be a
// pointer. It reports ok=false and no error if the key does not exist.
func (s *Store) Get(key string, dst any) (ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, dst)
	})
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	return ok, nil
}

// GetString is a convenience wrapper for the common case of a
// string-valued key. Returns "" and ok=false if absent.
func (s *Store) GetString(key string) (value string, ok bool, err error) {
	ok, err = s.Get(key, &value)
	return value, ok, err
}

// Set JSON-encodes value and stores it under key, overwriting any
// existing value. Each call commits its own bbolt transaction, which
// fsyncs before returning — a successful Set is durable across a
// crash.
func (s *Store) Set(key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", key, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), encoded)
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. No error is returned if the key does not exist.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys returns every key currently stored, in sorted order.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// All returns every key with its raw JSON-encoded value, for
// diagnostics and the health endpoint. Callers that need typed values
// should use Get.
func (s *Store) All() (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			cp := make(json.RawMessage, len(v))
			copy(cp, v)
			result[string(k)] = cp
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list all: %w", err)
	}
	return result, nil
}
