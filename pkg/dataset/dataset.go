// Package dataset is the in-memory key-value store that the Raft log
// replicates. It mirrors the applied-value side of an RDB-backed
// dataset: an in-memory map for command application, with a bbolt file
// standing in for the out-of-scope RDB persistence layer so a node
// that restarts without replaying the log still sees its last fsynced
// values.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = fmt.Errorf("dataset: key not found")

// Dataset is the replicated key-value map. Mutation arrives through
// FSM.Apply (on hashicorp/raft's apply goroutine) and FSM.Restore; a
// RWMutex guards the map, so Get and Snapshot are safe to call
// concurrently with them.
type Dataset struct {
	mu sync.RWMutex
	m  map[string]string

	db *bolt.DB
}

// Open opens (creating if needed) the bbolt-backed dataset file under
// dataDir and loads its current contents into memory.
func Open(dataDir string) (*Dataset, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("dataset: creating %s: %w", dataDir, err)
	}
	dbPath := filepath.Join(dataDir, "dataset.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", dbPath, err)
	}

	d := &Dataset{m: make(map[string]string), db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketKV)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			d.m[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dataset: loading existing contents: %w", err)
	}
	return d, nil
}

// Close closes the underlying bbolt file.
func (d *Dataset) Close() error {
	return d.db.Close()
}

// Get returns the value for key.
func (d *Dataset) Get(key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set stores value under key, persisting to bbolt before returning.
func (d *Dataset) Set(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.persist(key, value); err != nil {
		return err
	}
	d.m[key] = value
	return nil
}

// Del removes key. Deleting an absent key is not an error.
func (d *Dataset) Del(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("dataset: persisting delete of %q: %w", key, err)
	}
	delete(d.m, key)
	return nil
}

// Incr parses the current value as an integer (treating an absent key
// as 0), adds delta, stores and returns the new value.
func (d *Dataset) Incr(key string, delta int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := int64(0)
	if v, ok := d.m[key]; ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("dataset: value at %q is not an integer", key)
		}
		cur = parsed
	}
	next := cur + delta
	val := strconv.FormatInt(next, 10)
	if err := d.persist(key, val); err != nil {
		return 0, err
	}
	d.m[key] = val
	return next, nil
}

func (d *Dataset) persist(key, value string) error {
	if err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), []byte(value))
	}); err != nil {
		return fmt.Errorf("dataset: persisting %q: %w", key, err)
	}
	return nil
}

// Snapshot returns a point-in-time copy of every key/value pair, for
// use by pkg/snapshot when serializing a dataset image.
func (d *Dataset) Snapshot() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.m))
	for k, v := range d.m {
		out[k] = v
	}
	return out
}

// Restore replaces the in-memory and on-disk contents wholesale, used
// when installing a snapshot delivered from the leader.
func (d *Dataset) Restore(values map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketKV); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketKV)
		if err != nil {
			return err
		}
		for k, v := range values {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dataset: restoring snapshot: %w", err)
	}
	d.m = make(map[string]string, len(values))
	for k, v := range values {
		d.m[k] = v
	}
	return nil
}

// MarshalSnapshot and UnmarshalSnapshot give pkg/snapshot a stable wire
// form for the dataset image, independent of the in-memory map's
// iteration order.
func MarshalSnapshot(values map[string]string) ([]byte, error) {
	return json.Marshal(values)
}

func UnmarshalSnapshot(data []byte) (map[string]string, error) {
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}
