// Package boltswap stores swapped copies in a bolt database file, one
// bucket per partition.
package boltswap

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"

	"github.com/IvanBrykalov/shardgrid/tier"
)

// Codec converts keys or values to and from their on-disk form.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// String stores strings as raw bytes.
type String struct{}

func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }

// Bytes stores byte slices unchanged.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Options configures a Store.
type Options struct {
	// OpenTimeout bounds the wait for the file lock held by another process.
	OpenTimeout time.Duration
	// NoSync skips fsync per write. Swap content does not survive a restart
	// anyway, so this is usually what callers want.
	NoSync bool
}

// Store implements tier.SwapStore over a bolt file.
type Store[K comparable, V any] struct {
	db   *bolt.DB
	path string
	keys Codec[K]
	vals Codec[V]
}

var _ tier.SwapStore[string, []byte] = (*Store[string, []byte])(nil)

// Open creates or truncates the swap file at path. Swapped data is only
// meaningful for the process that wrote it, so a leftover file is removed.
func Open[K comparable, V any](path string, keys Codec[K], vals Codec[V], opt Options) (*Store[K, V], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "boltswap: create dir")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "boltswap: remove stale file")
	}
	timeout := opt.OpenTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "boltswap: open %s", path)
	}
	db.NoSync = opt.NoSync
	return &Store[K, V]{db: db, path: path, keys: keys, vals: vals}, nil
}

func bucketName(partition int) []byte {
	return []byte("p" + strconv.Itoa(partition))
}

func (s *Store[K, V]) Put(partition int, k K, v V) error {
	kb, err := s.keys.Encode(k)
	if err != nil {
		return errors.Wrap(err, "boltswap: encode key")
	}
	vb, err := s.vals.Encode(v)
	if err != nil {
		return errors.Wrap(err, "boltswap: encode value")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(partition))
		if err != nil {
			return errors.Wrapf(err, "boltswap: bucket for partition %d", partition)
		}
		return b.Put(kb, vb)
	})
}

func (s *Store[K, V]) Get(partition int, k K) (V, bool, error) {
	var (
		out   V
		found bool
	)
	kb, err := s.keys.Encode(k)
	if err != nil {
		return out, false, errors.Wrap(err, "boltswap: encode key")
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(partition))
		if b == nil {
			return nil
		}
		raw := b.Get(kb)
		if raw == nil {
			return nil
		}
		// raw is only valid inside the transaction; Decode must copy.
		v, err := s.vals.Decode(raw)
		if err != nil {
			return errors.Wrap(err, "boltswap: decode value")
		}
		out, found = v, true
		return nil
	})
	return out, found, err
}

func (s *Store[K, V]) Delete(partition int, k K) error {
	kb, err := s.keys.Encode(k)
	if err != nil {
		return errors.Wrap(err, "boltswap: encode key")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(partition))
		if b == nil {
			return nil
		}
		return b.Delete(kb)
	})
}

// Len counts stored values in one partition.
func (s *Store[K, V]) Len(partition int) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketName(partition)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Close closes the database and removes the swap file.
func (s *Store[K, V]) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "boltswap: close")
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "boltswap: remove file")
	}
	return nil
}
