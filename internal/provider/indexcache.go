package provider

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/jmank88/nuts"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/holocm/tpm2/internal/transport"
)

// indexBucket holds repoRoot -> raw index file contents. epochBucket
// holds a nuts-encoded monotonic sequence key -> repoRoot, recording
// insertion order so Prune can evict the oldest entries first; this
// mirrors golang-dep's boltCache epoch field, which also exists purely to
// let old cache entries be told apart from fresh ones.
var (
	indexBucket = []byte("indexes")
	epochBucket = []byte("epochs")
)

// IndexCache is a local cache of parsed repository indexes, keyed by the
// repository root path and validated against the findex digest recorded
// inside each cached index so a stale cache entry is never served.
type IndexCache struct {
	db *bolt.DB
}

// OpenIndexCache opens (creating if absent) the bbolt cache file at path.
func OpenIndexCache(path string) (*IndexCache, error) {
	dir := filepath.Dir(path)
	if fi, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "provider: creating index cache directory %s", dir)
		}
	} else if err != nil {
		return nil, errors.Wrapf(err, "provider: checking index cache directory %s", dir)
	} else if !fi.IsDir() {
		return nil, errors.Errorf("provider: index cache path %s is not a directory", dir)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "provider: opening index cache %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(indexBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(epochBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "provider: initializing index cache bucket")
	}
	return &IndexCache{db: db}, nil
}

// Close releases the cache file handle.
func (c *IndexCache) Close() error { return c.db.Close() }

// Get returns the cached index for repoRoot if one is stored and its
// recorded findex digest matches currentFindexSHA256, signalling the
// on-disk index has not changed since it was cached.
func (c *IndexCache) Get(repoRoot string, currentFindexSHA256 [32]byte) (*transport.Index, error) {
	var raw []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)
		v := b.Get([]byte(repoRoot))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "provider: reading index cache")
	}
	if raw == nil {
		return nil, nil
	}

	idx, err := transport.ParseIndex(raw)
	if err != nil {
		return nil, errors.Wrap(err, "provider: parsing cached index")
	}
	if !bytes.Equal(idx.FindexSHA256[:], currentFindexSHA256[:]) {
		return nil, nil // stale
	}
	return idx, nil
}

// Put stores raw (the verbatim index file contents) under repoRoot,
// overwriting any previous entry, and records a fresh epoch key for it.
func (c *IndexCache) Put(repoRoot string, raw []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(indexBucket).Put([]byte(repoRoot), raw); err != nil {
			return err
		}
		eb := tx.Bucket(epochBucket)
		seq, err := eb.NextSequence()
		if err != nil {
			return err
		}
		key := make(nuts.Key, nuts.KeyLen(seq))
		key.Put(seq)
		return eb.Put(key, []byte(repoRoot))
	})
}

// Prune evicts cache entries beyond the keep most-recently-written ones,
// oldest first, using the epoch bucket's insertion ordering.
func (c *IndexCache) Prune(keep int) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(epochBucket)
		ib := tx.Bucket(indexBucket)

		total := eb.Stats().KeyN
		toEvict := total - keep
		if toEvict <= 0 {
			return nil
		}

		cur := eb.Cursor()
		var evictKeys [][]byte
		for k, v := cur.First(); k != nil && len(evictKeys) < toEvict; k, v = cur.Next() {
			evictKeys = append(evictKeys, append([]byte(nil), k...))
			if err := ib.Delete(v); err != nil {
				return err
			}
		}
		for _, k := range evictKeys {
			if err := eb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
