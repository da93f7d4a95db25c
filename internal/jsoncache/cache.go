package jsoncache

import (
	"encoding/json"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marainhq/marain/internal/errs"
)

// Key prefixes separating the two logical tables in one KV store: payload
// bytes under "c:", metadata under "m:".
const (
	payloadPrefix = "c:"
	metaPrefix    = "m:"
)

// Metadata describes one cached entry.
type Metadata struct {
	EntityType  string    `json:"entity_type"`
	CachedAt    time.Time `json:"cached_at"`
	TTL         int64     `json:"ttl"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
}

// Expired reports whether the entry's lifetime has passed at now.
func (m Metadata) Expired(now time.Time) bool {
	return now.Sub(m.CachedAt) > time.Duration(m.TTL)*time.Second
}

// Stats summarizes the cache contents.
type Stats struct {
	Entries    int            `json:"entries"`
	TotalBytes int64          `json:"total_bytes"`
	ByType     map[string]int `json:"entries_by_type"`
}

// Cache is the read-through JSON cache. Keys are "{entity_type}:{id}".
// It shares the badger handle it is given; concurrent use is safe.
type Cache struct {
	store *Store
	now   func() time.Time
}

// New layers the cache over an open store handle.
func New(store *Store) *Cache {
	return &Cache{store: store, now: time.Now}
}

// Get returns the cached payload for key. An entry past its TTL is
// evicted and reported as a miss.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	payload, meta, ok, err := c.GetWithMeta(key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = meta
	return payload, true, nil
}

// GetWithMeta is Get plus the entry's metadata record.
func (c *Cache) GetWithMeta(key string) ([]byte, Metadata, bool, error) {
	var payload []byte
	var meta Metadata
	found := false

	err := c.store.WithReadTxn(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return err
		}

		item, err = txn.Get([]byte(payloadPrefix + key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, Metadata{}, false, errs.Storage(true, "cache get", err)
	}
	if !found {
		return nil, Metadata{}, false, nil
	}

	if meta.Expired(c.now()) {
		if err := c.Delete(key); err != nil {
			log.WithField("key", key).WithError(err).Warn("evicting expired entry failed")
		}
		return nil, Metadata{}, false, nil
	}
	return payload, meta, true, nil
}

// Set writes payload and metadata atomically in one KV transaction.
func (c *Cache) Set(key string, payload []byte, ttl int64, contentHash string) error {
	meta := Metadata{
		EntityType:  entityType(key),
		CachedAt:    c.now().UTC(),
		TTL:         ttl,
		ContentHash: contentHash,
		Size:        int64(len(payload)),
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return errs.Storage(false, "encode cache metadata", err)
	}

	err = c.store.WithTxn(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(payloadPrefix+key), payload); err != nil {
			return err
		}
		return txn.Set([]byte(metaPrefix+key), metaRaw)
	})
	if err != nil {
		return errs.Storage(true, "cache set", err)
	}
	return nil
}

// Delete removes one entry, payload and metadata together.
func (c *Cache) Delete(key string) error {
	err := c.store.WithTxn(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(payloadPrefix + key)); err != nil {
			return err
		}
		return txn.Delete([]byte(metaPrefix + key))
	})
	if err != nil {
		return errs.Storage(true, "cache delete", err)
	}
	return nil
}

// Exists reports whether key has a live (unexpired) entry without copying
// the payload out.
func (c *Cache) Exists(key string) (bool, error) {
	var meta Metadata
	found := false
	err := c.store.WithReadTxn(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, errs.Storage(true, "cache exists", err)
	}
	return found && !meta.Expired(c.now()), nil
}

// DeletePrefix evicts every entry whose key starts with prefix, e.g.
// "snippet:" after the snippet entity's shape changed. Returns the number
// of entries removed.
func (c *Cache) DeletePrefix(prefix string) (int, error) {
	keys, err := c.keysWithPrefix(prefix)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := c.Delete(key); err != nil {
			return 0, err
		}
	}
	if len(keys) > 0 {
		log.WithField("prefix", prefix).WithField("evicted", len(keys)).Debug("prefix invalidated")
	}
	return len(keys), nil
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	_, err := c.DeletePrefix("")
	return err
}

// EvictExpired sweeps the metadata table and removes every entry past its
// TTL. Returns the number evicted.
func (c *Cache) EvictExpired() (int, error) {
	now := c.now()
	var expired []string

	err := c.store.WithReadTxn(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var meta Metadata
			if err := json.Unmarshal(raw, &meta); err != nil {
				continue
			}
			if meta.Expired(now) {
				expired = append(expired, strings.TrimPrefix(string(item.Key()), metaPrefix))
			}
		}
		return nil
	})
	if err != nil {
		return 0, errs.Storage(true, "scan expired entries", err)
	}

	for _, key := range expired {
		if err := c.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// Stats walks the metadata table and summarizes entry counts and sizes,
// broken down by entity type.
func (c *Cache) Stats() (Stats, error) {
	stats := Stats{ByType: make(map[string]int)}
	err := c.store.WithReadTxn(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var meta Metadata
			if err := json.Unmarshal(raw, &meta); err != nil {
				continue
			}
			stats.Entries++
			stats.TotalBytes += meta.Size
			stats.ByType[meta.EntityType]++
		}
		return nil
	})
	if err != nil {
		return Stats{}, errs.Storage(true, "cache stats", err)
	}
	return stats, nil
}

func (c *Cache) keysWithPrefix(prefix string) ([]string, error) {
	var keys []string
	err := c.store.WithReadTxn(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(metaPrefix + prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), metaPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, errs.Storage(true, "scan cache keys", err)
	}
	return keys, nil
}

func entityType(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
