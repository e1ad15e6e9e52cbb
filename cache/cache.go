// Package cache is the byte store behind the caching data source. It keeps
// whole responses keyed by a digest of their URI, evicts least recently used
// entries to stay under a byte quota, and is opened and closed explicitly by
// the session that owns it.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/ytget/avstream/errs"
)

// DefaultMaxBytes is the default quota.
const DefaultMaxBytes int64 = 300 << 20

const entryPrefix = "entry:"

var (
	// ErrEntryTooLarge is returned by Put for values larger than the quota.
	ErrEntryTooLarge = errors.New("cache: entry exceeds quota")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("cache: store closed")
)

// Config configures a Store.
type Config struct {
	// Dir holds the badger files. Ignored when InMemory is set.
	Dir string
	// MaxBytes is the quota. Zero uses DefaultMaxBytes.
	MaxBytes int64
	// InMemory keeps everything in memory. A single value must then fit in
	// one badger batch (about 9 MiB with default options).
	InMemory bool
	// Logger receives store and badger messages. Nil uses logrus.New().
	Logger *logrus.Logger
	// ClearOnClose drops every entry when the store is closed.
	ClearOnClose bool
}

// Stats is a snapshot of store counters.
type Stats struct {
	Entries   int
	Bytes     int64
	MaxBytes  int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Store is an LRU byte store with a size quota. It is safe for concurrent
// use: size accounting is serialized, value reads are not.
type Store struct {
	db           *badger.DB
	log          *logrus.Entry
	maxBytes     int64
	clearOnClose bool

	mu     sync.Mutex
	lru    *list.List // front is most recently used
	index  map[string]*list.Element
	size   int64
	closed bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type lruEntry struct {
	key  string
	size int64
}

// Open opens or creates a store. Entries left by a previous run in Dir are
// indexed oldest first and trimmed to the quota.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	entry := logger.WithField("component", "cache")

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("cache: Dir is required unless InMemory is set")
		}
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("cache: create dir: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
		opts.ValueLogFileSize = 1024 * 1024 * 100
		opts.SyncWrites = false
	}
	opts = opts.WithLogger(badgerLogger{entry.WithField("source", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open badger: %w", err)
	}

	s := &Store{
		db:           db,
		log:          entry,
		maxBytes:     maxBytes,
		clearOnClose: cfg.ClearOnClose,
		lru:          list.New(),
		index:        make(map[string]*list.Element),
	}
	if err := s.rebuild(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if !cfg.InMemory {
		if usage, err := disk.Usage(cfg.Dir); err != nil {
			entry.WithError(err).Warn("cannot read free disk space")
		} else if q := clampQuota(maxBytes, usage.Free, s.size); q < maxBytes {
			entry.WithFields(logrus.Fields{"requested": maxBytes, "quota": q}).Warn("quota clamped to free disk space")
			s.maxBytes = q
		}
	}

	s.mu.Lock()
	err = s.evictLocked(0)
	s.mu.Unlock()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	entry.WithFields(logrus.Fields{"entries": s.lru.Len(), "bytes": s.size, "quota": s.maxBytes}).Debug("cache opened")
	return s, nil
}

// clampQuota limits quota to the space that is free plus what the store
// already uses.
func clampQuota(quota int64, free uint64, used int64) int64 {
	avail := used
	if free > uint64(1<<62) {
		return quota
	}
	avail += int64(free)
	if avail < quota {
		return avail
	}
	return quota
}

// rebuild indexes existing entries in write order.
func (s *Store) rebuild() error {
	type found struct {
		key     string
		size    int64
		version uint64
	}
	var entries []found

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var size int64
			if err := item.Value(func(v []byte) error {
				size = int64(len(v))
				return nil
			}); err != nil {
				return err
			}
			entries = append(entries, found{
				key:     strings.TrimPrefix(string(item.KeyCopy(nil)), entryPrefix),
				size:    size,
				version: item.Version(),
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: index existing entries: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].version < entries[j].version })
	for _, e := range entries {
		s.index[e.key] = s.lru.PushFront(&lruEntry{key: e.key, size: e.size})
		s.size += e.size
	}
	return nil
}

func dbKey(key string) []byte {
	return []byte(entryPrefix + key)
}

// Get returns the value for key and marks it most recently used.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, ErrClosed
	}
	el, ok := s.index[key]
	if ok {
		s.lru.MoveToFront(el)
	}
	s.mu.Unlock()

	if !ok {
		s.misses.Add(1)
		return nil, false, nil
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		// Evicted between the index lookup and the read.
		s.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: read %s: %w", key, err)
	}
	s.hits.Add(1)
	return value, true, nil
}

// Put stores value under key, evicting least recently used entries as
// needed.
func (s *Store) Put(key string, value []byte) error {
	size := int64(len(value))
	if size > s.maxBytes {
		return fmt.Errorf("%w: %d bytes, quota %d", ErrEntryTooLarge, size, s.maxBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var replaced int64
	if el, ok := s.index[key]; ok {
		replaced = el.Value.(*lruEntry).size
	}
	victims := s.victimsLocked(size-replaced, key)

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, v := range victims {
			if err := txn.Delete(dbKey(v.key)); err != nil {
				return err
			}
		}
		return txn.Set(dbKey(key), value)
	})
	if err != nil {
		return fmt.Errorf("cache: write %s: %w", key, err)
	}

	for _, v := range victims {
		s.removeLocked(v.key)
		s.evictions.Add(1)
	}
	if el, ok := s.index[key]; ok {
		e := el.Value.(*lruEntry)
		s.size += size - e.size
		e.size = size
		s.lru.MoveToFront(el)
	} else {
		s.index[key] = s.lru.PushFront(&lruEntry{key: key, size: size})
		s.size += size
	}

	if len(victims) > 0 {
		s.log.WithFields(logrus.Fields{"evicted": len(victims), "bytes": s.size}).Debug("evicted entries")
	}
	if s.size > s.maxBytes {
		return fmt.Errorf("%w: %d bytes over quota %d", errs.ErrEvictionInvariant, s.size, s.maxBytes)
	}
	return nil
}

// victimsLocked picks entries from the cold end until adding grow bytes
// fits the quota. keep is never chosen.
func (s *Store) victimsLocked(grow int64, keep string) []*lruEntry {
	var victims []*lruEntry
	projected := s.size + grow
	for el := s.lru.Back(); el != nil && projected > s.maxBytes; el = el.Prev() {
		e := el.Value.(*lruEntry)
		if e.key == keep {
			continue
		}
		victims = append(victims, e)
		projected -= e.size
	}
	return victims
}

// evictLocked deletes cold entries until grow more bytes fit.
func (s *Store) evictLocked(grow int64) error {
	victims := s.victimsLocked(grow, "")
	if len(victims) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, v := range victims {
			if err := txn.Delete(dbKey(v.key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: evict: %w", err)
	}
	for _, v := range victims {
		s.removeLocked(v.key)
		s.evictions.Add(1)
	}
	if s.size+grow > s.maxBytes {
		return fmt.Errorf("%w: %d bytes over quota %d", errs.ErrEvictionInvariant, s.size, s.maxBytes)
	}
	return nil
}

func (s *Store) removeLocked(key string) {
	el, ok := s.index[key]
	if !ok {
		return
	}
	s.size -= el.Value.(*lruEntry).size
	s.lru.Remove(el)
	delete(s.index, key)
}

// Delete removes key if present.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.index[key]; !ok {
		return nil
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(dbKey(key))
	}); err != nil {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	s.removeLocked(key)
	return nil
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Size returns the total bytes held.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// MaxBytes returns the effective quota.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Stats returns a snapshot of the counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:   s.lru.Len(),
		Bytes:     s.size,
		MaxBytes:  s.maxBytes,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}

// Clear removes every entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.clearLocked()
}

func (s *Store) clearLocked() error {
	if err := s.db.DropPrefix([]byte(entryPrefix)); err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	s.lru.Init()
	s.index = make(map[string]*list.Element)
	s.size = 0
	return nil
}

// Close releases the store, clearing it first when configured to.
// Closing twice returns ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true

	var clearErr error
	if s.clearOnClose {
		clearErr = s.clearLocked()
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("cache: close badger: %w", err)
	}
	s.log.Debug("cache closed")
	return clearErr
}

// badgerLogger routes badger output through logrus, demoting its info
// chatter to debug.
type badgerLogger struct {
	*logrus.Entry
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Entry.Debugf(format, args...)
}
