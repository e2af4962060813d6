package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// walSyncInterval is how often buffered writes are flushed to the WAL.
	walSyncInterval = 100 * time.Millisecond

	// pebbleCacheSize is the block cache size.
	pebbleCacheSize = 32 << 20

	// pebbleMemTableSize is the size of one memtable.
	pebbleMemTableSize = 16 << 20
)

// PebbleStore is a Backend on Pebble. Writes skip fsync; a background loop
// syncs the WAL every walSyncInterval and Close syncs once more.
type PebbleStore struct {
	db   *pebble.DB     // db is the underlying database
	done chan struct{}  // done stops the WAL sync loop
	wg   sync.WaitGroup // wg tracks the WAL sync loop
}

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{
		Cache:                       pebble.NewCache(pebbleCacheSize),
		MemTableSize:                pebbleMemTableSize,
		MemTableStopWritesThreshold: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s:\n%w", path, err)
	}

	s := &PebbleStore{db: db, done: make(chan struct{})}

	s.wg.Add(1)
	go s.syncLoop()

	return s, nil
}

// Get returns a copy of the value stored under key, or nil.
func (s *PebbleStore) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	return append([]byte(nil), value...), nil
}

// Set stores a key-value pair.
func (s *PebbleStore) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes key.
func (s *PebbleStore) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// SetBatch writes every pair or none.
func (s *PebbleStore) SetBatch(pairs []KeyValue) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, kv := range pairs {
		if err := b.Set(kv.Key, kv.Value, nil); err != nil {
			return err
		}
	}

	return b.Commit(pebble.NoSync)
}

// IteratePrefix calls fn for each pair under prefix in ascending key order.
func (s *PebbleStore) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return s.scan(prefix, false, fn)
}

// IteratePrefixReverse calls fn for each pair under prefix in descending key order.
func (s *PebbleStore) IteratePrefixReverse(prefix []byte, fn func(key, value []byte) error) error {
	return s.scan(prefix, true, fn)
}

func (s *PebbleStore) scan(prefix []byte, reverse bool, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	if err := walk(pebbleCursor{iter}, reverse, fn); err != nil {
		return err
	}

	return iter.Error()
}

// Close stops the sync loop, flushes the WAL and closes the database.
func (s *PebbleStore) Close() error {
	close(s.done)
	s.wg.Wait()

	if err := s.db.LogData(nil, pebble.Sync); err != nil {
		return fmt.Errorf("final wal sync:\n%w", err)
	}

	return s.db.Close()
}

func (s *PebbleStore) syncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(walSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			_ = s.db.LogData(nil, pebble.Sync)
		}
	}
}

// pebbleCursor adapts a Pebble iterator to walk.
type pebbleCursor struct {
	*pebble.Iterator
}

func (c pebbleCursor) value() ([]byte, error) {
	return c.ValueAndErr()
}
