package storage

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelStorage is a Backend on goleveldb. Writes go straight to the
// journal, so there is no background sync loop.
type LevelStorage struct {
	db *leveldb.DB
}

// OpenLevel opens (or creates) a LevelDB database at path.
func OpenLevel(path string) (*LevelStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s:\n%w", path, err)
	}

	return &LevelStorage{db: db}, nil
}

// Get retrieves the value for key. Returns nil if the key does not exist.
func (l *LevelStorage) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}

	return value, err
}

// Set stores a key-value pair.
func (l *LevelStorage) Set(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

// Delete removes key.
func (l *LevelStorage) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

// SetBatch atomically stores multiple key-value pairs.
func (l *LevelStorage) SetBatch(pairs []KeyValue) error {
	batch := new(leveldb.Batch)
	for _, kv := range pairs {
		batch.Put(kv.Key, kv.Value)
	}

	return l.db.Write(batch, nil)
}

// IteratePrefix calls fn for each pair under prefix in ascending order.
func (l *LevelStorage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return l.scan(prefix, false, fn)
}

// IteratePrefixReverse calls fn for each pair under prefix in descending order.
func (l *LevelStorage) IteratePrefixReverse(prefix []byte, fn func(key, value []byte) error) error {
	return l.scan(prefix, true, fn)
}

func (l *LevelStorage) scan(prefix []byte, reverse bool, fn func(key, value []byte) error) error {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	if err := walk(levelCursor{iter}, reverse, fn); err != nil {
		return err
	}

	return iter.Error()
}

// levelCursor adapts a goleveldb iterator to walk.
type levelCursor struct {
	iterator.Iterator
}

func (c levelCursor) value() ([]byte, error) {
	return c.Value(), nil
}

// Close closes the database.
func (l *LevelStorage) Close() error {
	return l.db.Close()
}
