// Package storage provides the ordered key-value backends the archive is
// persisted in.
package storage

import (
	"fmt"
)

const (
	// BackendPebble selects the Pebble store.
	BackendPebble = "pebble"

	// BackendLevelDB selects the goleveldb store.
	BackendLevelDB = "leveldb"
)

// KeyValue is one write of a batch.
type KeyValue struct {
	Key   []byte // Key is the key to store
	Value []byte // Value is the value to store
}

// Backend is an ordered key-value store.
// Get returns nil without error for a missing key.
type Backend interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	SetBatch(pairs []KeyValue) error
	IteratePrefix(prefix []byte, fn func(key, value []byte) error) error
	IteratePrefixReverse(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Open opens the backend of the given kind at path. An empty kind means Pebble.
func Open(kind, path string) (Backend, error) {
	switch kind {
	case "", BackendPebble:
		return OpenPebble(path)
	case BackendLevelDB:
		return OpenLevel(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}

// cursor is the part of an engine iterator that walk needs.
type cursor interface {
	First() bool
	Last() bool
	Next() bool
	Prev() bool
	Key() []byte
	value() ([]byte, error)
}

// walk visits every position of c in key order, or in reverse, stopping at
// the first error returned by fn.
func walk(c cursor, reverse bool, fn func(key, value []byte) error) error {
	start, step := c.First, c.Next
	if reverse {
		start, step = c.Last, c.Prev
	}

	for ok := start(); ok; ok = step() {
		v, err := c.value()
		if err != nil {
			return err
		}
		if err := fn(c.Key(), v); err != nil {
			return err
		}
	}

	return nil
}

// prefixUpperBound is the exclusive upper bound of a prefix scan: the prefix
// with its last non-0xFF byte incremented. All 0xFF means unbounded (nil).
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}
