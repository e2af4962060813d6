package cycles

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrFork is returned when a record conflicts with an accepted one.
	ErrFork = errors.New("counter already holds a different record")

	// ErrGap is returned when a record's predecessor is not in the chain.
	ErrGap = errors.New("predecessor is not in the chain")
)

// Chain is the in-memory cycle index, addressable by counter and marker.
// It is safe for concurrent access.
type Chain struct {
	mu        sync.RWMutex
	byCounter map[uint64]Record
	byMarker  map[string]uint64
	newest    uint64
	hasNewest bool
}

// NewChain creates an empty chain index.
func NewChain() *Chain {
	return &Chain{
		byCounter: make(map[uint64]Record),
		byMarker:  make(map[string]uint64),
	}
}

// Set indexes r by counter and marker, replacing any previous entry for
// the same counter.
func (c *Chain) Set(r Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setLocked(r)
}

// Append adds r to the chain. An empty chain accepts any record. Otherwise
// the record at counter-1 must be present and r must link to it. An accepted
// record is never replaced: appending it again is a no-op and a different
// record for the same counter is rejected with ErrFork.
func (c *Chain) Append(r Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.byCounter[r.Counter]; ok {
		if old.Marker == r.Marker {
			return nil
		}
		return fmt.Errorf("%w: cycle %d is %s, got %s", ErrFork, r.Counter, old.Marker, r.Marker)
	}

	if len(c.byCounter) > 0 {
		if r.Counter == 0 {
			return fmt.Errorf("%w: cycle 0 after cycle %d", ErrGap, c.newest)
		}

		prev, ok := c.byCounter[r.Counter-1]
		if !ok {
			return fmt.Errorf("%w: cycle %d, newest is %d", ErrGap, r.Counter, c.newest)
		}
		if err := Validate(prev, r); err != nil {
			return err
		}
	}

	c.setLocked(r)

	return nil
}

// setLocked indexes r. Caller must hold the write lock.
func (c *Chain) setLocked(r Record) {
	if old, ok := c.byCounter[r.Counter]; ok && old.Marker != r.Marker {
		delete(c.byMarker, old.Marker)
	}

	c.byCounter[r.Counter] = r
	if r.Marker != "" {
		c.byMarker[r.Marker] = r.Counter
	}

	if !c.hasNewest || r.Counter > c.newest {
		c.newest = r.Counter
		c.hasNewest = true
	}
}

// Get returns the record with the given counter.
func (c *Chain) Get(counter uint64) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.byCounter[counter]
	return r, ok
}

// GetByMarker returns the record with the given marker.
func (c *Chain) GetByMarker(marker string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counter, ok := c.byMarker[marker]
	if !ok {
		return Record{}, false
	}

	r, ok := c.byCounter[counter]
	return r, ok
}

// Newest returns the record with the highest counter.
func (c *Chain) Newest() (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.hasNewest {
		return Record{}, false
	}

	r, ok := c.byCounter[c.newest]
	return r, ok
}

// CurrentCounter returns the newest counter, or 0 for an empty chain.
func (c *Chain) CurrentCounter() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.newest
}

// CurrentDuration returns the newest record's duration in seconds.
// known is false until a record with a positive duration has been indexed.
func (c *Chain) CurrentDuration() (seconds int64, known bool) {
	r, ok := c.Newest()
	if !ok || r.Duration <= 0 {
		return 0, false
	}

	return r.Duration, true
}

// Range returns the records with start <= counter <= end, ascending.
func (c *Chain) Range(start, end uint64) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Record, 0)
	for counter, r := range c.byCounter {
		if counter >= start && counter <= end {
			out = append(out, r)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Counter < out[j].Counter })

	return out
}

// Len returns the number of indexed records.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.byCounter)
}
