package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is how long a pushed frame is remembered.
	defaultDedupTTL = 30 * time.Second

	// sweepInterval is the interval between expiry sweeps.
	sweepInterval = 5 * time.Second
)

// Dedup drops frames already delivered within the TTL. Data senders retry
// pushes after reconnects, and the same frame must not be ingested twice in
// a row.
type Dedup struct {
	mu   sync.Mutex
	seen map[[32]byte]time.Time // frame digest to first delivery
	ttl  time.Duration
	now  func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDedup creates a tracker with the default TTL.
func NewDedup() *Dedup {
	return newDedup(defaultDedupTTL, time.Now)
}

func newDedup(ttl time.Duration, now func() time.Time) *Dedup {
	d := &Dedup{
		seen: make(map[[32]byte]time.Time),
		ttl:  ttl,
		now:  now,
		stop: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.sweepLoop()

	return d
}

// Check reports whether data is new, recording it if so.
func (d *Dedup) Check(data []byte) bool {
	digest := blake3.Sum256(data)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[digest]; ok && now.Sub(at) < d.ttl {
		return false
	}

	d.seen[digest] = now

	return true
}

// Len returns the number of remembered frames.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// Close stops the sweeper.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Dedup) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.stop:
			return
		}
	}
}

// sweep forgets expired frames.
func (d *Dedup) sweep() {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for digest, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, digest)
		}
	}
}
