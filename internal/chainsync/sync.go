// Package chainsync rebuilds the cycle chain and the membership view from
// other archivers when the archiver starts.
package chainsync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"Archiver/internal/agreement"
	"Archiver/internal/archive"
	"Archiver/internal/cycles"
	"Archiver/internal/logger"
	"Archiver/internal/membership"
	"Archiver/internal/metrics"
	"Archiver/internal/nodelist"
	"Archiver/internal/protocol"
)

var (
	// ErrDesync is returned when a page holds no record linking to the chain front.
	ErrDesync = errors.New("cycle chain desync")

	// ErrPeersExhausted is returned when no archiver can serve the next page.
	ErrPeersExhausted = errors.New("archivers have no more cycles")

	// ErrRetriesExhausted is returned when every sync attempt failed.
	ErrRetriesExhausted = errors.New("cycle chain sync retries exhausted")

	// ErrBadAnchor is returned when the agreed newest record fails its own marker check.
	ErrBadAnchor = errors.New("anchor record marker does not match content")
)

// defaultRedundancy is the number of matching answers that settles a query.
const defaultRedundancy = 3

// Peers fetches chain data from other archivers.
type Peers interface {
	CycleInfo(ctx context.Context, base string, count int) ([]cycles.Record, error)
	CycleRange(ctx context.Context, base string, start, end uint64) ([]cycles.Record, error)
	StateHashes(ctx context.Context, base string) ([]protocol.StateHashes, error)
	FullArchive(ctx context.Context, base string) ([]archive.ArchivedCycle, error)
}

// Store persists the synced chain.
type Store interface {
	InsertArchivedCycle(ac archive.ArchivedCycle) error
	Attach(r cycles.Record, a archive.Attachment) error
}

// Config holds the syncer's collaborators.
type Config struct {
	Peers      Peers
	Chain      *cycles.Chain
	Nodes      *nodelist.NodeList
	Store      Store
	Redundancy int             // Redundancy defaults to 3
	Intn       func(n int) int // Intn picks archivers, math/rand/v2 by default
}

// Syncer backfills the chain.
type Syncer struct {
	peers      Peers
	chain      *cycles.Chain
	nodes      *nodelist.NodeList
	store      Store
	redundancy int
	intn       func(n int) int
}

// New creates a syncer.
func New(cfg Config) *Syncer {
	s := &Syncer{
		peers:      cfg.Peers,
		chain:      cfg.Chain,
		nodes:      cfg.Nodes,
		store:      cfg.Store,
		redundancy: cfg.Redundancy,
		intn:       cfg.Intn,
	}

	if s.redundancy <= 0 {
		s.redundancy = defaultRedundancy
	}
	if s.intn == nil {
		s.intn = rand.IntN
	}

	return s
}

// PageSize is the number of records requested per backward page.
func PageSize(active int) uint64 {
	return 2*uint64(math.Floor(math.Sqrt(float64(active)))) + 2
}

// PageRange returns the inclusive counters of the page preceding front.
func PageRange(front, size uint64) (start, end uint64) {
	end = front - 1
	if end > size {
		start = end - size
	}

	return start, end
}

// Sync agrees on the newest cycle with archivers, walks the chain backwards
// until the membership view is complete, installs that view into the node
// list and persists the collected records oldest first. The chain and node
// list are only touched when the whole walk succeeds.
func (s *Syncer) Sync(ctx context.Context, archivers []protocol.ArchiverInfo) error {
	started := time.Now()
	defer func() { metrics.SyncDuration.Observe(time.Since(started).Seconds()) }()

	anchor, votes, err := agreement.Robust(ctx, archivers, s.newestCycle, cycles.Equivalent, s.redundancy)
	if err != nil {
		return fmt.Errorf("agree on newest cycle:\n%w", err)
	}

	if cycles.ComputeMarker(anchor) != anchor.Marker {
		return fmt.Errorf("%w: cycle %d", ErrBadAnchor, anchor.Counter)
	}

	logger.Info("sync anchor agreed", "counter", anchor.Counter, "marker", anchor.Marker, "votes", votes)

	wantActive := cycles.ActiveNodeCount(anchor)
	wantTotal := cycles.TotalNodeCount(anchor)
	size := PageSize(anchor.Active)

	squasher := membership.NewSquasher()
	squasher.AddChange(membership.ParseRecord(anchor, membership.NoLookup))

	complete := func() bool {
		return squasher.UpdatedCount() >= wantActive && squasher.AddedCount() >= wantTotal
	}

	// collected is newest first; collected[len-1] is the chain front.
	collected := []cycles.Record{anchor}

	for !complete() {
		front := collected[len(collected)-1]
		if front.Counter == 0 {
			logger.Info("reached first cycle", "collected", len(collected))
			break
		}

		start, end := PageRange(front.Counter, size)

		page, _, err := agreement.Sequential(ctx, archivers, func(ctx context.Context, a protocol.ArchiverInfo) ([]cycles.Record, error) {
			return s.page(ctx, a, start, end)
		})
		if err != nil {
			return fmt.Errorf("%w: cycles %d-%d:\n%w", ErrPeersExhausted, start, end, err)
		}

		sort.Slice(page, func(i, j int) bool { return page[i].Counter > page[j].Counter })

		prepended := 0
		for _, r := range page {
			if r.Counter >= front.Counter {
				continue
			}

			if err := cycles.Validate(r, front); err != nil {
				logger.Warn("cycle does not link to chain front", "counter", r.Counter, "front", front.Counter, "error", err)
				break
			}

			collected = append(collected, r)
			squasher.AddChange(membership.ParseRecord(r, membership.NoLookup))
			prepended++
			front = r

			if complete() {
				break
			}
		}

		if prepended == 0 {
			return fmt.Errorf("%w: no record of %d-%d links to cycle %d", ErrDesync, start, end, front.Counter)
		}

		logger.Debug("sync page applied", "start", start, "end", end, "prepended", prepended,
			"added", squasher.AddedCount(), "updated", squasher.UpdatedCount())
	}

	final := squasher.Final()
	membership.ApplyChange(s.nodes, final)

	for i := len(collected) - 1; i >= 0; i-- {
		r := collected[i]

		s.chain.Set(r)
		if err := s.store.InsertArchivedCycle(archive.NewArchivedCycle(r)); err != nil {
			return fmt.Errorf("persist cycle %d:\n%w", r.Counter, err)
		}
	}

	metrics.ChainHeight.Set(float64(anchor.Counter))
	logger.Info("cycle chain synced",
		"counter", anchor.Counter,
		"cycles", len(collected),
		"added", len(final.Added),
		"removed", len(final.Removed),
		"active", len(s.nodes.ActiveList()),
		logger.Timed(started))

	return nil
}

// newestCycle fetches the newest record served by a.
func (s *Syncer) newestCycle(ctx context.Context, a protocol.ArchiverInfo) (cycles.Record, error) {
	records, err := s.peers.CycleInfo(ctx, a.BaseURL(), 1)
	if err != nil {
		return cycles.Record{}, err
	}

	if len(records) != 1 {
		return cycles.Record{}, fmt.Errorf("%s returned %d records, want 1", a.BaseURL(), len(records))
	}

	return records[0], nil
}

// page fetches one backward page, treating an empty page as a failure so
// the next archiver is asked.
func (s *Syncer) page(ctx context.Context, a protocol.ArchiverInfo, start, end uint64) ([]cycles.Record, error) {
	records, err := s.peers.CycleRange(ctx, a.BaseURL(), start, end)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%s has no cycles %d-%d", a.BaseURL(), start, end)
	}

	return records, nil
}

// SyncWithRetry runs Sync up to attempts times, waiting between attempts.
// Each attempt starts from a fresh anchor.
func (s *Syncer) SyncWithRetry(ctx context.Context, archivers []protocol.ArchiverInfo, attempts int, wait time.Duration) error {
	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err = s.Sync(ctx, archivers); err == nil {
			return nil
		}

		logger.Warn("cycle chain sync failed", "attempt", attempt, "of", attempts, "error", err)

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("%w after %d attempts:\n%w", ErrRetriesExhausted, attempts, err)
}

// CycleDuration asks a random archiver for the current cycle duration in seconds.
func (s *Syncer) CycleDuration(ctx context.Context, archivers []protocol.ArchiverInfo) (int64, error) {
	if len(archivers) == 0 {
		return 0, agreement.ErrNoPeers
	}

	r, err := s.newestCycle(ctx, archivers[s.intn(len(archivers))])
	if err != nil {
		return 0, fmt.Errorf("fetch cycle duration:\n%w", err)
	}

	return r.Duration, nil
}
