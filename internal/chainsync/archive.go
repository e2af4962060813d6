package chainsync

import (
	"context"
	"fmt"

	"Archiver/internal/agreement"
	"Archiver/internal/archive"
	"Archiver/internal/crypto"
	"Archiver/internal/cycles"
	"Archiver/internal/logger"
	"Archiver/internal/protocol"
)

// committed holds the network hashes the local chain commits to, by cycle.
type committed struct {
	data    map[uint64]string
	receipt map[uint64]string
	summary map[uint64]string
}

func collectCommitted(records []cycles.Record) committed {
	c := committed{
		data:    make(map[uint64]string),
		receipt: make(map[uint64]string),
		summary: make(map[uint64]string),
	}

	for _, r := range records {
		for _, h := range r.NetworkDataHash {
			c.data[h.Cycle] = h.Hash
		}
		for _, h := range r.NetworkReceiptHash {
			c.receipt[h.Cycle] = h.Hash
		}
		for _, h := range r.NetworkSummaryHash {
			c.summary[h.Cycle] = h.Hash
		}
	}

	return c
}

// SyncArchive downloads the archived cycles of a random archiver and keeps
// every attachment whose network hash matches what the local chain commits
// to. Data hashes missing from the chain are settled by asking archivers
// for their state hashes. It returns the number of attachments stored.
func (s *Syncer) SyncArchive(ctx context.Context, archivers []protocol.ArchiverInfo) (int, error) {
	if len(archivers) == 0 {
		return 0, agreement.ErrNoPeers
	}

	source := archivers[s.intn(len(archivers))]

	archived, err := s.peers.FullArchive(ctx, source.BaseURL())
	if err != nil {
		return 0, fmt.Errorf("download archive from %s:\n%w", source.BaseURL(), err)
	}

	newest, ok := s.chain.Newest()
	if !ok {
		return 0, nil
	}

	want := collectCommitted(s.chain.Range(0, newest.Counter))

	if s.missingData(archived, want) {
		s.fillDataHashes(ctx, archivers, want)
	}

	stored := 0
	for _, ac := range archived {
		local, ok := s.chain.Get(ac.CycleRecord.Counter)
		if !ok || local.Marker != ac.CycleMarker {
			continue
		}

		for _, a := range accepted(ac, want) {
			if err := s.store.Attach(local, a); err != nil {
				return stored, fmt.Errorf("store attachment of cycle %d:\n%w", local.Counter, err)
			}
			stored++
		}
	}

	logger.Info("archive synced", "source", source.BaseURL(), "downloaded", len(archived), "stored", stored)

	return stored, nil
}

// accepted returns the attachments of ac whose network hash is committed.
func accepted(ac archive.ArchivedCycle, want committed) []archive.Attachment {
	counter := ac.CycleRecord.Counter

	var out []archive.Attachment
	if ac.Data != nil && matches(want.data, counter, ac.Data.NetworkHash) {
		out = append(out, ac.Data)
	}
	if ac.Receipt != nil && matches(want.receipt, counter, ac.Receipt.NetworkHash) {
		out = append(out, ac.Receipt)
	}
	if ac.Summary != nil && matches(want.summary, counter, ac.Summary.NetworkHash) {
		out = append(out, ac.Summary)
	}

	if n := attachmentCount(ac); len(out) < n {
		logger.Debug("rejected archived attachments", "cycle", counter, "rejected", n-len(out))
	}

	return out
}

func attachmentCount(ac archive.ArchivedCycle) int {
	n := 0
	if ac.Data != nil {
		n++
	}
	if ac.Receipt != nil {
		n++
	}
	if ac.Summary != nil {
		n++
	}

	return n
}

func matches(hashes map[uint64]string, counter uint64, hash string) bool {
	want, ok := hashes[counter]
	return ok && hash != "" && want == hash
}

// missingData reports whether some downloaded state data has no committed hash.
func (s *Syncer) missingData(archived []archive.ArchivedCycle, want committed) bool {
	for _, ac := range archived {
		if ac.Data == nil {
			continue
		}
		if _, ok := want.data[ac.CycleRecord.Counter]; !ok {
			return true
		}
	}

	return false
}

// fillDataHashes adds the state hashes archivers agree on for cycles the
// chain has no data hash for.
func (s *Syncer) fillDataHashes(ctx context.Context, archivers []protocol.ArchiverInfo, want committed) {
	query := func(ctx context.Context, a protocol.ArchiverInfo) ([]protocol.StateHashes, error) {
		return s.peers.StateHashes(ctx, a.BaseURL())
	}
	equal := func(a, b []protocol.StateHashes) bool {
		return crypto.HashObj(a) == crypto.HashObj(b)
	}

	hashes, _, err := agreement.Robust(ctx, archivers, query, equal, s.redundancy)
	if err != nil {
		logger.Warn("state hashes not agreed", "error", err)
		return
	}

	for _, h := range hashes {
		if _, ok := want.data[h.Counter]; !ok && h.NetworkHash != "" {
			want.data[h.Counter] = h.NetworkHash
		}
	}
}
