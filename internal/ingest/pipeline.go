// Package ingest applies pushed data to the local chain and archive.
package ingest

import (
	"context"
	"fmt"

	"Archiver/internal/archive"
	"Archiver/internal/cycles"
	"Archiver/internal/feed"
	"Archiver/internal/logger"
	"Archiver/internal/membership"
	"Archiver/internal/metrics"
	"Archiver/internal/nodelist"
	"Archiver/internal/protocol"
)

// Store is the part of the archive the pipeline writes to.
type Store interface {
	InsertCycle(r cycles.Record) error
	InsertArchivedCycle(ac archive.ArchivedCycle) error
	Attach(r cycles.Record, a archive.Attachment) error
}

// Corroborator fetches and verifies the bodies behind announced hashes.
// Corroborate must not block on the network.
type Corroborator interface {
	Corroborate(ctx context.Context, kind protocol.QueryKind, counter uint64)
}

// Publisher republishes accepted data.
type Publisher interface {
	Publish(topic string, v any) error
}

// Config holds the pipeline's collaborators. Feed is optional.
type Config struct {
	Chain    *cycles.Chain
	Nodes    *nodelist.NodeList
	Store    Store
	Verifier Corroborator
	Feed     Publisher
}

// Pipeline routes decoded push data by category.
type Pipeline struct {
	chain    *cycles.Chain
	nodes    *nodelist.NodeList
	store    Store
	verifier Corroborator
	feed     Publisher
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		chain:    cfg.Chain,
		nodes:    cfg.Nodes,
		store:    cfg.Store,
		verifier: cfg.Verifier,
		feed:     cfg.Feed,
	}
}

// Handle applies every item of a push. Storage failures are returned;
// malformed or unlinkable records are logged and skipped.
func (p *Pipeline) Handle(ctx context.Context, data []protocol.Data) error {
	published := make(map[protocol.Category]any, len(data))

	for _, d := range data {
		switch v := d.(type) {
		case protocol.CycleData:
			if err := p.handleCycles(v.Records); err != nil {
				return err
			}
			published[protocol.CategoryCycle] = v.Records

		case protocol.StateMetadataData:
			if err := p.handleStateMetadata(ctx, v.Items); err != nil {
				return err
			}
			published[protocol.CategoryStateMetadata] = v.Items

		default:
			return fmt.Errorf("%w: %T", protocol.ErrUnknownCategory, d)
		}
	}

	if p.feed != nil && len(published) > 0 {
		if err := p.feed.Publish(feed.TopicData, published); err != nil {
			logger.Warn("republish data failed", "error", err)
		}
	}

	return nil
}

// handleCycles appends records in order, stopping at the first one that
// does not link to the chain. Only the batch's first record gets an archived
// cycle stub here; the others get theirs when an attachment arrives.
func (p *Pipeline) handleCycles(records []cycles.Record) error {
	for i, r := range records {
		if _, known := p.chain.GetByMarker(r.Marker); known {
			continue
		}

		if got := cycles.ComputeMarker(r); got != r.Marker {
			logger.Warn("dropping cycle with bad marker", "counter", r.Counter, "marker", r.Marker, "computed", got)
			return nil
		}

		if err := p.chain.Append(r); err != nil {
			logger.Warn("dropping unlinked cycle", "counter", r.Counter, "marker", r.Marker, "error", err)
			return nil
		}

		membership.ApplyRecord(p.nodes, r)

		if err := p.store.InsertCycle(r); err != nil {
			return fmt.Errorf("persist cycle %d:\n%w", r.Counter, err)
		}

		if i == 0 {
			if err := p.store.InsertArchivedCycle(archive.NewArchivedCycle(r)); err != nil {
				return fmt.Errorf("persist archived cycle %d:\n%w", r.Counter, err)
			}
		}

		metrics.CyclesIngested.Inc()
		metrics.ChainHeight.Set(float64(p.chain.CurrentCounter()))

		logger.Info("cycle ingested", "counter", r.Counter, "marker", r.Marker, "active", r.Active)
	}

	return nil
}

// handleStateMetadata attaches announced hashes to their parent cycles and
// starts corroboration of the receipt and summary bodies. A kind whose
// parent cycle is unknown is skipped without affecting the others.
func (p *Pipeline) handleStateMetadata(ctx context.Context, items []protocol.StateMetaData) error {
	for _, item := range items {
		for _, sh := range item.StateHashes {
			parent, ok := p.parent(sh.Counter, "state")
			if !ok {
				continue
			}

			data := &archive.StateData{
				ParentCycle:     parent.Marker,
				NetworkHash:     sh.NetworkHash,
				PartitionHashes: sh.PartitionHashes,
			}
			if err := p.attach(parent, data); err != nil {
				return err
			}
		}

		for _, rh := range item.ReceiptHashes {
			parent, ok := p.parent(rh.Counter, "receipt")
			if !ok {
				continue
			}

			receipt := &archive.Receipt{
				ParentCycle:     parent.Marker,
				NetworkHash:     rh.NetworkReceiptHash,
				PartitionHashes: rh.ReceiptMapHashes,
			}
			if err := p.attach(parent, receipt); err != nil {
				return err
			}

			p.verifier.Corroborate(ctx, protocol.QueryReceiptMap, rh.Counter)
		}

		for _, sh := range item.SummaryHashes {
			parent, ok := p.parent(sh.Counter, "summary")
			if !ok {
				continue
			}

			summary := &archive.Summary{
				ParentCycle:     parent.Marker,
				NetworkHash:     sh.NetworkSummaryHash,
				PartitionHashes: sh.SummaryHashes,
			}
			if err := p.attach(parent, summary); err != nil {
				return err
			}

			p.verifier.Corroborate(ctx, protocol.QuerySummaryBlob, sh.Counter)
		}
	}

	return nil
}

// parent resolves the cycle an announcement refers to.
func (p *Pipeline) parent(counter uint64, kind string) (cycles.Record, bool) {
	r, ok := p.chain.Get(counter)
	if !ok {
		logger.Warn("no parent cycle for hashes", "kind", kind, "counter", counter)
	}

	return r, ok
}

// attach merges a into the archived cycle of parent.
func (p *Pipeline) attach(parent cycles.Record, a archive.Attachment) error {
	if err := p.store.Attach(parent, a); err != nil {
		return fmt.Errorf("attach to cycle %d:\n%w", parent.Counter, err)
	}

	return nil
}
