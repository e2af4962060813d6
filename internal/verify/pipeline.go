// Package verify fetches the bodies behind announced hashes from active
// validators and keeps only those matching the committed hashes.
package verify

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"Archiver/internal/archive"
	"Archiver/internal/crypto"
	"Archiver/internal/cycles"
	"Archiver/internal/feed"
	"Archiver/internal/logger"
	"Archiver/internal/metrics"
	"Archiver/internal/nodelist"
	"Archiver/internal/protocol"
)

// ErrUnknownQuery is returned for a query kind the pipeline does not verify.
var ErrUnknownQuery = errors.New("unknown query kind")

const (
	// queryTimeout bounds a single corroboration query.
	queryTimeout = 15 * time.Second

	// storedWindow is how many cycles behind the chain head stored bodies
	// are remembered. Bodies for older cycles are no longer accepted.
	storedWindow = 100
)

// Querier sends signed data queries to validators.
type Querier interface {
	QueryData(ctx context.Context, node nodelist.NodeInfo, kind protocol.QueryKind, counter uint64) (protocol.QueryResponse, error)
}

// Store persists verified bodies and resolves committed hashes.
type Store interface {
	GetArchivedCycle(marker string) (archive.ArchivedCycle, bool, error)
	StoreReceiptMap(res archive.ReceiptMapResult) error
	UpdateReceiptMap(res archive.ReceiptMapResult) error
	StoreSummaryBlob(blob archive.SummaryBlob, cycle uint64) error
	UpdateSummaryBlob(blob archive.SummaryBlob, cycle uint64) error
}

// ActiveSource lists the validators to query.
type ActiveSource interface {
	ActiveList() []nodelist.NodeInfo
}

// Publisher republishes merged summary blobs.
type Publisher interface {
	Publish(topic string, v any) error
}

// Config holds the pipeline's collaborators. Feed is optional.
type Config struct {
	Querier Querier
	Store   Store
	Chain   *cycles.Chain
	Nodes   ActiveSource
	Feed    Publisher
}

// storedKey identifies a verified body.
type storedKey struct {
	kind      protocol.QueryKind
	cycle     uint64
	partition int
	hash      string
}

// Pipeline verifies query responses and persists the bodies that match.
type Pipeline struct {
	querier Querier
	store   Store
	chain   *cycles.Chain
	nodes   ActiveSource
	feed    Publisher

	mu       sync.Mutex
	stored   map[storedKey]struct{} // stored holds the bodies persisted within storedWindow
	prunedAt uint64                 // prunedAt is the chain head stored was last pruned at

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())

	return &Pipeline{
		querier: cfg.Querier,
		store:   cfg.Store,
		chain:   cfg.Chain,
		nodes:   cfg.Nodes,
		feed:    cfg.Feed,
		stored:  make(map[storedKey]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Corroborate queries every active validator for the kind bodies of cycle
// counter. It returns immediately; each response is verified on arrival.
func (p *Pipeline) Corroborate(_ context.Context, kind protocol.QueryKind, counter uint64) {
	nodes := p.nodes.ActiveList()

	logger.Debug("corroborating", "kind", kind, "counter", counter, "nodes", len(nodes))

	for _, node := range nodes {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.query(node, kind, counter)
		}()
	}
}

// query asks one validator and verifies the answer.
func (p *Pipeline) query(node nodelist.NodeInfo, kind protocol.QueryKind, counter uint64) {
	ctx, cancel := context.WithTimeout(p.ctx, queryTimeout)
	defer cancel()

	resp, err := p.querier.QueryData(ctx, node, kind, counter)
	if err != nil {
		logger.Debug("query failed", "node", node.PublicKey, "kind", kind, "counter", counter, "error", err)
		return
	}

	if !resp.Success {
		logger.Debug("query unsuccessful", "node", node.PublicKey, "kind", kind, "counter", counter)
		return
	}

	if err := p.OnQueryResult(ctx, kind, resp); err != nil {
		logger.Warn("query result rejected", "node", node.PublicKey, "kind", kind, "counter", counter, "error", err)
	}
}

// Wait blocks until every running query has been handled.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close cancels running queries and waits for them.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// OnQueryResult verifies a query response and persists the matching bodies.
// Mismatching bodies are discarded. Replays of stored bodies are no-ops.
func (p *Pipeline) OnQueryResult(_ context.Context, kind protocol.QueryKind, resp protocol.QueryResponse) error {
	switch kind {
	case protocol.QueryReceiptMap:
		for key, raw := range resp.Data {
			counter, err := strconv.ParseUint(key, 10, 64)
			if err != nil {
				return fmt.Errorf("receipt response key %q:\n%w", key, err)
			}

			results, err := protocol.ReceiptMaps(raw)
			if err != nil {
				return err
			}

			for _, res := range results {
				if err := p.acceptReceipt(counter, res); err != nil {
					return err
				}
			}
		}

	case protocol.QuerySummaryBlob:
		for _, raw := range resp.Data {
			clumps, err := protocol.StatsClumps(raw)
			if err != nil {
				return err
			}

			for _, clump := range clumps {
				if err := p.acceptClump(clump); err != nil {
					return err
				}
			}
		}

	default:
		return fmt.Errorf("%w: %q", ErrUnknownQuery, kind)
	}

	return nil
}

// acceptReceipt stores res if its hash equals the receipt hash committed
// for (counter, partition).
func (p *Pipeline) acceptReceipt(counter uint64, res archive.ReceiptMapResult) error {
	if res.Cycle != counter {
		metrics.VerifiedBodies.WithLabelValues("receipt", "mismatch").Inc()
		logger.Debug("receipt map filed under another cycle", "counter", counter, "cycle", res.Cycle, "partition", res.Partition)
		return nil
	}

	hash := crypto.HashObj(res)

	want, ok := p.commitment(protocol.QueryReceiptMap, counter, res.Partition)
	if !ok || hash != want {
		metrics.VerifiedBodies.WithLabelValues("receipt", "mismatch").Inc()
		logger.Debug("receipt map hash mismatch", "counter", counter, "partition", res.Partition, "hash", hash, "want", want)
		return nil
	}

	key := storedKey{protocol.QueryReceiptMap, counter, res.Partition, hash}
	if !p.claim(key) {
		return nil
	}

	if err := p.store.StoreReceiptMap(res); err != nil {
		p.release(key)
		return fmt.Errorf("store receipt map %d/%d:\n%w", counter, res.Partition, err)
	}

	if err := p.store.UpdateReceiptMap(res); err != nil {
		p.release(key)
		return fmt.Errorf("attach receipt map %d/%d:\n%w", counter, res.Partition, err)
	}

	metrics.VerifiedBodies.WithLabelValues("receipt", "match").Inc()
	logger.Info("receipt map stored", "counter", counter, "partition", res.Partition, "txCount", res.TxCount)

	return nil
}

// summaryPair is the hashed shape of a partition's summary. Absent sides
// are omitted from the hash input.
type summaryPair struct {
	DataStat *archive.SummaryBlob `json:"dataStat,omitempty"`
	TxStats  *archive.SummaryBlob `json:"txStats,omitempty"`
}

// verifiedBlob is a covered partition whose hash matched.
type verifiedBlob struct {
	blob archive.SummaryBlob
	hash string
}

// acceptClump verifies every covered partition of clump first and only
// then stores the merged blobs. One mismatch discards the whole clump.
func (p *Pipeline) acceptClump(clump protocol.StatsClump) error {
	if clump.Error {
		logger.Debug("skipping stats clump flagged as error", "counter", clump.Cycle)
		return nil
	}

	verified := make([]verifiedBlob, 0, len(clump.Covered))

	for _, partition := range clump.Covered {
		pair := summaryPair{
			DataStat: findBlob(clump.DataStats, partition),
			TxStats:  findBlob(clump.TxStats, partition),
		}

		hash := crypto.HashObj(pair)
		want, ok := p.commitment(protocol.QuerySummaryBlob, clump.Cycle, partition)
		if !ok || hash != want {
			metrics.VerifiedBodies.WithLabelValues("summary", "mismatch").Inc()
			logger.Debug("summary hash mismatch, discarding clump", "counter", clump.Cycle, "partition", partition, "hash", hash, "want", want)
			return nil
		}

		if blob, ok := mergeBlobs(pair.DataStat, pair.TxStats); ok {
			verified = append(verified, verifiedBlob{blob: blob, hash: hash})
		}
	}

	forwarded := make([]archive.SummaryBlob, 0, len(verified))

	for _, v := range verified {
		key := storedKey{protocol.QuerySummaryBlob, clump.Cycle, v.blob.Partition, v.hash}
		if !p.claim(key) {
			continue
		}

		if err := p.store.StoreSummaryBlob(v.blob, clump.Cycle); err != nil {
			p.release(key)
			return fmt.Errorf("store summary blob %d/%d:\n%w", clump.Cycle, v.blob.Partition, err)
		}

		if err := p.store.UpdateSummaryBlob(v.blob, clump.Cycle); err != nil {
			p.release(key)
			return fmt.Errorf("attach summary blob %d/%d:\n%w", clump.Cycle, v.blob.Partition, err)
		}

		metrics.VerifiedBodies.WithLabelValues("summary", "match").Inc()
		forwarded = append(forwarded, v.blob)
	}

	if len(forwarded) == 0 {
		return nil
	}

	logger.Info("summary blobs stored", "counter", clump.Cycle, "count", len(forwarded))

	if p.feed != nil {
		msg := SummaryBlobs{Blobs: forwarded, Cycle: clump.Cycle}
		if err := p.feed.Publish(feed.TopicSummaryBlob, msg); err != nil {
			logger.Warn("republish summary blobs failed", "counter", clump.Cycle, "error", err)
		}
	}

	return nil
}

// SummaryBlobs is the republished message for a cycle's verified blobs.
type SummaryBlobs struct {
	Blobs []archive.SummaryBlob `json:"blobs"`
	Cycle uint64                `json:"cycle"`
}

// commitment returns the partition hash committed for counter, looked up
// through the archived cycle of the local chain record.
func (p *Pipeline) commitment(kind protocol.QueryKind, counter uint64, partition int) (string, bool) {
	r, ok := p.chain.Get(counter)
	if !ok {
		return "", false
	}

	ac, ok, err := p.store.GetArchivedCycle(r.Marker)
	if err != nil || !ok {
		return "", false
	}

	var hashes map[int]string
	switch kind {
	case protocol.QueryReceiptMap:
		if ac.Receipt != nil {
			hashes = ac.Receipt.PartitionHashes
		}
	case protocol.QuerySummaryBlob:
		if ac.Summary != nil {
			hashes = ac.Summary.PartitionHashes
		}
	}

	hash, ok := hashes[partition]

	return hash, ok && hash != ""
}

// claim marks key as stored. It returns false if it already was, or if its
// cycle has fallen out of storedWindow.
func (p *Pipeline) claim(key storedKey) bool {
	head := p.chain.CurrentCounter()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked(head)

	if key.cycle+storedWindow < head {
		return false
	}
	if _, ok := p.stored[key]; ok {
		return false
	}
	p.stored[key] = struct{}{}

	return true
}

// pruneLocked forgets the bodies of cycles that fell out of storedWindow
// since the last prune.
func (p *Pipeline) pruneLocked(head uint64) {
	if head <= p.prunedAt {
		return
	}

	for key := range p.stored {
		if key.cycle+storedWindow < head {
			delete(p.stored, key)
		}
	}
	p.prunedAt = head
}

// remembered returns how many stored bodies are tracked.
func (p *Pipeline) remembered() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.stored)
}

// release undoes a claim after a failed write.
func (p *Pipeline) release(key storedKey) {
	p.mu.Lock()
	delete(p.stored, key)
	p.mu.Unlock()
}

func findBlob(blobs []archive.SummaryBlob, partition int) *archive.SummaryBlob {
	for i := range blobs {
		if blobs[i].Partition == partition {
			return &blobs[i]
		}
	}

	return nil
}

// mergeBlobs combines the data and tx blobs of a partition. With both
// present the tx latestCycle wins and the opaque blobs are shallow-merged
// with tx keys on top.
func mergeBlobs(data, tx *archive.SummaryBlob) (archive.SummaryBlob, bool) {
	switch {
	case data == nil && tx == nil:
		return archive.SummaryBlob{}, false
	case data == nil:
		return *tx, true
	case tx == nil:
		return *data, true
	}

	merged := *data
	merged.LatestCycle = tx.LatestCycle
	merged.OpaqueBlob = make(map[string]any, len(data.OpaqueBlob)+len(tx.OpaqueBlob))
	maps.Copy(merged.OpaqueBlob, data.OpaqueBlob)
	maps.Copy(merged.OpaqueBlob, tx.OpaqueBlob)

	return merged, true
}
