package archive

import "Archiver/internal/cycles"

// ReceiptMap maps a transaction id to its receipt entries.
type ReceiptMap map[string][]string

// ReceiptMapResult is the receipt map of one partition for one cycle.
type ReceiptMapResult struct {
	Cycle      uint64     `json:"cycle"`
	Partition  int        `json:"partition"`
	ReceiptMap ReceiptMap `json:"receiptMap"`
	TxCount    int        `json:"txCount"`
}

// SummaryBlob is a partition-scoped statistics blob.
type SummaryBlob struct {
	LatestCycle uint64         `json:"latestCycle"` // highest cycle folded into the blob
	Counter     uint64         `json:"counter"`
	ErrorNull   int            `json:"errorNull"`
	Partition   int            `json:"partition"`
	OpaqueBlob  map[string]any `json:"opaqueBlob"`
}

// Attachment is one of the three hash-committed parts of an archived cycle.
type Attachment interface {
	parent() string
	merge(ac *ArchivedCycle)
}

// StateData carries the state hashes announced for a cycle.
type StateData struct {
	ParentCycle     string         `json:"parentCycle,omitempty"`
	NetworkHash     string         `json:"networkHash,omitempty"`
	PartitionHashes map[int]string `json:"partitionHashes,omitempty"`
}

// Receipt carries the receipt hashes and the verified receipt maps.
type Receipt struct {
	ParentCycle     string             `json:"parentCycle,omitempty"`
	NetworkHash     string             `json:"networkHash,omitempty"`
	PartitionHashes map[int]string     `json:"partitionHashes,omitempty"`
	PartitionMaps   map[int]ReceiptMap `json:"partitionMaps,omitempty"`
	PartitionTxs    map[int]int        `json:"partitionTxs,omitempty"`
}

// Summary carries the summary hashes and the verified summary blobs.
type Summary struct {
	ParentCycle     string              `json:"parentCycle,omitempty"`
	NetworkHash     string              `json:"networkHash,omitempty"`
	PartitionHashes map[int]string      `json:"partitionHashes,omitempty"`
	PartitionBlobs  map[int]SummaryBlob `json:"partitionBlobs,omitempty"`
}

// ArchivedCycle is the durable unit of history.
type ArchivedCycle struct {
	CycleRecord cycles.Record `json:"cycleRecord"`
	CycleMarker string        `json:"cycleMarker"`
	Data        *StateData    `json:"data,omitempty"`
	Receipt     *Receipt      `json:"receipt,omitempty"`
	Summary     *Summary      `json:"summary,omitempty"`
}

// NewArchivedCycle creates an archived cycle with no attachments.
func NewArchivedCycle(r cycles.Record) ArchivedCycle {
	return ArchivedCycle{CycleRecord: r, CycleMarker: r.Marker}
}

func (d *StateData) parent() string { return d.ParentCycle }
func (r *Receipt) parent() string   { return r.ParentCycle }
func (s *Summary) parent() string   { return s.ParentCycle }

// Fields already set on the stored attachment are kept; only gaps are filled.

func (d *StateData) merge(ac *ArchivedCycle) {
	if ac.Data == nil {
		ac.Data = &StateData{}
	}

	cur := ac.Data
	fillString(&cur.ParentCycle, d.ParentCycle)
	fillString(&cur.NetworkHash, d.NetworkHash)
	cur.PartitionHashes = fillMap(cur.PartitionHashes, d.PartitionHashes)
}

func (r *Receipt) merge(ac *ArchivedCycle) {
	if ac.Receipt == nil {
		ac.Receipt = &Receipt{}
	}

	cur := ac.Receipt
	fillString(&cur.ParentCycle, r.ParentCycle)
	fillString(&cur.NetworkHash, r.NetworkHash)
	cur.PartitionHashes = fillMap(cur.PartitionHashes, r.PartitionHashes)
	cur.PartitionMaps = fillMap(cur.PartitionMaps, r.PartitionMaps)
	cur.PartitionTxs = fillMap(cur.PartitionTxs, r.PartitionTxs)
}

func (s *Summary) merge(ac *ArchivedCycle) {
	if ac.Summary == nil {
		ac.Summary = &Summary{}
	}

	cur := ac.Summary
	fillString(&cur.ParentCycle, s.ParentCycle)
	fillString(&cur.NetworkHash, s.NetworkHash)
	cur.PartitionHashes = fillMap(cur.PartitionHashes, s.PartitionHashes)
	cur.PartitionBlobs = fillMap(cur.PartitionBlobs, s.PartitionBlobs)
}

func fillString(dst *string, src string) {
	if *dst == "" {
		*dst = src
	}
}

func fillMap[V any](dst, src map[int]V) map[int]V {
	if len(src) == 0 {
		return dst
	}

	if dst == nil {
		dst = make(map[int]V, len(src))
	}

	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}

	return dst
}
