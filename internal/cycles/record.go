package cycles

import (
	"fmt"
	"strconv"

	"Archiver/internal/crypto"
)

// JoinedConsensor describes a validator that entered the network in a cycle.
type JoinedConsensor struct {
	ID               string `json:"id"`
	PublicKey        string `json:"publicKey"`
	ExternalIP       string `json:"externalIp"`
	ExternalPort     int    `json:"externalPort"`
	CycleJoined      string `json:"cycleJoined"`      // marker of the cycle the node joined in
	CounterRefreshed uint64 `json:"counterRefreshed"` // last cycle the node was refreshed
}

// Archiver identifies an archiver announced in a cycle record.
type Archiver struct {
	PublicKey string `json:"publicKey"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
}

// NetworkHash is a network-wide hash committed for an earlier cycle.
type NetworkHash struct {
	Cycle uint64 `json:"cycle"`
	Hash  string `json:"hash"`
}

// Record is one network epoch as produced by the validators.
// Records are never mutated once accepted into a chain.
type Record struct {
	Counter  uint64 `json:"counter"`
	Marker   string `json:"marker,omitempty"`
	Previous string `json:"previous"`
	Start    int64  `json:"start"`    // unix seconds
	Duration int64  `json:"duration"` // seconds

	Active  int `json:"active"`
	Desired int `json:"desired"`
	Syncing int `json:"syncing"`

	JoinedConsensors    []JoinedConsensor `json:"joinedConsensors"`
	RefreshedConsensors []JoinedConsensor `json:"refreshedConsensors"`
	Activated           []string          `json:"activated"`
	Apoptosized         []string          `json:"apoptosized"`
	Removed             []string          `json:"removed"`
	Lost                []string          `json:"lost"`

	JoinedArchivers  []Archiver `json:"joinedArchivers"`
	LeavingArchivers []Archiver `json:"leavingArchivers"`

	NetworkDataHash    []NetworkHash `json:"networkDataHash"`
	NetworkReceiptHash []NetworkHash `json:"networkReceiptHash"`
	NetworkSummaryHash []NetworkHash `json:"networkSummaryHash"`

	// CurrentTime is stamped by the serving peer and is not part of the record.
	CurrentTime int64 `json:"currentTime,omitempty"`
}

// ComputeMarker returns the content hash of r, excluding its own marker and
// the volatile serving timestamp.
func ComputeMarker(r Record) string {
	r.Marker = ""
	r.CurrentTime = 0

	return crypto.HashObj(r)
}

// Validate reports whether next is the direct successor of prev:
// consecutive counters, next pointing back at prev's marker, and prev's
// marker matching its content.
func Validate(prev, next Record) error {
	if prev.Counter+1 != next.Counter {
		return fmt.Errorf("counter %d does not precede %d", prev.Counter, next.Counter)
	}

	if next.Previous != prev.Marker {
		return fmt.Errorf("cycle %d links to %s, want %s", next.Counter, next.Previous, prev.Marker)
	}

	if got := ComputeMarker(prev); got != prev.Marker {
		return fmt.Errorf("cycle %d marker %s does not match content %s", prev.Counter, prev.Marker, got)
	}

	return nil
}

// Equivalent compares two records ignoring the serving timestamp.
func Equivalent(a, b Record) bool {
	a.CurrentTime = 0
	b.CurrentTime = 0

	return crypto.HashObj(a) == crypto.HashObj(b)
}

// ActiveNodeCount is the number of active validators after r is applied.
func ActiveNodeCount(r Record) int {
	return r.Active + len(r.Activated) - len(r.Apoptosized) - len(r.Removed) - len(r.Lost)
}

// TotalNodeCount is the number of validators known after r is applied.
// Activated nodes are already counted under syncing or active.
func TotalNodeCount(r Record) int {
	return r.Syncing + len(r.JoinedConsensors) + r.Active - len(r.Apoptosized) - len(r.Removed) - len(r.Lost)
}

// NetworkHashFor returns the hash committed for cycle in hashes.
func NetworkHashFor(hashes []NetworkHash, cycle uint64) (string, bool) {
	for _, h := range hashes {
		if h.Cycle == cycle {
			return h.Hash, true
		}
	}

	return "", false
}

// String renders a short identifier for logs.
func (r Record) String() string {
	marker := r.Marker
	if len(marker) > 12 {
		marker = marker[:12]
	}

	return strconv.FormatUint(r.Counter, 10) + "/" + marker
}

// Seal returns r with its marker set from its content.
func Seal(r Record) Record {
	r.Marker = ComputeMarker(r)
	return r
}

// Link returns next sealed as the successor of prev.
func Link(prev, next Record) Record {
	next.Counter = prev.Counter + 1
	next.Previous = prev.Marker

	return Seal(next)
}

// BaseURL returns the archiver's HTTP root.
func (a Archiver) BaseURL() string {
	return "http://" + a.IP + ":" + strconv.Itoa(a.Port)
}
