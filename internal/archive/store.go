// Package archive persists the cycle chain and its verified attachments.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"Archiver/internal/cycles"
	"Archiver/internal/storage"
)

var (
	// ErrNotFound is returned when the referenced archived cycle does not exist.
	ErrNotFound = errors.New("archived cycle not found")

	// ErrWrongParent is returned for an attachment that names another cycle.
	ErrWrongParent = errors.New("attachment belongs to another cycle")
)

// Key prefixes for storage.
var (
	prefixCycle    = []byte("c:") // c:<counter> -> cycle record
	prefixMarker   = []byte("m:") // m:<marker> -> counter
	prefixArchived = []byte("a:") // a:<marker> -> compressed archived cycle
	prefixReceipt  = []byte("r:") // r:<cycle><partition> -> receipt map result
	prefixSummary  = []byte("s:") // s:<cycle><partition> -> summary blob
)

// Store is the archive's persistence layer. All writes are insert-or-replace.
type Store struct {
	db storage.Backend

	// mu serialises read-modify-write updates of archived cycles.
	mu sync.Mutex
}

// New creates a store over db.
func New(db storage.Backend) *Store {
	return &Store{db: db}
}

// InsertArchivedCycle stores ac and indexes its cycle record. Attachments
// already stored for the same marker are kept when ac does not carry them.
func (s *Store) InsertArchivedCycle(ac ArchivedCycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.getArchived(ac.CycleMarker)
	if err != nil {
		return err
	}

	if ok {
		if ac.Data == nil {
			ac.Data = existing.Data
		}
		if ac.Receipt == nil {
			ac.Receipt = existing.Receipt
		}
		if ac.Summary == nil {
			ac.Summary = existing.Summary
		}
	}

	pairs, err := archivedPairs(ac)
	if err != nil {
		return err
	}

	if err := s.db.SetBatch(pairs); err != nil {
		return fmt.Errorf("insert archived cycle %d:\n%w", ac.CycleRecord.Counter, err)
	}

	return nil
}

// UpdateArchivedCycle fills the attachment a into the archived cycle with
// the given marker. Values already present are never overwritten. An
// attachment whose parent cycle is set to another marker is rejected.
func (s *Store) UpdateArchivedCycle(marker string, a Attachment) error {
	if err := checkParent(marker, a); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateLocked(marker, a.merge)
}

// Attach fills a into the archived cycle of r, creating the archived cycle
// first if it was never stored.
func (s *Store) Attach(r cycles.Record, a Attachment) error {
	if err := checkParent(r.Marker, a); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok, err := s.getArchived(r.Marker)
	if err != nil {
		return err
	}

	if !ok {
		pairs, err := archivedPairs(NewArchivedCycle(r))
		if err != nil {
			return err
		}
		if err := s.db.SetBatch(pairs); err != nil {
			return fmt.Errorf("create archived cycle %d:\n%w", r.Counter, err)
		}
	}

	return s.updateLocked(r.Marker, a.merge)
}

// checkParent accepts a only if its parent is unset or equal to marker.
func checkParent(marker string, a Attachment) error {
	if p := a.parent(); p != "" && p != marker {
		return fmt.Errorf("%w: parent %s, cycle %s", ErrWrongParent, p, marker)
	}

	return nil
}

// updateLocked applies fn to the stored archived cycle. Caller holds mu.
func (s *Store) updateLocked(marker string, fn func(ac *ArchivedCycle)) error {
	ac, ok, err := s.getArchived(marker)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, marker)
	}

	fn(&ac)

	value, err := marshalCompressed(ac)
	if err != nil {
		return err
	}

	return s.db.Set(archivedKey(marker), value)
}

// GetArchivedCycle returns the archived cycle with the given marker.
func (s *Store) GetArchivedCycle(marker string) (ArchivedCycle, bool, error) {
	return s.getArchived(marker)
}

func (s *Store) getArchived(marker string) (ArchivedCycle, bool, error) {
	data, err := s.db.Get(archivedKey(marker))
	if err != nil || data == nil {
		return ArchivedCycle{}, false, err
	}

	var ac ArchivedCycle
	if err := unmarshalCompressed(data, &ac); err != nil {
		return ArchivedCycle{}, false, err
	}

	return ac, true, nil
}

// AllArchivedCycles returns every archived cycle in counter order.
func (s *Store) AllArchivedCycles() ([]ArchivedCycle, error) {
	records, err := s.QueryAllCycleRecords()
	if err != nil {
		return nil, err
	}

	out := make([]ArchivedCycle, 0, len(records))
	for _, r := range records {
		ac, ok, err := s.getArchived(r.Marker)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ac)
		}
	}

	return out, nil
}

// StoreReceiptMap persists a verified receipt map result.
func (s *Store) StoreReceiptMap(res ReceiptMapResult) error {
	value, err := marshal(res)
	if err != nil {
		return err
	}

	return s.db.Set(partitionKey(prefixReceipt, res.Cycle, res.Partition), value)
}

// UpdateReceiptMap attaches a verified receipt map to its archived cycle.
func (s *Store) UpdateReceiptMap(res ReceiptMapResult) error {
	return s.updateByCounter(res.Cycle, func(ac *ArchivedCycle) {
		if ac.Receipt == nil {
			ac.Receipt = &Receipt{ParentCycle: ac.CycleMarker}
		}
		if ac.Receipt.PartitionMaps == nil {
			ac.Receipt.PartitionMaps = make(map[int]ReceiptMap)
		}
		if ac.Receipt.PartitionTxs == nil {
			ac.Receipt.PartitionTxs = make(map[int]int)
		}

		ac.Receipt.PartitionMaps[res.Partition] = res.ReceiptMap
		ac.Receipt.PartitionTxs[res.Partition] = res.TxCount
	})
}

// ReceiptMap returns the stored receipt map for (cycle, partition).
func (s *Store) ReceiptMap(cycle uint64, partition int) (ReceiptMapResult, bool, error) {
	var res ReceiptMapResult
	ok, err := s.getValue(partitionKey(prefixReceipt, cycle, partition), &res)

	return res, ok, err
}

// StoreSummaryBlob persists a verified summary blob for cycle.
func (s *Store) StoreSummaryBlob(blob SummaryBlob, cycle uint64) error {
	value, err := marshal(blob)
	if err != nil {
		return err
	}

	return s.db.Set(partitionKey(prefixSummary, cycle, blob.Partition), value)
}

// UpdateSummaryBlob attaches a verified summary blob to its archived cycle.
func (s *Store) UpdateSummaryBlob(blob SummaryBlob, cycle uint64) error {
	return s.updateByCounter(cycle, func(ac *ArchivedCycle) {
		if ac.Summary == nil {
			ac.Summary = &Summary{ParentCycle: ac.CycleMarker}
		}
		if ac.Summary.PartitionBlobs == nil {
			ac.Summary.PartitionBlobs = make(map[int]SummaryBlob)
		}

		ac.Summary.PartitionBlobs[blob.Partition] = blob
	})
}

// SummaryBlob returns the stored summary blob for (cycle, partition).
func (s *Store) SummaryBlob(cycle uint64, partition int) (SummaryBlob, bool, error) {
	var blob SummaryBlob
	ok, err := s.getValue(partitionKey(prefixSummary, cycle, partition), &blob)

	return blob, ok, err
}

// updateByCounter resolves counter to its marker and updates that cycle.
func (s *Store) updateByCounter(counter uint64, fn func(ac *ArchivedCycle)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok, err := s.cycleByCounter(counter)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: cycle %d", ErrNotFound, counter)
	}

	return s.updateLocked(r.Marker, fn)
}

// getValue decodes the value at key into v.
func (s *Store) getValue(key []byte, v any) (bool, error) {
	data, err := s.db.Get(key)
	if err != nil || data == nil {
		return false, err
	}

	if err := unmarshal(data, v); err != nil {
		return false, err
	}

	return true, nil
}

func archivedKey(marker string) []byte {
	return append(append([]byte{}, prefixArchived...), marker...)
}

func markerKey(marker string) []byte {
	return append(append([]byte{}, prefixMarker...), marker...)
}

func cycleKey(counter uint64) []byte {
	key := make([]byte, len(prefixCycle)+8)
	copy(key, prefixCycle)
	binary.BigEndian.PutUint64(key[len(prefixCycle):], counter)

	return key
}

func partitionKey(prefix []byte, cycle uint64, partition int) []byte {
	key := make([]byte, len(prefix)+12)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], cycle)
	binary.BigEndian.PutUint32(key[len(prefix)+8:], uint32(partition))

	return key
}

// cyclePairs returns the writes that index r by counter and marker.
func cyclePairs(r cycles.Record) ([]storage.KeyValue, error) {
	value, err := marshal(r)
	if err != nil {
		return nil, err
	}

	counter := make([]byte, 8)
	binary.BigEndian.PutUint64(counter, r.Counter)

	return []storage.KeyValue{
		{Key: cycleKey(r.Counter), Value: value},
		{Key: markerKey(r.Marker), Value: counter},
	}, nil
}

// archivedPairs returns the writes that store ac and index its record.
func archivedPairs(ac ArchivedCycle) ([]storage.KeyValue, error) {
	value, err := marshalCompressed(ac)
	if err != nil {
		return nil, err
	}

	pairs, err := cyclePairs(ac.CycleRecord)
	if err != nil {
		return nil, err
	}

	return append(pairs, storage.KeyValue{Key: archivedKey(ac.CycleMarker), Value: value}), nil
}
