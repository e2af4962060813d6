package archive

import (
	"encoding/binary"
	"errors"
	"fmt"

	"Archiver/internal/cycles"
	"Archiver/internal/storage"
)

// errStop ends an iteration early.
var errStop = errors.New("stop")

// InsertCycle stores r, replacing any record with the same counter.
func (s *Store) InsertCycle(r cycles.Record) error {
	return s.BulkInsertCycles([]cycles.Record{r})
}

// BulkInsertCycles stores records in one batch.
func (s *Store) BulkInsertCycles(records []cycles.Record) error {
	if len(records) == 0 {
		return nil
	}

	pairs := make([]storage.KeyValue, 0, 2*len(records))
	for _, r := range records {
		p, err := cyclePairs(r)
		if err != nil {
			return err
		}
		pairs = append(pairs, p...)
	}

	if err := s.db.SetBatch(pairs); err != nil {
		return fmt.Errorf("insert %d cycles:\n%w", len(records), err)
	}

	return nil
}

// CycleByMarker returns the cycle record with the given marker.
func (s *Store) CycleByMarker(marker string) (cycles.Record, bool, error) {
	data, err := s.db.Get(markerKey(marker))
	if err != nil || len(data) != 8 {
		return cycles.Record{}, false, err
	}

	return s.cycleByCounter(binary.BigEndian.Uint64(data))
}

// CycleByCounter returns the cycle record with the given counter.
func (s *Store) CycleByCounter(counter uint64) (cycles.Record, bool, error) {
	return s.cycleByCounter(counter)
}

func (s *Store) cycleByCounter(counter uint64) (cycles.Record, bool, error) {
	var r cycles.Record
	ok, err := s.getValue(cycleKey(counter), &r)

	return r, ok, err
}

// LatestCycles returns up to count records, newest first.
func (s *Store) LatestCycles(count int) ([]cycles.Record, error) {
	out := make([]cycles.Record, 0, count)
	if count <= 0 {
		return out, nil
	}

	err := s.db.IteratePrefixReverse(prefixCycle, func(_, value []byte) error {
		var r cycles.Record
		if err := unmarshal(value, &r); err != nil {
			return err
		}

		out = append(out, r)
		if len(out) >= count {
			return errStop
		}

		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}

	return out, nil
}

// CyclesBetween returns the records with start <= counter <= end, ascending.
func (s *Store) CyclesBetween(start, end uint64) ([]cycles.Record, error) {
	out := make([]cycles.Record, 0)
	if end < start {
		return out, nil
	}

	for counter := start; ; counter++ {
		r, ok, err := s.cycleByCounter(counter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}

		if counter == end {
			break
		}
	}

	return out, nil
}

// QueryAllCycleRecords returns every stored record in counter order.
func (s *Store) QueryAllCycleRecords() ([]cycles.Record, error) {
	out := make([]cycles.Record, 0)

	err := s.db.IteratePrefix(prefixCycle, func(_, value []byte) error {
		var r cycles.Record
		if err := unmarshal(value, &r); err != nil {
			return err
		}

		out = append(out, r)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// CycleCount returns the number of stored cycle records.
func (s *Store) CycleCount() (int, error) {
	n := 0

	err := s.db.IteratePrefix(prefixCycle, func(_, _ []byte) error {
		n++
		return nil
	})

	return n, err
}
