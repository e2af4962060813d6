package membership

import "Archiver/internal/cycles"

// Squasher folds a sequence of changes into one net change.
//
// Removal is permanent for the session: a removed id is never added or
// updated afterwards, and an id removed after it was added is evicted from
// the result. Added entries found in a batch are placed ahead of everything
// already collected, so when the caller walks the chain backwards the result
// stays ordered oldest join first.
type Squasher struct {
	final Change

	added   map[string]bool
	removed map[string]bool
	pending map[string]Update // updates not yet tied to an added entry
}

// NewSquasher creates an empty squasher.
func NewSquasher() *Squasher {
	return &Squasher{
		final: Change{
			Added:   []cycles.JoinedConsensor{},
			Removed: []string{},
			Updated: []Update{},
		},
		added:   make(map[string]bool),
		removed: make(map[string]bool),
		pending: make(map[string]Update),
	}
}

// AddChange folds c into the net change.
func (s *Squasher) AddChange(c Change) {
	for _, id := range c.Removed {
		if s.removed[id] {
			continue
		}

		s.removed[id] = true
		s.final.Removed = append(s.final.Removed, id)
		delete(s.pending, id)

		if s.added[id] {
			s.evict(id)
		}
	}

	for _, u := range c.Updated {
		if s.removed[u.ID] {
			continue
		}

		s.pending[u.ID] = u
	}

	// Scan newest first, then prepend the batch in join order.
	var batchAdded []cycles.JoinedConsensor
	var batchUpdated []Update

	for i := len(c.Added) - 1; i >= 0; i-- {
		jc := c.Added[i]
		if s.added[jc.ID] || s.removed[jc.ID] {
			continue
		}

		if u, ok := s.pending[jc.ID]; ok {
			batchUpdated = append(batchUpdated, u)
			delete(s.pending, jc.ID)
		}

		batchAdded = append(batchAdded, jc)
		s.added[jc.ID] = true
	}

	reverse(batchAdded)
	reverse(batchUpdated)

	s.final.Added = append(batchAdded, s.final.Added...)
	s.final.Updated = append(batchUpdated, s.final.Updated...)
}

// Final returns a copy of the net change.
func (s *Squasher) Final() Change {
	return Change{
		Added:   append([]cycles.JoinedConsensor(nil), s.final.Added...),
		Removed: append([]string(nil), s.final.Removed...),
		Updated: append([]Update(nil), s.final.Updated...),
	}
}

// AddedCount is len(Final().Added) without the copy.
func (s *Squasher) AddedCount() int {
	return len(s.final.Added)
}

// UpdatedCount is len(Final().Updated) without the copy.
func (s *Squasher) UpdatedCount() int {
	return len(s.final.Updated)
}

// evict drops id from the added and updated lists.
func (s *Squasher) evict(id string) {
	added := s.final.Added[:0]
	for _, jc := range s.final.Added {
		if jc.ID != id {
			added = append(added, jc)
		}
	}
	s.final.Added = added

	updated := s.final.Updated[:0]
	for _, u := range s.final.Updated {
		if u.ID != id {
			updated = append(updated, u)
		}
	}
	s.final.Updated = updated
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
