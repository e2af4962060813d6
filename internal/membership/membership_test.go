package membership

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Archiver/internal/cycles"
	"Archiver/internal/nodelist"
)

func jc(id string) cycles.JoinedConsensor {
	return cycles.JoinedConsensor{ID: id, PublicKey: "pk-" + id, ExternalIP: "127.0.0.1", ExternalPort: 9000, CycleJoined: "m-" + id}
}

func ids(added []cycles.JoinedConsensor) []string {
	out := make([]string, len(added))
	for i, a := range added {
		out[i] = a.ID
	}
	return out
}

// assertDisjoint checks that removed ids never appear as added or updated.
func assertDisjoint(t *testing.T, c Change) {
	t.Helper()

	removed := make(map[string]bool, len(c.Removed))
	for _, id := range c.Removed {
		removed[id] = true
	}

	for _, a := range c.Added {
		assert.False(t, removed[a.ID], "id %s both added and removed", a.ID)
	}
	for _, u := range c.Updated {
		assert.False(t, removed[u.ID], "id %s both updated and removed", u.ID)
	}
}

func TestSquasherOrdersOldestFirst(t *testing.T) {
	s := NewSquasher()

	// Walking backwards: newest record first.
	s.AddChange(Change{Added: []cycles.JoinedConsensor{jc("e"), jc("f")}})
	s.AddChange(Change{Added: []cycles.JoinedConsensor{jc("c"), jc("d")}})
	s.AddChange(Change{Added: []cycles.JoinedConsensor{jc("a"), jc("b")}})

	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, ids(s.Final().Added))
}

func TestSquasherPullsPendingUpdate(t *testing.T) {
	s := NewSquasher()

	s.AddChange(Change{Updated: []Update{{ID: "a", Status: nodelist.StatusActive}}})
	assert.Equal(t, 0, s.UpdatedCount(), "update stays pending until its add is seen")

	s.AddChange(Change{Added: []cycles.JoinedConsensor{jc("a")}})

	final := s.Final()
	require.Len(t, final.Updated, 1)
	assert.Equal(t, "a", final.Updated[0].ID)
	assert.Equal(t, []string{"a"}, ids(final.Added))
}

func TestSquasherLaterUpdateWins(t *testing.T) {
	s := NewSquasher()

	s.AddChange(Change{Updated: []Update{
		{ID: "a", CounterRefreshed: 1},
		{ID: "a", CounterRefreshed: 2},
	}})
	s.AddChange(Change{Added: []cycles.JoinedConsensor{jc("a")}})

	final := s.Final()
	require.Len(t, final.Updated, 1)
	assert.Equal(t, uint64(2), final.Updated[0].CounterRefreshed)
}

func TestSquasherRemovalIsPermanent(t *testing.T) {
	s := NewSquasher()

	s.AddChange(Change{Removed: []string{"a"}})
	s.AddChange(Change{
		Added:   []cycles.JoinedConsensor{jc("a"), jc("b")},
		Updated: []Update{{ID: "a", Status: nodelist.StatusActive}},
	})

	final := s.Final()
	assert.Equal(t, []string{"b"}, ids(final.Added))
	assert.Empty(t, final.Updated)
	assert.Equal(t, []string{"a"}, final.Removed)
}

func TestSquasherEvictsLateRemoval(t *testing.T) {
	s := NewSquasher()

	s.AddChange(Change{
		Added:   []cycles.JoinedConsensor{jc("a")},
		Updated: []Update{{ID: "a", Status: nodelist.StatusActive}},
	})
	s.AddChange(Change{Removed: []string{"a"}})

	final := s.Final()
	assert.Empty(t, final.Added)
	assert.Empty(t, final.Updated)
	assertDisjoint(t, final)
}

func TestSquasherIdempotent(t *testing.T) {
	change := Change{
		Added:   []cycles.JoinedConsensor{jc("a"), jc("b"), jc("c")},
		Removed: []string{"b"},
		Updated: []Update{{ID: "a", Status: nodelist.StatusActive}, {ID: "z", CounterRefreshed: 3}},
	}

	once := NewSquasher()
	once.AddChange(change)

	twice := NewSquasher()
	twice.AddChange(change)
	twice.AddChange(change)

	assert.Equal(t, once.Final(), twice.Final())
}

func TestSquasherDisjointRandomized(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	pool := make([]string, 12)
	for i := range pool {
		pool[i] = fmt.Sprintf("n%d", i)
	}

	pick := func(n int) []string {
		out := make([]string, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, pool[rng.IntN(len(pool))])
		}
		return out
	}

	for run := 0; run < 200; run++ {
		s := NewSquasher()

		for step := 0; step < 1+rng.IntN(8); step++ {
			var c Change
			for _, id := range pick(rng.IntN(4)) {
				c.Added = append(c.Added, jc(id))
			}
			c.Removed = pick(rng.IntN(3))
			for _, id := range pick(rng.IntN(4)) {
				c.Updated = append(c.Updated, Update{ID: id, Status: nodelist.StatusActive})
			}

			s.AddChange(c)
			assertDisjoint(t, s.Final())
		}
	}
}

func TestParseRecord(t *testing.T) {
	known := map[string]nodelist.Node{
		"k": {NodeInfo: nodelist.NodeInfo{ID: "k"}, CounterRefreshed: 5},
		"s": {NodeInfo: nodelist.NodeInfo{ID: "s"}, CounterRefreshed: 20},
	}
	lookup := func(id string) (nodelist.Node, bool) {
		n, ok := known[id]
		return n, ok
	}

	r := cycles.Record{
		Counter:             10,
		Start:               1234,
		JoinedConsensors:    []cycles.JoinedConsensor{jc("j")},
		RefreshedConsensors: []cycles.JoinedConsensor{jc("k"), jc("s"), jc("u")},
		Activated:           []string{"x"},
		Apoptosized:         []string{"y"},
		Removed:             []string{"w"},
	}

	c := ParseRecord(r, lookup)

	assert.Equal(t, []string{"u", "j"}, ids(c.Added))
	assert.Equal(t, []string{"y", "w"}, c.Removed)
	assert.Equal(t, []Update{
		{ID: "x", Status: nodelist.StatusActive, ActiveTimestamp: 1234},
		{ID: "k", CounterRefreshed: 10},
		{ID: "u", Status: nodelist.StatusActive, CounterRefreshed: 10},
	}, c.Updated)
}

func TestApplyChange(t *testing.T) {
	list := nodelist.New()
	list.AddNodes(nodelist.StatusActive, "old", []nodelist.NodeInfo{{ID: "gone", PublicKey: "pk-gone"}})

	ApplyChange(list, Change{
		Added:   []cycles.JoinedConsensor{jc("a"), jc("b")},
		Removed: []string{"gone"},
		Updated: []Update{{ID: "a", CounterRefreshed: 7}},
	})

	active := list.ActiveList()
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, 9000, active[0].Port)

	a, _ := list.NodeByID("a")
	assert.Equal(t, "m-a", a.CycleJoined)
	assert.Equal(t, uint64(7), a.CounterRefreshed)
}

func TestApplyRecord(t *testing.T) {
	list := nodelist.New()
	list.AddNodes(nodelist.StatusActive, "m0", []nodelist.NodeInfo{{ID: "old"}})

	ApplyRecord(list, cycles.Record{
		Counter:          3,
		Start:            99,
		JoinedConsensors: []cycles.JoinedConsensor{jc("new")},
		Apoptosized:      []string{"old"},
	})

	n, ok := list.NodeByID("new")
	require.True(t, ok)
	assert.Equal(t, nodelist.StatusSyncing, n.Status)
	_, ok = list.NodeByID("old")
	assert.False(t, ok)

	ApplyRecord(list, cycles.Record{Counter: 4, Start: 120, Activated: []string{"new"}})

	n, _ = list.NodeByID("new")
	assert.Equal(t, nodelist.StatusActive, n.Status)
	assert.Equal(t, int64(120), n.ActiveTimestamp)
}
