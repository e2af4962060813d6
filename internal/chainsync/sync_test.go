package chainsync

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"Archiver/internal/archive"
	"Archiver/internal/cycles"
	"Archiver/internal/nodelist"
	"Archiver/internal/protocol"
	"Archiver/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePeers struct {
	mu     sync.Mutex
	chains map[string][]cycles.Record
	ranges []string

	archived []archive.ArchivedCycle
	hashes   []protocol.StateHashes
}

func (f *fakePeers) CycleInfo(_ context.Context, base string, count int) ([]cycles.Record, error) {
	chain, ok := f.chains[base]
	if !ok {
		return nil, fmt.Errorf("%s unreachable", base)
	}

	out := make([]cycles.Record, 0, count)
	for i := len(chain) - 1; i >= 0 && len(out) < count; i-- {
		out = append(out, chain[i])
	}

	return out, nil
}

func (f *fakePeers) CycleRange(_ context.Context, base string, start, end uint64) ([]cycles.Record, error) {
	f.mu.Lock()
	f.ranges = append(f.ranges, fmt.Sprintf("%s:%d-%d", base, start, end))
	f.mu.Unlock()

	chain, ok := f.chains[base]
	if !ok {
		return nil, fmt.Errorf("%s unreachable", base)
	}

	var out []cycles.Record
	for _, r := range chain {
		if r.Counter >= start && r.Counter <= end {
			out = append(out, r)
		}
	}

	return out, nil
}

func (f *fakePeers) StateHashes(context.Context, string) ([]protocol.StateHashes, error) {
	return f.hashes, nil
}

func (f *fakePeers) FullArchive(context.Context, string) ([]archive.ArchivedCycle, error) {
	return f.archived, nil
}

// buildChain links n records from counter 0. edit may fill a record's
// content before it is sealed.
func buildChain(n int, edit func(r *cycles.Record)) []cycles.Record {
	first := cycles.Record{Duration: 60, Active: 5}
	if edit != nil {
		edit(&first)
	}

	out := []cycles.Record{cycles.Seal(first)}
	for i := 1; i < n; i++ {
		next := cycles.Record{Counter: uint64(i), Duration: 60, Active: 5}
		if edit != nil {
			edit(&next)
		}
		out = append(out, cycles.Link(out[i-1], next))
	}

	return out
}

func consensors(ids ...string) []cycles.JoinedConsensor {
	out := make([]cycles.JoinedConsensor, len(ids))
	for i, id := range ids {
		out[i] = cycles.JoinedConsensor{ID: id, PublicKey: "pk-" + id, ExternalIP: "10.1.0.1", ExternalPort: 9000 + i}
	}

	return out
}

var fiveNodes = []string{"n0", "n1", "n2", "n3", "n4"}

// membershipChain has five nodes joining in cycle 93 and activated in 95.
func membershipChain(r *cycles.Record) {
	switch r.Counter {
	case 93:
		r.JoinedConsensors = consensors(fiveNodes...)
	case 95:
		r.Activated = fiveNodes
	}
}

func archivers(n int) []protocol.ArchiverInfo {
	out := make([]protocol.ArchiverInfo, n)
	for i := range out {
		out[i] = protocol.ArchiverInfo{PublicKey: fmt.Sprintf("a%d", i), IP: "10.0.0.1", Port: 4000 + i}
	}

	return out
}

type fixture struct {
	syncer *Syncer
	peers  *fakePeers
	chain  *cycles.Chain
	nodes  *nodelist.NodeList
	store  *archive.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.Open(storage.BackendPebble, filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		peers: &fakePeers{chains: make(map[string][]cycles.Record)},
		chain: cycles.NewChain(),
		nodes: nodelist.New(),
		store: archive.New(db),
	}

	f.syncer = New(Config{
		Peers: f.peers,
		Chain: f.chain,
		Nodes: f.nodes,
		Store: f.store,
		Intn:  func(int) int { return 0 },
	})

	return f
}

func (f *fixture) serve(as []protocol.ArchiverInfo, chain []cycles.Record) {
	for _, a := range as {
		f.peers.chains[a.BaseURL()] = chain
	}
}

func TestPageSize(t *testing.T) {
	assert.Equal(t, uint64(6), PageSize(5))
	assert.Equal(t, uint64(2), PageSize(0))
	assert.Equal(t, uint64(22), PageSize(100))

	start, end := PageRange(100, 6)
	assert.Equal(t, uint64(93), start)
	assert.Equal(t, uint64(99), end)

	start, end = PageRange(3, 6)
	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(2), end)
}

func TestSyncBuildsMembershipFromOnePage(t *testing.T) {
	f := newFixture(t)
	as := archivers(3)
	chain := buildChain(101, membershipChain)
	f.serve(as, chain)

	require.NoError(t, f.syncer.Sync(context.Background(), as))

	assert.Equal(t, []string{as[0].BaseURL() + ":93-99"}, f.peers.ranges)

	assert.Equal(t, uint64(100), f.chain.CurrentCounter())
	assert.Equal(t, 8, f.chain.Len())

	active := f.nodes.ActiveList()
	require.Len(t, active, 5)

	for _, counter := range []uint64{93, 100} {
		r, ok, err := f.store.CycleByCounter(counter)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, chain[counter].Marker, r.Marker)

		ac, ok, err := f.store.GetArchivedCycle(chain[counter].Marker)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Nil(t, ac.Data)
	}

	_, ok, err := f.store.CycleByCounter(92)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncStopsAtFirstCycle(t *testing.T) {
	f := newFixture(t)
	as := archivers(1)
	f.serve(as, buildChain(4, nil))

	require.NoError(t, f.syncer.Sync(context.Background(), as))

	assert.Equal(t, 4, f.chain.Len())
	assert.Equal(t, uint64(3), f.chain.CurrentCounter())
	assert.Empty(t, f.nodes.ActiveList())
}

func TestSyncDesyncOnBrokenLink(t *testing.T) {
	f := newFixture(t)
	as := archivers(1)
	chain := buildChain(101, membershipChain)

	broken := append([]cycles.Record(nil), chain...)
	broken[99].Desired = 7 // changes content without resealing

	f.serve(as, broken)

	err := f.syncer.Sync(context.Background(), as)
	require.ErrorIs(t, err, ErrDesync)

	assert.Equal(t, 0, f.chain.Len())
	assert.Empty(t, f.nodes.ActiveList())
}

func TestSyncStopsAtBrokenLinkInsidePage(t *testing.T) {
	f := newFixture(t)
	as := archivers(1)
	chain := buildChain(101, membershipChain)

	broken := append([]cycles.Record(nil), chain...)
	broken[96].Desired = 7

	f.serve(as, broken)

	err := f.syncer.Sync(context.Background(), as)
	require.ErrorIs(t, err, ErrDesync)

	// 99..97 were taken from the first page, so the next page ends right
	// below 97 and its newest record is the broken one.
	assert.Equal(t, []string{
		as[0].BaseURL() + ":93-99",
		as[0].BaseURL() + ":90-96",
	}, f.peers.ranges)

	assert.Equal(t, 0, f.chain.Len())
	assert.Empty(t, f.nodes.ActiveList())
}

func TestSyncCompletesBeforeBrokenLink(t *testing.T) {
	f := newFixture(t)
	as := archivers(1)
	chain := buildChain(101, func(r *cycles.Record) {
		switch r.Counter {
		case 97:
			r.JoinedConsensors = consensors(fiveNodes...)
		case 98:
			r.Activated = fiveNodes
		}
	})

	broken := append([]cycles.Record(nil), chain...)
	broken[96].Desired = 7

	f.serve(as, broken)

	require.NoError(t, f.syncer.Sync(context.Background(), as))

	assert.Equal(t, 4, f.chain.Len())
	_, ok := f.chain.Get(96)
	assert.False(t, ok)
	for counter := uint64(97); counter <= 100; counter++ {
		r, ok := f.chain.Get(counter)
		require.True(t, ok)
		assert.Equal(t, chain[counter].Marker, r.Marker)
	}

	assert.Len(t, f.nodes.ActiveList(), 5)
}

func TestSyncPeersExhausted(t *testing.T) {
	f := newFixture(t)
	as := archivers(2)
	chain := buildChain(101, membershipChain)

	// Both serve the anchor but hold nothing older.
	f.serve(as, chain[100:])

	err := f.syncer.Sync(context.Background(), as)
	require.ErrorIs(t, err, ErrPeersExhausted)

	assert.Len(t, f.peers.ranges, 2)
	assert.Equal(t, 0, f.chain.Len())
}

func TestSyncFallsBackToNextArchiver(t *testing.T) {
	f := newFixture(t)
	as := archivers(2)
	chain := buildChain(101, membershipChain)

	f.peers.chains[as[0].BaseURL()] = chain[100:]
	f.peers.chains[as[1].BaseURL()] = chain

	require.NoError(t, f.syncer.Sync(context.Background(), as))
	assert.Len(t, f.nodes.ActiveList(), 5)
}

func TestSyncRejectsBadAnchor(t *testing.T) {
	f := newFixture(t)
	as := archivers(1)
	chain := buildChain(3, nil)
	chain[2].Desired = 9

	f.serve(as, chain)

	require.ErrorIs(t, f.syncer.Sync(context.Background(), as), ErrBadAnchor)
}

func TestSyncWithRetryExhausted(t *testing.T) {
	f := newFixture(t)
	as := archivers(1)
	chain := buildChain(101, membershipChain)
	f.serve(as, chain[100:])

	err := f.syncer.SyncWithRetry(context.Background(), as, 2, time.Millisecond)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrPeersExhausted)
	assert.Len(t, f.peers.ranges, 2)
}

func TestSyncWithRetryCancelled(t *testing.T) {
	f := newFixture(t)
	as := archivers(1)
	f.serve(as, buildChain(101, membershipChain)[100:])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.syncer.SyncWithRetry(ctx, as, 3, time.Hour)
	assert.Error(t, err)
}

func TestCycleDuration(t *testing.T) {
	f := newFixture(t)
	as := archivers(2)
	f.serve(as, buildChain(3, nil))

	d, err := f.syncer.CycleDuration(context.Background(), as)
	require.NoError(t, err)
	assert.Equal(t, int64(60), d)

	_, err = f.syncer.CycleDuration(context.Background(), nil)
	assert.Error(t, err)
}

func TestSyncArchiveKeepsCommittedAttachments(t *testing.T) {
	f := newFixture(t)
	as := archivers(1)

	chain := buildChain(101, func(r *cycles.Record) {
		membershipChain(r)
		if r.Counter == 97 {
			r.NetworkDataHash = []cycles.NetworkHash{{Cycle: 94, Hash: "d94"}}
			r.NetworkReceiptHash = []cycles.NetworkHash{{Cycle: 94, Hash: "r94"}}
			r.NetworkSummaryHash = []cycles.NetworkHash{{Cycle: 94, Hash: "s94"}}
		}
	})
	f.serve(as, chain)
	require.NoError(t, f.syncer.Sync(context.Background(), as))

	f.peers.archived = []archive.ArchivedCycle{
		{
			CycleRecord: chain[94],
			CycleMarker: chain[94].Marker,
			Data:        &archive.StateData{ParentCycle: chain[94].Marker, NetworkHash: "d94"},
			Receipt:     &archive.Receipt{ParentCycle: chain[94].Marker, NetworkHash: "forged"},
			Summary:     &archive.Summary{ParentCycle: chain[94].Marker, NetworkHash: "s94"},
		},
		{
			CycleRecord: chain[95],
			CycleMarker: chain[95].Marker,
			Data:        &archive.StateData{ParentCycle: chain[95].Marker, NetworkHash: "d95"},
		},
		{
			// Not part of the synced chain.
			CycleRecord: chain[10],
			CycleMarker: chain[10].Marker,
			Data:        &archive.StateData{ParentCycle: chain[10].Marker, NetworkHash: "d10"},
		},
	}
	f.peers.hashes = []protocol.StateHashes{{Counter: 95, NetworkHash: "d95"}, {Counter: 10, NetworkHash: "d10"}}

	stored, err := f.syncer.SyncArchive(context.Background(), as)
	require.NoError(t, err)
	assert.Equal(t, 3, stored)

	ac, ok, err := f.store.GetArchivedCycle(chain[94].Marker)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, ac.Data)
	assert.Equal(t, "d94", ac.Data.NetworkHash)
	assert.Nil(t, ac.Receipt)
	require.NotNil(t, ac.Summary)

	ac, ok, err = f.store.GetArchivedCycle(chain[95].Marker)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, ac.Data)

	_, ok, err = f.store.GetArchivedCycle(chain[10].Marker)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncArchiveEmptyChain(t *testing.T) {
	f := newFixture(t)

	stored, err := f.syncer.SyncArchive(context.Background(), archivers(1))
	require.NoError(t, err)
	assert.Zero(t, stored)
}
