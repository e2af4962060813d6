package senders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"Archiver/internal/crypto"
	"Archiver/internal/cycles"
	"Archiver/internal/nodelist"
	"Archiver/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTimer records arms and lets tests fire on demand.
type fakeTimer struct {
	mu    sync.Mutex
	armed bool
	d     time.Duration
	fire  func()
	arms  int
}

func (f *fakeTimer) Arm(d time.Duration, fire func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.armed, f.d, f.fire = true, d, fire
	f.arms++
}

func (f *fakeTimer) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.armed = false
}

func (f *fakeTimer) Armed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.armed
}

// Fire runs the callback of the latest arm.
func (f *fakeTimer) Fire() {
	f.mu.Lock()
	fn := f.fire
	f.mu.Unlock()

	fn()
}

// captured returns the callback of the latest arm.
func (f *fakeTimer) captured() func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fire
}

type request struct {
	node       nodelist.NodeInfo
	lastData   uint64
	categories []protocol.Category
}

type mockUpstream struct {
	mu         sync.Mutex
	subscribed []nodelist.NodeInfo
	requests   []request
	subErr     error
}

func (m *mockUpstream) Subscribe(node nodelist.NodeInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subErr != nil {
		return m.subErr
	}
	m.subscribed = append(m.subscribed, node)

	return nil
}

func (m *mockUpstream) RequestData(_ context.Context, node nodelist.NodeInfo, lastData uint64, categories []protocol.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, request{node, lastData, categories})

	return nil
}

type mockHandler struct {
	mu    sync.Mutex
	calls [][]protocol.Data
	err   error
}

func (m *mockHandler) Handle(_ context.Context, data []protocol.Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, data)

	return m.err
}

func (m *mockHandler) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.calls)
}

type mockChain struct {
	counter  uint64
	duration int64
	known    bool
}

func (m *mockChain) CurrentCounter() uint64 { return m.counter }

func (m *mockChain) CurrentDuration() (int64, bool) { return m.duration, m.known }

type mockNodes []nodelist.NodeInfo

func (m mockNodes) ActiveList() []nodelist.NodeInfo { return m }

// fixture is a registry with fake collaborators.
type fixture struct {
	reg      *Registry
	upstream *mockUpstream
	handler  *mockHandler
	chain    *mockChain
	timers   []*fakeTimer
	keys     []*crypto.KeyPair
	nodes    []nodelist.NodeInfo
}

func newFixture(t *testing.T, active int) *fixture {
	t.Helper()

	f := &fixture{
		upstream: &mockUpstream{},
		handler:  &mockHandler{},
		chain:    &mockChain{counter: 42, duration: 60, known: true},
	}

	for i := 0; i < max(active, 1); i++ {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)

		f.keys = append(f.keys, kp)
		f.nodes = append(f.nodes, nodelist.NodeInfo{
			ID:        string(rune('a' + i)),
			IP:        "127.0.0.1",
			Port:      9000 + i,
			PublicKey: kp.PublicKey(),
		})
	}

	f.reg = New(Config{
		Upstream: f.upstream,
		Handler:  f.handler,
		Chain:    f.chain,
		Nodes:    mockNodes(f.nodes[:active]),
		NewTimer: func() Timer {
			ft := &fakeTimer{}
			f.timers = append(f.timers, ft)
			return ft
		},
		Intn: func(int) int { return 0 },
	})
	t.Cleanup(f.reg.Close)

	return f
}

// upstreamCalls returns the nodes subscribed to so far.
func (f *fixture) upstreamCalls() []nodelist.NodeInfo {
	f.upstream.mu.Lock()
	defer f.upstream.mu.Unlock()

	return append([]nodelist.NodeInfo(nil), f.upstream.subscribed...)
}

// push builds a push signed by the i-th key.
func (f *fixture) push(t *testing.T, i int, responses map[string]any) protocol.Push {
	t.Helper()

	p, err := protocol.SignPush(f.keys[i], responses)
	require.NoError(t, err)

	return p
}

func cyclePayload() map[string]any {
	return map[string]any{"CYCLE": []cycles.Record{}}
}

func TestContactTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Minute+time.Second, contactTimeout(0, time.Second))
	assert.Equal(t, 100*time.Minute+time.Second, contactTimeout(60, time.Second))
	assert.Equal(t, 30*time.Minute, contactTimeout(10, 0))
}

func TestAddIsIdempotent(t *testing.T) {
	f := newFixture(t, 1)

	a := f.reg.Add(f.nodes[0], protocol.Categories)
	b := f.reg.Add(f.nodes[0], protocol.Categories)

	assert.Same(t, a, b)
	assert.Equal(t, 1, f.reg.Len())
	require.Len(t, f.timers, 1)
	assert.Equal(t, 1, f.timers[0].arms)
	assert.Equal(t, 100*time.Minute+time.Second, f.timers[0].d)
}

func TestRemoveCancelsTimer(t *testing.T) {
	f := newFixture(t, 1)
	f.reg.Add(f.nodes[0], protocol.Categories)

	s, ok := f.reg.Remove(f.nodes[0].PublicKey)
	require.True(t, ok)
	assert.Equal(t, f.nodes[0], s.Node)
	assert.False(t, f.timers[0].Armed())

	_, ok = f.reg.Remove(f.nodes[0].PublicKey)
	assert.False(t, ok)
}

func TestTimeoutWithSingleActiveNodeRearms(t *testing.T) {
	f := newFixture(t, 1)
	f.reg.Add(f.nodes[0], protocol.Categories)

	f.timers[0].Fire()

	_, ok := f.reg.Get(f.nodes[0].PublicKey)
	assert.True(t, ok)
	assert.True(t, f.timers[0].Armed())
	assert.Equal(t, 2, f.timers[0].arms)
	assert.Empty(t, f.upstream.subscribed)
}

func TestTimerFiringAfterCloseIsIgnored(t *testing.T) {
	f := newFixture(t, 3)
	f.reg.Add(f.nodes[0], protocol.Categories)
	fire := f.timers[0].captured()

	f.reg.Close()
	fire()
	f.reg.OnTimeout(f.nodes[0].PublicKey)

	_, ok := f.reg.Get(f.nodes[0].PublicKey)
	assert.True(t, ok)
	assert.Empty(t, f.upstream.subscribed)
	assert.Empty(t, f.upstream.requests)
	assert.Len(t, f.timers, 1)
}

func TestCloseWaitsForRunningTimeouts(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t, 3)
		f.reg.Add(f.nodes[0], protocol.Categories)
		fire := f.timers[0].captured()

		done := make(chan struct{})
		go func() {
			defer close(done)
			fire()
		}()

		f.reg.Close()
		calls := len(f.upstreamCalls())
		<-done

		assert.Equal(t, calls, len(f.upstreamCalls()), "no network call may start after Close returns")
	}
}

func TestTimeoutFailsOverToAnotherNode(t *testing.T) {
	f := newFixture(t, 3)
	f.reg.Add(f.nodes[0], protocol.Categories)

	f.timers[0].Fire()

	_, ok := f.reg.Get(f.nodes[0].PublicKey)
	assert.False(t, ok)
	assert.False(t, f.timers[0].Armed())

	replacement, ok := f.reg.Get(f.nodes[1].PublicKey)
	require.True(t, ok)
	assert.Equal(t, protocol.Categories, replacement.Types)
	require.Len(t, f.timers, 2)
	assert.True(t, f.timers[1].Armed())

	require.Len(t, f.upstream.subscribed, 1)
	assert.Equal(t, f.nodes[1], f.upstream.subscribed[0])

	require.Len(t, f.upstream.requests, 1)
	req := f.upstream.requests[0]
	assert.Equal(t, f.nodes[1], req.node)
	assert.Equal(t, uint64(42), req.lastData)
	assert.Equal(t, protocol.Categories, req.categories)
}

func TestFailedSubscribeSkipsRequest(t *testing.T) {
	f := newFixture(t, 2)
	f.upstream.subErr = errors.New("unreachable")
	f.reg.Add(f.nodes[0], protocol.Categories)

	f.reg.OnTimeout(f.nodes[0].PublicKey)

	_, ok := f.reg.Get(f.nodes[1].PublicKey)
	assert.True(t, ok, "replacement stays registered so its timer retries")
	assert.Empty(t, f.upstream.requests)
}

func TestTimeoutForUnknownSenderIsNoop(t *testing.T) {
	f := newFixture(t, 2)

	f.reg.OnTimeout("missing")

	assert.Equal(t, 0, f.reg.Len())
	assert.Empty(t, f.upstream.subscribed)
}

func TestStaleTimerIsIgnored(t *testing.T) {
	f := newFixture(t, 2)
	f.reg.Add(f.nodes[0], protocol.Categories)

	stale := f.timers[0].captured()

	require.NoError(t, f.reg.OnPush(context.Background(), f.push(t, 0, cyclePayload())))

	stale()

	_, ok := f.reg.Get(f.nodes[0].PublicKey)
	assert.True(t, ok)
	assert.Empty(t, f.upstream.subscribed)
}

func TestPushHandsPayloadAndRearms(t *testing.T) {
	f := newFixture(t, 2)
	f.reg.Add(f.nodes[0], protocol.Categories)

	err := f.reg.OnPush(context.Background(), f.push(t, 0, cyclePayload()))
	require.NoError(t, err)

	require.Equal(t, 1, f.handler.Calls())
	require.Len(t, f.handler.calls[0], 1)
	assert.Equal(t, protocol.CategoryCycle, f.handler.calls[0][0].Category())

	assert.True(t, f.timers[0].Armed())
	assert.Equal(t, 2, f.timers[0].arms)
}

func TestPushWithUnknownDurationLeavesTimerCancelled(t *testing.T) {
	f := newFixture(t, 2)
	f.chain.known = false
	f.reg.Add(f.nodes[0], protocol.Categories)

	require.NoError(t, f.reg.OnPush(context.Background(), f.push(t, 0, cyclePayload())))

	assert.False(t, f.timers[0].Armed())
	assert.Equal(t, 1, f.timers[0].arms)
}

func TestUnauthenticatedPushIsDropped(t *testing.T) {
	f := newFixture(t, 2)
	f.reg.Add(f.nodes[0], protocol.Categories)

	p := f.push(t, 0, cyclePayload())
	p.Payload = append([]byte(nil), p.Payload...)
	p.Payload[0] ^= 0xff

	err := f.reg.OnPush(context.Background(), p)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, 0, f.handler.Calls())
	assert.True(t, f.timers[0].Armed())
	assert.Equal(t, 1, f.reg.Len())
}

func TestPushFromUnknownSenderIsDropped(t *testing.T) {
	f := newFixture(t, 2)
	f.reg.Add(f.nodes[0], protocol.Categories)

	err := f.reg.OnPush(context.Background(), f.push(t, 1, cyclePayload()))
	assert.ErrorIs(t, err, ErrUnknownSender)
	assert.Equal(t, 0, f.handler.Calls())
}

func TestUnknownCategoryRemovesSender(t *testing.T) {
	f := newFixture(t, 2)
	f.reg.Add(f.nodes[0], protocol.Categories)

	err := f.reg.OnPush(context.Background(), f.push(t, 0, map[string]any{"UNKNOWN": []int{1}}))
	assert.ErrorIs(t, err, ErrUndeclaredCategory)

	_, ok := f.reg.Get(f.nodes[0].PublicKey)
	assert.False(t, ok)
	assert.False(t, f.timers[0].Armed())
	assert.Equal(t, 0, f.handler.Calls())
}

func TestUndeclaredCategoryRemovesSender(t *testing.T) {
	f := newFixture(t, 2)
	f.reg.Add(f.nodes[0], []protocol.Category{protocol.CategoryCycle})

	err := f.reg.OnPush(context.Background(), f.push(t, 0, map[string]any{"STATE_METADATA": []any{}}))
	assert.ErrorIs(t, err, ErrUndeclaredCategory)
	assert.Equal(t, 0, f.reg.Len())
}

func TestHandlerUnknownCategoryRemovesSender(t *testing.T) {
	f := newFixture(t, 2)
	f.handler.err = protocol.ErrUnknownCategory
	f.reg.Add(f.nodes[0], protocol.Categories)

	err := f.reg.OnPush(context.Background(), f.push(t, 0, cyclePayload()))
	assert.ErrorIs(t, err, protocol.ErrUnknownCategory)
	assert.Equal(t, 0, f.reg.Len())
}

func TestHandlerErrorKeepsSender(t *testing.T) {
	f := newFixture(t, 2)
	f.handler.err = errors.New("storage down")
	f.reg.Add(f.nodes[0], protocol.Categories)

	err := f.reg.OnPush(context.Background(), f.push(t, 0, cyclePayload()))
	assert.Error(t, err)
	assert.Equal(t, 1, f.reg.Len())
	assert.True(t, f.timers[0].Armed())
}

func TestSubscribeRegistersAndRequests(t *testing.T) {
	f := newFixture(t, 2)

	f.reg.Subscribe(context.Background(), f.nodes[1])

	s, ok := f.reg.Get(f.nodes[1].PublicKey)
	require.True(t, ok)
	assert.Equal(t, protocol.Categories, s.Types)
	require.Len(t, f.upstream.requests, 1)
	assert.Equal(t, uint64(42), f.upstream.requests[0].lastData)
}

func TestConcurrentPushesAndTimeouts(t *testing.T) {
	f := newFixture(t, 3)
	f.reg.Add(f.nodes[0], protocol.Categories)

	push := f.push(t, 0, cyclePayload())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.reg.OnPush(context.Background(), push)
		}()
		go func() {
			defer wg.Done()
			f.reg.OnTimeout(f.nodes[0].PublicKey)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, f.reg.Len(), 2)
}

func TestWallTimer(t *testing.T) {
	fired := make(chan struct{}, 1)

	timer := NewWallTimer()
	timer.Arm(10*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	timer.Arm(20*time.Millisecond, func() { fired <- struct{}{} })
	timer.Cancel()

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}
