// Package senders tracks the validators pushing data to this archiver and
// replaces them when they go silent.
package senders

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"Archiver/internal/logger"
	"Archiver/internal/metrics"
	"Archiver/internal/nodelist"
	"Archiver/internal/protocol"
)

const (
	// minTimeout is the floor of the contact timeout.
	minTimeout = 30 * time.Minute

	// cyclesBeforeTimeout is how many silent cycles a sender is allowed.
	cyclesBeforeTimeout = 100

	// defaultPadding is added to every contact timeout.
	defaultPadding = time.Second

	// requestTimeout bounds the network calls made on failover.
	requestTimeout = 10 * time.Second
)

var (
	// ErrUnauthenticated is returned for a push whose signature does not verify.
	ErrUnauthenticated = errors.New("push signature does not verify")

	// ErrUnknownSender is returned for a push from a node that is not a data sender.
	ErrUnknownSender = errors.New("push from unknown sender")

	// ErrUndeclaredCategory is returned when a sender pushes a category it was not asked for.
	ErrUndeclaredCategory = errors.New("push carries undeclared category")
)

// Upstream opens push subscriptions and requests data from validators.
type Upstream interface {
	// Subscribe makes node the only push source.
	Subscribe(node nodelist.NodeInfo) error

	// RequestData asks node to push categories starting at lastData.
	RequestData(ctx context.Context, node nodelist.NodeInfo, lastData uint64, categories []protocol.Category) error
}

// Handler consumes decoded push payloads.
type Handler interface {
	Handle(ctx context.Context, data []protocol.Data) error
}

// ChainState exposes what the registry needs from the local cycle chain.
type ChainState interface {
	CurrentCounter() uint64
	CurrentDuration() (seconds int64, known bool)
}

// ActiveSource lists the active validators.
type ActiveSource interface {
	ActiveList() []nodelist.NodeInfo
}

// Sender is a validator this archiver receives pushes from.
type Sender struct {
	Node  nodelist.NodeInfo   // Node identifies the validator
	Types []protocol.Category // Types are the categories it was asked for

	timer      Timer  // timer fires when the sender goes silent
	generation uint64 // generation is bumped on every arm and cancel
}

// declares reports whether c was requested from the sender.
func (s *Sender) declares(c protocol.Category) bool {
	for _, t := range s.Types {
		if t == c {
			return true
		}
	}

	return false
}

// Config holds the registry's collaborators.
type Config struct {
	Upstream Upstream
	Handler  Handler
	Chain    ChainState
	Nodes    ActiveSource

	NewTimer TimerFactory    // NewTimer defaults to wall clock timers
	Padding  time.Duration   // Padding is added to every timeout, 1s by default
	Intn     func(n int) int // Intn picks replacements, math/rand/v2 by default
}

// Registry is the set of data senders. At most one contact timer is armed
// per sender. Network calls are made outside the lock.
type Registry struct {
	mu      sync.Mutex
	senders map[string]*Sender // senders maps public key to sender
	closed  bool               // closed stops timeouts from doing any work

	upstream Upstream
	handler  Handler
	chain    ChainState
	nodes    ActiveSource
	newTimer TimerFactory
	padding  time.Duration
	intn     func(n int) int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	r := &Registry{
		senders:  make(map[string]*Sender),
		upstream: cfg.Upstream,
		handler:  cfg.Handler,
		chain:    cfg.Chain,
		nodes:    cfg.Nodes,
		newTimer: cfg.NewTimer,
		padding:  cfg.Padding,
		intn:     cfg.Intn,
	}

	if r.newTimer == nil {
		r.newTimer = NewWallTimer
	}
	if r.padding == 0 {
		r.padding = defaultPadding
	}
	if r.intn == nil {
		r.intn = rand.IntN
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())

	return r
}

// Add registers node as a data sender for types and arms its timer. Adding
// a known sender leaves it unchanged.
func (r *Registry) Add(node nodelist.NodeInfo, types []protocol.Category) *Sender {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.addLocked(node, types)
}

func (r *Registry) addLocked(node nodelist.NodeInfo, types []protocol.Category) *Sender {
	if s, ok := r.senders[node.PublicKey]; ok {
		return s
	}

	s := &Sender{Node: node, Types: append([]protocol.Category(nil), types...)}
	r.senders[node.PublicKey] = s
	r.armLocked(s)

	return s
}

// Remove drops a sender and cancels its timer.
func (r *Registry) Remove(publicKey string) (*Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(publicKey)
}

func (r *Registry) removeLocked(publicKey string) (*Sender, bool) {
	s, ok := r.senders[publicKey]
	if !ok {
		return nil, false
	}

	r.cancelLocked(s)
	delete(r.senders, publicKey)

	logger.Info("data sender removed", "sender", publicKey)

	return s, true
}

// Get returns a registered sender.
func (r *Registry) Get(publicKey string) (*Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.senders[publicKey]

	return s, ok
}

// Len returns the number of senders.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.senders)
}

// Subscribe registers node as the data sender for every category, opens its
// push subscription and requests data from the current chain head.
func (r *Registry) Subscribe(ctx context.Context, node nodelist.NodeInfo) {
	r.mu.Lock()
	s := r.addLocked(node, protocol.Categories)
	types := append([]protocol.Category(nil), s.Types...)
	r.mu.Unlock()

	r.connect(ctx, node, types)
}

// connect subscribes to node and sends the data request. Failures are
// logged; the armed timer retries with another node later.
func (r *Registry) connect(ctx context.Context, node nodelist.NodeInfo, types []protocol.Category) {
	if err := r.upstream.Subscribe(node); err != nil {
		logger.Warn("subscribe to data sender failed", "sender", node.PublicKey, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	lastData := r.chain.CurrentCounter()
	if err := r.upstream.RequestData(ctx, node, lastData, types); err != nil {
		logger.Warn("data request failed", "sender", node.PublicKey, "error", err)
		return
	}

	logger.Info("data requested", "sender", node.PublicKey, "lastData", lastData, "types", types)
}

// OnTimeout handles a sender that stayed silent for a whole timeout.
func (r *Registry) OnTimeout(publicKey string) {
	r.timeout(publicKey, 0, false)
}

// timeout replaces a silent sender. With checkGen set, a timer armed before
// the last arm or cancel is ignored.
func (r *Registry) timeout(publicKey string, gen uint64, checkGen bool) {
	r.mu.Lock()

	s, ok := r.senders[publicKey]
	if r.closed || !ok || (checkGen && s.generation != gen) {
		r.mu.Unlock()
		return
	}

	active := r.nodes.ActiveList()
	if len(active) < 2 {
		r.armLocked(s)
		r.mu.Unlock()

		logger.Warn("only one active node, keeping data sender", "sender", publicKey)
		return
	}

	r.removeLocked(publicKey)

	candidates := make([]nodelist.NodeInfo, 0, len(active))
	for _, n := range active {
		if n.PublicKey != publicKey {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		candidates = active
	}

	next := candidates[r.intn(len(candidates))]
	replacement := r.addLocked(next, s.Types)
	types := append([]protocol.Category(nil), replacement.Types...)

	r.mu.Unlock()

	metrics.SenderFailovers.Inc()
	logger.Info("replacing silent data sender", "old", publicKey, "new", next.PublicKey)

	r.connect(r.ctx, next, types)
}

// OnPush validates a push and hands its payload to the handler. Pushes that
// fail authentication or come from unknown senders are dropped without side
// effects. A push carrying a category the sender was not asked for removes
// the sender.
func (r *Registry) OnPush(ctx context.Context, push protocol.Push) error {
	if !push.Authentic() {
		metrics.PushesTotal.WithLabelValues("unauthenticated").Inc()
		logger.Warn("dropping unauthenticated push", "sender", push.PublicKey)
		return ErrUnauthenticated
	}

	r.mu.Lock()

	s, ok := r.senders[push.PublicKey]
	if !ok {
		r.mu.Unlock()
		metrics.PushesTotal.WithLabelValues("unknown_sender").Inc()
		logger.Debug("dropping push from unknown sender", "sender", push.PublicKey)
		return ErrUnknownSender
	}

	for _, name := range push.Categories() {
		c, err := protocol.ParseCategory(name)
		if err != nil || !s.declares(c) {
			r.removeLocked(push.PublicKey)
			r.mu.Unlock()

			metrics.SenderRemovals.Inc()
			metrics.PushesTotal.WithLabelValues("undeclared").Inc()
			logger.Warn("data sender pushed undeclared category", "sender", push.PublicKey, "category", name)
			return fmt.Errorf("%w: %q", ErrUndeclaredCategory, name)
		}
	}

	r.cancelLocked(s)
	r.mu.Unlock()

	err := r.handle(ctx, push)
	if errors.Is(err, protocol.ErrUnknownCategory) {
		r.Remove(push.PublicKey)
		metrics.SenderRemovals.Inc()
		metrics.PushesTotal.WithLabelValues("undeclared").Inc()
		return err
	}

	r.mu.Lock()
	if _, known := r.chain.CurrentDuration(); known && r.senders[push.PublicKey] == s {
		r.armLocked(s)
	}
	r.mu.Unlock()

	if err != nil {
		metrics.PushesTotal.WithLabelValues("rejected").Inc()
		return err
	}

	metrics.PushesTotal.WithLabelValues("accepted").Inc()

	return nil
}

// handle decodes the push and runs the handler.
func (r *Registry) handle(ctx context.Context, push protocol.Push) error {
	data, err := push.Decode()
	if err != nil {
		logger.Warn("dropping undecodable push", "sender", push.PublicKey, "error", err)
		return err
	}

	if err := r.handler.Handle(ctx, data); err != nil {
		logger.Warn("push handling failed", "sender", push.PublicKey, "error", err)
		return err
	}

	return nil
}

// Timeout returns the current contact timeout.
func (r *Registry) Timeout() time.Duration {
	seconds, _ := r.chain.CurrentDuration()

	return contactTimeout(seconds, r.padding)
}

// contactTimeout is max(100 cycles, 30 minutes) plus padding.
func contactTimeout(cycleSeconds int64, padding time.Duration) time.Duration {
	return max(time.Duration(cycleSeconds)*time.Second*cyclesBeforeTimeout, minTimeout) + padding
}

// armLocked (re)starts the sender's timer with a fresh timeout.
func (r *Registry) armLocked(s *Sender) {
	s.generation++
	gen := s.generation
	publicKey := s.Node.PublicKey

	if s.timer == nil {
		s.timer = r.newTimer()
	}

	d := r.Timeout()
	s.timer.Arm(d, func() {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.wg.Add(1)
		r.mu.Unlock()

		defer r.wg.Done()
		r.timeout(publicKey, gen, true)
	})

	logger.Debug("contact timeout armed", "sender", publicKey, "timeout", d)
}

// cancelLocked stops the sender's timer and invalidates any pending fire.
func (r *Registry) cancelLocked(s *Sender) {
	s.generation++
	if s.timer != nil {
		s.timer.Cancel()
	}
}

// Close cancels every timer and waits for running timeouts. A timer that
// fires afterwards does nothing. Close may be called more than once.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	for _, s := range r.senders {
		r.cancelLocked(s)
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
