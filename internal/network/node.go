package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Archiver/internal/logger"
)

const (
	// alpnProtocol identifies push connections.
	alpnProtocol = "archiver-push/1"

	// initialRedial is the first delay before redialing a lost sender.
	initialRedial = 5 * time.Second

	// maxRedial caps the redial backoff.
	maxRedial = time.Minute

	// idleTimeout closes a push connection that carried nothing, keep-alives included.
	idleTimeout = 30 * time.Second

	// keepAlive is the QUIC keep-alive period.
	keepAlive = 10 * time.Second
)

var errNoListenAddr = errors.New("listen address is required")

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the archiver's ed25519 private key
	ListenAddr     string             // ListenAddr is only needed to accept inbound pushes
	ReconnectDelay time.Duration      // ReconnectDelay is the first redial delay, 5s by default
}

// target is the sender the archiver is subscribed to.
type target struct {
	key  string
	addr string
}

// Node holds the push connections of the archiver. The archiver dials the
// one data sender it is subscribed to and redials it if the connection
// drops. A Node with a listen address also accepts inbound connections,
// which is how a validator side is stood up in tests.
type Node struct {
	self   ed25519.PublicKey
	listen string
	tls    *tls.Config
	quic   *quic.Config
	redial time.Duration

	listener *quic.Listener
	dedup    *Dedup

	mu        sync.Mutex
	peers     map[string]*Peer // peers maps remote key hex to its connection
	sub       *target          // sub is the subscribed sender, nil when none
	onConnect func(*Peer)
	onMessage func(*Peer, []byte)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewNode creates a push node for the given identity.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	redial := cfg.ReconnectDelay
	if redial <= 0 {
		redial = initialRedial
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		self:   cfg.PrivateKey.Public().(ed25519.PublicKey),
		listen: cfg.ListenAddr,
		tls: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true, // identity is the certificate key, checked in Subscribe
			NextProtos:         []string{alpnProtocol},
		},
		quic:   &quic.Config{MaxIdleTimeout: idleTimeout, KeepAlivePeriod: keepAlive},
		redial: redial,
		dedup:  NewDedup(),
		peers:  make(map[string]*Peer),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// PublicKey returns the node's public key as hex.
func (n *Node) PublicKey() string {
	return hex.EncodeToString(n.self)
}

// Addr returns the listen address, or "" before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start listens for inbound connections.
func (n *Node) Start() error {
	if n.listen == "" {
		return errNoListenAddr
	}

	l, err := quic.ListenAddr(n.listen, n.tls, n.quic)
	if err != nil {
		return fmt.Errorf("listen %s:\n%w", n.listen, err)
	}
	n.listener = l

	n.wg.Add(1)
	go n.accept()

	return nil
}

// Subscribe makes the sender at addr the only push source. Every other
// connection is closed and forgotten first. The key presented by the remote
// must equal publicKey.
func (n *Node) Subscribe(addr, publicKey string) (*Peer, error) {
	n.mu.Lock()
	n.sub = &target{key: publicKey, addr: addr}
	var stale []*Peer
	for key, p := range n.peers {
		if key != publicKey {
			stale = append(stale, p)
			delete(n.peers, key)
		}
	}
	existing := n.peers[publicKey]
	n.mu.Unlock()

	for _, p := range stale {
		p.Close()
	}
	if existing != nil {
		return existing, nil
	}

	p, err := n.dial(addr, publicKey)
	if err != nil {
		n.mu.Lock()
		if n.sub != nil && n.sub.key == publicKey {
			n.sub = nil
		}
		n.mu.Unlock()
		return nil, err
	}

	n.connected(p)

	return p, nil
}

// Disconnect closes the connection to publicKey. A subscription to it is
// cancelled, so it is not redialed.
func (n *Node) Disconnect(publicKey string) {
	n.mu.Lock()
	if n.sub != nil && n.sub.key == publicKey {
		n.sub = nil
	}
	p := n.peers[publicKey]
	delete(n.peers, publicKey)
	n.mu.Unlock()

	if p != nil {
		p.Close()
	}
}

// Peers returns the open connections.
func (n *Node) Peers() []*Peer {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}

	return out
}

// OnConnect sets the callback run for every new connection, redials included.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.mu.Lock()
	n.onConnect = fn
	n.mu.Unlock()
}

// OnMessage sets the callback run for every message that is not a replay.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.mu.Lock()
	n.onMessage = fn
	n.mu.Unlock()
}

// Close stops the node and closes all connections. It is safe to call twice.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()
		if n.listener != nil {
			n.listener.Close()
		}

		for _, p := range n.Peers() {
			p.Close()
		}

		n.dedup.Close()
		n.wg.Wait()
	})

	return nil
}

// dial connects to addr and checks the remote identity when want is set.
func (n *Node) dial(addr, want string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tls, n.quic)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	p, err := n.track(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	if want != "" && p.KeyHex() != want {
		n.forget(p)
		p.Close()
		return nil, fmt.Errorf("subscribe %s: remote key %s does not match %s", addr, p.KeyHex(), want)
	}

	return p, nil
}

func (n *Node) accept() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go func() {
			p, err := n.track(conn, "")
			if err != nil {
				conn.CloseWithError(1, "setup failed")
				return
			}
			n.connected(p)
		}()
	}
}

// track registers the connection and starts reading from it. A previous
// connection with the same key is replaced.
func (n *Node) track(conn *quic.Conn, addr string) (*Peer, error) {
	key, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	p := &Peer{key: key, addr: addr, conn: conn, node: n}

	n.mu.Lock()
	old := n.peers[p.KeyHex()]
	n.peers[p.KeyHex()] = p
	n.mu.Unlock()

	if old != nil {
		old.Close()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		p.receive()
	}()

	return p, nil
}

// forget removes p if it is still the registered connection for its key.
func (n *Node) forget(p *Peer) {
	n.mu.Lock()
	if n.peers[p.KeyHex()] == p {
		delete(n.peers, p.KeyHex())
	}
	n.mu.Unlock()
}

// lost handles a connection closed by the remote side.
func (n *Node) lost(p *Peer) {
	n.forget(p)

	logger.Debug("push connection lost", "peer", p.KeyHex())

	n.mu.Lock()
	resubscribe := n.sub != nil && n.sub.key == p.KeyHex()
	n.mu.Unlock()

	if !resubscribe {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.redialLoop(p.KeyHex())
	}()
}

// redialLoop redials the subscribed sender with exponential backoff until it
// is back, the subscription moves elsewhere or the node closes.
func (n *Node) redialLoop(key string) {
	for delay := n.redial; ; delay = min(delay*2, maxRedial) {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.mu.Lock()
		sub := n.sub
		_, back := n.peers[key]
		n.mu.Unlock()

		if sub == nil || sub.key != key || back {
			return
		}

		p, err := n.dial(sub.addr, key)
		if err != nil {
			logger.Debug("redial failed", "peer", key, "delay", delay, "error", err)
			continue
		}

		n.connected(p)
		return
	}
}

func (n *Node) connected(p *Peer) {
	n.mu.Lock()
	fn := n.onConnect
	n.mu.Unlock()

	if fn != nil {
		fn(p)
	}
}

func (n *Node) deliver(p *Peer, data []byte) {
	if !n.dedup.Check(data) {
		return
	}

	n.mu.Lock()
	fn := n.onMessage
	n.mu.Unlock()

	if fn != nil {
		fn(p, data)
	}
}
