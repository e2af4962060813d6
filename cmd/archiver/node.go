package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"Archiver/internal/api"
	"Archiver/internal/archive"
	"Archiver/internal/chainsync"
	"Archiver/internal/crypto"
	"Archiver/internal/cycles"
	"Archiver/internal/feed"
	"Archiver/internal/ingest"
	"Archiver/internal/logger"
	"Archiver/internal/metrics"
	"Archiver/internal/network"
	"Archiver/internal/nodelist"
	"Archiver/internal/protocol"
	"Archiver/internal/senders"
	"Archiver/internal/storage"
	"Archiver/internal/transport"
	"Archiver/internal/verify"
)

const (
	// leaveTimeout bounds the leave request sent on shutdown.
	leaveTimeout = 5 * time.Second
)

// Node represents a running archiver.
type Node struct {
	cfg  *Config
	keys *crypto.KeyPair

	db    storage.Backend
	store *archive.Store
	chain *cycles.Chain
	nodes *nodelist.NodeList
	feed  *feed.Feed

	peers    *transport.Peers
	network  *network.Node
	verifier *verify.Pipeline
	ingest   *ingest.Pipeline
	senders  *senders.Registry
	syncer   *chainsync.Syncer
	api      *api.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode creates and wires every component of the archiver.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{
		cfg:   cfg,
		keys:  crypto.NewKeyPair(cfg.PrivateKey),
		chain: cycles.NewChain(),
		nodes: nodelist.New(),
		feed:  feed.New(),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if err := n.initStorage(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	n.initPipelines()
	n.initAPI()

	return n, nil
}

// initStorage opens the configured backend under the data directory.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.Open(n.cfg.Storage, filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.db = db
	n.store = archive.New(db)

	return nil
}

// initNetwork creates the HTTP peer client and the push transport.
func (n *Node) initNetwork() error {
	n.peers = transport.NewPeers(transport.New(n.cfg.HTTPTimeout), n.keys, n.self())

	node, err := network.NewNode(network.Config{PrivateKey: n.cfg.PrivateKey})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	return nil
}

// initPipelines wires push validation, ingestion and verification.
func (n *Node) initPipelines() {
	n.verifier = verify.New(verify.Config{
		Querier: n.peers,
		Store:   n.store,
		Chain:   n.chain,
		Nodes:   n.nodes,
		Feed:    n.feed,
	})

	n.ingest = ingest.New(ingest.Config{
		Chain:    n.chain,
		Nodes:    n.nodes,
		Store:    n.store,
		Verifier: n.verifier,
		Feed:     n.feed,
	})

	n.senders = senders.New(senders.Config{
		Upstream: upstream{network: n.network, peers: n.peers},
		Handler:  n.ingest,
		Chain:    n.chain,
		Nodes:    n.nodes,
		Padding:  n.cfg.TimeoutPadding,
	})

	n.syncer = chainsync.New(chainsync.Config{
		Peers:      n.peers,
		Chain:      n.chain,
		Nodes:      n.nodes,
		Store:      n.store,
		Redundancy: n.cfg.Redundancy,
	})
}

func (n *Node) initAPI() {
	n.api = api.New(api.Config{
		Addr:     ":" + strconv.Itoa(n.cfg.Port),
		Keys:     n.keys,
		Store:    n.store,
		Nodes:    n.nodes,
		Feed:     n.feed,
		Gatherer: metrics.NewRegistry(),
	})
}

// self is the identity announced to validators and archivers.
func (n *Node) self() protocol.ArchiverInfo {
	return protocol.ArchiverInfo{
		PublicKey: n.keys.PublicKey(),
		IP:        n.cfg.IP,
		Port:      n.cfg.Port,
	}
}

// Run joins the network and archives until SIGINT or SIGTERM.
func (n *Node) Run() error {
	n.setupMessageHandlers()

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	if err := n.bootstrap(n.ctx); err != nil {
		n.Close()
		return fmt.Errorf("bootstrap:\n%w", err)
	}

	return n.waitForShutdown()
}

// setupMessageHandlers routes pushes from data senders to the registry.
func (n *Node) setupMessageHandlers() {
	n.network.OnConnect(func(peer *network.Peer) {
		logger.Info("data sender connected", "sender", peer.KeyHex(), "addr", peer.Address())
	})

	n.network.OnMessage(func(peer *network.Peer, data []byte) {
		push, err := network.ParseDataPush(data)
		if err != nil {
			logger.Debug("dropping malformed push", "peer", peer.KeyHex(), "error", err)
			return
		}

		if err := n.senders.OnPush(n.ctx, push); err != nil {
			logger.Debug("push rejected", "peer", peer.KeyHex(), "error", err)
		}
	})
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	n.leave()

	return n.Close()
}

// leave tells a random active validator that this archiver is going away.
func (n *Node) leave() {
	targets := n.nodes.RandomActive(1)
	if len(targets) == 0 {
		logger.Warn("no active validator to send leave request to")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	if err := n.peers.Leave(ctx, targets[0]); err != nil {
		logger.Warn("leave request failed", "target", targets[0].PublicKey, "error", err)
		return
	}

	logger.Info("leave request sent", "target", targets[0].PublicKey)
}

// Close shuts down all archiver components gracefully.
func (n *Node) Close() error {
	n.cancel()

	if n.api != nil {
		n.api.Stop()
	}

	if n.senders != nil {
		n.senders.Close()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.verifier != nil {
		n.verifier.Close()
	}

	if n.feed != nil {
		n.feed.Close()
	}

	if n.db != nil {
		n.db.Close()
	}

	return nil
}

// upstream opens push subscriptions over QUIC and sends data requests over HTTP.
type upstream struct {
	network *network.Node
	peers   *transport.Peers
}

func (u upstream) Subscribe(node nodelist.NodeInfo) error {
	_, err := u.network.Subscribe(node.Addr(), node.PublicKey)
	return err
}

func (u upstream) RequestData(ctx context.Context, node nodelist.NodeInfo, lastData uint64, categories []protocol.Category) error {
	return u.peers.RequestData(ctx, node, lastData, categories)
}
