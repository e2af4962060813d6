package network

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"Archiver/internal/logger"
)

var errPeerClosed = errors.New("peer is closed")

// Peer is one push connection. Every message travels on its own
// unidirectional stream.
type Peer struct {
	key  ed25519.PublicKey // key is the identity from the remote certificate
	addr string            // addr is the dialed address, empty for inbound peers
	conn *quic.Conn
	node *Node

	closed atomic.Bool
	sendMu sync.Mutex
}

// KeyHex returns the remote public key as hex.
func (p *Peer) KeyHex() string {
	return hex.EncodeToString(p.key)
}

// Address returns the dialed address, or "" for an inbound peer.
func (p *Peer) Address() string {
	return p.addr
}

// Send writes one framed message.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return errPeerClosed
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	s, err := p.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeMessage(s, data); err != nil {
		s.CancelWrite(0)
		return fmt.Errorf("write message:\n%w", err)
	}

	return s.Close()
}

// Close closes the connection. Closing locally never triggers a redial.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// receive reads streams until the connection ends.
func (p *Peer) receive() {
	for {
		s, err := p.conn.AcceptUniStream(p.node.ctx)
		if err != nil {
			logger.Debug("receive loop ended", "peer", p.KeyHex(), "error", err)
			break
		}

		go func() {
			data, err := readMessage(s)
			if err != nil {
				logger.Debug("stream read error", "peer", p.KeyHex(), "error", err)
				return
			}
			p.node.deliver(p, data)
		}()
	}

	if !p.closed.Swap(true) {
		p.node.lost(p)
	}
}
