package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"Archiver/internal/discovery"
	"Archiver/internal/logger"
	"Archiver/internal/nodelist"
	"Archiver/internal/protocol"
)

const (
	// joinPolls is how many cycles the archiver waits to be admitted.
	joinPolls = 10

	// defaultCycleWait is used between join polls when the cycle duration is unknown.
	defaultCycleWait = 30 * time.Second
)

// errNotAdmitted is returned when no cycle lists this archiver as joined.
var errNotAdmitted = errors.New("archiver was not admitted")

// bootstrap discovers the network, joins it, rebuilds the chain and starts
// receiving data.
func (n *Node) bootstrap(ctx context.Context) error {
	configured, err := n.cfg.archivers()
	if err != nil {
		return err
	}

	res, err := discovery.Discover(ctx, n.peers, configured, discovery.Config{
		Rounds: n.cfg.DiscoveryRetries,
		Wait:   n.cfg.DiscoveryWait,
	})
	if err != nil {
		return fmt.Errorf("discover archivers:\n%w", err)
	}

	if res.First {
		return n.startFirst(ctx)
	}

	validators := res.NodeList.Payload.NodeList
	if err := n.join(ctx, validators); err != nil {
		return err
	}

	if err := n.waitAdmitted(ctx, res.Archivers); err != nil {
		return err
	}

	if err := n.syncer.SyncWithRetry(ctx, res.Archivers, max(n.cfg.SyncRetries, 1), n.cfg.SyncWait); err != nil {
		return fmt.Errorf("sync cycle chain:\n%w", err)
	}

	if n.cfg.SyncArchive {
		if _, err := n.syncer.SyncArchive(ctx, res.Archivers); err != nil {
			logger.Warn("archive sync failed, continuing with cycles only", "error", err)
		}
	}

	return n.subscribe(ctx)
}

// startFirst runs the archiver as the first of its network: the configured
// seeds are the only validators known until cycles arrive.
func (n *Node) startFirst(ctx context.Context) error {
	seeds, err := n.cfg.seeds()
	if err != nil {
		return err
	}

	if len(seeds) == 0 {
		return fmt.Errorf("first archiver needs at least one seed validator")
	}

	n.nodes.AddNodes(nodelist.StatusActive, "", seeds)

	if err := n.join(ctx, seeds); err != nil {
		return err
	}

	return n.subscribe(ctx)
}

// join sends the signed join request through a random validator.
func (n *Node) join(ctx context.Context, validators []nodelist.NodeInfo) error {
	if len(validators) == 0 {
		return fmt.Errorf("no validator to send the join request to")
	}

	target := validators[rand.IntN(len(validators))]
	if err := n.peers.Join(ctx, target); err != nil {
		return fmt.Errorf("join through %s:\n%w", target.PublicKey, err)
	}

	logger.Info("join request sent", "target", target.PublicKey)

	return nil
}

// waitAdmitted polls the newest cycle of the archivers until it lists this
// archiver among the joined archivers.
func (n *Node) waitAdmitted(ctx context.Context, archivers []protocol.ArchiverInfo) error {
	wait := defaultCycleWait
	if seconds, err := n.syncer.CycleDuration(ctx, archivers); err == nil && seconds > 0 {
		wait = time.Duration(seconds) * time.Second
	}

	self := n.keys.PublicKey()

	for poll := 1; poll <= joinPolls; poll++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		a := archivers[rand.IntN(len(archivers))]
		records, err := n.peers.CycleInfo(ctx, a.BaseURL(), 1)
		if err != nil || len(records) == 0 {
			logger.Debug("join status unavailable", "archiver", a.BaseURL(), "error", err)
			continue
		}

		for _, joined := range records[0].JoinedArchivers {
			if joined.PublicKey == self {
				logger.Info("archiver admitted", "cycle", records[0].Counter)
				return nil
			}
		}

		logger.Debug("not admitted yet", "cycle", records[0].Counter, "poll", poll)
	}

	return fmt.Errorf("%w after %d cycles", errNotAdmitted, joinPolls)
}

// subscribe picks a random active validator as the data sender.
func (n *Node) subscribe(ctx context.Context) error {
	targets := n.nodes.RandomActive(1)
	if len(targets) == 0 {
		return fmt.Errorf("no active validator to receive data from")
	}

	n.senders.Subscribe(ctx, targets[0])

	return nil
}
