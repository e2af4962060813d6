// Package discovery finds the archivers that are already serving the network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"Archiver/internal/logger"
	"Archiver/internal/protocol"
)

// ErrNoActiveArchivers is returned when no configured archiver answered with
// a valid node list.
var ErrNoActiveArchivers = errors.New("no active archivers")

// NodeLister fetches the signed node list of an archiver.
type NodeLister interface {
	NodeList(ctx context.Context, base string) (protocol.NodeListResponse, error)
}

// Config controls the discovery rounds.
type Config struct {
	Rounds int           // Rounds is the number of attempts, at least one
	Wait   time.Duration // Wait separates rounds
}

// Result is the outcome of a discovery.
type Result struct {
	Archivers []protocol.ArchiverInfo   // Archivers answered with a valid non-empty list
	NodeList  protocol.NodeListResponse // NodeList is the first valid list received
	First     bool                      // First is set when no archiver was configured
}

// Discover asks every configured archiver for its node list. An archiver
// counts as active when its list is signed by its own key and not empty.
// With nothing configured the caller is the first archiver of the network.
func Discover(ctx context.Context, lister NodeLister, configured []protocol.ArchiverInfo, cfg Config) (Result, error) {
	if len(configured) == 0 {
		logger.Info("no archivers configured, starting as first archiver")
		return Result{First: true}, nil
	}

	rounds := max(cfg.Rounds, 1)

	for round := 1; round <= rounds; round++ {
		res := discoverOnce(ctx, lister, configured)
		if len(res.Archivers) > 0 {
			logger.Info("active archivers found", "count", len(res.Archivers), "round", round)
			return res, nil
		}

		logger.Warn("no active archivers answered", "round", round, "of", rounds)

		if round == rounds {
			break
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(cfg.Wait):
		}
	}

	return Result{}, fmt.Errorf("%w after %d rounds", ErrNoActiveArchivers, rounds)
}

// discoverOnce queries every archiver concurrently. The order of configured
// is kept in the result.
func discoverOnce(ctx context.Context, lister NodeLister, configured []protocol.ArchiverInfo) Result {
	lists := make([]*protocol.NodeListResponse, len(configured))

	var wg sync.WaitGroup
	for i, a := range configured {
		wg.Add(1)
		go func() {
			defer wg.Done()

			resp, err := lister.NodeList(ctx, a.BaseURL())
			if err != nil {
				logger.Debug("archiver unreachable", "archiver", a.BaseURL(), "error", err)
				return
			}

			if !valid(a, resp) {
				return
			}

			lists[i] = &resp
		}()
	}
	wg.Wait()

	var res Result
	for i, l := range lists {
		if l == nil {
			continue
		}

		if len(res.Archivers) == 0 {
			res.NodeList = *l
		}
		res.Archivers = append(res.Archivers, configured[i])
	}

	return res
}

func valid(a protocol.ArchiverInfo, resp protocol.NodeListResponse) bool {
	if resp.Sign.Owner != a.PublicKey || !resp.Verify() {
		logger.Warn("node list signature rejected", "archiver", a.BaseURL(), "owner", resp.Sign.Owner)
		return false
	}

	if len(resp.Payload.NodeList) == 0 {
		logger.Debug("archiver has an empty node list", "archiver", a.BaseURL())
		return false
	}

	return true
}
