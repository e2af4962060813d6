// Package agreement asks several peers the same question and settles on one
// answer.
package agreement

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoAgreement is returned when no answer reaches the required count.
	ErrNoAgreement = errors.New("peers did not agree")

	// ErrNoPeers is returned when there is nobody to ask.
	ErrNoPeers = errors.New("no peers to query")
)

// QueryFunc asks one peer.
type QueryFunc[P, R any] func(ctx context.Context, peer P) (R, error)

// EqualFunc reports whether two answers are equivalent.
type EqualFunc[R any] func(a, b R) bool

type answer[R any] struct {
	value R
	err   error
}

type tally[R any] struct {
	value R
	count int
	first int // index of the first peer that gave this answer
}

// Robust queries every peer concurrently and returns the answer given by
// the most peers. The winner needs at least min(redundancy, ok/2+1) votes,
// where ok is the number of peers that answered. Ties go to the answer whose
// first supporter comes earliest in peers.
func Robust[P, R any](ctx context.Context, peers []P, query QueryFunc[P, R], equal EqualFunc[R], redundancy int) (R, int, error) {
	var zero R

	if len(peers) == 0 {
		return zero, 0, ErrNoPeers
	}

	answers := make([]answer[R], len(peers))

	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func(i int, peer P) {
			defer wg.Done()

			v, err := query(ctx, peer)
			answers[i] = answer[R]{value: v, err: err}
		}(i, peer)
	}
	wg.Wait()

	var tallies []*tally[R]
	ok := 0

	for i, a := range answers {
		if a.err != nil {
			continue
		}
		ok++

		found := false
		for _, t := range tallies {
			if equal(t.value, a.value) {
				t.count++
				found = true
				break
			}
		}

		if !found {
			tallies = append(tallies, &tally[R]{value: a.value, count: 1, first: i})
		}
	}

	if ok == 0 {
		return zero, 0, fmt.Errorf("%w: all %d peers failed", ErrNoAgreement, len(peers))
	}

	var best *tally[R]
	for _, t := range tallies {
		if best == nil || t.count > best.count || (t.count == best.count && t.first < best.first) {
			best = t
		}
	}

	needed := ok/2 + 1
	if redundancy > 0 && redundancy < needed {
		needed = redundancy
	}

	if best.count < needed {
		return zero, best.count, fmt.Errorf("%w: best answer has %d of %d votes, need %d", ErrNoAgreement, best.count, ok, needed)
	}

	return best.value, best.count, nil
}

// Sequential asks peers one at a time in order and returns the first
// successful answer with the peer that gave it.
func Sequential[P, R any](ctx context.Context, peers []P, query QueryFunc[P, R]) (R, P, error) {
	var (
		zeroR R
		zeroP P
		errs  []error
	)

	if len(peers) == 0 {
		return zeroR, zeroP, ErrNoPeers
	}

	for _, peer := range peers {
		if err := ctx.Err(); err != nil {
			return zeroR, zeroP, err
		}

		v, err := query(ctx, peer)
		if err == nil {
			return v, peer, nil
		}

		errs = append(errs, err)
	}

	return zeroR, zeroP, fmt.Errorf("all %d peers failed:\n%w", len(peers), errors.Join(errs...))
}
