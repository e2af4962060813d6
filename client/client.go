// Package client reads the history and live feed served by an archiver.
package client

import (
	"context"
	"fmt"
	"time"

	"Archiver/internal/archive"
	"Archiver/internal/cycles"
	"Archiver/internal/nodelist"
	"Archiver/internal/protocol"
	"Archiver/internal/transport"
)

// defaultTimeout bounds every non-streaming request.
const defaultTimeout = 30 * time.Second

// Client connects to an archiver via HTTP.
type Client struct {
	baseURL string            // baseURL is the HTTP root (e.g. "http://127.0.0.1:4000")
	http    *transport.Client // http performs JSON requests with zstd support
}

// NewClient creates a client for the archiver at addr (host:port).
// It checks the archiver's /health endpoint first.
func NewClient(ctx context.Context, addr string) (*Client, error) {
	c := &Client{
		baseURL: "http://" + addr,
		http:    transport.New(defaultTimeout),
	}

	var health struct {
		Status string `json:"status"`
	}

	if err := c.http.GetJSON(ctx, c.baseURL+"/health", &health); err != nil {
		return nil, fmt.Errorf("get health:\n%w", err)
	}

	if health.Status != "ok" {
		return nil, fmt.Errorf("archiver unhealthy: %q", health.Status)
	}

	return c, nil
}

// BaseURL returns the archiver's HTTP root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// NodeList returns the validators the archiver reports as active. The list
// must be signed by owner.
func (c *Client) NodeList(ctx context.Context, owner string) ([]nodelist.NodeInfo, error) {
	var resp protocol.NodeListResponse
	if err := c.http.GetJSON(ctx, c.baseURL+"/nodelist", &resp); err != nil {
		return nil, fmt.Errorf("get node list:\n%w", err)
	}

	if resp.Sign.Owner != owner || !resp.Verify() {
		return nil, fmt.Errorf("node list not signed by %s", owner)
	}

	return resp.Payload.NodeList, nil
}

// Cycles returns the newest count cycle records, newest first.
func (c *Client) Cycles(ctx context.Context, count int) ([]cycles.Record, error) {
	var resp protocol.CycleInfoResponse
	if err := c.http.GetJSON(ctx, fmt.Sprintf("%s/cycleinfo/%d", c.baseURL, count), &resp); err != nil {
		return nil, fmt.Errorf("get cycles:\n%w", err)
	}

	return resp.CycleInfo, nil
}

// CycleRange returns the records with start <= counter <= end, ascending.
// The archiver may cut wide ranges short.
func (c *Client) CycleRange(ctx context.Context, start, end uint64) ([]cycles.Record, error) {
	var resp protocol.CycleInfoResponse
	url := fmt.Sprintf("%s/cycleinfo?start=%d&end=%d", c.baseURL, start, end)
	if err := c.http.GetJSON(ctx, url, &resp); err != nil {
		return nil, fmt.Errorf("get cycle range:\n%w", err)
	}

	return resp.CycleInfo, nil
}

// StateHashes returns the state hashes of every archived cycle carrying state data.
func (c *Client) StateHashes(ctx context.Context) ([]protocol.StateHashes, error) {
	var resp protocol.StateHashesResponse
	if err := c.http.GetJSON(ctx, c.baseURL+"/statehashes", &resp); err != nil {
		return nil, fmt.Errorf("get state hashes:\n%w", err)
	}

	return resp.StateHashes, nil
}

// FullArchive downloads every archived cycle.
func (c *Client) FullArchive(ctx context.Context) ([]archive.ArchivedCycle, error) {
	var resp protocol.FullArchiveResponse
	if err := c.http.GetJSON(ctx, c.baseURL+"/full-archive", &resp); err != nil {
		return nil, fmt.Errorf("get full archive:\n%w", err)
	}

	return resp.ArchivedCycles, nil
}

// VerifyChain checks that records, ascending by counter, form a linked chain.
func VerifyChain(records []cycles.Record) error {
	for i := 1; i < len(records); i++ {
		if err := cycles.Validate(records[i-1], records[i]); err != nil {
			return err
		}
	}

	if n := len(records); n > 0 {
		last := records[n-1]
		if cycles.ComputeMarker(last) != last.Marker {
			return fmt.Errorf("cycle %d marker does not match content", last.Counter)
		}
	}

	return nil
}
