package transport

import (
	"context"
	"fmt"

	"Archiver/internal/archive"
	"Archiver/internal/crypto"
	"Archiver/internal/cycles"
	"Archiver/internal/nodelist"
	"Archiver/internal/protocol"
)

// Peers wraps a Client with the archiver protocol's endpoints. Requests to
// validators are signed with the archiver's key.
type Peers struct {
	*Client

	keys *crypto.KeyPair
	self protocol.ArchiverInfo
}

// NewPeers creates the protocol client for the archiver identified by self.
func NewPeers(c *Client, keys *crypto.KeyPair, self protocol.ArchiverInfo) *Peers {
	return &Peers{Client: c, keys: keys, self: self}
}

// Self returns the archiver's own identity.
func (p *Peers) Self() protocol.ArchiverInfo {
	return p.self
}

// CycleInfo fetches the newest count cycle records from base, newest first.
func (p *Peers) CycleInfo(ctx context.Context, base string, count int) ([]cycles.Record, error) {
	var resp protocol.CycleInfoResponse
	if err := p.GetJSON(ctx, fmt.Sprintf("%s/cycleinfo/%d", base, count), &resp); err != nil {
		return nil, err
	}

	return resp.CycleInfo, nil
}

// CycleRange fetches the records with start <= counter <= end from base.
func (p *Peers) CycleRange(ctx context.Context, base string, start, end uint64) ([]cycles.Record, error) {
	var resp protocol.CycleInfoResponse
	if err := p.GetJSON(ctx, fmt.Sprintf("%s/cycleinfo?start=%d&end=%d", base, start, end), &resp); err != nil {
		return nil, err
	}

	return resp.CycleInfo, nil
}

// StateHashes fetches the state hashes served by base.
func (p *Peers) StateHashes(ctx context.Context, base string) ([]protocol.StateHashes, error) {
	var resp protocol.StateHashesResponse
	if err := p.GetJSON(ctx, base+"/statehashes", &resp); err != nil {
		return nil, err
	}

	return resp.StateHashes, nil
}

// NodeList fetches the signed validator list served by base.
func (p *Peers) NodeList(ctx context.Context, base string) (protocol.NodeListResponse, error) {
	var resp protocol.NodeListResponse
	err := p.GetJSON(ctx, base+"/nodelist", &resp)

	return resp, err
}

// FullArchive downloads every archived cycle served by base.
func (p *Peers) FullArchive(ctx context.Context, base string) ([]archive.ArchivedCycle, error) {
	var resp protocol.FullArchiveResponse
	if err := p.GetJSON(ctx, base+"/full-archive", &resp); err != nil {
		return nil, err
	}

	return resp.ArchivedCycles, nil
}

// RequestData asks node to push every category from lastData on.
func (p *Peers) RequestData(ctx context.Context, node nodelist.NodeInfo, lastData uint64, categories []protocol.Category) error {
	body := protocol.RequestData{NodeInfo: p.self}

	for _, category := range categories {
		tagged, err := protocol.Tag(p.keys, protocol.DataRequest{Type: category, LastData: lastData}, node.PublicKey)
		if err != nil {
			return err
		}
		body.Requests = append(body.Requests, tagged)
	}

	return p.PostJSON(ctx, node.BaseURL()+"/requestdata", body, nil)
}

// QueryData asks node for the bodies of kind for cycle counter.
func (p *Peers) QueryData(ctx context.Context, node nodelist.NodeInfo, kind protocol.QueryKind, counter uint64) (protocol.QueryResponse, error) {
	tagged, err := protocol.Tag(p.keys, protocol.QueryRequest{Type: kind, LastData: counter}, node.PublicKey)
	if err != nil {
		return protocol.QueryResponse{}, err
	}

	var resp protocol.QueryResponse
	err = p.PostJSON(ctx, node.BaseURL()+"/querydata", protocol.QueryData{Request: tagged, NodeInfo: p.self}, &resp)

	return resp, err
}

// Join submits a signed join request through node.
func (p *Peers) Join(ctx context.Context, node nodelist.NodeInfo) error {
	return p.sendMembership(ctx, node.BaseURL()+"/joinarchiver", protocol.RequestJoin)
}

// Leave submits a signed leave request through node.
func (p *Peers) Leave(ctx context.Context, node nodelist.NodeInfo) error {
	return p.sendMembership(ctx, node.BaseURL()+"/leavingarchivers", protocol.RequestLeave)
}

func (p *Peers) sendMembership(ctx context.Context, url, requestType string) error {
	signed, err := protocol.Sign(p.keys, protocol.NewJoinRequest(p.self, requestType))
	if err != nil {
		return err
	}

	return p.PostJSON(ctx, url, signed, nil)
}
