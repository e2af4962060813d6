package nodelist

import (
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
)

// Status is a validator's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusSyncing Status = "syncing"
	StatusRemoved Status = "removed"
)

// NodeInfo is the reachable identity of a validator.
type NodeInfo struct {
	ID        string `json:"id"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	PublicKey string `json:"publicKey"`
}

// BaseURL returns the node's HTTP root.
func (n NodeInfo) BaseURL() string {
	return "http://" + n.Addr()
}

// Addr returns host:port.
func (n NodeInfo) Addr() string {
	return n.IP + ":" + strconv.Itoa(n.Port)
}

// Node is a validator entry in the membership view.
type Node struct {
	NodeInfo
	Status           Status `json:"status"`
	CycleJoined      string `json:"cycleJoined"`
	CounterRefreshed uint64 `json:"counterRefreshed"`
	ActiveTimestamp  int64  `json:"activeTimestamp"`
}

// NodeList is the archiver's view of network membership.
// It is safe for concurrent access.
type NodeList struct {
	mu    sync.RWMutex
	nodes map[string]*Node // by id
	byKey map[string]string
}

// New creates an empty node list.
func New() *NodeList {
	return &NodeList{
		nodes: make(map[string]*Node),
		byKey: make(map[string]string),
	}
}

// AddNodes inserts infos with the given status. Existing ids are replaced.
func (l *NodeList) AddNodes(status Status, cycleJoined string, infos []NodeInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, info := range infos {
		if old, ok := l.nodes[info.ID]; ok {
			delete(l.byKey, old.PublicKey)
		}

		l.nodes[info.ID] = &Node{
			NodeInfo:    info,
			Status:      status,
			CycleJoined: cycleJoined,
		}
		l.byKey[info.PublicKey] = info.ID
	}
}

// RemoveNodes drops the given ids. Unknown ids are ignored.
func (l *NodeList) RemoveNodes(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range ids {
		if n, ok := l.nodes[id]; ok {
			delete(l.byKey, n.PublicKey)
			delete(l.nodes, id)
		}
	}
}

// Update applies a partial update to a known node. Returns false if the id
// is unknown.
func (l *NodeList) Update(id string, fn func(n *Node)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.nodes[id]
	if !ok {
		return false
	}

	fn(n)

	return true
}

// NodeByID returns a copy of the node with the given id.
func (l *NodeList) NodeByID(id string) (Node, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n, ok := l.nodes[id]
	if !ok {
		return Node{}, false
	}

	return *n, true
}

// NodeByPublicKey returns a copy of the node with the given public key.
func (l *NodeList) NodeByPublicKey(pk string) (Node, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.byKey[pk]
	if !ok {
		return Node{}, false
	}

	return *l.nodes[id], true
}

// ActiveList returns the active nodes sorted by id.
func (l *NodeList) ActiveList() []NodeInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]NodeInfo, 0, len(l.nodes))
	for _, n := range l.nodes {
		if n.Status == StatusActive {
			out = append(out, n.NodeInfo)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// RandomActive returns up to n distinct active nodes in random order.
func (l *NodeList) RandomActive(n int) []NodeInfo {
	active := l.ActiveList()
	rand.Shuffle(len(active), func(i, j int) { active[i], active[j] = active[j], active[i] })

	if n < len(active) {
		active = active[:n]
	}

	return active
}

// Len returns the number of known nodes in any status.
func (l *NodeList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.nodes)
}
