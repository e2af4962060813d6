// Package membership turns cycle records into membership changes and folds
// them into the node list.
package membership

import (
	"Archiver/internal/cycles"
	"Archiver/internal/nodelist"
)

// Update is a partial node update. Zero fields are left untouched.
type Update struct {
	ID               string          `json:"id"`
	Status           nodelist.Status `json:"status,omitempty"`
	ActiveTimestamp  int64           `json:"activeTimestamp,omitempty"`
	CounterRefreshed uint64          `json:"counterRefreshed,omitempty"`
}

// Change is the membership delta described by one or more cycle records.
// Added is ordered oldest join first.
type Change struct {
	Added   []cycles.JoinedConsensor `json:"added"`
	Removed []string                 `json:"removed"`
	Updated []Update                 `json:"updated"`
}

// Lookup resolves a node already present in the membership view.
type Lookup func(id string) (nodelist.Node, bool)

// ParseRecord derives the membership change carried by r.
// Refreshed consensors unknown to lookup are treated as added and active;
// known ones only have their refresh counter advanced.
func ParseRecord(r cycles.Record, lookup Lookup) Change {
	updated := make([]Update, 0, len(r.Activated)+len(r.RefreshedConsensors))
	for _, id := range r.Activated {
		updated = append(updated, Update{
			ID:              id,
			Status:          nodelist.StatusActive,
			ActiveTimestamp: r.Start,
		})
	}

	var refreshAdded []cycles.JoinedConsensor
	for _, refreshed := range r.RefreshedConsensors {
		if node, ok := lookup(refreshed.ID); ok {
			if r.Counter > node.CounterRefreshed {
				updated = append(updated, Update{ID: refreshed.ID, CounterRefreshed: r.Counter})
			}
			continue
		}

		refreshAdded = append(refreshAdded, refreshed)
		updated = append(updated, Update{
			ID:               refreshed.ID,
			Status:           nodelist.StatusActive,
			CounterRefreshed: r.Counter,
		})
	}

	added := make([]cycles.JoinedConsensor, 0, len(refreshAdded)+len(r.JoinedConsensors))
	added = append(added, refreshAdded...)
	added = append(added, r.JoinedConsensors...)

	removed := make([]string, 0, len(r.Apoptosized)+len(r.Removed))
	removed = append(removed, r.Apoptosized...)
	removed = append(removed, r.Removed...)

	return Change{Added: added, Removed: removed, Updated: updated}
}

// NoLookup is a Lookup over an empty membership view.
func NoLookup(string) (nodelist.Node, bool) {
	return nodelist.Node{}, false
}

// infoOf converts a joined consensor to the node list identity.
func infoOf(jc cycles.JoinedConsensor) nodelist.NodeInfo {
	return nodelist.NodeInfo{
		ID:        jc.ID,
		IP:        jc.ExternalIP,
		Port:      jc.ExternalPort,
		PublicKey: jc.PublicKey,
	}
}

// ApplyChange installs a squashed change into list: every added node
// becomes active, removed ids are dropped and updates are applied.
func ApplyChange(list *nodelist.NodeList, c Change) {
	if len(c.Added) > 0 {
		infos := make([]nodelist.NodeInfo, len(c.Added))
		for i, jc := range c.Added {
			infos[i] = infoOf(jc)
		}

		list.AddNodes(nodelist.StatusActive, c.Added[0].CycleJoined, infos)
	}

	for _, u := range c.Updated {
		applyUpdate(list, u)
	}

	if len(c.Removed) > 0 {
		list.RemoveNodes(c.Removed)
	}
}

// ApplyRecord applies a single newly accepted record to list. Joined nodes
// start out syncing until a later record activates them.
func ApplyRecord(list *nodelist.NodeList, r cycles.Record) {
	for _, jc := range r.JoinedConsensors {
		list.AddNodes(nodelist.StatusSyncing, jc.CycleJoined, []nodelist.NodeInfo{infoOf(jc)})
	}

	c := ParseRecord(r, list.NodeByID)
	for _, jc := range c.Added {
		if _, ok := list.NodeByID(jc.ID); !ok {
			list.AddNodes(nodelist.StatusActive, jc.CycleJoined, []nodelist.NodeInfo{infoOf(jc)})
		}
	}

	for _, u := range c.Updated {
		applyUpdate(list, u)
	}

	list.RemoveNodes(c.Removed)
}

// applyUpdate copies the set fields of u onto the node.
func applyUpdate(list *nodelist.NodeList, u Update) {
	list.Update(u.ID, func(n *nodelist.Node) {
		if u.Status != "" {
			n.Status = u.Status
		}
		if u.ActiveTimestamp != 0 {
			n.ActiveTimestamp = u.ActiveTimestamp
		}
		if u.CounterRefreshed > n.CounterRefreshed {
			n.CounterRefreshed = u.CounterRefreshed
		}
	})
}
