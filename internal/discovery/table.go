package discovery

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Peer is one known cluster member, as learned from multicast (or from
// the static configuration).
type Peer struct {
	ID       int
	Host     string
	TCPPort  int
	UDPPort  int
	LastSeen time.Time
}

// TCPAddr returns the peer's request/reply endpoint.
func (p Peer) TCPAddr() string { return fmt.Sprintf("%s:%d", p.Host, p.TCPPort) }

// UDPAddr returns the peer's datagram endpoint.
func (p Peer) UDPAddr() string { return fmt.Sprintf("%s:%d", p.Host, p.UDPPort) }

// HTTPAddr returns the peer's cluster API base URL. The HTTP port is
// derived from the node id the same way the node itself derives it.
func (p Peer) HTTPAddr(baseHTTPPort int) string {
	return fmt.Sprintf("http://%s:%d", p.Host, baseHTTPPort+p.ID%1000)
}

// Table is the mutex-guarded peer table. It is the sole source of truth
// for cluster membership: the election engine and the aggregator both
// read snapshots from it.
type Table struct {
	mu    sync.Mutex
	peers map[int]Peer
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{peers: make(map[int]Peer)}
}

// Upsert records the peer and reports whether it was new.
func (t *Table) Upsert(p Peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, known := t.peers[p.ID]
	t.peers[p.ID] = p
	return !known
}

// Touch refreshes LastSeen for an already-known peer.
func (t *Table) Touch(id int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.LastSeen = now
		t.peers[id] = p
	}
}

// Remove deletes the peer and reports whether it was present.
func (t *Table) Remove(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return false
	}
	delete(t.peers, id)
	return true
}

// Get returns a copy of the peer record.
func (t *Table) Get(id int) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

// Snapshot returns a consistent copy of all peers, ordered by id.
func (t *Table) Snapshot() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Expired returns the ids of peers whose LastSeen is older than the
// timeout.
func (t *Table) Expired(now time.Time, timeout time.Duration) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []int
	for id, p := range t.peers {
		if now.Sub(p.LastSeen) > timeout {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of known peers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}
