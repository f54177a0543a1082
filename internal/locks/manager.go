// Package locks grants per-resource distributed locks by unanimous
// agreement: an acquisition succeeds only when every currently known
// peer replies LOCK_GRANTED. Peers record provisional entries which a
// TTL sweep clears if the requester crashes before releasing.
//
// Mutual exclusion holds among nodes that can reach each other; a
// network partition can let isolated subsets grant the same lock, which
// is why the coordinator re-checks the authoritative store before
// committing.
package locks

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"emergencyd/internal/discovery"
	"emergencyd/internal/transport"
)

// Errors returned by Acquire.
var (
	ErrResourceBusy = errors.New("locks: resource is busy")
	ErrDenied       = errors.New("locks: denied by peer")
)

// DefaultTTL is how long a provisional entry survives without release.
const DefaultTTL = 30 * time.Second

// Key identifies one lockable resource.
type Key struct {
	Kind transport.ResourceKind
	ID   int
}

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.Kind, k.ID) }

type entry struct {
	holder     int
	acquiredAt time.Time
}

// FreeFunc asks the local store whether a resource is currently free.
type FreeFunc func(kind string, id int) (bool, error)

// Manager owns this node's lock table.
type Manager struct {
	nodeID int
	table  *discovery.Table
	client *transport.Client
	free   FreeFunc
	ttl    time.Duration

	mu    sync.Mutex
	locks map[Key]entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a lock manager. free is consulted before granting
// or requesting any lock.
func NewManager(nodeID int, table *discovery.Table, client *transport.Client, free FreeFunc) *Manager {
	return &Manager{
		nodeID: nodeID,
		table:  table,
		client: client,
		free:   free,
		ttl:    DefaultTTL,
		locks:  make(map[Key]entry),
	}
}

// Start launches the TTL sweeper.
func (m *Manager) Start() {
	stop := make(chan struct{})
	m.mu.Lock()
	m.stopCh = stop
	m.mu.Unlock()

	m.wg.Add(1)
	go m.sweepLoop(stop)
}

// Stop halts the sweeper.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Rebind switches the manager to a new node identity after an id
// collision. Locks held under the old identity are dropped.
func (m *Manager) Rebind(nodeID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.locks {
		if e.holder == m.nodeID {
			delete(m.locks, k)
		}
	}
	m.nodeID = nodeID
}

// Holder returns the node currently holding the key on this node's
// table, if any.
func (m *Manager) Holder(k Key) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[k]
	return e.holder, ok
}

// Acquire takes a cluster-wide lock on one resource. It checks the
// local store and table first, then requires LOCK_GRANTED from every
// known peer; any denial, timeout or connection failure aborts and
// rolls back the grants already obtained.
func (m *Manager) Acquire(k Key) error {
	isFree, err := m.free(string(k.Kind), k.ID)
	if err != nil {
		return err
	}
	if !isFree {
		return ErrResourceBusy
	}

	m.mu.Lock()
	if _, held := m.locks[k]; held {
		m.mu.Unlock()
		return ErrResourceBusy
	}
	m.mu.Unlock()

	peers := m.table.Snapshot()
	req := transport.NewLockRequest(k.Kind, k.ID, m.nodeID, float64(time.Now().UnixNano())/1e9)

	type result struct {
		peer    discovery.Peer
		granted bool
	}
	results := make(chan result, len(peers))
	for _, p := range peers {
		go func(p discovery.Peer) {
			reply, err := m.client.RequestToken(p.TCPAddr(), req)
			results <- result{peer: p, granted: err == nil && reply == transport.ReplyLockGranted}
		}(p)
	}

	var granted []discovery.Peer
	denied := false
	for range peers {
		r := <-results
		if r.granted {
			granted = append(granted, r.peer)
		} else {
			denied = true
		}
	}

	if denied {
		// Roll back the peers that said yes.
		rel := transport.NewLockRelease(k.Kind, k.ID)
		for _, p := range granted {
			m.client.Notify(p.TCPAddr(), rel)
		}
		log.Printf("LOCKS: acquire %s denied (%d/%d grants)", k, len(granted), len(peers))
		return ErrDenied
	}

	m.mu.Lock()
	m.locks[k] = entry{holder: m.nodeID, acquiredAt: time.Now()}
	m.mu.Unlock()
	log.Printf("LOCKS: acquired %s (%d peer grants)", k, len(granted))
	return nil
}

// Release drops the local entry and tells every peer, best effort.
func (m *Manager) Release(k Key) {
	m.mu.Lock()
	delete(m.locks, k)
	m.mu.Unlock()

	rel := transport.NewLockRelease(k.Kind, k.ID)
	for _, p := range m.table.Snapshot() {
		if err := m.client.Notify(p.TCPAddr(), rel); err != nil {
			log.Printf("LOCKS: release %s to node %d failed: %v", k, p.ID, err)
		}
	}
}

// AcquireMany takes several locks in the fixed global order (kind rank,
// then id ascending) to preclude deadlock. On any failure the locks
// already held are released in reverse order.
func (m *Manager) AcquireMany(keys []Key) error {
	ordered := make([]Key, len(keys))
	copy(ordered, keys)
	sort.Slice(ordered, func(i, j int) bool {
		ri, rj := transport.KindRank(ordered[i].Kind), transport.KindRank(ordered[j].Kind)
		if ri != rj {
			return ri < rj
		}
		return ordered[i].ID < ordered[j].ID
	})

	var held []Key
	for _, k := range ordered {
		if err := m.Acquire(k); err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				m.Release(held[i])
			}
			return err
		}
		held = append(held, k)
	}
	return nil
}

// ReleaseMany releases in reverse of the global order.
func (m *Manager) ReleaseMany(keys []Key) {
	ordered := make([]Key, len(keys))
	copy(ordered, keys)
	sort.Slice(ordered, func(i, j int) bool {
		ri, rj := transport.KindRank(ordered[i].Kind), transport.KindRank(ordered[j].Kind)
		if ri != rj {
			return ri > rj
		}
		return ordered[i].ID > ordered[j].ID
	})
	for _, k := range ordered {
		m.Release(k)
	}
}

// HandleMessage serves LOCK_REQUEST and LOCK_RELEASE from peers. It
// satisfies transport.Handler.
func (m *Manager) HandleMessage(msg interface{}, remote net.Addr) []byte {
	switch req := msg.(type) {
	case *transport.LockRequest:
		return []byte(m.handleRequest(req))
	case *transport.LockRelease:
		m.mu.Lock()
		delete(m.locks, Key{Kind: req.Kind, ID: req.ID})
		m.mu.Unlock()
		return []byte(transport.ReplyLockReleased)
	}
	return nil
}

func (m *Manager) handleRequest(req *transport.LockRequest) string {
	k := Key{Kind: req.Kind, ID: req.ID}

	m.mu.Lock()
	_, held := m.locks[k]
	m.mu.Unlock()
	if held {
		log.Printf("LOCKS: denying %s to node %d (already locked here)", k, req.Requester)
		return transport.ReplyLockDenied
	}

	isFree, err := m.free(string(req.Kind), req.ID)
	if err != nil {
		log.Printf("LOCKS: store check for %s failed: %v", k, err)
		return transport.ReplyLockDenied
	}
	if !isFree {
		log.Printf("LOCKS: denying %s to node %d (busy in store)", k, req.Requester)
		return transport.ReplyLockDenied
	}

	m.mu.Lock()
	m.locks[k] = entry{holder: req.Requester, acquiredAt: time.Now()}
	m.mu.Unlock()
	return transport.ReplyLockGranted
}

// sweepLoop clears provisional entries whose requester never released
// them — a crashed peer must not wedge a resource forever.
func (m *Manager) sweepLoop(stop <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.locks {
				if e.holder != m.nodeID && now.Sub(e.acquiredAt) > m.ttl {
					delete(m.locks, k)
					log.Printf("LOCKS: swept stale lock %s held by node %d", k, e.holder)
				}
			}
			m.mu.Unlock()
		}
	}
}
