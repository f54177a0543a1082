// Package election implements Bully leader election over the live peer
// table.
//
// ELECTION challenges travel over TCP (they need an OK reply);
// COORDINATOR announcements travel over UDP and double as the leader
// heartbeat. Higher term wins; within a term, higher id wins.
package election

import (
	"log"
	"net"
	"sync"
	"time"

	"emergencyd/internal/cluster"
	"emergencyd/internal/discovery"
	"emergencyd/internal/transport"
)

// State is the node's role in the election protocol.
type State string

const (
	Follower  State = "FOLLOWER"
	Candidate State = "CANDIDATE"
	Leader    State = "LEADER"
)

// Timing defaults. The settle delay gives discovery a chance to
// populate the peer table before the first election.
const (
	DefaultSettleDelay     = 3 * time.Second
	DefaultMonitorInterval = 1 * time.Second
)

// Engine runs the Bully algorithm for one node.
type Engine struct {
	nodeID int
	table  *discovery.Table
	client *transport.Client

	heartbeatInterval time.Duration
	leaderTimeout     time.Duration
	settleDelay       time.Duration

	mu             sync.Mutex
	state          State
	term           int
	leader         int // 0 = unknown
	electing       bool
	lastLeaderSeen time.Time

	// onLeaderChange fires outside the engine mutex whenever the
	// believed leader changes.
	onLeaderChange func(leaderID int, isSelf bool)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures an Engine.
type Options struct {
	NodeID            int
	HeartbeatInterval time.Duration
	LeaderTimeout     time.Duration
	SettleDelay       time.Duration
	OnLeaderChange    func(leaderID int, isSelf bool)
}

// NewEngine creates an election engine reading membership from table
// and talking to peers through client.
func NewEngine(opts Options, table *discovery.Table, client *transport.Client) *Engine {
	settle := opts.SettleDelay
	if settle == 0 {
		settle = DefaultSettleDelay
	}
	return &Engine{
		nodeID:            opts.NodeID,
		table:             table,
		client:            client,
		heartbeatInterval: opts.HeartbeatInterval,
		leaderTimeout:     opts.LeaderTimeout,
		settleDelay:       settle,
		state:             Follower,
		onLeaderChange:    opts.OnLeaderChange,
	}
}

// Start launches the monitor and heartbeat loops and schedules the
// startup election after the settle delay.
func (e *Engine) Start() {
	stop := make(chan struct{})
	e.mu.Lock()
	e.stopCh = stop
	e.lastLeaderSeen = time.Now().Add(e.settleDelay)
	e.mu.Unlock()

	e.wg.Add(2)
	go e.monitorLoop(stop)
	go e.heartbeatLoop(stop)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-stop:
		case <-time.After(e.settleDelay):
			e.StartElection()
		}
	}()
}

// Stop halts the background loops.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// NodeID returns this node's id.
func (e *Engine) NodeID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodeID
}

// Rebind switches the engine to a new identity after an id collision.
// Election state is reset; the caller restarts the engine afterwards.
func (e *Engine) Rebind(nodeID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodeID = nodeID
	e.state = Follower
	e.leader = 0
	e.electing = false
}

// State returns the current protocol state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Term returns the current election term.
func (e *Engine) Term() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// Leader returns the believed leader id; ok is false while no leader is
// known.
func (e *Engine) Leader() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader, e.leader != 0
}

// IsLeader reports whether this node currently believes it leads.
func (e *Engine) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Leader
}

// OnEvent reacts to membership changes from the discovery bus.
func (e *Engine) OnEvent(ev cluster.Event) {
	switch ev.Type {
	case cluster.PeerDiscovered:
		e.mu.Lock()
		wasLeader := e.state == Leader
		noLeader := e.leader == 0
		e.mu.Unlock()

		// A higher id joining dethrones us; and the very first peer
		// we see triggers the startup election.
		if wasLeader && ev.NodeID > e.nodeID {
			log.Printf("ELECTION: higher-id node %d joined while leading, re-electing", ev.NodeID)
			e.StartElection()
		} else if noLeader {
			e.StartElection()
		}
	case cluster.PeerLost:
		e.mu.Lock()
		lostLeader := ev.NodeID == e.leader && e.leader != 0
		if lostLeader {
			e.leader = 0
		}
		e.mu.Unlock()
		if lostLeader {
			log.Printf("ELECTION: leader %d lost, starting election", ev.NodeID)
			e.StartElection()
		}
	}
}

// StartElection runs one Bully round. Concurrent calls while a round is
// in flight are ignored.
func (e *Engine) StartElection() {
	e.mu.Lock()
	if e.electing {
		e.mu.Unlock()
		return
	}
	e.electing = true
	e.term++
	myTerm := e.term
	e.state = Candidate
	e.mu.Unlock()

	log.Printf("ELECTION: node %d starting election (term %d)", e.nodeID, myTerm)

	var higher []discovery.Peer
	for _, p := range e.table.Snapshot() {
		if p.ID > e.nodeID {
			higher = append(higher, p)
		}
	}

	if e.challenge(higher, myTerm) {
		// Someone above us answered; they will take over. Wait a
		// bounded period for their COORDINATOR, then retrigger.
		e.mu.Lock()
		e.state = Follower
		e.leader = 0
		e.electing = false
		e.mu.Unlock()

		if !e.waitForCoordinator() {
			log.Printf("ELECTION: no coordinator announced, retriggering")
			e.StartElection()
		}
		return
	}

	e.becomeLeader(myTerm)
	e.mu.Lock()
	e.electing = false
	e.mu.Unlock()
}

// challenge sends ELECTION to every higher-id peer and reports whether
// any replied OK within the reply window. Unreachable peers count as
// absent for this round only.
func (e *Engine) challenge(higher []discovery.Peer, term int) bool {
	if len(higher) == 0 {
		return false
	}

	ok := make(chan bool, len(higher))
	for _, p := range higher {
		go func(p discovery.Peer) {
			reply, err := e.client.RequestToken(p.TCPAddr(), transport.NewElection(term, e.nodeID))
			ok <- err == nil && reply == transport.ReplyOK
		}(p)
	}

	anyOK := false
	for range higher {
		if <-ok {
			anyOK = true
		}
	}
	return anyOK
}

// waitForCoordinator polls until a leader is adopted or the leader
// timeout elapses.
func (e *Engine) waitForCoordinator() bool {
	deadline := time.Now().Add(e.leaderTimeout)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		known := e.leader != 0
		stopped := e.stopCh == nil
		e.mu.Unlock()
		if known || stopped {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}

// becomeLeader installs self as leader and announces it to every peer.
func (e *Engine) becomeLeader(term int) {
	e.mu.Lock()
	e.state = Leader
	e.leader = e.nodeID
	e.lastLeaderSeen = time.Now()
	cb := e.onLeaderChange
	e.mu.Unlock()

	log.Printf("ELECTION: node %d is LEADER (term %d)", e.nodeID, term)
	e.broadcastCoordinator(term)
	if cb != nil {
		cb(e.nodeID, true)
	}
}

// broadcastCoordinator sends COORDINATOR to every peer over UDP.
func (e *Engine) broadcastCoordinator(term int) {
	msg := transport.NewCoordinator(term, e.nodeID)
	for _, p := range e.table.Snapshot() {
		if err := e.client.SendUDP(p.UDPAddr(), msg); err != nil {
			log.Printf("ELECTION: coordinator send to node %d failed: %v", p.ID, err)
		}
	}
}

// HandleMessage dispatches inbound election traffic. It satisfies
// transport.Handler for both the TCP and UDP servers.
func (e *Engine) HandleMessage(msg interface{}, remote net.Addr) []byte {
	switch m := msg.(type) {
	case *transport.Election:
		return e.handleElection(m)
	case *transport.Coordinator:
		e.handleCoordinator(m)
		return nil
	}
	return nil
}

// handleElection answers a challenge from a lower-id node: reply OK and
// run our own election.
func (e *Engine) handleElection(m *transport.Election) []byte {
	e.mu.Lock()
	if m.Term > e.term {
		e.term = m.Term
	}
	e.mu.Unlock()

	if e.nodeID > m.From {
		log.Printf("ELECTION: challenge from node %d (term %d), replying OK", m.From, m.Term)
		go e.StartElection()
		return []byte(transport.ReplyOK)
	}
	return nil
}

// handleCoordinator adopts the announced leader when the term is not
// stale. Duplicate announcements are harmless — they refresh the
// leader heartbeat.
func (e *Engine) handleCoordinator(m *transport.Coordinator) {
	e.mu.Lock()
	if m.Term < e.term {
		e.mu.Unlock()
		log.Printf("ELECTION: ignoring stale coordinator (term %d < %d)", m.Term, e.term)
		return
	}

	changed := e.leader != m.Leader
	steppedDown := e.state == Leader && m.Leader != e.nodeID
	e.term = m.Term
	e.leader = m.Leader
	e.lastLeaderSeen = time.Now()
	if m.Leader != e.nodeID {
		e.state = Follower
	}
	cb := e.onLeaderChange
	e.mu.Unlock()

	if steppedDown {
		log.Printf("ELECTION: stepping down, node %d leads term %d", m.Leader, m.Term)
	}
	if changed {
		log.Printf("ELECTION: adopted leader %d (term %d)", m.Leader, m.Term)
		if cb != nil {
			cb(m.Leader, m.Leader == e.nodeID)
		}
	}
}

// monitorLoop watches for leader silence and triggers re-election.
func (e *Engine) monitorLoop(stop <-chan struct{}) {
	defer e.wg.Done()
	ticker := time.NewTicker(DefaultMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			silent := e.state != Leader &&
				e.leader != 0 &&
				e.leader != e.nodeID &&
				time.Since(e.lastLeaderSeen) > e.leaderTimeout
			leaderID := e.leader
			if silent {
				e.leader = 0
			}
			e.mu.Unlock()

			if silent {
				log.Printf("ELECTION: leader %d silent for over %v, starting election", leaderID, e.leaderTimeout)
				e.StartElection()
			}
		}
	}
}

// heartbeatLoop re-announces leadership while this node leads.
func (e *Engine) heartbeatLoop(stop <-chan struct{}) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			isLeader := e.state == Leader
			term := e.term
			e.mu.Unlock()
			if isLeader {
				e.broadcastCoordinator(term)
			}
		}
	}
}
