// Package node wires the coordination components of one emergencyd
// process into a single lifecycle: identity → discovery → transport →
// election → locks → coordinator. It also owns the id-collision
// recovery path.
package node

import (
	"fmt"
	"log"
	"net"
	"sync"

	"emergencyd/internal/cluster"
	"emergencyd/internal/config"
	"emergencyd/internal/coordinator"
	"emergencyd/internal/discovery"
	"emergencyd/internal/election"
	"emergencyd/internal/identity"
	"emergencyd/internal/locks"
	"emergencyd/internal/monitor"
	"emergencyd/internal/store"
	"emergencyd/internal/transport"
)

// Node is the running coordination stack for this process.
type Node struct {
	cfg    *config.Config
	binder *identity.Binder
	store  *store.Store
	hub    *monitor.Hub

	bus    *cluster.Bus
	table  *discovery.Table
	agent  *discovery.Agent
	client *transport.Client

	tcpServer *transport.Server
	udpServer *transport.UDPServer

	elect *election.Engine
	locks *locks.Manager
	coord *coordinator.Coordinator

	mu sync.Mutex
}

// New assembles a node. The config must already carry the node id and
// derived ports.
func New(cfg *config.Config, binder *identity.Binder, st *store.Store, hub *monitor.Hub) *Node {
	n := &Node{
		cfg:    cfg,
		binder: binder,
		store:  st,
		hub:    hub,
		bus:    cluster.NewBus(),
		table:  discovery.NewTable(),
		client: &transport.Client{},
	}

	n.elect = election.NewEngine(election.Options{
		NodeID:            cfg.NodeID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LeaderTimeout:     cfg.NodeTimeout,
		OnLeaderChange: func(leaderID int, isSelf bool) {
			hub.Broadcast("leader_changed", map[string]interface{}{
				"leader":  leaderID,
				"is_self": isSelf,
			})
		},
	}, n.table, n.client)

	n.locks = locks.NewManager(cfg.NodeID, n.table, n.client, st.ResourceFree)

	n.coord = coordinator.New(cfg.NodeID, config.BaseHTTPPort, st, n.locks, n.elect,
		n.table, n.client, hub.Broadcast)

	n.tcpServer = transport.NewServer(transport.HandlerFunc(n.dispatch))
	n.udpServer = transport.NewUDPServer(transport.HandlerFunc(n.dispatch))

	n.agent = discovery.NewAgent(discovery.Options{
		NodeID:           cfg.NodeID,
		TCPPort:          cfg.TCPPort,
		UDPPort:          cfg.UDPPort,
		MulticastGroup:   cfg.MulticastGroup,
		MulticastPort:    cfg.MulticastPort,
		AnnounceInterval: cfg.AnnounceInterval,
		NodeTimeout:      cfg.NodeTimeout,
	}, n.table, n.bus)

	n.bus.Subscribe(n.elect.OnEvent)
	n.bus.Subscribe(n.onEvent)

	return n
}

// Coordinator returns the write-path orchestrator.
func (n *Node) Coordinator() *coordinator.Coordinator { return n.coord }

// Election returns the election engine.
func (n *Node) Election() *election.Engine { return n.elect }

// Table returns the live peer table.
func (n *Node) Table() *discovery.Table { return n.table }

// Start brings up the transport listeners, discovery (or the static
// peer list), the lock sweeper and the election engine.
func (n *Node) Start() error {
	if err := n.tcpServer.Start(fmt.Sprintf(":%d", n.cfg.TCPPort)); err != nil {
		return fmt.Errorf("node: tcp listener: %w", err)
	}
	if err := n.udpServer.Start(fmt.Sprintf(":%d", n.cfg.UDPPort)); err != nil {
		n.tcpServer.Stop()
		return fmt.Errorf("node: udp listener: %w", err)
	}

	n.locks.Start()

	if n.cfg.IsDynamic() {
		if err := n.agent.Start(); err != nil {
			n.locks.Stop()
			n.udpServer.Stop()
			n.tcpServer.Stop()
			return fmt.Errorf("node: discovery: %w", err)
		}
	} else {
		n.loadStaticPeers()
	}

	n.elect.Start()
	log.Printf("NODE: %d up (tcp:%d udp:%d http:%d, mode=%s)",
		n.cfg.NodeID, n.cfg.TCPPort, n.cfg.UDPPort, n.cfg.HTTPPort, n.cfg.ClusterMode)
	return nil
}

// Stop tears the stack down in reverse order; discovery sends LEAVE on
// the way out.
func (n *Node) Stop() {
	n.elect.Stop()
	if n.cfg.IsDynamic() {
		n.agent.Stop()
	}
	n.locks.Stop()
	n.udpServer.Stop()
	n.tcpServer.Stop()
	log.Printf("NODE: %d stopped", n.cfg.NodeID)
}

// loadStaticPeers seeds the table from the fixed list. LastSeen is left
// unset; static peers never expire because no discovery agent, and so no
// cleanup pass, runs in static mode.
func (n *Node) loadStaticPeers() {
	for _, p := range n.cfg.StaticPeers {
		if p.ID == n.cfg.NodeID {
			continue
		}
		n.table.Upsert(discovery.Peer{
			ID:      p.ID,
			Host:    p.Host,
			TCPPort: p.TCPPort,
			UDPPort: p.UDPPort,
		})
	}
	log.Printf("NODE: static mode, %d configured peers", n.table.Len())
}

// dispatch routes one decoded wire message to its owning component.
func (n *Node) dispatch(msg interface{}, remote net.Addr) []byte {
	switch msg.(type) {
	case *transport.LockRequest, *transport.LockRelease:
		return n.locks.HandleMessage(msg, remote)
	case *transport.Election, *transport.Coordinator:
		return n.elect.HandleMessage(msg, remote)
	case *transport.Command:
		return n.coord.HandleMessage(msg, remote)
	}
	return []byte(transport.ReplyError)
}

// onEvent forwards membership changes to the monitor feed and drives
// the collision recovery.
func (n *Node) onEvent(ev cluster.Event) {
	switch ev.Type {
	case cluster.PeerDiscovered:
		n.hub.Broadcast("peer_discovered", map[string]interface{}{"node_id": ev.NodeID, "host": ev.Host})
	case cluster.PeerLost:
		n.hub.Broadcast("peer_lost", map[string]interface{}{"node_id": ev.NodeID})
	case cluster.IDCollision:
		n.handleCollision(ev)
	}
}

// handleCollision abandons the current id and rejoins under a fresh
// one: discovery and the listeners stop, the persisted id is cleared, a
// new id is bound and everything coordination-side restarts. The store
// keeps the ward identity the process started with.
func (n *Node) handleCollision(ev cluster.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ev.NodeID != n.cfg.NodeID {
		return // already regenerated
	}
	log.Printf("NODE: id collision with %s, regenerating identity", ev.Host)

	n.elect.Stop()
	n.agent.Stop()
	n.udpServer.Stop()
	n.tcpServer.Stop()

	if err := n.binder.Clear(); err != nil {
		log.Printf("NODE: clearing persisted id failed: %v", err)
	}
	newID, err := n.binder.Generate()
	if err != nil {
		log.Printf("NODE: identity regeneration failed: %v", err)
		return
	}
	if err := n.binder.Save(newID); err != nil {
		log.Printf("NODE: persisting regenerated id failed: %v", err)
	}

	n.cfg.NodeID = newID
	n.cfg.TCPPort = config.BaseTCPPort + newID%1000
	n.cfg.UDPPort = config.BaseUDPPort + newID%1000

	n.elect.Rebind(newID)
	n.locks.Rebind(newID)
	n.agent.Rebind(newID, n.cfg.TCPPort, n.cfg.UDPPort)

	if err := n.tcpServer.Start(fmt.Sprintf(":%d", n.cfg.TCPPort)); err != nil {
		log.Printf("NODE: tcp rebind failed: %v", err)
		return
	}
	if err := n.udpServer.Start(fmt.Sprintf(":%d", n.cfg.UDPPort)); err != nil {
		log.Printf("NODE: udp rebind failed: %v", err)
		return
	}
	if err := n.agent.Start(); err != nil {
		log.Printf("NODE: discovery restart failed: %v", err)
		return
	}
	n.elect.Start()

	log.Printf("NODE: rejoined cluster as node %d", newID)
	n.hub.Broadcast("id_regenerated", map[string]interface{}{"node_id": newID})
}
