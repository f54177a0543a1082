// Package discovery announces this node and learns about peers over an
// IP multicast group, so clusters form with zero configuration. Nodes
// send ANNOUNCE every few seconds and LEAVE on orderly shutdown; a
// cleanup loop evicts peers that go silent.
package discovery

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"

	"emergencyd/internal/cluster"
)

// message is the multicast datagram layout for both ANNOUNCE and LEAVE.
type message struct {
	Type      string  `json:"type"`
	NodeID    int     `json:"node_id"`
	TCPPort   int     `json:"tcp_port,omitempty"`
	UDPPort   int     `json:"udp_port,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

const (
	msgAnnounce = "ANNOUNCE"
	msgLeave    = "LEAVE"
)

// Agent runs the discovery loops and owns the peer table.
type Agent struct {
	nodeID  int
	tcpPort int
	udpPort int

	group            string
	port             int
	announceInterval time.Duration
	nodeTimeout      time.Duration

	table *Table
	bus   *cluster.Bus

	mu       sync.Mutex
	running  bool
	sendConn net.Conn
	recvConn *ipv4.PacketConn
	rawConn  net.PacketConn
	stopCh   chan struct{}
	wg       sync.WaitGroup

	localIPs map[string]bool
}

// Options configures an Agent.
type Options struct {
	NodeID           int
	TCPPort          int
	UDPPort          int
	MulticastGroup   string
	MulticastPort    int
	AnnounceInterval time.Duration
	NodeTimeout      time.Duration
}

// NewAgent creates a discovery agent publishing membership events to
// bus and recording peers in table.
func NewAgent(opts Options, table *Table, bus *cluster.Bus) *Agent {
	return &Agent{
		nodeID:           opts.NodeID,
		tcpPort:          opts.TCPPort,
		udpPort:          opts.UDPPort,
		group:            opts.MulticastGroup,
		port:             opts.MulticastPort,
		announceInterval: opts.AnnounceInterval,
		nodeTimeout:      opts.NodeTimeout,
		table:            table,
		bus:              bus,
		localIPs:         localAddresses(),
	}
}

// Table returns the peer table owned by this agent.
func (a *Agent) Table() *Table { return a.table }

// NodeID returns the id this agent currently announces.
func (a *Agent) NodeID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodeID
}

// Start joins the multicast group and launches the announce, listen and
// cleanup loops.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	groupUDP := &net.UDPAddr{IP: net.ParseIP(a.group), Port: a.port}

	send, err := net.DialUDP("udp4", nil, groupUDP)
	if err != nil {
		return err
	}

	// SO_REUSEADDR so several nodes on one host can share the
	// multicast port.
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	raw, err := lc.ListenPacket(context.Background(), "udp4", ":"+strconv.Itoa(a.port))
	if err != nil {
		send.Close()
		return err
	}
	pc := ipv4.NewPacketConn(raw)
	if err := pc.JoinGroup(nil, &net.UDPAddr{IP: groupUDP.IP}); err != nil {
		send.Close()
		raw.Close()
		return err
	}
	// Loopback on, so several nodes on one host can see each other.
	pc.SetMulticastLoopback(true)

	a.sendConn = send
	a.rawConn = raw
	a.recvConn = pc
	a.stopCh = make(chan struct{})
	a.running = true

	a.wg.Add(3)
	go a.announceLoop()
	go a.listenLoop()
	go a.cleanupLoop()

	log.Printf("DISCOVERY: node %d joined %s:%d", a.nodeID, a.group, a.port)
	return nil
}

// Stop sends LEAVE, closes the sockets and waits for the loops.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)

	a.sendLeaveLocked()
	a.sendConn.Close()
	a.rawConn.Close()
	a.mu.Unlock()

	a.wg.Wait()
	log.Printf("DISCOVERY: node %d stopped", a.nodeID)
}

// Rebind switches the agent to a new identity after an id collision.
// The caller must Stop first.
func (a *Agent) Rebind(nodeID, tcpPort, udpPort int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodeID = nodeID
	a.tcpPort = tcpPort
	a.udpPort = udpPort
}

func (a *Agent) announceLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.announceInterval)
	defer ticker.Stop()

	a.sendAnnounce()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sendAnnounce()
		}
	}
}

func (a *Agent) listenLoop() {
	defer a.wg.Done()
	buf := make([]byte, 1024)
	for {
		n, _, src, err := a.recvConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-a.stopCh:
				return
			default:
				log.Printf("DISCOVERY: read error: %v", err)
				continue
			}
		}
		a.handleMessage(buf[:n], src)
	}
}

func (a *Agent) cleanupLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.announceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			for _, id := range a.table.Expired(time.Now(), a.nodeTimeout) {
				if a.table.Remove(id) {
					log.Printf("DISCOVERY: node %d timed out", id)
					a.bus.Publish(cluster.Event{Type: cluster.PeerLost, NodeID: id})
				}
			}
		}
	}
}

func (a *Agent) sendAnnounce() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	data, _ := json.Marshal(message{
		Type:      msgAnnounce,
		NodeID:    a.nodeID,
		TCPPort:   a.tcpPort,
		UDPPort:   a.udpPort,
		Timestamp: unixNow(),
	})
	if _, err := a.sendConn.Write(data); err != nil {
		log.Printf("DISCOVERY: announce failed: %v", err)
	}
}

func (a *Agent) sendLeaveLocked() {
	data, _ := json.Marshal(message{
		Type:      msgLeave,
		NodeID:    a.nodeID,
		Timestamp: unixNow(),
	})
	if _, err := a.sendConn.Write(data); err != nil {
		log.Printf("DISCOVERY: leave failed: %v", err)
	}
}

// handleMessage processes one multicast datagram. It also implements id
// collision detection: our own id announced from a foreign address
// means two nodes chose the same identity.
func (a *Agent) handleMessage(data []byte, src net.Addr) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("DISCOVERY: malformed datagram from %s: %v", src, err)
		return
	}

	host, _, _ := net.SplitHostPort(src.String())

	if msg.NodeID == a.NodeID() {
		if host != "" && !a.localIPs[host] && host != "127.0.0.1" {
			log.Printf("DISCOVERY: id collision — node %d also announced from %s", msg.NodeID, host)
			a.bus.Publish(cluster.Event{Type: cluster.IDCollision, NodeID: msg.NodeID, Host: host})
		}
		return
	}

	switch msg.Type {
	case msgAnnounce:
		isNew := a.table.Upsert(Peer{
			ID:       msg.NodeID,
			Host:     host,
			TCPPort:  msg.TCPPort,
			UDPPort:  msg.UDPPort,
			LastSeen: time.Now(),
		})
		if isNew {
			log.Printf("DISCOVERY: discovered node %d at %s:%d", msg.NodeID, host, msg.TCPPort)
			a.bus.Publish(cluster.Event{
				Type:    cluster.PeerDiscovered,
				NodeID:  msg.NodeID,
				Host:    host,
				TCPPort: msg.TCPPort,
				UDPPort: msg.UDPPort,
			})
		}
	case msgLeave:
		if a.table.Remove(msg.NodeID) {
			log.Printf("DISCOVERY: node %d left", msg.NodeID)
			a.bus.Publish(cluster.Event{Type: cluster.PeerLost, NodeID: msg.NodeID})
		}
	default:
		log.Printf("DISCOVERY: unknown message type %q from %s", msg.Type, src)
	}
}

// localAddresses collects this host's interface addresses so collision
// detection can tell foreign announcements from our own loopback.
func localAddresses() map[string]bool {
	ips := map[string]bool{"127.0.0.1": true, "::1": true}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			ips[ipnet.IP.String()] = true
		}
	}
	return ips
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
