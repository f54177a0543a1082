// Package config holds the cluster configuration for an emergencyd node.
//
// Everything is environment-driven with sane defaults so a node can be
// started with no configuration at all: the node id is auto-assigned by
// the identity binder and every port is derived from it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Cluster operation modes.
const (
	ModeDynamic = "dynamic" // multicast auto-discovery
	ModeStatic  = "static"  // fixed peer list
)

// Port bases. A node with id N listens on base+N%1000.
const (
	BaseHTTPPort = 5000
	BaseTCPPort  = 5555
	BaseUDPPort  = 6000
)

// StaticPeer is one entry of the fixed peer list used when
// CLUSTER_MODE=static.
type StaticPeer struct {
	ID      int
	Host    string
	TCPPort int
	UDPPort int
}

// Config is the resolved node configuration.
type Config struct {
	// NodeID is 0 until assigned (either from NODE_ID or by the
	// identity binder).
	NodeID int

	ClusterMode string

	MulticastGroup string
	MulticastPort  int

	AnnounceInterval  time.Duration
	NodeTimeout       time.Duration
	HeartbeatInterval time.Duration

	DataDir string

	HTTPPort int
	TCPPort  int
	UDPPort  int

	// StaticPeers is only consulted when ClusterMode == ModeStatic.
	StaticPeers []StaticPeer
}

// FromEnv builds a Config from environment variables, applying the
// documented defaults for anything unset.
func FromEnv() *Config {
	cfg := &Config{
		ClusterMode:       envString("CLUSTER_MODE", ModeDynamic),
		MulticastGroup:    envString("MULTICAST_GROUP", "224.0.0.100"),
		MulticastPort:     envInt("MULTICAST_PORT", 5005),
		AnnounceInterval:  time.Duration(envInt("DISCOVERY_ANNOUNCE_INTERVAL", 5)) * time.Second,
		NodeTimeout:       time.Duration(envInt("DISCOVERY_NODE_TIMEOUT", 15)) * time.Second,
		HeartbeatInterval: time.Duration(envInt("HEARTBEAT_INTERVAL", 5)) * time.Second,
		DataDir:           envString("DATA_DIR", "data"),
	}

	if v := os.Getenv("NODE_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.NodeID = id
		}
	}
	if v := os.Getenv("NODE_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.NodeTimeout = time.Duration(secs) * time.Second
		}
	}

	// Fixed four-node layout for static clusters, same shape the
	// dynamic mode would derive.
	for id := 1; id <= 4; id++ {
		cfg.StaticPeers = append(cfg.StaticPeers, StaticPeer{
			ID:      id,
			Host:    "localhost",
			TCPPort: BaseTCPPort + id%1000,
			UDPPort: BaseUDPPort + id%1000,
		})
	}

	return cfg
}

// DerivePorts fills in the port triple for the given node id. Ports that
// were already set explicitly (non-zero) are left alone.
func (c *Config) DerivePorts(nodeID int) {
	c.NodeID = nodeID
	if c.HTTPPort == 0 {
		c.HTTPPort = BaseHTTPPort + nodeID%1000
	}
	if c.TCPPort == 0 {
		c.TCPPort = BaseTCPPort + nodeID%1000
	}
	if c.UDPPort == 0 {
		c.UDPPort = BaseUDPPort + nodeID%1000
	}
}

// IsDynamic reports whether the cluster uses multicast auto-discovery.
func (c *Config) IsDynamic() bool { return c.ClusterMode == ModeDynamic }

// DBPath returns the per-node SQLite database path, keyed by node id.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, fmt.Sprintf("emergency_sala%d.db", c.NodeID))
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
