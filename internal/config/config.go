// Package config loads the two configuration layers of a node: the
// cluster topology file shared by every node of one deployment, and the
// per-process tuning knobs read from the environment.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Tuning holds the env-driven knobs. Priority: ENV vars > .env file >
// defaults.
type Tuning struct {
	// Capacity
	MaxConnections int `env:"CHATMESH_MAX_CONNECTIONS" envDefault:"500"`

	// Connection rate limiting (DoS protection on the accept path)
	ConnRateLimitEnabled bool    `env:"CHATMESH_CONN_RATE_LIMIT" envDefault:"true"`
	ConnRateIPBurst      int     `env:"CHATMESH_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPPerSec     float64 `env:"CHATMESH_CONN_RATE_IP_PER_SEC" envDefault:"2.0"`
	ConnRateGlobalBurst  int     `env:"CHATMESH_CONN_RATE_GLOBAL_BURST" envDefault:"200"`
	ConnRateGlobalPerSec float64 `env:"CHATMESH_CONN_RATE_GLOBAL_PER_SEC" envDefault:"50.0"`

	// Safety thresholds for the admission resource guard
	CPURejectThreshold float64 `env:"CHATMESH_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	MemoryLimit        int64   `env:"CHATMESH_MEMORY_LIMIT" envDefault:"0"` // bytes, 0 = unchecked

	// Storage
	CompactThreshold int `env:"CHATMESH_COMPACT_THRESHOLD" envDefault:"10000"`

	// Replication
	SyncGracePeriod time.Duration `env:"CHATMESH_SYNC_GRACE" envDefault:"2s"`

	// Shutdown
	DrainGracePeriod time.Duration `env:"CHATMESH_DRAIN_GRACE" envDefault:"10s"`

	// Monitoring; empty disables the metrics HTTP listener
	MetricsAddr string `env:"CHATMESH_METRICS_ADDR" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadTuning reads the tuning config from an optional .env file and the
// environment, then validates it.
func LoadTuning() (*Tuning, error) {
	// Missing .env is fine; production sets real environment variables.
	_ = godotenv.Load()

	t := &Tuning{}
	if err := env.Parse(t); err != nil {
		return nil, fmt.Errorf("parse tuning config: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("tuning config validation failed: %w", err)
	}
	return t, nil
}

// Validate checks ranges and enums.
func (t *Tuning) Validate() error {
	if t.MaxConnections < 1 {
		return fmt.Errorf("CHATMESH_MAX_CONNECTIONS must be > 0, got %d", t.MaxConnections)
	}
	if t.CPURejectThreshold < 0 || t.CPURejectThreshold > 100 {
		return fmt.Errorf("CHATMESH_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", t.CPURejectThreshold)
	}
	if t.CompactThreshold < 0 {
		return fmt.Errorf("CHATMESH_COMPACT_THRESHOLD must be >= 0, got %d", t.CompactThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[t.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", t.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[t.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", t.LogFormat)
	}
	return nil
}

// LogConfig logs the tuning values once at startup.
func (t *Tuning) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("max_connections", t.MaxConnections).
		Bool("conn_rate_limit", t.ConnRateLimitEnabled).
		Float64("cpu_reject_threshold", t.CPURejectThreshold).
		Int64("memory_limit", t.MemoryLimit).
		Int("compact_threshold", t.CompactThreshold).
		Dur("sync_grace", t.SyncGracePeriod).
		Dur("drain_grace", t.DrainGracePeriod).
		Str("metrics_addr", t.MetricsAddr).
		Str("log_level", t.LogLevel).
		Str("log_format", t.LogFormat).
		Msg("Tuning configuration loaded")
}

// Endpoint is one listen address in the cluster file.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr renders the endpoint as host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// NodeConfig describes one cluster member.
type NodeConfig struct {
	Name string   `json:"name"`
	Desc string   `json:"desc"`
	TCP  Endpoint `json:"tcp"`
	RPC  Endpoint `json:"rpc"`
}

// Cluster is the parsed topology file.
type Cluster struct {
	Nodes []NodeConfig `json:"nodes"`

	byName map[string]NodeConfig
}

// LoadCluster reads and validates the topology file.
func LoadCluster(path string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster config: %w", err)
	}

	var c Cluster
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse cluster config: %w", err)
	}
	if len(c.Nodes) == 0 {
		return nil, fmt.Errorf("cluster config %s lists no nodes", path)
	}

	c.byName = make(map[string]NodeConfig, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("cluster config: node without a name")
		}
		if n.TCP.Port == 0 || n.RPC.Port == 0 {
			return nil, fmt.Errorf("cluster config: node %s is missing tcp or rpc endpoint", n.Name)
		}
		if _, dup := c.byName[n.Name]; dup {
			return nil, fmt.Errorf("cluster config: duplicate node name %s", n.Name)
		}
		c.byName[n.Name] = n
	}
	return &c, nil
}

// Node returns the named member.
func (c *Cluster) Node(name string) (NodeConfig, error) {
	n, ok := c.byName[name]
	if !ok {
		return NodeConfig{}, fmt.Errorf("node %s does not exist in the cluster config", name)
	}
	return n, nil
}

// PeerRPCAddrs returns the RPC addresses of every node except the named
// one, in file order. Reconciliation tries peers in this order.
func (c *Cluster) PeerRPCAddrs(exclude string) []string {
	var addrs []string
	for _, n := range c.Nodes {
		if n.Name != exclude {
			addrs = append(addrs, n.RPC.Addr())
		}
	}
	return addrs
}

// Peers returns the full config of every other node.
func (c *Cluster) Peers(exclude string) []NodeConfig {
	var peers []NodeConfig
	for _, n := range c.Nodes {
		if n.Name != exclude {
			peers = append(peers, n)
		}
	}
	return peers
}
