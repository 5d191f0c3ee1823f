// Package config loads the overlay topology (JSON) and per-node
// operational settings (YAML).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig describes one overlay member. Connections are the node's
// static outbound forwarding edges.
type NodeConfig struct {
	ID          string   `json:"-"`
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	Connections []string `json:"connections"`
	DataSubset  string   `json:"data_subset"`
	Portal      bool     `json:"portal,omitempty"`
}

// Address returns host:port for dialing or binding.
func (n NodeConfig) Address() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Topology is the overlay configuration document. The overlay list is
// informational; authoritative edges are each node's connections.
type Topology struct {
	Processes map[string]NodeConfig `json:"processes"`
	Overlay   []string              `json:"overlay"`
}

// LoadTopology reads and validates an overlay JSON file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var topo Topology
	if err := json.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(topo.Processes) == 0 {
		return nil, fmt.Errorf("config declares no processes")
	}

	for id, node := range topo.Processes {
		node.ID = id
		if node.Host == "" {
			return nil, fmt.Errorf("process %s: host is required", id)
		}
		if node.Port < 1 || node.Port > 65535 {
			return nil, fmt.Errorf("process %s: port must be between 1 and 65535", id)
		}
		for _, conn := range node.Connections {
			if _, ok := topo.Processes[conn]; !ok {
				return nil, fmt.Errorf("process %s: connection %q is not a declared process", id, conn)
			}
		}
		topo.Processes[id] = node
	}
	return &topo, nil
}

// Node returns the configuration for one process id.
func (t *Topology) Node(id string) (NodeConfig, error) {
	node, ok := t.Processes[id]
	if !ok {
		return NodeConfig{}, fmt.Errorf("process id not found in configuration: %s", id)
	}
	return node, nil
}

// NodeIDs returns all declared process ids, sorted.
func (t *Topology) NodeIDs() []string {
	ids := make([]string, 0, len(t.Processes))
	for id := range t.Processes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Settings carries the operational knobs that are not topology.
type Settings struct {
	Cache struct {
		RegionSize int64         `yaml:"region_size"`
		NodeTTL    time.Duration `yaml:"node_ttl"`
		PortalTTL  time.Duration `yaml:"portal_ttl"`
	} `yaml:"cache"`

	Relay struct {
		QueueSize int `yaml:"queue_size"`
	} `yaml:"relay"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Gossip struct {
		Enabled        bool          `yaml:"enabled"`
		BindPort       int           `yaml:"bind_port"`
		SeedNodes      []string      `yaml:"seed_nodes"`
		GossipInterval time.Duration `yaml:"gossip_interval"`
		ProbeTimeout   time.Duration `yaml:"probe_timeout"`
		ProbeInterval  time.Duration `yaml:"probe_interval"`
	} `yaml:"gossip"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadSettings reads a settings YAML file; an empty path yields defaults.
func LoadSettings(path string) (*Settings, error) {
	var s Settings
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to parse settings file: %w", err)
		}
	}
	setDefaults(&s)
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return &s, nil
}

func setDefaults(s *Settings) {
	if s.Cache.RegionSize == 0 {
		s.Cache.RegionSize = 1 << 20
	}
	if s.Cache.NodeTTL == 0 {
		s.Cache.NodeTTL = 5 * time.Second
	}
	if s.Cache.PortalTTL == 0 {
		s.Cache.PortalTTL = 10 * time.Second
	}
	if s.Relay.QueueSize == 0 {
		s.Relay.QueueSize = 64
	}
	if s.Metrics.Port == 0 {
		s.Metrics.Port = 9100
	}
	if s.Gossip.BindPort == 0 {
		s.Gossip.BindPort = 7946
	}
	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
}

// Validate rejects settings the node cannot run with.
func (s *Settings) Validate() error {
	if s.Cache.RegionSize < 1024 {
		return fmt.Errorf("cache.region_size must be at least 1024 bytes")
	}
	if s.Cache.NodeTTL < 0 || s.Cache.PortalTTL < 0 {
		return fmt.Errorf("cache TTLs must not be negative")
	}
	if s.Metrics.Port < 1 || s.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}
