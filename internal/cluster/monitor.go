// Package cluster tracks overlay membership over gossip. The engine still
// treats channel state as the primary connectivity heuristic; once the mesh
// has members besides this node, gossip vetoes peers that are not current
// members.
package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Config holds gossip settings.
type Config struct {
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// Monitor wraps a memberlist instance and answers liveness queries.
type Monitor struct {
	nodeID     string
	memberlist *memberlist.Memberlist
	logger     *zap.Logger

	mu    sync.RWMutex
	alive map[string]struct{}
}

// NewMonitor joins the gossip mesh. The local member is named after the
// node id so peers can be vetoed by id.
func NewMonitor(cfg *Config, nodeID string, logger *zap.Logger) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Monitor{
		nodeID: nodeID,
		logger: logger,
		alive:  map[string]struct{}{nodeID: {}},
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Events = &eventDelegate{monitor: m}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	m.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some gossip seeds", zap.Error(err))
		}
	}
	return m, nil
}

// Alive reports whether gossip currently considers the node a member.
// While this node is the only known member, every node counts as alive so a
// cold mesh never blocks fan-out; after that, nodes that never joined or
// have left count as not alive.
func (m *Monitor) Alive(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.alive) <= 1 {
		return true
	}
	_, ok := m.alive[nodeID]
	return ok
}

// Members returns the ids gossip currently reports alive.
func (m *Monitor) Members() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.alive))
	for id := range m.alive {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown leaves the mesh.
func (m *Monitor) Shutdown() error {
	if err := m.memberlist.Leave(time.Second); err != nil {
		m.logger.Warn("Gossip leave failed", zap.Error(err))
	}
	return m.memberlist.Shutdown()
}

type eventDelegate struct {
	monitor *Monitor
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.monitor.mu.Lock()
	d.monitor.alive[node.Name] = struct{}{}
	d.monitor.mu.Unlock()
	d.monitor.logger.Info("Gossip member joined", zap.String("member", node.Name))
}

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.monitor.mu.Lock()
	delete(d.monitor.alive, node.Name)
	d.monitor.mu.Unlock()
	d.monitor.logger.Info("Gossip member left", zap.String("member", node.Name))
}

func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {}
