// Package engine implements the per-node request state machine: cache
// lookup, local evaluation, overlay fan-out, merge, cache store, and
// response assembly.
package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crashnet/overlay/internal/cache"
	"github.com/crashnet/overlay/internal/metrics"
	"github.com/crashnet/overlay/internal/model"
	"github.com/crashnet/overlay/internal/rpc"
	"github.com/crashnet/overlay/internal/store"
	"github.com/crashnet/overlay/internal/timing"
	"go.uber.org/zap"
)

// Peer is the outbound face of one overlay neighbor. *rpc.Client satisfies
// it; tests substitute fakes.
type Peer interface {
	Query(ctx context.Context, q model.Query) (model.QueryResult, error)
	Send(ctx context.Context, source, destination string, data []byte) error
	IsConnected() bool
	Close() error
}

// Liveness augments the channel-state heuristic with cluster membership;
// peers reported dead are skipped during fan-out.
type Liveness interface {
	Alive(nodeID string) bool
}

// Boroughs with a dedicated authoritative node. The node whose subset is
// STATEN ISLAND additionally owns everything outside this set.
var dedicatedBoroughs = map[string]struct{}{
	"BROOKLYN": {},
	"QUEENS":   {},
	"BRONX":    {},
}

const catchAllBorough = "STATEN ISLAND"

// forwardableVerbs lists the verbs a node passes downstream after answering
// locally. get_by_borough is not listed: a node with a borough subset never
// forwards it, since borough ownership is disjoint and the one authoritative
// node suffices; only the portal, which has no subset, forwards it (see
// localEval).
var forwardableVerbs = map[string]struct{}{
	store.VerbGetAll:                   {},
	store.VerbGetByStreet:              {},
	store.VerbGetByKey:                 {},
	store.VerbGetByPrefix:              {},
	store.VerbGetByDateRange:           {},
	store.VerbGetCrashesWithInjuries:   {},
	store.VerbGetCrashesWithFatalities: {},
	store.VerbGetByTime:                {},
}

// Config carries the engine's identity and policy knobs.
type Config struct {
	NodeID     string
	Portal     bool
	DataSubset string
	CacheTTL   time.Duration
	RelayQueue int
}

// Engine drives one node: it owns the store, the result cache, the timing
// ledger, the peer stubs, and the inbound server.
type Engine struct {
	nodeID string
	portal bool
	subset string
	ttl    time.Duration

	store  *store.Store
	cache  *cache.Cache
	ledger *timing.Ledger
	server *rpc.Server

	peersMu sync.RWMutex
	peers   map[string]Peer

	forwarder *Forwarder
	liveness  Liveness
	metrics   *metrics.Metrics
	logger    *zap.Logger
	dataSink  func(source string, data []byte)
	running   atomic.Bool
}

// New wires an engine from its collaborators. Peers are attached afterwards
// with AddPeer; handlers are registered on Start so the server never holds a
// half-built engine.
func New(cfg *Config, st *store.Store, ca *cache.Cache, ledger *timing.Ledger, server *rpc.Server, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		if cfg.Portal {
			ttl = 10 * time.Second
		} else {
			ttl = 5 * time.Second
		}
	}

	e := &Engine{
		nodeID: cfg.NodeID,
		portal: cfg.Portal,
		subset: strings.ToUpper(strings.TrimSpace(cfg.DataSubset)),
		ttl:    ttl,
		store:  st,
		cache:  ca,
		ledger: ledger,
		server: server,
		peers:  make(map[string]Peer),
		logger: logger,
	}
	e.dataSink = e.logData

	if cfg.Portal {
		e.forwarder = NewForwarder(cfg.RelayQueue, e.peer, logger)
	}
	return e
}

// SetMetrics attaches Prometheus instruments. Optional.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// SetLiveness attaches a cluster-membership check. Optional.
func (e *Engine) SetLiveness(l Liveness) { e.liveness = l }

// SetDataSink replaces the handler for data messages addressed to this
// node. The default logs a hex dump of the first bytes.
func (e *Engine) SetDataSink(sink func(source string, data []byte)) {
	if sink != nil {
		e.dataSink = sink
	}
}

// AddPeer registers an outbound neighbor.
func (e *Engine) AddPeer(nodeID string, peer Peer) {
	e.peersMu.Lock()
	defer e.peersMu.Unlock()
	e.peers[nodeID] = peer
}

func (e *Engine) peer(nodeID string) (Peer, bool) {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	p, ok := e.peers[nodeID]
	return p, ok
}

// Start registers the handlers and begins serving.
func (e *Engine) Start() error {
	e.server.SetQueryHandler(e.HandleQuery)
	e.server.SetDataHandler(e.HandleData)
	if e.forwarder != nil {
		if e.metrics != nil {
			e.forwarder.delivered = e.metrics.ForwardedMessages.Inc
			e.forwarder.dropped = e.metrics.DroppedMessages.Inc
		}
		e.forwarder.Start()
	}
	if err := e.server.Start(); err != nil {
		return err
	}
	e.running.Store(true)
	e.logger.Info("Node engine started",
		zap.String("node_id", e.nodeID),
		zap.Bool("portal", e.portal),
		zap.String("data_subset", e.subset))
	return nil
}

// Stop shuts the server down, stops the relay worker, and drops the peer
// stubs. The cache region stays intact for co-located processes.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.server.Stop()
	if e.forwarder != nil {
		e.forwarder.Stop()
	}

	e.peersMu.Lock()
	for id, p := range e.peers {
		if err := p.Close(); err != nil {
			e.logger.Warn("Failed to close peer", zap.String("peer", id), zap.Error(err))
		}
		delete(e.peers, id)
	}
	e.peersMu.Unlock()
	e.logger.Info("Node engine stopped", zap.String("node_id", e.nodeID))
}

// IsRunning reports whether the engine is serving.
func (e *Engine) IsRunning() bool { return e.running.Load() }

// CacheKey builds the memoization key for a query. It must be byte-identical
// across nodes for equal verb and params so co-located caches hit
// symmetrically.
func CacheKey(q model.Query) string {
	var b strings.Builder
	b.WriteString("query_")
	b.WriteString(q.Verb)
	for _, p := range q.Params {
		b.WriteString("_")
		b.WriteString(p)
	}
	return b.String()
}

// HandleQuery runs the per-query state machine. Distinct query ids progress
// independently; the only cross-query serialization is the short critical
// sections inside the store, cache, and ledger.
func (e *Engine) HandleQuery(ctx context.Context, q model.Query) model.QueryResult {
	start := time.Now()
	e.logger.Info("Received query",
		zap.String("node_id", e.nodeID),
		zap.String("query_id", q.ID),
		zap.String("verb", q.Verb),
		zap.Strings("params", q.Params))

	e.ledger.Start(q.ID, e.nodeID)
	key := CacheKey(q)

	if result, ok := e.cacheLookup(q, key); ok {
		e.observe(q.Verb, "cache_hit", start)
		return result
	}

	local, forward := e.localEval(q)
	e.ledger.End(q.ID, "Local_Processing")

	if forward && local.Success {
		e.fanOut(ctx, q, &local)
	}

	if local.Success && ctx.Err() == nil {
		e.cacheStore(q, key, local)
	}
	e.ledger.End(q.ID, "Cache_Storage")

	e.ledger.End(q.ID, "Total_Processing")
	local.TimingBlob = e.ledger.Serialize(q.ID)
	if e.portal {
		e.logger.Info("Query complete",
			zap.String("query_id", q.ID),
			zap.String("timing_report", e.ledger.Report(q.ID)))
	}
	e.ledger.Clear(q.ID)

	outcome := "ok"
	if !local.Success {
		outcome = "failure"
	}
	e.observe(q.Verb, outcome, start)
	return local
}

// cacheLookup finishes the query from the result cache when a fresh entry
// exists. A payload that fails to decode counts as a miss.
func (e *Engine) cacheLookup(q model.Query, key string) (model.QueryResult, bool) {
	payload, ok := e.cache.Get(key)
	if !ok {
		if e.metrics != nil {
			e.metrics.CacheMissesTotal.Inc()
		}
		return model.QueryResult{}, false
	}

	var result model.QueryResult
	if e.portal {
		decoded, err := decodePortalResult(payload, q.ID)
		if err != nil {
			e.logger.Warn("Discarding undecodable cache payload",
				zap.String("key", key),
				zap.Error(err))
			if e.metrics != nil {
				e.metrics.CacheMissesTotal.Inc()
			}
			return model.QueryResult{}, false
		}
		decoded.Message = "From cache: " + decoded.Message
		result = decoded
	} else {
		result = model.QueryResult{
			QueryID: q.ID,
			Success: true,
			Message: "From cache",
			Entries: decodeEntryLines(payload),
		}
	}

	if e.metrics != nil {
		e.metrics.CacheHitsTotal.Inc()
	}
	e.logger.Info("Cache hit", zap.String("node_id", e.nodeID), zap.String("key", key))

	e.ledger.End(q.ID, "Cache_Access")
	e.ledger.End(q.ID, "Total_Processing")
	result.TimingBlob = e.ledger.Serialize(q.ID)
	e.ledger.Clear(q.ID)
	return result, true
}

// localEval produces this node's own contribution and decides whether the
// query continues downstream.
func (e *Engine) localEval(q model.Query) (model.QueryResult, bool) {
	if q.Verb == store.VerbGetByBorough {
		// A node with no authoritative borough (the portal) has nothing to
		// compare against and forwards like any other verb. Everywhere
		// else borough ownership is disjoint: the owner answers and the
		// query stops, non-owners contribute empty success and stop.
		if e.subset == "" {
			return e.store.Evaluate(q), true
		}
		if len(q.Params) > 0 && e.ownsBorough(q.Params[0]) {
			return e.store.Evaluate(q), false
		}
		return model.Succeed(q.ID, nil, "Success"), false
	}

	result := e.store.Evaluate(q)
	_, forwardable := forwardableVerbs[q.Verb]
	return result, forwardable
}

// ownsBorough reports whether this node is authoritative for the borough.
func (e *Engine) ownsBorough(borough string) bool {
	if e.subset == "" {
		return false
	}
	b := strings.ToUpper(strings.TrimSpace(borough))
	if b == e.subset {
		return true
	}
	if e.subset == catchAllBorough {
		_, dedicated := dedicatedBoroughs[b]
		return !dedicated
	}
	return false
}

// fanOut queries every connected peer concurrently with the unchanged query
// id and merges replies in arrival order. Peer failures contribute nothing;
// the merged result still succeeds.
func (e *Engine) fanOut(ctx context.Context, q model.Query, local *model.QueryResult) {
	type peerReply struct {
		id     string
		result model.QueryResult
		err    error
		took   time.Duration
	}

	e.peersMu.RLock()
	targets := make(map[string]Peer, len(e.peers))
	for id, p := range e.peers {
		if e.peerUsable(id, p) {
			targets[id] = p
		}
	}
	e.peersMu.RUnlock()

	replies := make(chan peerReply, len(targets))
	for id, p := range targets {
		go func(id string, p Peer) {
			callStart := time.Now()
			result, err := p.Query(ctx, q)
			replies <- peerReply{id: id, result: result, err: err, took: time.Since(callStart)}
		}(id, p)
	}

	merged := 0
	for range targets {
		reply := <-replies
		e.ledger.End(q.ID, "Query_To_"+reply.id)
		if e.metrics != nil {
			e.metrics.DownstreamLatency.WithLabelValues(reply.id).Observe(reply.took.Seconds())
		}

		if reply.err != nil {
			e.logger.Warn("Downstream query failed",
				zap.String("query_id", q.ID),
				zap.String("peer", reply.id),
				zap.Error(reply.err))
			e.countDownstream(reply.id, "error")
			continue
		}
		if !reply.result.Success {
			e.countDownstream(reply.id, "failure")
			continue
		}

		merged++
		local.Entries = append(local.Entries, reply.result.Entries...)
		if reply.result.TimingBlob != "" {
			e.ledger.AttachDownstream(q.ID, reply.result.TimingBlob)
		}
		e.countDownstream(reply.id, "ok")
	}

	e.ledger.End(q.ID, "Downstream_Queries")
	local.Message = fmt.Sprintf("Combined results from Process %s and %d downstream processes",
		e.nodeID, merged)
}

func (e *Engine) peerUsable(id string, p Peer) bool {
	if !p.IsConnected() {
		return false
	}
	return e.liveness == nil || e.liveness.Alive(id)
}

// cacheStore memoizes a successful result under the query's cache key. An
// oversized payload fails the put and the query still returns.
func (e *Engine) cacheStore(q model.Query, key string, result model.QueryResult) {
	var payload []byte
	if e.portal {
		payload = encodePortalResult(result)
	} else {
		payload = encodeEntryLines(result.Entries)
	}
	if err := e.cache.Put(key, payload, e.ttl); err != nil {
		e.logger.Warn("Failed to cache query result",
			zap.String("key", key),
			zap.Error(err))
	}
}

// HandleData routes an inbound data message: consume it when addressed
// here, relay it when a route exists, drop it otherwise.
func (e *Engine) HandleData(ctx context.Context, source, destination string, data []byte) {
	e.logger.Info("Received data message",
		zap.String("node_id", e.nodeID),
		zap.String("source", source),
		zap.String("destination", destination),
		zap.Int("bytes", len(data)))

	if destination == e.nodeID {
		e.dataSink(source, data)
		return
	}

	if e.forwarder != nil {
		e.forwarder.Enqueue(source, destination, data)
		return
	}

	peer, ok := e.peer(destination)
	if !ok || !peer.IsConnected() {
		e.logger.Warn("Cannot forward message: no connected route",
			zap.String("destination", destination))
		if e.metrics != nil {
			e.metrics.DroppedMessages.Inc()
		}
		return
	}
	if err := peer.Send(ctx, source, destination, data); err != nil {
		e.logger.Warn("Forward failed",
			zap.String("destination", destination),
			zap.Error(err))
		if e.metrics != nil {
			e.metrics.DroppedMessages.Inc()
		}
		return
	}
	if e.metrics != nil {
		e.metrics.ForwardedMessages.Inc()
	}
}

// logData is the default sink for messages addressed to this node.
func (e *Engine) logData(source string, data []byte) {
	n := len(data)
	if n > 16 {
		n = 16
	}
	e.logger.Info("Processing data message",
		zap.String("source", source),
		zap.String("head", hex.EncodeToString(data[:n])))
}

// PeerIDs returns the registered peer ids, sorted for stable logs.
func (e *Engine) PeerIDs() []string {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) countDownstream(peer, outcome string) {
	if e.metrics != nil {
		e.metrics.DownstreamCalls.WithLabelValues(peer, outcome).Inc()
	}
}

func (e *Engine) observe(verb, outcome string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.QueriesTotal.WithLabelValues(verb, outcome).Inc()
	e.metrics.QueryDuration.Observe(time.Since(start).Seconds())
	e.metrics.StoreEntries.Set(float64(e.store.Len()))
}
