// Package timing records per-query phase timings on every node a query
// touches, and folds downstream nodes' reports into the response so the
// portal can hand back an end-to-end latency breakdown.
package timing

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Ledger is a per-node, per-query stopwatch. Every phase is measured as
// elapsed time since the query's anchor, not as a non-overlapping interval;
// downstream callers rely on that reading, so it must not change.
type Ledger struct {
	mu      sync.Mutex
	records map[string]*record
	now     func() time.Time
}

type record struct {
	nodeID     string
	anchor     time.Time
	phases     map[string]float64
	order      []string
	downstream []string
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// Start anchors the stopwatch for a query to now and records the hosting
// node. Calling it again re-anchors and keeps already-recorded phases.
func (l *Ledger) Start(queryID, nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[queryID]
	if !ok {
		rec = &record{phases: make(map[string]float64)}
		l.records[queryID] = rec
	}
	rec.nodeID = nodeID
	rec.anchor = l.now()
}

// End records the seconds elapsed since the query's anchor under the given
// phase name. Unknown query ids are ignored.
func (l *Ledger) End(queryID, phase string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[queryID]
	if !ok {
		return
	}
	if _, seen := rec.phases[phase]; !seen {
		rec.order = append(rec.order, phase)
	}
	rec.phases[phase] = l.now().Sub(rec.anchor).Seconds()
}

// AttachDownstream appends an opaque timing blob received from a downstream
// node; Serialize emits the blobs verbatim after the local phases.
func (l *Ledger) AttachDownstream(queryID, blob string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.records[queryID]; ok {
		rec.downstream = append(rec.downstream, blob)
	}
}

// Serialize renders the query's timing block for inclusion in a response.
// Returns the empty string for unknown query ids.
func (l *Ledger) Serialize(queryID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[queryID]
	if !ok {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  [Process %s]\n", rec.nodeID)
	for _, phase := range rec.order {
		fmt.Fprintf(&b, "    %-20s: %.6f seconds\n", phase, rec.phases[phase])
	}
	for _, blob := range rec.downstream {
		b.WriteString(blob)
	}
	return b.String()
}

// Report renders a human-readable end-to-end report for operator logs.
func (l *Ledger) Report(queryID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[queryID]
	if !ok {
		return fmt.Sprintf("No timing data available for query %s", queryID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Timing Report for Query %s (Process %s):\n", queryID, rec.nodeID)
	b.WriteString("Local Operations:\n")
	for _, phase := range rec.order {
		fmt.Fprintf(&b, "  %-20s: %.6f seconds\n", phase, rec.phases[phase])
	}
	if len(rec.downstream) > 0 {
		b.WriteString("\nDownstream Processes:\n")
		for _, blob := range rec.downstream {
			b.WriteString(blob)
		}
	}
	return b.String()
}

// Clear drops all timing state for a query.
func (l *Ledger) Clear(queryID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, queryID)
}
