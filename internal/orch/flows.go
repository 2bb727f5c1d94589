package orch

import (
	"context"
	"sync"
	"time"

	"github.com/petehsu/kiro-proxy/internal/monitor"
)

const (
	// flowRingCapacity bounds the in-memory flow trace.
	flowRingCapacity = 256
	// evictInterval is how often overflow records are archived.
	evictInterval = time.Minute
)

// FlowRing is the bounded in-memory trace of recent requests. Overflow is
// evicted oldest-first into the monitor archive; bookmarked flows are
// archived but never silently lost.
type FlowRing struct {
	mu      sync.Mutex
	flows   []monitor.FlowRecord
	archive *monitor.Monitor
}

// NewFlowRing builds a ring that evicts into the given archive.
func NewFlowRing(archive *monitor.Monitor) *FlowRing {
	return &FlowRing{archive: archive}
}

// Append records a finished flow, evicting the oldest when full.
func (r *FlowRing) Append(rec monitor.FlowRecord) {
	r.mu.Lock()
	r.flows = append(r.flows, rec)
	var evicted []monitor.FlowRecord
	if len(r.flows) > flowRingCapacity {
		n := len(r.flows) - flowRingCapacity
		evicted = append(evicted, r.flows[:n]...)
		r.flows = r.flows[n:]
	}
	r.mu.Unlock()

	if r.archive != nil {
		r.archive.Record(rec)
		r.archive.Archive(evicted)
	}
}

// List returns the ring newest-first.
func (r *FlowRing) List() []monitor.FlowRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]monitor.FlowRecord, len(r.flows))
	for i, rec := range r.flows {
		out[len(r.flows)-1-i] = rec
	}
	return out
}

// Get returns one flow by id.
func (r *FlowRing) Get(id string) (monitor.FlowRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.flows {
		if rec.ID == id {
			return rec, true
		}
	}
	return monitor.FlowRecord{}, false
}

// SetBookmark toggles the bookmark flag of one flow.
func (r *FlowRing) SetBookmark(id string, bookmarked bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.flows {
		if r.flows[i].ID == id {
			r.flows[i].Bookmarked = bookmarked
			return true
		}
	}
	return false
}

// Clear drops all unbookmarked flows from the ring.
func (r *FlowRing) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.flows[:0]
	removed := 0
	for _, rec := range r.flows {
		if rec.Bookmarked {
			kept = append(kept, rec)
		} else {
			removed++
		}
	}
	r.flows = kept
	return removed
}

// RunEvictor periodically trims the ring so idle periods still archive
// overflow promptly.
func (r *FlowRing) RunEvictor(ctx context.Context) error {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.trim()
		}
	}
}

func (r *FlowRing) trim() {
	r.mu.Lock()
	var evicted []monitor.FlowRecord
	if len(r.flows) > flowRingCapacity {
		n := len(r.flows) - flowRingCapacity
		evicted = append(evicted, r.flows[:n]...)
		r.flows = r.flows[n:]
	}
	r.mu.Unlock()
	if r.archive != nil {
		r.archive.Archive(evicted)
	}
}
