package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ProcessedEntry is a cached inference result.
type ProcessedEntry struct {
	Detections json.RawMessage
	Timestamp  float64
	storedAt   time.Time
}

type inflightEntry struct {
	arrivedAt  time.Time
	originalTS float64
}

// Pipeline bounds the frames that may be outstanding at the inference worker.
// Admission takes a slot token (capacity Q) within the admission timeout or
// reports a drop; a slot is released when the result arrives, when the send
// to the worker fails, or when the entry ages out. Results are cached in an
// LRU with an additional age bound so neither table can grow without limit.
type Pipeline struct {
	slots        chan struct{}
	admitTimeout time.Duration
	ttl          time.Duration

	mu       sync.Mutex
	inflight map[uint32]inflightEntry

	processed *lru.Cache[uint32, ProcessedEntry]
}

func NewPipeline(depth int, admitTimeout, ttl time.Duration, cacheSize int) *Pipeline {
	cache, _ := lru.New[uint32, ProcessedEntry](cacheSize)
	return &Pipeline{
		slots:        make(chan struct{}, depth),
		admitTimeout: admitTimeout,
		ttl:          ttl,
		inflight:     make(map[uint32]inflightEntry),
		processed:    cache,
	}
}

// Admit tries to reserve a slot for frameID within the admission timeout.
// A frame already in flight just refreshes its entry. Called only from the
// producer session's dispatcher, so admissions are serialized.
func (p *Pipeline) Admit(frameID uint32, originalTS float64) bool {
	entry := inflightEntry{arrivedAt: time.Now(), originalTS: originalTS}

	p.mu.Lock()
	if _, ok := p.inflight[frameID]; ok {
		p.inflight[frameID] = entry
		p.mu.Unlock()
		return true
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.admitTimeout)
	defer timer.Stop()
	select {
	case p.slots <- struct{}{}:
	case <-timer.C:
		return false
	}

	p.mu.Lock()
	p.inflight[frameID] = entry
	p.mu.Unlock()
	return true
}

// Remove discards an admitted frame without a result, e.g. when the send to
// the worker failed. No-op if the frame is not in flight.
func (p *Pipeline) Remove(frameID uint32) {
	p.mu.Lock()
	_, ok := p.inflight[frameID]
	delete(p.inflight, frameID)
	p.mu.Unlock()
	if ok {
		<-p.slots
	}
}

// Resolve marks a frame's result as arrived, releasing its slot. Reports
// whether the frame was actually in flight; late results return false and
// are still delivered by the caller.
func (p *Pipeline) Resolve(frameID uint32) bool {
	p.mu.Lock()
	_, ok := p.inflight[frameID]
	delete(p.inflight, frameID)
	p.mu.Unlock()
	if ok {
		<-p.slots
	}
	return ok
}

// StoreResult caches a worker result. The LRU evicts beyond the size cap;
// the janitor evicts by age.
func (p *Pipeline) StoreResult(frameID uint32, detections json.RawMessage, timestamp float64) {
	p.processed.Add(frameID, ProcessedEntry{
		Detections: detections,
		Timestamp:  timestamp,
		storedAt:   time.Now(),
	})
}

// Result looks up a cached detection result.
func (p *Pipeline) Result(frameID uint32) (ProcessedEntry, bool) {
	return p.processed.Get(frameID)
}

// InFlight reports how many frames currently hold a slot.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// CachedResults reports the processed-frame cache size.
func (p *Pipeline) CachedResults() int {
	return p.processed.Len()
}

// Run evicts aged entries until ctx is cancelled. In-flight frames whose
// result never came back release their slot after the TTL, so a crashed
// worker cannot pin the queue shut.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.ttl / 6)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.evictExpired(now)
		}
	}
}

func (p *Pipeline) evictExpired(now time.Time) {
	cutoff := now.Add(-p.ttl)

	p.mu.Lock()
	var expired int
	for id, e := range p.inflight {
		if e.arrivedAt.Before(cutoff) {
			delete(p.inflight, id)
			expired++
		}
	}
	p.mu.Unlock()
	for i := 0; i < expired; i++ {
		<-p.slots
	}

	for _, id := range p.processed.Keys() {
		if e, ok := p.processed.Peek(id); ok && e.storedAt.Before(cutoff) {
			p.processed.Remove(id)
		}
	}
}
