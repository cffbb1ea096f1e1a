package observability

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds session lifecycle counters plus per-route gateway counters.
// Counters are monotonic and reset only with the process.
type Metrics struct {
	cacheHits        atomic.Int64
	cacheMisses      atomic.Int64
	dedupedRefreshes atomic.Int64
	retries          atomic.Int64
	evictions        atomic.Int64
	refreshes        atomic.Int64
	refreshFailures  atomic.Int64

	mu           sync.Mutex
	requestCount map[string]int64
	errorCount   map[string]int64
}

// SessionSnapshot is a point-in-time copy of the session counters.
type SessionSnapshot struct {
	CacheHits        int64 `json:"cacheHits"`
	CacheMisses      int64 `json:"cacheMisses"`
	DedupedRefreshes int64 `json:"dedupedRefreshes"`
	Retries          int64 `json:"retries"`
	Evictions        int64 `json:"evictions"`
	Refreshes        int64 `json:"refreshes"`
	RefreshFailures  int64 `json:"refreshFailures"`
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCount: make(map[string]int64),
		errorCount:   make(map[string]int64),
	}
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Add(1)
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Add(1)
	}
}

func (m *Metrics) DedupedRefresh() {
	if m != nil {
		m.dedupedRefreshes.Add(1)
	}
}

func (m *Metrics) Retry() {
	if m != nil {
		m.retries.Add(1)
	}
}

func (m *Metrics) Eviction() {
	if m != nil {
		m.evictions.Add(1)
	}
}

// RefreshSettled records the outcome of one network refresh.
func (m *Metrics) RefreshSettled(ok bool) {
	if m == nil {
		return
	}
	m.refreshes.Add(1)
	if !ok {
		m.refreshFailures.Add(1)
	}
}

// Snapshot returns the current session counters.
func (m *Metrics) Snapshot() SessionSnapshot {
	if m == nil {
		return SessionSnapshot{}
	}
	return SessionSnapshot{
		CacheHits:        m.cacheHits.Load(),
		CacheMisses:      m.cacheMisses.Load(),
		DedupedRefreshes: m.dedupedRefreshes.Load(),
		Retries:          m.retries.Load(),
		Evictions:        m.evictions.Load(),
		Refreshes:        m.refreshes.Load(),
		RefreshFailures:  m.refreshFailures.Load(),
	}
}

// RecordRequest increments counters for gateway requests.
func (m *Metrics) RecordRequest(path, method string, status int, _ time.Duration) {
	if m == nil {
		return
	}
	key := pathKey(path, method, strconv.Itoa(status))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[key]++
}

// RecordError increments gateway error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	key := pathKey(path, method, code)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount[key]++
}

// Requests returns a copy of the request counters keyed by path|method|status.
func (m *Metrics) Requests() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.requestCount))
	for k, v := range m.requestCount {
		out[k] = v
	}
	return out
}

// Errors returns a copy of the error counters keyed by path|method|code.
func (m *Metrics) Errors() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.errorCount))
	for k, v := range m.errorCount {
		out[k] = v
	}
	return out
}

func pathKey(path, method, suffix string) string {
	return path + "|" + method + "|" + suffix
}
