// Package monitor tracks pipeline throughput and latency for the system
// status endpoint.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall pipeline performance.
type SystemMetrics struct {
	mu sync.RWMutex

	OrderLatency  *LatencyHistogram
	SettleLatency *LatencyHistogram
	DBLatency     *LatencyHistogram
	APILatency    *LatencyHistogram

	ordersProcessed uint64
	ordersRejected  uint64
	fillsApplied    uint64
	ticksProcessed  uint64
	errorsCount     uint64
	apiRequests     uint64
	apiErrors       uint64

	// Updated periodically from main.
	activeAccounts int
	restingOrders  int
	queueDepth     int

	lastUpdate time.Time
}

// LatencyHistogram keeps a sliding window of samples with lazy stats
// computation.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// NewSystemMetrics creates a metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency:  NewLatencyHistogram(1000),
		SettleLatency: NewLatencyHistogram(1000),
		DBLatency:     NewLatencyHistogram(1000),
		APILatency:    NewLatencyHistogram(1000),
		lastUpdate:    time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts a duration to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99, recomputing only when samples
// have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// IncrementOrders counts a processed order.
func (m *SystemMetrics) IncrementOrders() { atomic.AddUint64(&m.ordersProcessed, 1) }

// IncrementRejected counts a rejected order.
func (m *SystemMetrics) IncrementRejected() { atomic.AddUint64(&m.ordersRejected, 1) }

// IncrementFills counts an applied fill.
func (m *SystemMetrics) IncrementFills() { atomic.AddUint64(&m.fillsApplied, 1) }

// IncrementTicks counts a processed price tick.
func (m *SystemMetrics) IncrementTicks() { atomic.AddUint64(&m.ticksProcessed, 1) }

// IncrementErrors counts an error.
func (m *SystemMetrics) IncrementErrors() { atomic.AddUint64(&m.errorsCount, 1) }

// IncrementAPI counts an API request.
func (m *SystemMetrics) IncrementAPI() { atomic.AddUint64(&m.apiRequests, 1) }

// IncrementAPIErrors counts an API error response.
func (m *SystemMetrics) IncrementAPIErrors() { atomic.AddUint64(&m.apiErrors, 1) }

// SetGauges updates the periodically sampled gauge values.
func (m *SystemMetrics) SetGauges(activeAccounts, restingOrders, queueDepth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeAccounts = activeAccounts
	m.restingOrders = restingOrders
	m.queueDepth = queueDepth
	m.lastUpdate = time.Now()
}

// MetricsSnapshot is a point-in-time view for the status endpoint.
type MetricsSnapshot struct {
	OrderLatency    LatencyStats `json:"order_latency"`
	SettleLatency   LatencyStats `json:"settle_latency"`
	DBLatency       LatencyStats `json:"db_latency"`
	APILatency      LatencyStats `json:"api_latency"`
	APIRequests     uint64       `json:"api_requests"`
	APIErrors       uint64       `json:"api_errors"`
	OrdersProcessed uint64       `json:"orders_processed"`
	OrdersRejected  uint64       `json:"orders_rejected"`
	FillsApplied    uint64       `json:"fills_applied"`
	TicksProcessed  uint64       `json:"ticks_processed"`
	ErrorsCount     uint64       `json:"errors_count"`
	ActiveAccounts  int          `json:"active_accounts"`
	RestingOrders   int          `json:"resting_orders"`
	QueueDepth      int          `json:"queue_depth"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// GetSnapshot returns the current metrics.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	accounts := m.activeAccounts
	resting := m.restingOrders
	depth := m.queueDepth
	m.mu.RUnlock()

	return MetricsSnapshot{
		OrderLatency:    m.OrderLatency.Stats(),
		SettleLatency:   m.SettleLatency.Stats(),
		DBLatency:       m.DBLatency.Stats(),
		APILatency:      m.APILatency.Stats(),
		APIRequests:     atomic.LoadUint64(&m.apiRequests),
		APIErrors:       atomic.LoadUint64(&m.apiErrors),
		OrdersProcessed: atomic.LoadUint64(&m.ordersProcessed),
		OrdersRejected:  atomic.LoadUint64(&m.ordersRejected),
		FillsApplied:    atomic.LoadUint64(&m.fillsApplied),
		TicksProcessed:  atomic.LoadUint64(&m.ticksProcessed),
		ErrorsCount:     atomic.LoadUint64(&m.errorsCount),
		ActiveAccounts:  accounts,
		RestingOrders:   resting,
		QueueDepth:      depth,
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		Timestamp:       time.Now(),
	}
}

// Timer measures one operation's duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer starts a timer recording to the histogram on Stop.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records the elapsed time.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
