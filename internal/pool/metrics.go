package pool

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational counters for the container pool. All counters
// use atomic operations so stats reads never contend with the pool lock.
type Metrics struct {
	created        int64 // containers successfully provisioned
	createFailures int64 // provisioning attempts that failed
	assigned       int64 // successful assignments
	atCapacity     int64 // assignments rejected on an empty warm pool
	recycled       int64 // containers destroyed through recycle
	swept          int64 // released containers destroyed by the idle sweeper
	orphansCleaned int64 // stale containers destroyed at startup

	startTime time.Time
}

// NewMetrics returns a metrics instance with the start time set.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) recordCreate()        { atomic.AddInt64(&m.created, 1) }
func (m *Metrics) recordCreateFailure() { atomic.AddInt64(&m.createFailures, 1) }
func (m *Metrics) recordAssign()        { atomic.AddInt64(&m.assigned, 1) }
func (m *Metrics) recordAtCapacity()    { atomic.AddInt64(&m.atCapacity, 1) }
func (m *Metrics) recordRecycle()       { atomic.AddInt64(&m.recycled, 1) }
func (m *Metrics) recordSweep(n int)    { atomic.AddInt64(&m.swept, int64(n)) }
func (m *Metrics) recordOrphans(n int)  { atomic.AddInt64(&m.orphansCleaned, int64(n)) }

// Uptime returns the time elapsed since the pool started.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// MetricsSnapshot is a point-in-time copy of the counters for monitoring.
type MetricsSnapshot struct {
	Created        int64 `json:"created"`
	CreateFailures int64 `json:"create_failures"`
	Assigned       int64 `json:"assigned"`
	AtCapacity     int64 `json:"at_capacity"`
	Recycled       int64 `json:"recycled"`
	Swept          int64 `json:"swept"`
	OrphansCleaned int64 `json:"orphans_cleaned"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Created:        atomic.LoadInt64(&m.created),
		CreateFailures: atomic.LoadInt64(&m.createFailures),
		Assigned:       atomic.LoadInt64(&m.assigned),
		AtCapacity:     atomic.LoadInt64(&m.atCapacity),
		Recycled:       atomic.LoadInt64(&m.recycled),
		Swept:          atomic.LoadInt64(&m.swept),
		OrphansCleaned: atomic.LoadInt64(&m.orphansCleaned),
	}
}
