// Package metrics collects Prometheus-text-exposition-format metrics
// for a running rpcserver.Server, generalizing the teacher's
// internal/server/metrics.go from per-HTTP-request counters to
// per-connection and per-frame ones: connections accepted/active,
// frames sent/received by opcode, request latency buckets, and the
// shared worker pool's utilization.
package metrics

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Helselia/Stryker/internal/workerpool"
)

// Registry collects every counter this package exposes. The zero
// value is ready to use.
type Registry struct {
	connectionsAccepted atomic.Int64
	connectionsActive   atomic.Int64
	connectionsFailed   atomic.Int64

	framesReceived sync.Map // opcode name -> *atomic.Int64
	framesSent     sync.Map // opcode name -> *atomic.Int64

	requestDurationBuckets []float64
	requestDurationCounts  sync.Map // bucket key -> *atomic.Int64
	requestDurationSum     atomic.Int64
	requestDurationCount   atomic.Int64

	pool *workerpool.Pool
}

// New constructs a Registry. pool may be nil if no worker pool
// statistics should be exposed (e.g. a client-only process).
func New(pool *workerpool.Pool) *Registry {
	return &Registry{
		pool:                   pool,
		requestDurationBuckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}
}

// ConnectionAccepted records a newly accepted connection.
func (r *Registry) ConnectionAccepted() {
	r.connectionsAccepted.Add(1)
	r.connectionsActive.Add(1)
}

// ConnectionClosed records a connection leaving, successfully or not.
func (r *Registry) ConnectionClosed(failed bool) {
	r.connectionsActive.Add(-1)
	if failed {
		r.connectionsFailed.Add(1)
	}
}

// FrameReceived records one inbound frame of the given opcode name.
func (r *Registry) FrameReceived(opcode string) {
	counter(&r.framesReceived, opcode).Add(1)
}

// FrameSent records one outbound frame of the given opcode name.
func (r *Registry) FrameSent(opcode string) {
	counter(&r.framesSent, opcode).Add(1)
}

// ObserveRequestDuration records how long a Request took end to end,
// from frame receipt to Response emission.
func (r *Registry) ObserveRequestDuration(d time.Duration) {
	r.requestDurationSum.Add(int64(d))
	r.requestDurationCount.Add(1)
	seconds := d.Seconds()
	for _, bucket := range r.requestDurationBuckets {
		if seconds <= bucket {
			// Only the smallest fitting bucket is counted here; WriteTo
			// accumulates the counts into cumulative buckets.
			counter(&r.requestDurationCounts, bucketKey(bucket)).Add(1)
			break
		}
	}
}

func counter(m *sync.Map, key string) *atomic.Int64 {
	c, _ := m.LoadOrStore(key, &atomic.Int64{})
	return c.(*atomic.Int64)
}

func bucketKey(bucket float64) string {
	return fmt.Sprintf("%.3f", bucket)
}

// WriteTo renders the registry in Prometheus text exposition format.
func (r *Registry) WriteTo(b *strings.Builder) {
	b.WriteString("# HELP toku_connections_accepted_total Total connections accepted.\n")
	b.WriteString("# TYPE toku_connections_accepted_total counter\n")
	fmt.Fprintf(b, "toku_connections_accepted_total %d\n", r.connectionsAccepted.Load())

	b.WriteString("# HELP toku_connections_active Current active connections.\n")
	b.WriteString("# TYPE toku_connections_active gauge\n")
	fmt.Fprintf(b, "toku_connections_active %d\n", r.connectionsActive.Load())

	b.WriteString("# HELP toku_connections_failed_total Total connections that closed with a terminal error.\n")
	b.WriteString("# TYPE toku_connections_failed_total counter\n")
	fmt.Fprintf(b, "toku_connections_failed_total %d\n", r.connectionsFailed.Load())

	b.WriteString("# HELP toku_frames_received_total Total frames received, by opcode.\n")
	b.WriteString("# TYPE toku_frames_received_total counter\n")
	r.framesReceived.Range(func(key, value interface{}) bool {
		fmt.Fprintf(b, "toku_frames_received_total{opcode=%q} %d\n", key, value.(*atomic.Int64).Load())
		return true
	})

	b.WriteString("# HELP toku_frames_sent_total Total frames sent, by opcode.\n")
	b.WriteString("# TYPE toku_frames_sent_total counter\n")
	r.framesSent.Range(func(key, value interface{}) bool {
		fmt.Fprintf(b, "toku_frames_sent_total{opcode=%q} %d\n", key, value.(*atomic.Int64).Load())
		return true
	})

	b.WriteString("# HELP toku_request_duration_seconds Request handling duration.\n")
	b.WriteString("# TYPE toku_request_duration_seconds histogram\n")
	cumulative := int64(0)
	total := r.requestDurationCount.Load()
	for _, bucket := range r.requestDurationBuckets {
		if bc, ok := r.requestDurationCounts.Load(bucketKey(bucket)); ok {
			cumulative += bc.(*atomic.Int64).Load()
		}
		fmt.Fprintf(b, "toku_request_duration_seconds_bucket{le=%q} %d\n", bucketKey(bucket), cumulative)
	}
	fmt.Fprintf(b, "toku_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", total)
	fmt.Fprintf(b, "toku_request_duration_seconds_sum %.6f\n", float64(r.requestDurationSum.Load())/float64(time.Second))
	fmt.Fprintf(b, "toku_request_duration_seconds_count %d\n", total)

	if r.pool != nil {
		stats := r.pool.Stats()
		b.WriteString("# HELP toku_worker_pool_capacity Configured worker pool capacity.\n")
		b.WriteString("# TYPE toku_worker_pool_capacity gauge\n")
		fmt.Fprintf(b, "toku_worker_pool_capacity %d\n", stats.Capacity)

		b.WriteString("# HELP toku_worker_pool_busy Busy worker pool slots.\n")
		b.WriteString("# TYPE toku_worker_pool_busy gauge\n")
		fmt.Fprintf(b, "toku_worker_pool_busy %d\n", stats.Busy)

		b.WriteString("# HELP toku_worker_pool_submitted_total Total work submitted to the pool.\n")
		b.WriteString("# TYPE toku_worker_pool_submitted_total counter\n")
		fmt.Fprintf(b, "toku_worker_pool_submitted_total %d\n", stats.TotalSubmitted)
	}

	b.WriteString("# HELP toku_go_goroutines Number of goroutines.\n")
	b.WriteString("# TYPE toku_go_goroutines gauge\n")
	fmt.Fprintf(b, "toku_go_goroutines %d\n", runtime.NumGoroutine())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	b.WriteString("# HELP toku_go_memstats_alloc_bytes Bytes allocated and still in use.\n")
	b.WriteString("# TYPE toku_go_memstats_alloc_bytes gauge\n")
	fmt.Fprintf(b, "toku_go_memstats_alloc_bytes %d\n", mem.Alloc)
}

// Render returns WriteTo's output as a string.
func (r *Registry) Render() string {
	var b strings.Builder
	r.WriteTo(&b)
	return b.String()
}
