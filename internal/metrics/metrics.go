// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of inapi sessions and the agent.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks runtime metrics for sessions, requests and transfers.
// A nil Collector is safe to use — all methods become no-ops.
type Collector struct {
	sessionsActive   atomic.Int64
	sessionsTotal    atomic.Int64
	requestsInFlight atomic.Int64
	requestsTotal    atomic.Int64
	requestsFailed   atomic.Int64
	bytesIn          atomic.Int64
	bytesOut         atomic.Int64
	bulkBytes        atomic.Int64
	reconnects       atomic.Int64
	errorsTotal      atomic.Int64

	mu              sync.RWMutex
	startTime       time.Time
	lastHealthCheck time.Time
	lastError       time.Time
	lastErrorMsg    string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total counters.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed decrements the active session counter.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// ActiveSessions returns the current number of open sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// ── Request metrics ──────────────────────────────────────────────────

// RequestStarted records a request sent (client) or received (agent).
func (c *Collector) RequestStarted() {
	if c == nil {
		return
	}
	c.requestsInFlight.Add(1)
	c.requestsTotal.Add(1)
}

// RequestFinished records the terminal outcome of a request.
func (c *Collector) RequestFinished(failed bool) {
	if c == nil {
		return
	}
	c.requestsInFlight.Add(-1)
	if failed {
		c.requestsFailed.Add(1)
	}
}

// InFlight returns the number of requests awaiting a terminal frame.
func (c *Collector) InFlight() int64 {
	if c == nil {
		return 0
	}
	return c.requestsInFlight.Load()
}

// TotalRequests returns the lifetime request count.
func (c *Collector) TotalRequests() int64 {
	if c == nil {
		return 0
	}
	return c.requestsTotal.Load()
}

// FailedRequests returns how many requests ended in an error.
func (c *Collector) FailedRequests() int64 {
	if c == nil {
		return 0
	}
	return c.requestsFailed.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the network.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the network.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// BulkTransferred records n payload bytes moved over a bulk channel.
func (c *Collector) BulkTransferred(n int64) {
	if c == nil {
		return
	}
	c.bulkBytes.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// TotalBulkBytes returns total payload bytes transferred.
func (c *Collector) TotalBulkBytes() int64 {
	if c == nil {
		return 0
	}
	return c.bulkBytes.Load()
}

// ── Connection metrics ───────────────────────────────────────────────

// Reconnect records a repeated connect attempt to a host.
func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Add(1)
}

// Reconnects returns the total reconnect attempt count.
func (c *Collector) Reconnects() int64 {
	if c == nil {
		return 0
	}
	return c.reconnects.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Health ───────────────────────────────────────────────────────────

// RecordHealthCheck updates the last health check timestamp.
func (c *Collector) RecordHealthCheck() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	SessionsActive   int64  `json:"sessions_active"`
	SessionsTotal    int64  `json:"sessions_total"`
	RequestsInFlight int64  `json:"requests_in_flight"`
	RequestsTotal    int64  `json:"requests_total"`
	RequestsFailed   int64  `json:"requests_failed"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	BulkBytes        int64  `json:"bulk_bytes"`
	Reconnects       int64  `json:"reconnects"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastHealthCheck  string `json:"last_health_check,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:           time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive:   c.sessionsActive.Load(),
		SessionsTotal:    c.sessionsTotal.Load(),
		RequestsInFlight: c.requestsInFlight.Load(),
		RequestsTotal:    c.requestsTotal.Load(),
		RequestsFailed:   c.requestsFailed.Load(),
		BytesIn:          c.bytesIn.Load(),
		BytesOut:         c.bytesOut.Load(),
		BulkBytes:        c.bulkBytes.Load(),
		Reconnects:       c.reconnects.Load(),
		ErrorsTotal:      c.errorsTotal.Load(),
	}
	if !c.lastHealthCheck.IsZero() {
		s.LastHealthCheck = c.lastHealthCheck.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}

// ── Prometheus ───────────────────────────────────────────────────────

// Register exposes the collector's counters on reg under namespace.
// The values are read from the atomics at scrape time.
func (c *Collector) Register(reg prometheus.Registerer, namespace string) error {
	if c == nil {
		return nil
	}
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	collectors := []prometheus.Collector{
		gauge("sessions_active", "Sessions currently open.", &c.sessionsActive),
		counter("sessions_total", "Sessions opened since start.", &c.sessionsTotal),
		gauge("requests_in_flight", "Requests awaiting a terminal frame.", &c.requestsInFlight),
		counter("requests_total", "Requests handled since start.", &c.requestsTotal),
		counter("requests_failed_total", "Requests that ended in an error.", &c.requestsFailed),
		counter("bytes_received_total", "Bytes read from the network.", &c.bytesIn),
		counter("bytes_sent_total", "Bytes written to the network.", &c.bytesOut),
		counter("bulk_bytes_total", "Payload bytes moved over bulk channels.", &c.bulkBytes),
		counter("reconnects_total", "Repeated connect attempts.", &c.reconnects),
		counter("errors_total", "Errors recorded.", &c.errorsTotal),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the collector was created.",
		}, func() float64 { return time.Since(c.startTime).Seconds() }),
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
