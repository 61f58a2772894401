package metrics

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollector_Sessions(t *testing.T) {
	c := New()

	c.SessionOpened()
	c.SessionOpened()
	if c.ActiveSessions() != 2 {
		t.Errorf("active = %d, want 2", c.ActiveSessions())
	}
	if c.TotalSessions() != 2 {
		t.Errorf("total = %d, want 2", c.TotalSessions())
	}

	c.SessionClosed()
	if c.ActiveSessions() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveSessions())
	}
	if c.TotalSessions() != 2 {
		t.Errorf("total should remain 2, got %d", c.TotalSessions())
	}
}

func TestCollector_Requests(t *testing.T) {
	c := New()

	c.RequestStarted()
	c.RequestStarted()
	c.RequestStarted()
	c.RequestFinished(false)
	c.RequestFinished(true)

	if c.InFlight() != 1 {
		t.Errorf("in flight = %d, want 1", c.InFlight())
	}
	if c.TotalRequests() != 3 {
		t.Errorf("total = %d, want 3", c.TotalRequests())
	}
	if c.FailedRequests() != 1 {
		t.Errorf("failed = %d, want 1", c.FailedRequests())
	}
}

func TestCollector_Bytes(t *testing.T) {
	c := New()

	c.BytesReceived(1024)
	c.BytesSent(512)
	c.BytesReceived(100)
	c.BulkTransferred(4096)

	if c.TotalBytesIn() != 1124 {
		t.Errorf("bytes in = %d, want 1124", c.TotalBytesIn())
	}
	if c.TotalBytesOut() != 512 {
		t.Errorf("bytes out = %d, want 512", c.TotalBytesOut())
	}
	if c.TotalBulkBytes() != 4096 {
		t.Errorf("bulk = %d, want 4096", c.TotalBulkBytes())
	}
}

func TestCollector_Reconnects(t *testing.T) {
	c := New()

	c.Reconnect()
	c.Reconnect()
	c.Reconnect()

	if c.Reconnects() != 3 {
		t.Errorf("reconnects = %d, want 3", c.Reconnects())
	}
}

func TestCollector_Errors(t *testing.T) {
	c := New()

	c.RecordError("first error")
	c.RecordError("second error")

	if c.ErrorCount() != 2 {
		t.Errorf("errors = %d, want 2", c.ErrorCount())
	}
}

func TestCollector_HealthCheck(t *testing.T) {
	c := New()
	c.RecordHealthCheck()

	snap := c.Snapshot()
	if snap.LastHealthCheck == "" {
		t.Error("expected non-empty health check timestamp")
	}
}

func TestCollector_Snapshot(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.BytesReceived(100)
	c.BytesSent(50)
	c.RecordError("test")

	snap := c.Snapshot()
	if snap.SessionsActive != 1 {
		t.Errorf("snap active = %d", snap.SessionsActive)
	}
	if snap.BytesIn != 100 {
		t.Errorf("snap bytes in = %d", snap.BytesIn)
	}
	if snap.ErrorsTotal != 1 {
		t.Errorf("snap errors = %d", snap.ErrorsTotal)
	}
	if snap.LastErrorMessage != "test" {
		t.Errorf("snap error msg = %q", snap.LastErrorMessage)
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.BytesSent(42)

	raw := c.JSON()
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("JSON parse error: %v", err)
	}
	if snap.SessionsActive != 1 {
		t.Errorf("JSON active = %d", snap.SessionsActive)
	}
	if snap.BytesOut != 42 {
		t.Errorf("JSON bytes out = %d", snap.BytesOut)
	}
}

func TestCollector_Register(t *testing.T) {
	c := New()
	reg := prometheus.NewRegistry()
	if err := c.Register(reg, "inapi"); err != nil {
		t.Fatalf("register: %v", err)
	}

	c.RequestStarted()
	c.RequestFinished(true)
	c.BulkTransferred(10)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				values[mf.GetName()] = m.GetCounter().GetValue()
			}
		}
	}
	if values["inapi_requests_failed_total"] != 1 {
		t.Errorf("requests_failed_total = %v, want 1", values["inapi_requests_failed_total"])
	}
	if values["inapi_bulk_bytes_total"] != 10 {
		t.Errorf("bulk_bytes_total = %v, want 10", values["inapi_bulk_bytes_total"])
	}

	if err := c.Register(reg, "inapi"); err == nil {
		t.Error("registering twice should fail")
	}
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	// None of these should panic.
	c.SessionOpened()
	c.SessionClosed()
	c.RequestStarted()
	c.RequestFinished(true)
	c.BytesReceived(100)
	c.BytesSent(100)
	c.BulkTransferred(100)
	c.Reconnect()
	c.RecordError("test")
	c.RecordHealthCheck()

	if c.ActiveSessions() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.TotalBytesIn() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.ErrorCount() != 0 {
		t.Error("nil collector should return 0")
	}
	if err := c.Register(prometheus.NewRegistry(), "x"); err != nil {
		t.Errorf("nil register: %v", err)
	}

	snap := c.Snapshot()
	if snap.SessionsActive != 0 {
		t.Error("nil snapshot should be zero")
	}

	j := c.JSON()
	if j == "" {
		t.Error("nil JSON should return valid JSON")
	}
}
