package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/syrahproxy/syrah/internal/config"
	"github.com/syrahproxy/syrah/internal/eventbus"
	"github.com/syrahproxy/syrah/internal/flow"
	"github.com/syrahproxy/syrah/internal/throttle"
)

func enabledConfig() config.MetricsConfig {
	return config.MetricsConfig{Enabled: true, Listen: "127.0.0.1:0"}
}

func TestNewCollectorDisabled(t *testing.T) {
	c := NewCollector(config.MetricsConfig{Enabled: false})
	if c != nil {
		t.Fatal("NewCollector() with Enabled=false should return nil")
	}
}

func TestNilCollectorMethodsAreNoOps(t *testing.T) {
	var c *Collector
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.AddBytesRx(10)
	c.AddBytesTx(10)
	c.SetSSLInterceptionEnabled(true)
	c.ApplyStatus(eventbus.StatusSnapshot{})
	c.RecordFlow(&flow.Flow{})
	c.RecordRuleHit(&flow.Rule{})
	c.BreakpointPaused()
	c.BreakpointResolved()
	c.SetThrottle(throttle.Settings{})
	if c.Registry() != nil {
		t.Error("Registry() on a nil Collector should be nil")
	}
}

func TestConnectionGauge(t *testing.T) {
	c := NewCollector(enabledConfig())

	c.ConnectionOpened()
	c.ConnectionOpened()
	if got := testutil.ToFloat64(c.connectionsActive); got != 2 {
		t.Errorf("active connections = %v, want 2", got)
	}
	if got := c.ActiveConnections(); got != 2 {
		t.Errorf("ActiveConnections() = %d, want 2", got)
	}

	c.ConnectionClosed()
	if got := testutil.ToFloat64(c.connectionsActive); got != 1 {
		t.Errorf("active connections = %v, want 1", got)
	}
	if got := c.ActiveConnections(); got != 1 {
		t.Errorf("ActiveConnections() = %d, want 1", got)
	}
}

func TestNilCollectorActiveConnectionsAndBytesAreZero(t *testing.T) {
	var c *Collector
	if got := c.ActiveConnections(); got != 0 {
		t.Errorf("ActiveConnections() on nil Collector = %d, want 0", got)
	}
	if got := c.BytesRx(); got != 0 {
		t.Errorf("BytesRx() on nil Collector = %d, want 0", got)
	}
	if got := c.BytesTx(); got != 0 {
		t.Errorf("BytesTx() on nil Collector = %d, want 0", got)
	}
}

func TestByteCounters(t *testing.T) {
	c := NewCollector(enabledConfig())

	c.AddBytesRx(100)
	c.AddBytesRx(50)
	c.AddBytesTx(30)

	if got := testutil.ToFloat64(c.bytesRxTotal); got != 150 {
		t.Errorf("bytes rx total = %v, want 150", got)
	}
	if got := testutil.ToFloat64(c.bytesTxTotal); got != 30 {
		t.Errorf("bytes tx total = %v, want 30", got)
	}
	if got := c.BytesRx(); got != 150 {
		t.Errorf("BytesRx() = %d, want 150", got)
	}
	if got := c.BytesTx(); got != 30 {
		t.Errorf("BytesTx() = %d, want 30", got)
	}
}

func TestSSLInterceptionGauge(t *testing.T) {
	c := NewCollector(enabledConfig())

	c.SetSSLInterceptionEnabled(true)
	if got := testutil.ToFloat64(c.sslInterception); got != 1 {
		t.Errorf("ssl interception = %v, want 1", got)
	}

	c.SetSSLInterceptionEnabled(false)
	if got := testutil.ToFloat64(c.sslInterception); got != 0 {
		t.Errorf("ssl interception = %v, want 0", got)
	}
}

func TestRecordFlow(t *testing.T) {
	c := NewCollector(enabledConfig())

	c.RecordFlow(&flow.Flow{Protocol: flow.ProtocolHTTPS})
	if got := testutil.ToFloat64(c.flowsTotal.WithLabelValues("https")); got != 1 {
		t.Errorf("flows total(https) = %v, want 1", got)
	}

	c.RecordFlow(&flow.Flow{
		Protocol: flow.ProtocolHTTP,
		Err:      &flow.Error{Kind: flow.ErrorKindUpstreamDialFailed},
	})
	if got := testutil.ToFloat64(c.flowErrors.WithLabelValues(flow.ErrorKindUpstreamDialFailed)); got != 1 {
		t.Errorf("flow errors(%s) = %v, want 1", flow.ErrorKindUpstreamDialFailed, got)
	}
}

func TestRecordRuleHit(t *testing.T) {
	c := NewCollector(enabledConfig())

	rule := &flow.Rule{Type: flow.RuleBlock, Phase: flow.PhaseRequest}
	c.RecordRuleHit(rule)
	c.RecordRuleHit(rule)

	if got := testutil.ToFloat64(c.ruleHitsTotal.WithLabelValues("block", "request")); got != 2 {
		t.Errorf("rule hits(block,request) = %v, want 2", got)
	}
}

func TestBreakpointGauges(t *testing.T) {
	c := NewCollector(enabledConfig())

	c.BreakpointPaused()
	c.BreakpointPaused()
	if got := testutil.ToFloat64(c.breakpointsOpen); got != 2 {
		t.Errorf("breakpoints open = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.breakpointPausesTotal); got != 2 {
		t.Errorf("breakpoint pauses total = %v, want 2", got)
	}

	c.BreakpointResolved()
	if got := testutil.ToFloat64(c.breakpointsOpen); got != 1 {
		t.Errorf("breakpoints open = %v, want 1", got)
	}
}

func TestSetThrottle(t *testing.T) {
	c := NewCollector(enabledConfig())

	c.SetThrottle(throttle.Settings{DownloadBps: 1000, UploadBps: 500, LatencyMs: 50, LossPct: 0.1})

	if got := testutil.ToFloat64(c.throttleDownloadBps); got != 1000 {
		t.Errorf("throttle download bps = %v, want 1000", got)
	}
	if got := testutil.ToFloat64(c.throttleUploadBps); got != 500 {
		t.Errorf("throttle upload bps = %v, want 500", got)
	}
	if got := testutil.ToFloat64(c.throttleLatencyMs); got != 50 {
		t.Errorf("throttle latency ms = %v, want 50", got)
	}
	if got := testutil.ToFloat64(c.throttleLossPct); got != 0.1 {
		t.Errorf("throttle loss pct = %v, want 0.1", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	c := NewCollector(enabledConfig())
	c.AddBytesRx(42)

	if c.Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}

func TestNilHandlerServes404(t *testing.T) {
	var c *Collector
	if c.Handler() == nil {
		t.Fatal("Handler() on nil Collector should still return a handler")
	}
}
