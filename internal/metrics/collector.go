// Package metrics exposes the proxy's runtime state as Prometheus metrics
// for scraping at the §6 /metrics endpoint: connection and byte counters
// mirroring the §4.K status snapshot, flow/rule/breakpoint counters from the
// §4.H pipeline, and the currently configured §4.I throttle profile.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/syrahproxy/syrah/internal/config"
	"github.com/syrahproxy/syrah/internal/eventbus"
	"github.com/syrahproxy/syrah/internal/flow"
	"github.com/syrahproxy/syrah/internal/throttle"
)

// Collector is the process-wide metrics sink. A nil *Collector is valid and
// every method on it is a no-op, so callers can wire it unconditionally and
// let cfg.Enabled decide whether anything is actually recorded.
type Collector struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	sslInterception   prometheus.Gauge
	bytesRxTotal      prometheus.Counter
	bytesTxTotal      prometheus.Counter

	// activeConns/bytesRx/bytesTx mirror connectionsActive/bytesRxTotal/
	// bytesTxTotal in a form internal/proxy.Controller can read back for
	// its §4.K status snapshot; Prometheus counters and gauges have no
	// public getter.
	activeConns atomic.Int64
	bytesRx     atomic.Int64
	bytesTx     atomic.Int64

	flowsTotal    *prometheus.CounterVec
	flowErrors    *prometheus.CounterVec
	ruleHitsTotal *prometheus.CounterVec

	breakpointPausesTotal prometheus.Counter
	breakpointsOpen       prometheus.Gauge

	throttleDownloadBps prometheus.Gauge
	throttleUploadBps   prometheus.Gauge
	throttleLatencyMs   prometheus.Gauge
	throttleLossPct     prometheus.Gauge
}

// NewCollector builds and registers a Collector against a fresh registry.
// Returns nil if cfg is disabled, so the returned value can be handed
// straight to pipeline/connhandler constructors without a branch at every
// call site.
func NewCollector(cfg config.MetricsConfig) *Collector {
	if !cfg.Enabled {
		return nil
	}

	registry := prometheus.NewRegistry()
	const ns = "syrah"

	c := &Collector{
		registry: registry,

		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_connections",
			Help: "Number of client connections currently being serviced.",
		}),
		sslInterception: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "ssl_interception_enabled",
			Help: "1 if TLS MITM interception is enabled, 0 otherwise.",
		}),
		bytesRxTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "bytes_received_total",
			Help: "Total bytes read from client connections.",
		}),
		bytesTxTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "bytes_transmitted_total",
			Help: "Total bytes written to client connections.",
		}),

		flowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "flows_total",
			Help: "Total flows processed by the pipeline, by protocol.",
		}, []string{"protocol"}),
		flowErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "flow_errors_total",
			Help: "Total flows that finished in an error state, by error kind.",
		}, []string{"kind"}),
		ruleHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "rule_hits_total",
			Help: "Total times a rule's action was applied, by rule type and phase.",
		}, []string{"type", "phase"}),

		breakpointPausesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "breakpoint_pauses_total",
			Help: "Total times a flow was paused at a breakpoint rule.",
		}),
		breakpointsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "breakpoints_open",
			Help: "Number of flows currently paused awaiting breakpoint resolution.",
		}),

		throttleDownloadBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "throttle_download_bytes_per_second",
			Help: "Currently configured download bandwidth cap.",
		}),
		throttleUploadBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "throttle_upload_bytes_per_second",
			Help: "Currently configured upload bandwidth cap.",
		}),
		throttleLatencyMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "throttle_latency_ms",
			Help: "Currently configured fixed per-chunk latency.",
		}),
		throttleLossPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "throttle_loss_ratio",
			Help: "Currently configured simulated packet loss ratio, 0-1.",
		}),
	}

	registry.MustRegister(
		c.connectionsActive,
		c.sslInterception,
		c.bytesRxTotal,
		c.bytesTxTotal,
		c.flowsTotal,
		c.flowErrors,
		c.ruleHitsTotal,
		c.breakpointPausesTotal,
		c.breakpointsOpen,
		c.throttleDownloadBps,
		c.throttleUploadBps,
		c.throttleLatencyMs,
		c.throttleLossPct,
	)

	return c
}

// ConnectionOpened/ConnectionClosed track active_connections.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Inc()
	c.activeConns.Add(1)
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Dec()
	c.activeConns.Add(-1)
}

// AddBytesRx/AddBytesTx accumulate the byte counters backing the §4.K
// bytes_rx/bytes_tx status fields.
func (c *Collector) AddBytesRx(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesRxTotal.Add(float64(n))
	c.bytesRx.Add(int64(n))
}

func (c *Collector) AddBytesTx(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesTxTotal.Add(float64(n))
	c.bytesTx.Add(int64(n))
}

// ActiveConnections, BytesRx, and BytesTx read back the live counters for
// internal/proxy.Controller's status snapshot. A nil Collector reports all
// zeros, matching every other method's nil-safe behavior.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.activeConns.Load()
}

func (c *Collector) BytesRx() int64 {
	if c == nil {
		return 0
	}
	return c.bytesRx.Load()
}

func (c *Collector) BytesTx() int64 {
	if c == nil {
		return 0
	}
	return c.bytesTx.Load()
}

// SetSSLInterceptionEnabled mirrors the proxy's enable_ssl setting.
func (c *Collector) SetSSLInterceptionEnabled(enabled bool) {
	if c == nil {
		return
	}
	if enabled {
		c.sslInterception.Set(1)
	} else {
		c.sslInterception.Set(0)
	}
}

// ApplyStatus refreshes the gauges that mirror the §4.K status snapshot
// wholesale, for callers (e.g. the status heartbeat in internal/sched) that
// already assembled one for the event bus.
func (c *Collector) ApplyStatus(s eventbus.StatusSnapshot) {
	if c == nil {
		return
	}
	c.connectionsActive.Set(float64(s.ActiveConnections))
	c.SetSSLInterceptionEnabled(s.SSLInterceptionEnabled)
}

// RecordFlow increments the per-protocol flow counter and, if fl finished in
// an error state, the per-kind error counter.
func (c *Collector) RecordFlow(fl *flow.Flow) {
	if c == nil || fl == nil {
		return
	}
	c.flowsTotal.WithLabelValues(string(fl.Protocol)).Inc()
	if fl.Err != nil {
		c.flowErrors.WithLabelValues(fl.Err.Kind).Inc()
	}
}

// RecordRuleHit increments the rule-hit counter for the rule's type and
// phase, per §4.H's hit_count/last_triggered_at bookkeeping.
func (c *Collector) RecordRuleHit(rule *flow.Rule) {
	if c == nil || rule == nil {
		return
	}
	c.ruleHitsTotal.WithLabelValues(string(rule.Type), string(rule.Phase)).Inc()
}

// BreakpointPaused/BreakpointResolved track the breakpoint coordinator's
// open-pause gauge and lifetime pause counter, per §4.J.
func (c *Collector) BreakpointPaused() {
	if c == nil {
		return
	}
	c.breakpointPausesTotal.Inc()
	c.breakpointsOpen.Inc()
}

func (c *Collector) BreakpointResolved() {
	if c == nil {
		return
	}
	c.breakpointsOpen.Dec()
}

// SetThrottle publishes the active bandwidth-shaper profile, per §4.I. A
// per-flow bucket's instantaneous token occupancy isn't tracked here since
// buckets are unshared and short-lived (§5); the configured profile is the
// stable, scrape-worthy quantity.
func (c *Collector) SetThrottle(s throttle.Settings) {
	if c == nil {
		return
	}
	c.throttleDownloadBps.Set(float64(s.DownloadBps))
	c.throttleUploadBps.Set(float64(s.UploadBps))
	c.throttleLatencyMs.Set(float64(s.LatencyMs))
	c.throttleLossPct.Set(s.LossPct)
}

// Registry returns the underlying Prometheus registry, e.g. for tests that
// want to scrape it directly via prometheus/testutil.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}
