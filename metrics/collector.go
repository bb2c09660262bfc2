// Package metrics implements the Prometheus counters/histograms over the
// order lifecycle's event surface, and the statistics collector backing the
// pre-live readiness checklist.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the order-lifecycle counters and histograms the
// gateway's /api/v1/metrics endpoint serves.
type Collector struct {
	ordersProposed    prometheus.Counter
	ordersSimulated   prometheus.Counter
	riskRejected      *prometheus.CounterVec // by violated rule id
	riskApproved      prometheus.Counter
	approvalRequested prometheus.Counter
	approvalGranted   prometheus.Counter
	approvalDenied    prometheus.Counter
	ordersSubmitted   prometheus.Counter
	ordersFilled      prometheus.Counter
	ordersCancelled   prometheus.Counter
	ordersRejected    prometheus.Counter
	killSwitchEvents  *prometheus.CounterVec // by action: activated|released
	toolCalls         *prometheus.CounterVec // by tool, outcome
	orderLatency      prometheus.Histogram
}

var (
	defaultOnce sync.Once
	defaultInst *Collector
)

// Default returns the process-wide Collector registered against the global
// Prometheus registry, constructed exactly once.
func Default() *Collector {
	defaultOnce.Do(func() {
		defaultInst = NewCollector(prometheus.DefaultRegisterer)
	})
	return defaultInst
}

// NewCollector builds a Collector registered against reg. Tests should pass
// a fresh prometheus.NewRegistry() to avoid cross-test duplicate-registration
// panics; production wiring passes prometheus.DefaultRegisterer via Default().
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ordersProposed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ordergate_orders_proposed_total",
			Help: "Count of order intents proposed.",
		}),
		ordersSimulated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ordergate_orders_simulated_total",
			Help: "Count of intents successfully simulated.",
		}),
		riskRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordergate_risk_rejected_total",
			Help: "Count of risk-gate rejections by violated rule id.",
		}, []string{"rule"}),
		riskApproved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ordergate_risk_approved_total",
			Help: "Count of risk-gate approvals.",
		}),
		approvalRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ordergate_approval_requested_total",
			Help: "Count of proposals entering APPROVAL_REQUESTED.",
		}),
		approvalGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ordergate_approval_granted_total",
			Help: "Count of approvals granted by a human operator.",
		}),
		approvalDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ordergate_approval_denied_total",
			Help: "Count of approvals denied by a human operator.",
		}),
		ordersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ordergate_orders_submitted_total",
			Help: "Count of orders handed to the broker.",
		}),
		ordersFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ordergate_orders_filled_total",
			Help: "Count of orders reaching FILLED.",
		}),
		ordersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ordergate_orders_cancelled_total",
			Help: "Count of orders reaching CANCELLED.",
		}),
		ordersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ordergate_orders_rejected_total",
			Help: "Count of orders reaching REJECTED (broker or synchronous).",
		}),
		killSwitchEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordergate_kill_switch_events_total",
			Help: "Count of kill-switch activations/releases.",
		}, []string{"action"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordergate_tool_calls_total",
			Help: "Count of tool-server calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		orderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ordergate_order_latency_seconds",
			Help:    "Submission-to-terminal latency for orders.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.ordersProposed, c.ordersSimulated, c.riskRejected, c.riskApproved,
			c.approvalRequested, c.approvalGranted, c.approvalDenied,
			c.ordersSubmitted, c.ordersFilled, c.ordersCancelled, c.ordersRejected,
			c.killSwitchEvents, c.toolCalls, c.orderLatency,
		)
	}
	return c
}

func (c *Collector) ObserveOrderProposed()  { c.ordersProposed.Inc() }
func (c *Collector) ObserveOrderSimulated() { c.ordersSimulated.Inc() }
func (c *Collector) ObserveRiskApproved()   { c.riskApproved.Inc() }

func (c *Collector) ObserveRiskRejected(rules []string) {
	if len(rules) == 0 {
		c.riskRejected.WithLabelValues("unknown").Inc()
		return
	}
	for _, rule := range rules {
		c.riskRejected.WithLabelValues(rule).Inc()
	}
}

func (c *Collector) ObserveApprovalRequested() { c.approvalRequested.Inc() }
func (c *Collector) ObserveApprovalGranted()   { c.approvalGranted.Inc() }
func (c *Collector) ObserveApprovalDenied()    { c.approvalDenied.Inc() }
func (c *Collector) ObserveOrderSubmitted()    { c.ordersSubmitted.Inc() }
func (c *Collector) ObserveOrderFilled()       { c.ordersFilled.Inc() }
func (c *Collector) ObserveOrderCancelled()    { c.ordersCancelled.Inc() }
func (c *Collector) ObserveOrderRejected()     { c.ordersRejected.Inc() }

func (c *Collector) ObserveKillSwitchActivated() { c.killSwitchEvents.WithLabelValues("activated").Inc() }
func (c *Collector) ObserveKillSwitchReleased()  { c.killSwitchEvents.WithLabelValues("released").Inc() }

func (c *Collector) ObserveToolCall(tool, outcome string) {
	c.toolCalls.WithLabelValues(tool, outcome).Inc()
}

func (c *Collector) ObserveOrderLatencySeconds(seconds float64) {
	c.orderLatency.Observe(seconds)
}
