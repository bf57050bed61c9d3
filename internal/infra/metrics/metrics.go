// Package metrics provides Prometheus metrics for the controller: device
// lifecycle, memory pool, supervised processes, and the inference proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Devices ────────────────────────────────────────────────────────────────

// DevicesByStatus tracks registered devices by approval status.
var DevicesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "sharedllm",
	Name:      "devices",
	Help:      "Registered devices by approval status.",
}, []string{"status"})

// ProbesTotal tracks peer reachability probes by outcome.
var ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sharedllm",
	Name:      "probes_total",
	Help:      "Total peer reachability probes.",
}, []string{"outcome"})

// ─── Memory pool ────────────────────────────────────────────────────────────

// MemoryFreeMB tracks free memory per local provider.
var MemoryFreeMB = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "sharedllm",
	Name:      "memory_free_mb",
	Help:      "Free memory in MB per local provider.",
}, []string{"provider"})

// MemoryTotalMB tracks total memory per local provider.
var MemoryTotalMB = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "sharedllm",
	Name:      "memory_total_mb",
	Help:      "Total memory in MB per local provider.",
}, []string{"provider"})

// AllocatedMB tracks cluster-wide allocated memory.
var AllocatedMB = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "sharedllm",
	Name:      "allocated_mb",
	Help:      "Memory allocated to approved devices in MB.",
})

// ─── Supervisor ─────────────────────────────────────────────────────────────

// ChildStarts tracks supervised child launches by kind.
var ChildStarts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sharedllm",
	Name:      "child_starts_total",
	Help:      "Total supervised child process launches.",
}, []string{"kind"})

// ChildExits tracks reaped child exits by kind.
var ChildExits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sharedllm",
	Name:      "child_exits_total",
	Help:      "Total supervised child process exits observed.",
}, []string{"kind"})

// InferenceSessions tracks started inference sessions.
var InferenceSessions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "sharedllm",
	Name:      "inference_sessions_total",
	Help:      "Total inference sessions started.",
})

// ─── Proxy ──────────────────────────────────────────────────────────────────

// ProxyRequests tracks OpenAI-surface requests by endpoint and status class.
var ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sharedllm",
	Name:      "proxy_requests_total",
	Help:      "Inference proxy requests by endpoint and status class.",
}, []string{"endpoint", "status"})

// BusSubscribers tracks live event stream subscribers.
var BusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "sharedllm",
	Name:      "event_subscribers",
	Help:      "Currently connected event stream subscribers.",
})
