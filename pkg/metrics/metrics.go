// Package metrics owns the prometheus collectors exposed at /metrics.
// All subsystems record through this registry; none create collectors of
// their own.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the core exports. It wraps a dedicated
// (non-global) prometheus registry so tests can create isolated instances.
type Registry struct {
	reg *prometheus.Registry

	AgentRuns      *prometheus.CounterVec
	Tasks          *prometheus.CounterVec
	LLMCalls       *prometheus.CounterVec
	LLMTokens      *prometheus.CounterVec
	ToolExecutions *prometheus.CounterVec
	BusDrops       *prometheus.CounterVec

	AgentsByStatus    *prometheus.GaugeVec
	SchedulerInflight *prometheus.GaugeVec
	MailboxDepth      *prometheus.GaugeVec

	TaskDuration    *prometheus.HistogramVec
	LLMCallDuration *prometheus.HistogramVec
	BusLatency      prometheus.Histogram
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		AgentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_runs_total",
			Help: "Envelope and task executions per agent by outcome.",
		}, []string{"agent", "status"}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_total",
			Help: "Tasks reaching a state, by capability.",
		}, []string{"capability", "status"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_calls_total",
			Help: "LLM provider attempts by outcome.",
		}, []string{"provider", "model", "status"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Tokens consumed per provider/model; type is prompt or completion.",
		}, []string{"provider", "model", "type"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_executions_total",
			Help: "Gated action executions by outcome.",
		}, []string{"action", "status"}),
		BusDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_drops_total",
			Help: "Envelopes and events dropped by the bus, by reason.",
		}, []string{"reason"}),
		AgentsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agents_by_status",
			Help: "Registered agents per lifecycle status.",
		}, []string{"status"}),
		SchedulerInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scheduler_inflight",
			Help: "Tasks currently running per role bucket.",
		}, []string{"bucket"}),
		MailboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailbox_depth",
			Help: "Queued envelopes per agent mailbox.",
		}, []string{"agent"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Wall time from submission to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"capability"}),
		LLMCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_call_duration_seconds",
			Help:    "Provider call latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "model"}),
		BusLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bus_delivery_latency_seconds",
			Help:    "Time from envelope send to dequeue by the recipient.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}

	reg.MustRegister(
		r.AgentRuns, r.Tasks, r.LLMCalls, r.LLMTokens, r.ToolExecutions, r.BusDrops,
		r.AgentsByStatus, r.SchedulerInflight, r.MailboxDepth,
		r.TaskDuration, r.LLMCallDuration, r.BusLatency,
	)

	return r
}

// Handler returns the HTTP handler serving the pull endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
