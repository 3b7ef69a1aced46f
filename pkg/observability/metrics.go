package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records the library's operational counters and latencies through
// the global OTel meter provider.
type Metrics struct {
	llmCalls      metric.Int64Counter
	llmLatency    metric.Float64Histogram
	toolCalls     metric.Int64Counter
	toolLatency   metric.Float64Histogram
	agentRuns     metric.Int64Counter
	docsSynced    metric.Int64Counter
	nodesExecuted metric.Int64Counter
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetMetrics returns the lazily initialized global metrics recorder.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		meter := otel.Meter("loopkit")
		m := &Metrics{}
		m.llmCalls, _ = meter.Int64Counter("loopkit.llm.calls",
			metric.WithDescription("Number of LLM completion calls"))
		m.llmLatency, _ = meter.Float64Histogram("loopkit.llm.latency",
			metric.WithDescription("LLM completion latency in milliseconds"))
		m.toolCalls, _ = meter.Int64Counter("loopkit.tool.calls",
			metric.WithDescription("Number of tool executions"))
		m.toolLatency, _ = meter.Float64Histogram("loopkit.tool.latency",
			metric.WithDescription("Tool execution latency in milliseconds"))
		m.agentRuns, _ = meter.Int64Counter("loopkit.agent.runs",
			metric.WithDescription("Number of agent runs"))
		m.docsSynced, _ = meter.Int64Counter("loopkit.rag.documents",
			metric.WithDescription("Number of documents processed by sync"))
		m.nodesExecuted, _ = meter.Int64Counter("loopkit.workflow.nodes",
			metric.WithDescription("Number of workflow nodes executed"))
		globalMetrics = m
	})
	return globalMetrics
}

// RecordLLMCall records one completion call.
func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.Bool("error", err != nil),
	)
	m.llmCalls.Add(ctx, 1, attrs)
	m.llmLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordToolCall records one tool execution.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, duration time.Duration, success bool) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("success", success),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordAgentRun records a finished agent run with its terminal status.
func (m *Metrics) RecordAgentRun(ctx context.Context, agent, status string) {
	m.agentRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("status", status),
	))
}

// RecordDocumentsSynced records documents processed by a sync pass.
func (m *Metrics) RecordDocumentsSynced(ctx context.Context, outcome string, count int64) {
	m.docsSynced.Add(ctx, count, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordNodeExecution records one workflow node execution.
func (m *Metrics) RecordNodeExecution(ctx context.Context, node string, success bool) {
	m.nodesExecuted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node", node),
		attribute.Bool("success", success),
	))
}
