// Package metrics wires an OpenTelemetry MeterProvider through the
// Prometheus exporter and exposes the counters/histograms the
// orchestrator, bus, and provider clients record against: executions
// started/completed, step retries, provider latency, and bus connection
// counts.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/hanaponodata/alexos-chainbot"

// Registry owns the MeterProvider and the instruments the core records
// against. The zero value is not usable; construct with New.
type Registry struct {
	provider *sdkmetric.MeterProvider
	gatherer prometheus.Gatherer

	executionsStarted   metric.Int64Counter
	executionsCompleted metric.Int64Counter
	stepRetries         metric.Int64Counter
	providerLatency     metric.Float64Histogram
	busConnections      metric.Int64UpDownCounter
}

// New builds a Registry backed by promRegistry (a fresh *prometheus.Registry
// per test, or nil to collect into prometheus.DefaultRegisterer in
// production).
func New(promRegistry *prometheus.Registry) (*Registry, error) {
	var opts []otelprom.Option
	if promRegistry != nil {
		opts = append(opts, otelprom.WithRegisterer(promRegistry))
	}
	exporter, err := otelprom.New(opts...)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	r := &Registry{provider: provider}
	if promRegistry != nil {
		r.gatherer = promRegistry
	} else {
		r.gatherer = prometheus.DefaultGatherer
	}

	if r.executionsStarted, err = meter.Int64Counter(
		"workflow_executions_started_total",
		metric.WithDescription("workflow executions started"),
	); err != nil {
		return nil, err
	}
	if r.executionsCompleted, err = meter.Int64Counter(
		"workflow_executions_completed_total",
		metric.WithDescription("workflow executions reaching a terminal status"),
	); err != nil {
		return nil, err
	}
	if r.stepRetries, err = meter.Int64Counter(
		"workflow_step_retries_total",
		metric.WithDescription("step retry attempts issued by the orchestrator"),
	); err != nil {
		return nil, err
	}
	if r.providerLatency, err = meter.Float64Histogram(
		"llm_provider_request_duration_seconds",
		metric.WithDescription("provider client call latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if r.busConnections, err = meter.Int64UpDownCounter(
		"bus_connections_active",
		metric.WithDescription("currently connected fanout bus clients"),
	); err != nil {
		return nil, err
	}

	return r, nil
}

// RecordExecutionStarted increments the executions-started counter.
func (r *Registry) RecordExecutionStarted(ctx context.Context, workflowID string) {
	if r == nil || r.executionsStarted == nil {
		return
	}
	r.executionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_id", workflowID)))
}

// RecordExecutionCompleted increments the executions-completed counter,
// tagged with the terminal status reached.
func (r *Registry) RecordExecutionCompleted(ctx context.Context, workflowID, status string) {
	if r == nil || r.executionsCompleted == nil {
		return
	}
	r.executionsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("status", status),
	))
}

// RecordStepRetry increments the step-retries counter for a step type_tag.
func (r *Registry) RecordStepRetry(ctx context.Context, typeTag string) {
	if r == nil || r.stepRetries == nil {
		return
	}
	r.stepRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("type_tag", typeTag)))
}

// RecordProviderLatency records one provider call's duration.
func (r *Registry) RecordProviderLatency(ctx context.Context, provider string, d time.Duration) {
	if r == nil || r.providerLatency == nil {
		return
	}
	r.providerLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("provider", provider)))
}

// IncBusConnection and DecBusConnection track the fanout bus's live
// connection count as an up-down counter.
func (r *Registry) IncBusConnection(ctx context.Context) {
	if r == nil || r.busConnections == nil {
		return
	}
	r.busConnections.Add(ctx, 1)
}

func (r *Registry) DecBusConnection(ctx context.Context) {
	if r == nil || r.busConnections == nil {
		return
	}
	r.busConnections.Add(ctx, -1)
}

// Gatherer exposes the underlying Prometheus registry for scraping; the
// core has no HTTP surface of its own, so callers (e.g. a bootstrap's own
// /metrics mux) pull from this.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return nil
	}
	return r.gatherer
}

// Shutdown flushes and stops the MeterProvider.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}
