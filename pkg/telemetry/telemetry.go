// Package telemetry provides OpenTelemetry metrics for the kernel: action
// rates, denial rates, and sandbox execution durations. The provider is
// in-process only — readings are pulled by whoever embeds the kernel — so the
// kernel never blocks on a collector.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics is the kernel's metric set. A nil *Metrics is a valid no-op.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader

	actions    metric.Int64Counter
	denials    metric.Int64Counter
	sandboxDur metric.Float64Histogram
}

// New creates an in-process metrics provider with a manual reader.
func New() (*Metrics, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("agora.kernel")

	actions, err := meter.Int64Counter("kernel.actions",
		metric.WithDescription("Kernel actions dispatched, by verb and outcome"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: actions counter: %w", err)
	}
	denials, err := meter.Int64Counter("kernel.denials",
		metric.WithDescription("Actions denied by a governing contract"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: denials counter: %w", err)
	}
	sandboxDur, err := meter.Float64Histogram("kernel.sandbox.duration_ms",
		metric.WithDescription("Sandboxed execution wall time in milliseconds"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: sandbox histogram: %w", err)
	}

	return &Metrics{
		provider:   provider,
		reader:     reader,
		actions:    actions,
		denials:    denials,
		sandboxDur: sandboxDur,
	}, nil
}

// RecordAction counts one dispatched action.
func (m *Metrics) RecordAction(ctx context.Context, verb string, success bool) {
	if m == nil {
		return
	}
	m.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verb", verb),
		attribute.Bool("success", success),
	))
}

// RecordDenial counts one contract denial.
func (m *Metrics) RecordDenial(ctx context.Context, verb string) {
	if m == nil {
		return
	}
	m.denials.Add(ctx, 1, metric.WithAttributes(attribute.String("verb", verb)))
}

// RecordSandbox records one sandboxed execution's wall time.
func (m *Metrics) RecordSandbox(ctx context.Context, runtime string, d time.Duration) {
	if m == nil {
		return
	}
	m.sandboxDur.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("runtime", runtime)))
}

// Reader exposes the manual reader so an embedder can pull readings.
func (m *Metrics) Reader() *sdkmetric.ManualReader {
	if m == nil {
		return nil
	}
	return m.reader
}

// Shutdown flushes and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
