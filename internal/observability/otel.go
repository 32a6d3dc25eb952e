// Package observability wires the OpenTelemetry providers and the
// bridge metric hooks.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modelbridge/bridge/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const instrumentationName = "modelbridge.bridge"

// Runtime exposes OpenTelemetry HTTP wrappers and bridge metric hooks.
type Runtime struct {
	enabled bool

	requestCounter     metric.Int64Counter
	tokenCounter       metric.Int64Counter
	costCounter        metric.Float64Counter
	ledgerDropCounter  metric.Int64Counter
	ledgerWriteCounter metric.Int64Counter

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// Endpoint URLs carry explicit transport intent and win over the
		// insecure toggle to avoid mismatches like https endpoints +
		// insecure=true.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	meter := otel.Meter(instrumentationName)
	runtime.requestCounter = mustCounter(meter, logger,
		"bridge.requests_total",
		"Count of provider calls, tagged by provider, model, and outcome.")
	runtime.tokenCounter = mustCounter(meter, logger,
		"bridge.tokens_total",
		"Token totals across provider calls, tagged by direction.")
	runtime.ledgerDropCounter = mustCounter(meter, logger,
		"bridge.ledger.queue_dropped_total",
		"Count of usage records dropped because the ledger queue was full.")
	runtime.ledgerWriteCounter = mustCounter(meter, logger,
		"bridge.ledger.write_failed_total",
		"Count of usage records dropped after storage write failures.")

	costCounter, metricErr := meter.Float64Counter(
		"bridge.cost_total",
		metric.WithDescription("Accumulated estimated cost across provider calls."),
	)
	if metricErr != nil && logger != nil {
		logger.Warn("failed to create opentelemetry counter", "metric", "bridge.cost_total", "error", metricErr)
	}
	runtime.costCounter = costCounter

	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}

	return runtime, nil
}

func mustCounter(meter metric.Meter, logger *slog.Logger, name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil && logger != nil {
		logger.Warn("failed to create opentelemetry counter", "metric", name, "error", err)
	}
	return counter
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPTransport wraps an outbound HTTP transport with OpenTelemetry
// spans; provider drivers use it as their client transport.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return "provider " + strings.TrimSpace(req.Method) + " " + req.URL.Path
		}),
	)
}

// RecordRequest counts one completed provider call.
func (r *Runtime) RecordRequest(providerName, model, outcome string, inputTokens, outputTokens int, totalCost float64) {
	if !r.Enabled() {
		return
	}
	ctx := context.Background()
	callAttrs := metric.WithAttributes(
		attribute.String("provider", providerName),
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	)
	if r.requestCounter != nil {
		r.requestCounter.Add(ctx, 1, callAttrs)
	}
	if r.tokenCounter != nil {
		r.tokenCounter.Add(ctx, int64(inputTokens), metric.WithAttributes(
			attribute.String("provider", providerName),
			attribute.String("direction", "input"),
		))
		r.tokenCounter.Add(ctx, int64(outputTokens), metric.WithAttributes(
			attribute.String("provider", providerName),
			attribute.String("direction", "output"),
		))
	}
	if r.costCounter != nil && totalCost > 0 {
		r.costCounter.Add(ctx, totalCost, metric.WithAttributes(
			attribute.String("provider", providerName),
		))
	}
}

// RecordLedgerQueueDrop counts usage records rejected by a full queue.
func (r *Runtime) RecordLedgerQueueDrop(providerName string) {
	if !r.Enabled() || r.ledgerDropCounter == nil {
		return
	}
	r.ledgerDropCounter.Add(
		context.Background(),
		1,
		metric.WithAttributes(attribute.String("provider", providerName)),
	)
}

// RecordLedgerWriteFailure counts usage records dropped by storage
// write failures.
func (r *Runtime) RecordLedgerWriteFailure(class string, failedCount int) {
	if !r.Enabled() || failedCount <= 0 || r.ledgerWriteCounter == nil {
		return
	}
	r.ledgerWriteCounter.Add(
		context.Background(),
		int64(failedCount),
		metric.WithAttributes(attribute.String("class", strings.TrimSpace(class))),
	)
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}
