package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	config "github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	metrics "github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	logger "github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

const tracerModule = "tracing"

// OpenTelemetryTracer is an implementation of metrics.Tracer backed by the
// OpenTelemetry SDK with an OTLP trace exporter.
type OpenTelemetryTracer struct {
	tracer trace.Tracer
}

// NewOpenTelemetryTracer creates a metrics.Tracer from the tracing configuration.
// When tracing is disabled it returns the no-op tracer, so callers never branch.
// The exporter protocol is selected by configuration: "grpc" or "http/protobuf".
// Provider shutdown is registered on the Fx lifecycle.
func NewOpenTelemetryTracer(lc fx.Lifecycle, cfg *config.Config) (metrics.Tracer, error) {
	tc := cfg.Pulseferry.Tracing
	if !tc.Enabled {
		logger.Debugf("Tracing disabled. Using no-op tracer.")
		return metrics.NewNoOpTracer(), nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch tc.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tc.Endpoint)}
		if tc.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(context.Background(), opts...)
	case "http/protobuf":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tc.Endpoint)}
		if tc.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(context.Background(), opts...)
	default:
		return nil, exception.NewPipelineErrorf(tracerModule, "unsupported tracing protocol: %s", tc.Protocol, false)
	}
	if err != nil {
		return nil, exception.NewPipelineError(tracerModule, "failed to create OTLP trace exporter", err, false)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "pulseferry"),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Infof("Shutting down trace provider.")
			return tp.Shutdown(ctx)
		},
	})

	logger.Infof("Tracing enabled (%s exporter, endpoint: %s).", tc.Protocol, tc.Endpoint)
	return &OpenTelemetryTracer{tracer: tp.Tracer("github.com/kinegraph/pulseferry")}, nil
}

// StartDeliverySpan starts a new span covering one delivery attempt.
func (t *OpenTelemetryTracer) StartDeliverySpan(ctx context.Context, batchID string) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "delivery.attempt",
		trace.WithAttributes(attribute.String("batch.id", batchID)))
	return ctx, func() { span.End() }
}

// StartAssemblySpan starts a new span covering the reassembly of one batch.
func (t *OpenTelemetryTracer) StartAssemblySpan(ctx context.Context, batchID string) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "assembly.batch",
		trace.WithAttributes(attribute.String("batch.id", batchID)))
	return ctx, func() { span.End() }
}

// RecordError records an error in the current span.
func (t *OpenTelemetryTracer) RecordError(ctx context.Context, module string, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err, trace.WithAttributes(attribute.String("module", module)))
	span.SetStatus(codes.Error, err.Error())
}

// RecordEvent records an event with attributes in the current span.
func (t *OpenTelemetryTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(toAttributes(attributes)...))
}

// toAttributes converts a loose attribute map into typed OTel attributes.
func toAttributes(m map[string]interface{}) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return attrs
}

var _ metrics.Tracer = (*OpenTelemetryTracer)(nil)
