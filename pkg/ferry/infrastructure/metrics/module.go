package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	metrics "github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
)

// Module is an Fx module that provides PrometheusRecorder and the OpenTelemetry tracer.
var Module = fx.Options(
	fx.Provide(NewPrometheusRecorder),
	// Expose the recorder under the core.MetricRecorder interface.
	fx.Provide(func(r *PrometheusRecorder) metrics.MetricRecorder { return r }),
	// Expose the dedicated registry so the status server can serve it.
	fx.Provide(func(r *PrometheusRecorder) *prometheus.Registry { return r.GetRegistry() }),
	// Provide the OpenTelemetry tracer as a core.Tracer interface.
	fx.Provide(fx.Annotate(
		NewOpenTelemetryTracer,
		fx.As(new(metrics.Tracer)),
	)),
)
