package telemetry

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Providers bundles the tracer/meter used to instrument orchestrator steps
// and scheduler rebuilds. When CTM_OTLP_ENDPOINT is unset, Tracer and Meter
// fall back to OTel's global no-op implementations, so instrumentation
// calls are always safe even with no collector configured.
type Providers struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	shutdown func(context.Context) error
}

// NewProviders builds OTel providers. endpoint is the OTLP/HTTP collector
// address (host:port, scheme-less); an empty string disables export and
// returns no-op providers. Only traces are exported: the meter provider has
// no reader, so metric values are recorded in-process and never sent.
func NewProviders(ctx context.Context, serviceName, endpoint string) (*Providers, error) {
	if endpoint == "" {
		return &Providers{
			Tracer:   otel.Tracer(serviceName),
			Meter:    otel.Meter(serviceName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return &Providers{
		Tracer: tp.Tracer(serviceName),
		Meter:  mp.Meter(serviceName),
		shutdown: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return mp.Shutdown(shutdownCtx)
		},
	}, nil
}

// Shutdown flushes and closes exporters. Safe to call on no-op providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// EndpointFromEnv reads CTM_OTLP_ENDPOINT, the opt-in switch for pushing
// traces (see DESIGN.md on why this is push-only, not a scrape
// endpoint: CTM has no long-running daemon to be scraped).
func EndpointFromEnv() string {
	return os.Getenv("CTM_OTLP_ENDPOINT")
}
