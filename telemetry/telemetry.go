// Package telemetry installs the process-wide OpenTelemetry providers the
// engine and mirror selector report to.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/mit-pdos/go-raidframe/config"
)

var ErrUnknownExporter = errors.New("telemetry: unknown exporter")

const serviceName = "raidframe"

// Telemetry holds what Init set up.
type Telemetry struct {
	// Handler serves /metrics when the prometheus exporter is enabled;
	// nil otherwise.
	Handler http.Handler

	shutdownFuncs []func(context.Context) error
}

// Shutdown flushes and stops every provider Init installed.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdownFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Init installs global tracer and meter providers according to cfg.
// Stdout exporters write to w.
func Init(ctx context.Context, cfg config.TelemetryConfig, w io.Writer) (*Telemetry, error) {
	t := &Telemetry{}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", serviceName),
	)

	if cfg.Traces != "none" {
		tp, err := initTracer(cfg, res, w)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		t.shutdownFuncs = append(t.shutdownFuncs, tp.Shutdown)
	}

	if cfg.Metrics != "none" {
		mp, handler, err := initMeter(cfg, res, w)
		if err != nil {
			return nil, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		t.Handler = handler
		t.shutdownFuncs = append(t.shutdownFuncs, mp.Shutdown)
	}
	return t, nil
}

func initTracer(cfg config.TelemetryConfig, res *resource.Resource, w io.Writer) (*trace.TracerProvider, error) {
	switch cfg.Traces {
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		return trace.NewTracerProvider(
			trace.WithBatcher(exporter),
			trace.WithResource(res),
		), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Traces)
}

func initMeter(cfg config.TelemetryConfig, res *resource.Resource, w io.Writer) (*metric.MeterProvider, http.Handler, error) {
	switch cfg.Metrics {
	case "prometheus":
		// a private registry keeps repeated Init calls (tests, restarts)
		// from colliding in the default one
		reg := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(exporter),
		)
		return mp, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil

	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(exporter)),
		)
		return mp, nil, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Metrics)
}
