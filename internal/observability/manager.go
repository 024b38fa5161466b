package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	stdoutmetric "go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/config"
)

const (
	shutdownTimeout  = 10 * time.Second
	stdoutInterval   = 30 * time.Second
	otlpDialTimeout  = 10 * time.Second
	consoleMeterName = "github.com/Additional-Code/ordersync/console"
)

// Manager owns the console's trace and meter providers. Package-level
// instruments created through otel.Meter are delegated to the meter provider
// once it is installed; console gauges are built on it directly.
type Manager struct {
	cfg    config.Observability
	logger *zap.Logger

	traces   *sdktrace.TracerProvider
	meters   *sdkmetric.MeterProvider
	registry *prometheus.Registry
	handler  http.Handler
}

// Module exposes the observability manager to Fx.
var Module = fx.Provide(NewManager)

// NewManager builds the providers and installs them globally on start.
func NewManager(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*Manager, error) {
	mgr, err := New(context.Background(), cfg.Observability, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			mgr.Install()
			return nil
		},
		OnStop: mgr.Shutdown,
	})
	return mgr, nil
}

// New builds the providers without installing them.
func New(ctx context.Context, cfg config.Observability, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mgr := &Manager{cfg: cfg, logger: logger.With(zap.String("component", "observability"))}

	res, err := sdkresource.New(ctx,
		sdkresource.WithFromEnv(),
		sdkresource.WithHost(),
		sdkresource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("service.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability resource: %w", err)
	}

	if cfg.EnableTracing {
		if mgr.traces, err = mgr.newTracerProvider(ctx, res); err != nil {
			return nil, err
		}
	}
	if cfg.EnableMetrics {
		if mgr.meters, err = mgr.newMeterProvider(res); err != nil {
			return nil, err
		}
	}
	return mgr, nil
}

// Install makes the providers the process-wide otel defaults.
func (m *Manager) Install() {
	if m.traces != nil {
		otel.SetTracerProvider(m.traces)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}
	if m.meters != nil {
		otel.SetMeterProvider(m.meters)
	}
	m.logger.Info("observability installed",
		zap.Bool("tracing", m.TracingEnabled()),
		zap.Bool("metrics", m.MetricsEnabled()),
	)
}

// Shutdown flushes and stops both providers.
func (m *Manager) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var err error
	if m.traces != nil {
		err = errors.Join(err, m.traces.Shutdown(ctx))
	}
	if m.meters != nil {
		err = errors.Join(err, m.meters.Shutdown(ctx))
	}
	return err
}

// Meter returns a meter on the manager's provider, or a noop meter when
// metrics are disabled.
func (m *Manager) Meter(name string) metric.Meter {
	if m.meters == nil {
		return noop.NewMeterProvider().Meter(name)
	}
	return m.meters.Meter(name)
}

// ConsoleMeter is the meter console gauges are registered on.
func (m *Manager) ConsoleMeter() metric.Meter {
	return m.Meter(consoleMeterName)
}

// TracingEnabled reports whether tracing is active.
func (m *Manager) TracingEnabled() bool {
	return m.traces != nil
}

// MetricsEnabled reports whether metrics are active.
func (m *Manager) MetricsEnabled() bool {
	return m.meters != nil
}

// MetricsHandler serves the Prometheus registry. It is nil unless the
// prometheus exporter is configured.
func (m *Manager) MetricsHandler() http.Handler {
	return m.handler
}

// PrometheusPath returns the configured metrics endpoint path.
func (m *Manager) PrometheusPath() string {
	return m.cfg.PrometheusPath
}

func (m *Manager) newTracerProvider(ctx context.Context, res *sdkresource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch strings.ToLower(m.cfg.TraceExporter) {
	case "", "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		if m.cfg.TraceEndpoint == "" {
			return nil, fmt.Errorf("OBS_OTLP_ENDPOINT must be set for otlp exporter")
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(m.cfg.TraceEndpoint)}
		if m.cfg.TraceInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		dialCtx, cancel := context.WithTimeout(ctx, otlpDialTimeout)
		defer cancel()
		exporter, err = otlptracegrpc.New(dialCtx, opts...)
	default:
		m.logger.Warn("unsupported trace exporter; tracing disabled", zap.String("exporter", m.cfg.TraceExporter))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trace exporter %q: %w", m.cfg.TraceExporter, err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(m.cfg.TraceSampleRatio))),
	), nil
}

func (m *Manager) newMeterProvider(res *sdkresource.Resource) (*sdkmetric.MeterProvider, error) {
	var reader sdkmetric.Reader
	switch strings.ToLower(m.cfg.MetricsExporter) {
	case "prometheus":
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		exporter, err := promexporter.New(promexporter.WithRegisterer(m.registry))
		if err != nil {
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		reader = exporter
		m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint(), stdoutmetric.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(stdoutInterval))
	default:
		m.logger.Warn("unsupported metrics exporter; metrics disabled", zap.String("exporter", m.cfg.MetricsExporter))
		return nil, nil
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	), nil
}
