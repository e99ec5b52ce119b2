package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "oauth-tokens"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	scopePrefix = "github.com/giantswarm/oauth-tokens/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "oauth-tokens", "my-auth-service")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active
	// When false, uses no-op providers (zero overhead)
	Enabled bool

	// MeterProvider overrides the meter provider. When nil and Enabled is set,
	// an SDK meter provider is created with the service resource.
	MeterProvider metric.MeterProvider

	// MetricReader is attached to the SDK meter provider created by New.
	// Ignored when MeterProvider is set.
	MetricReader sdkmetric.Reader

	// TracerProvider overrides the tracer provider. When nil and Enabled is
	// set, the global provider from otel.GetTracerProvider is used.
	TracerProvider trace.TracerProvider

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// Shutdown functions (must be registered during New() only, not thread-safe after initialization)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		inst.initializeProviders()
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders wires the configured providers, building an SDK meter
// provider when none was supplied.
func (i *Instrumentation) initializeProviders() {
	if i.config.MeterProvider != nil {
		i.meterProvider = i.config.MeterProvider
	} else {
		opts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}
		if i.config.MetricReader != nil {
			opts = append(opts, sdkmetric.WithReader(i.config.MetricReader))
		}
		mp := sdkmetric.NewMeterProvider(opts...)
		i.meterProvider = mp
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	}

	if i.config.TracerProvider != nil {
		i.tracerProvider = i.config.TracerProvider
	} else {
		i.tracerProvider = otel.GetTracerProvider()
	}
}

// Shutdown gracefully shuts down all instrumentation providers
// This should be called when the application is terminating
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	if i == nil {
		return nil
	}

	var shutdownErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})
	return shutdownErr
}

// Meter returns a named meter for the given scope ("token", "rotation", "storage", ...)
func (i *Instrumentation) Meter(scope string) metric.Meter {
	if i == nil {
		return noop.NewMeterProvider().Meter(scopePrefix + scope)
	}
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope. A nil Instrumentation
// yields a no-op tracer so callers never need to branch.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	if i == nil {
		return tracenoop.NewTracerProvider().Tracer(scopePrefix + scope)
	}
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// NoopTracer returns a tracer that records nothing, for components that
// have not been given instrumentation.
func NoopTracer() trace.Tracer {
	return tracenoop.NewTracerProvider().Tracer(scopePrefix + "noop")
}

// Metrics returns the metrics holder for recording metric values.
// Nil when the receiver is nil; all Metrics methods accept a nil receiver.
func (i *Instrumentation) Metrics() *Metrics {
	if i == nil {
		return nil
	}
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers observable gauges for store sizes.
// Nil callbacks are skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	refreshTokens, revocations, attempts StorageSizeCallback,
) error {
	if i == nil || i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			if refreshTokens != nil {
				observer.ObserveInt64(i.metrics.StorageRefreshTokensCount, refreshTokens())
			}
			if revocations != nil {
				observer.ObserveInt64(i.metrics.StorageRevocationsCount, revocations())
			}
			if attempts != nil {
				observer.ObserveInt64(i.metrics.StorageAttemptsCount, attempts())
			}
			return nil
		},
		i.metrics.StorageRefreshTokensCount,
		i.metrics.StorageRevocationsCount,
		i.metrics.StorageAttemptsCount,
	)
	return err
}
