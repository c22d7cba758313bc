// Package telemetry configures the OpenTelemetry metric exporter and bridges
// it onto the observability.Metrics interface.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/coachpo/crossfeed/config"
	"github.com/coachpo/crossfeed/internal/observability"
)

// Bridge adapts an OpenTelemetry meter to the observability.Metrics
// interface. Instruments are created lazily on first use and cached by name.
type Bridge struct {
	meter apimetric.Meter

	mu         sync.Mutex
	counters   map[string]apimetric.Float64Counter
	histograms map[string]apimetric.Float64Histogram
	gauges     map[string]apimetric.Float64Gauge
}

// NewBridge wraps the given meter provider.
func NewBridge(provider apimetric.MeterProvider, service string) *Bridge {
	return &Bridge{
		meter:      provider.Meter(service),
		counters:   make(map[string]apimetric.Float64Counter),
		histograms: make(map[string]apimetric.Float64Histogram),
		gauges:     make(map[string]apimetric.Float64Gauge),
	}
}

// IncCounter implements observability.Metrics.
func (b *Bridge) IncCounter(name string, value float64, labels map[string]string) {
	b.mu.Lock()
	counter, ok := b.counters[name]
	if !ok {
		var err error
		counter, err = b.meter.Float64Counter(name)
		if err != nil {
			b.mu.Unlock()
			observability.Log().Error("create counter", observability.F("name", name), observability.F("error", err))
			return
		}
		b.counters[name] = counter
	}
	b.mu.Unlock()
	counter.Add(context.Background(), value, apimetric.WithAttributes(attrs(labels)...))
}

// ObserveHistogram implements observability.Metrics.
func (b *Bridge) ObserveHistogram(name string, value float64, labels map[string]string) {
	b.mu.Lock()
	histogram, ok := b.histograms[name]
	if !ok {
		var err error
		histogram, err = b.meter.Float64Histogram(name)
		if err != nil {
			b.mu.Unlock()
			observability.Log().Error("create histogram", observability.F("name", name), observability.F("error", err))
			return
		}
		b.histograms[name] = histogram
	}
	b.mu.Unlock()
	histogram.Record(context.Background(), value, apimetric.WithAttributes(attrs(labels)...))
}

// SetGauge implements observability.Metrics.
func (b *Bridge) SetGauge(name string, value float64, labels map[string]string) {
	b.mu.Lock()
	gauge, ok := b.gauges[name]
	if !ok {
		var err error
		gauge, err = b.meter.Float64Gauge(name)
		if err != nil {
			b.mu.Unlock()
			observability.Log().Error("create gauge", observability.F("name", name), observability.F("error", err))
			return
		}
		b.gauges[name] = gauge
	}
	b.mu.Unlock()
	gauge.Record(context.Background(), value, apimetric.WithAttributes(attrs(labels)...))
}

func attrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(labels))
	for key, value := range labels {
		out = append(out, attribute.String(key, value))
	}
	return out
}

// Init configures the OTLP metric exporter from the provided configuration
// and returns the metrics bridge with a shutdown hook. An empty endpoint
// yields a no-op provider so callers can wire the bridge unconditionally.
func Init(ctx context.Context, cfg config.TelemetryConfig) (*Bridge, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "crossfeed"
	}

	if endpoint == "" {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return NewBridge(provider, service), func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(provider)

	return NewBridge(provider, service), provider.Shutdown, nil
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}
