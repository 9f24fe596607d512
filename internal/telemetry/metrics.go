// Package telemetry exports handshake and injection metrics over OTLP.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/yuuki/dtachannel"

// Handshake outcomes recorded as the "outcome" attribute.
const (
	OutcomeEstablished = "established"
	OutcomeTimeout     = "timeout"
	OutcomeMalformed   = "malformed"
	OutcomeCanceled    = "canceled"
)

// Metrics holds the instruments shared by the bootstrap and inject binaries.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	handshakeCounter     metric.Int64Counter
	handshakeDuration    metric.Float64Histogram
	misclassifiedCounter metric.Int64Counter
	icrcMismatchCounter  metric.Int64Counter
	injectedCounter      metric.Int64Counter
}

// NewMetrics exports to collectorAddr every 10 seconds. The address scheme
// selects the transport: grpc (default), grpcs, http or https.
func NewMetrics(ctx context.Context, serviceName, instanceID, collectorAddr string) (*Metrics, error) {
	exporter, err := newExporter(ctx, collectorAddr)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	m, err := newMetrics(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second)), res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(m.provider)
	return m, nil
}

func newMetrics(reader sdkmetric.Reader, res *resource.Resource) (*Metrics, error) {
	opts := []sdkmetric.Option{sdkmetric.WithReader(reader)}
	if res != nil {
		opts = append(opts, sdkmetric.WithResource(res))
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	meter := provider.Meter(meterName)

	handshakeCounter, err := meter.Int64Counter(
		"dta.bootstrap.handshakes",
		metric.WithDescription("Number of finished handshakes by outcome"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	handshakeDuration, err := meter.Float64Histogram(
		"dta.bootstrap.duration",
		metric.WithDescription("Time from ConnectRequest to a terminal state in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	misclassifiedCounter, err := meter.Int64Counter(
		"dta.bootstrap.misclassified_frames",
		metric.WithDescription("Inbound frames whose length disagreed with the expected packet"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, err
	}

	icrcMismatchCounter, err := meter.Int64Counter(
		"dta.bootstrap.icrc_mismatches",
		metric.WithDescription("Inbound frames whose invariant CRC did not verify"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, err
	}

	injectedCounter, err := meter.Int64Counter(
		"dta.inject.records",
		metric.WithDescription("Telemetry frames transmitted by the injector"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		provider:             provider,
		handshakeCounter:     handshakeCounter,
		handshakeDuration:    handshakeDuration,
		misclassifiedCounter: misclassifiedCounter,
		icrcMismatchCounter:  icrcMismatchCounter,
		injectedCounter:      injectedCounter,
	}, nil
}

func newExporter(ctx context.Context, collectorAddr string) (sdkmetric.Exporter, error) {
	// A bare "host:port" means plaintext gRPC.
	scheme, endpoint := "grpc", collectorAddr
	if strings.Contains(collectorAddr, "://") {
		parsedURL, err := url.Parse(collectorAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse otel collector address '%s': %w", collectorAddr, err)
		}
		scheme = strings.ToLower(parsedURL.Scheme)
		endpoint = parsedURL.Host
	}
	if endpoint == "" || strings.Contains(endpoint, "/") {
		return nil, fmt.Errorf("otel collector address '%s' has no host (e.g. localhost:4317)", collectorAddr)
	}

	var (
		exporter sdkmetric.Exporter
		err      error
	)
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
	case "http":
		exporter, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	case "https":
		exporter, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint))
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter scheme '%s' in %s; use grpc, grpcs, http or https", scheme, collectorAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}
	return exporter, nil
}

// RecordHandshake records one finished handshake to port.
func (m *Metrics) RecordHandshake(ctx context.Context, port uint16, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.Int("port", int(port)),
		attribute.String("outcome", outcome),
	)
	m.handshakeCounter.Add(ctx, 1, attrs)
	m.handshakeDuration.Record(ctx, float64(elapsed.Nanoseconds())/1_000_000.0, attrs)
}

// RecordMisclassified records frames flagged by the state machine.
func (m *Metrics) RecordMisclassified(ctx context.Context, port uint16, n int) {
	if n == 0 {
		return
	}
	m.misclassifiedCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.Int("port", int(port))))
}

// RecordICRCMismatch records inbound frames that failed iCRC verification.
func (m *Metrics) RecordICRCMismatch(ctx context.Context, port uint16, n uint64) {
	if n == 0 {
		return
	}
	m.icrcMismatchCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.Int("port", int(port))))
}

// RecordInjected records n transmitted frames of the given operation.
func (m *Metrics) RecordInjected(ctx context.Context, operation string, n int) {
	m.injectedCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("operation", operation)))
}

// Shutdown flushes pending data and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
