// Package metrics exposes run metrics as OpenTelemetry instruments,
// exported in Prometheus format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/Iron-Ham/conductor"

// Provider owns the meter provider and the Prometheus handler serving it.
type Provider struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler
}

// InitMeterProvider creates a MeterProvider backed by a Prometheus exporter
// on a private registry, installs it globally and returns it.
func InitMeterProvider(ctx context.Context, serviceName string) (*Provider, error) {
	if serviceName == "" {
		serviceName = "conductor"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otelglobal.SetMeterProvider(mp)
	return &Provider{
		provider: mp,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}),
	}, nil
}

// Handler serves /metrics.
func (p *Provider) Handler() http.Handler { return p.handler }

// Meter returns this provider's meter.
func (p *Provider) Meter() metric.Meter { return p.provider.Meter(meterName) }

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}

// Common attribute keys.
var (
	AttrStatus = attribute.Key("status")
	AttrStage  = attribute.Key("stage")
)
