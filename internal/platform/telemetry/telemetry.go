package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/regreport/eclbatch/internal/platform/env"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Config struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
	Insecure    bool
	SampleRate  float64
}

func ConfigFromEnv(service string) (Config, error) {
	enabled, err := env.Bool("OTEL_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	insecure, err := env.Bool("OTEL_INSECURE", true)
	if err != nil {
		return Config{}, err
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(env.String("OTEL_SAMPLE_RATE", "1")), 64)
	if err != nil {
		return Config{}, fmt.Errorf("parse OTEL_SAMPLE_RATE: %w", err)
	}
	cfg := Config{
		Enabled:     enabled,
		ServiceName: env.String("OTEL_SERVICE_NAME", service),
		Endpoint:    env.String("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Insecure:    insecure,
		SampleRate:  rate,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		return errors.New("OTEL_SERVICE_NAME is required")
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED=true")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return errors.New("OTEL_SAMPLE_RATE must be within [0,1]")
	}
	return nil
}

type ShutdownFunc func(context.Context) error

// Setup installs the global tracer provider. With telemetry disabled the
// global no-op provider stays in place and the returned shutdown does nothing.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		)),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return provider.Shutdown, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}
