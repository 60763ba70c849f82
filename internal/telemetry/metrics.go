package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const serviceName = "interviewd"

// InitMetrics exports metrics every interval to a rotating exportFile. With
// no file the global no-op provider is used. The returned func flushes and
// shuts the provider down.
func InitMetrics(ctx context.Context, exportFile string, interval time.Duration) (metric.Meter, func(context.Context) error, error) {
	if exportFile == "" {
		return otel.GetMeterProvider().Meter(serviceName), func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(exportFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create metrics directory: %w", err)
	}
	file := &lumberjack.Logger{
		Filename:   exportFile,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}

	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(file))
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), file.Close())
	}
	return mp.Meter(serviceName), shutdown, nil
}
