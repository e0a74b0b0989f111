/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package common

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/common/env"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/common/observability/logging"
	"github.com/perpetua1g0d/bmstu-diploma/version"
)

const (
	defaultSamplerRatio = 0.1
	defaultOTLPEndpoint = "http://localhost:4317"
)

type errorHandler struct {
	logger logr.Logger
}

func (h *errorHandler) Handle(err error) {
	h.logger.V(logging.DEFAULT).Error(err, "trace error occurred")
}

// InitTracing installs a global tracer provider and the W3C trace context propagator.
// The exporter, sampler and endpoint follow the standard OTEL_* environment variables.
// The provider is shut down when ctx is done.
func InitTracing(ctx context.Context, logger logr.Logger, serviceName string) error {
	logger = logger.WithName("trace")
	loggerWrap := &errorHandler{logger: logger}

	// The OTLP exporter reads these directly from the environment.
	if _, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT"); !ok {
		if err := os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", defaultOTLPEndpoint); err != nil {
			return fmt.Errorf("failed to set the default OTLP endpoint - %w", err)
		}
	}
	serviceName = env.GetEnvString("OTEL_SERVICE_NAME", serviceName, logger)

	traceExporter, err := initTraceExporter(ctx, logger)
	if err != nil {
		loggerWrap.Handle(fmt.Errorf("%s: %v", "init trace exporter failed", err))
		return err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithSampler(newSampler(logger)),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version.BuildRef),
		)),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(loggerWrap)

	go func() {
		<-ctx.Done()
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			loggerWrap.Handle(fmt.Errorf("%s: %v", "failed to shutdown TraceProvider", err))
		}
		logger.V(logging.DEFAULT).Info("trace provider shutting down")
	}()

	return nil
}

// newSampler supports parentbased_traceidratio only. The Go SDK has no automatic
// sampler selection.
func newSampler(logger logr.Logger) sdktrace.Sampler {
	samplerType := env.GetEnvString("OTEL_TRACES_SAMPLER", "parentbased_traceidratio", logger)
	if samplerType != "parentbased_traceidratio" {
		logger.V(logging.DEFAULT).Info("Unsupported sampler type, falling back to parentbased_traceidratio",
			"sampler", samplerType, "ratio", defaultSamplerRatio)
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(defaultSamplerRatio))
	}
	fraction, err := strconv.ParseFloat(env.GetEnvString("OTEL_TRACES_SAMPLER_ARG", "", logger), 64)
	if err != nil {
		fraction = defaultSamplerRatio
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(fraction))
}

// initTraceExporter creates a SpanExporter. Supported OTEL_TRACES_EXPORTER values:
// - console: export spans in console for development use case
// - otlp: export spans through gRPC to an opentelemetry collector
func initTraceExporter(ctx context.Context, logger logr.Logger) (sdktrace.SpanExporter, error) {
	exporterType := env.GetEnvString("OTEL_TRACES_EXPORTER", "console", logger)
	logger.Info("init OTel trace exporter", "type", exporterType)

	switch exporterType {
	case "otlp":
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp-grcp exporter: %w", err)
		}
		return exporter, nil
	case "console":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdouttrace exporter: %w", err)
		}
		return exporter, nil
	}
	return nil, fmt.Errorf("unsupported trace exporter %q", exporterType)
}
