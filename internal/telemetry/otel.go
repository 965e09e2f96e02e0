// Package telemetry wires OpenTelemetry tracing around the gateway's
// two decision points: the TLS ClientHello filter and the HTTP
// rewriter.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing for the gateway.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("vmgate")}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "vmgate"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("vmgate")}, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("vmgate"),
		provider: tp,
	}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is actually exporting spans.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Flow decision span attributes.
const (
	AttrRunID       = "vmgate.run.id"
	AttrClientIP    = "vmgate.client.ip"
	AttrHost        = "vmgate.host"
	AttrPort        = "vmgate.port"
	AttrAction      = "vmgate.action"
	AttrRuleMatched = "vmgate.rule_matched"
	AttrMode        = "vmgate.mode" // "sni" or "mitm"
	AttrStatusCode  = "http.response.status_code"
	AttrLatencyMs   = "vmgate.latency.ms"
)

// StartClientHelloSpan starts a span covering one TLS ClientHello
// filtering decision (C6).
func (p *Provider) StartClientHelloSpan(ctx context.Context, clientIP, sni string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "gateway.clienthello",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrClientIP, clientIP),
			attribute.String(AttrHost, sni),
			attribute.String(AttrMode, "sni"),
		),
	)
}

// EndClientHelloSpan records the resulting decision and closes the span.
func (p *Provider) EndClientHelloSpan(span trace.Span, action, ruleMatched string) {
	span.SetAttributes(
		attribute.String(AttrAction, action),
		attribute.String(AttrRuleMatched, ruleMatched),
	)
	span.End()
}

// StartRewriteSpan starts a span covering one MITM HTTP rewrite
// decision (C7).
func (p *Provider) StartRewriteSpan(ctx context.Context, runID, method, host string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "gateway.rewrite",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrRunID, runID),
			attribute.String(AttrHost, host),
			attribute.String(AttrMode, "mitm"),
		),
	)
}

// EndRewriteSpan records the outcome of a rewrite decision.
func (p *Provider) EndRewriteSpan(span trace.Span, action string, statusCode int, latencyMs int64, err error) {
	span.SetAttributes(
		attribute.String(AttrAction, action),
		attribute.Int(AttrStatusCode, statusCode),
		attribute.Int64(AttrLatencyMs, latencyMs),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordRewriteOutcome emits a single zero-duration span for a rewrite
// decision whose request and response phases don't carry a shared
// context.Context across the gateway's flow-id bookkeeping.
func (p *Provider) RecordRewriteOutcome(runID, action string, statusCode int, latencyMs int64, err error) {
	_, span := p.StartRewriteSpan(context.Background(), runID, "", "")
	p.EndRewriteSpan(span, action, statusCode, latencyMs, err)
}

// DefaultConfig returns a default telemetry configuration (disabled).
func DefaultConfig() Config {
	return Config{Enabled: false, Exporter: "none", ServiceName: "vmgate"}
}

// ConfigFromEnv creates config from environment variables, overlaying
// DefaultConfig.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	if os.Getenv("VMGATE_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if v := os.Getenv("VMGATE_TELEMETRY_EXPORTER"); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv("VMGATE_TELEMETRY_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}

	return cfg
}

// NoopProvider returns a provider that does nothing, for tests and for
// telemetry-disabled deployments.
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer("vmgate-noop")}
}

// ContextWithTimeout creates a context with timeout for shutdown.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
