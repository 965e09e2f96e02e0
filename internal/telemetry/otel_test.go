package telemetry

import (
	"context"
	"testing"
)

func TestNewProvider_DisabledByDefault(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Enabled() {
		t.Errorf("expected Enabled() false for disabled config")
	}
}

func TestNewProvider_UnknownExporterDisablesTracing(t *testing.T) {
	p, err := NewProvider(Config{Enabled: true, Exporter: "bogus"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Enabled() {
		t.Errorf("expected Enabled() false for unrecognized exporter")
	}
}

func TestNewProvider_StdoutExporter(t *testing.T) {
	p, err := NewProvider(Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if !p.Enabled() {
		t.Errorf("expected Enabled() true for stdout exporter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestClientHelloSpanLifecycle(t *testing.T) {
	p := NoopProvider()
	ctx, span := p.StartClientHelloSpan(context.Background(), "10.0.0.5", "api.example.com")
	if ctx == nil || span == nil {
		t.Fatalf("expected non-nil context and span")
	}
	p.EndClientHelloSpan(span, "ALLOW", "domain:*.example.com")
}

func TestRewriteSpanLifecycle(t *testing.T) {
	p := NoopProvider()
	ctx, span := p.StartRewriteSpan(context.Background(), "run-1", "GET", "api.example.com")
	if ctx == nil || span == nil {
		t.Fatalf("expected non-nil context and span")
	}
	p.EndRewriteSpan(span, "ALLOW", 200, 42, nil)
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Errorf("expected default config disabled")
	}
	if cfg.ServiceName != "vmgate" {
		t.Errorf("got service name %q, want vmgate", cfg.ServiceName)
	}
}
