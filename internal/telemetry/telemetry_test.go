package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestDefaultConfigReadsEnvironment(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("OTEL_SERVICE_NAME", "tickwire-test")
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("OTEL_METRICS_ENABLED", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_RESOURCE_ENVIRONMENT", "staging")

	cfg := DefaultConfig()
	if cfg.OTLPEndpoint != "http://collector:4318" {
		t.Fatalf("expected endpoint override, got %s", cfg.OTLPEndpoint)
	}
	if cfg.ServiceName != "tickwire-test" {
		t.Fatalf("expected service name override, got %s", cfg.ServiceName)
	}
	if cfg.Enabled || cfg.EnableMetrics {
		t.Fatalf("expected telemetry disabled via env, got %+v", cfg)
	}
	if !cfg.OTLPInsecure {
		t.Fatalf("expected insecure exporter via env")
	}
	if cfg.Environment != "staging" {
		t.Fatalf("expected staging environment, got %s", cfg.Environment)
	}
	if cfg.MetricInterval != 30*time.Second || cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("unexpected interval defaults: %+v", cfg)
	}
}

func TestDefaultConfigFallsBackToRuntimeEnv(t *testing.T) {
	t.Setenv("OTEL_RESOURCE_ENVIRONMENT", "")
	t.Setenv("TICKWIRE_ENV", "prod")

	cfg := DefaultConfig()
	if cfg.Environment != "prod" {
		t.Fatalf("expected TICKWIRE_ENV fallback, got %s", cfg.Environment)
	}
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	}
	for input, want := range cases {
		if got := stripScheme(input); got != want {
			t.Fatalf("stripScheme(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestDisabledProviderIsInert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Environment = "QA"

	provider, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown disabled provider: %v", err)
	}
	if provider.Meter("tickwire.test") == nil {
		t.Fatalf("expected global meter fallback")
	}
	if Environment() != "qa" {
		t.Fatalf("expected lowered environment label, got %s", Environment())
	}
}

func TestEnabledProviderWithoutMetricsSkipsExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.EnableMetrics = false

	provider, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if provider.meterProvider != nil {
		t.Fatalf("expected no meter provider when metrics disabled")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
