package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestInitTracing_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), Config{ServiceName: "datasage-test"})
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected a shutdown func even when tracing is disabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown returned error: %v", err)
	}
}

func TestInitTracing_SetsGlobalPropagator(t *testing.T) {
	cfg := Config{
		ServiceName: "datasage-test",
		Endpoint:    "localhost:4317",
		SampleRatio: 1.0,
	}
	shutdown, err := InitTracing(context.Background(), cfg)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Nothing listens on the endpoint, so the flush may fail. Only the
		// wiring is under test here.
		_ = shutdown(ctx)
	}()

	fields := otel.GetTextMapPropagator().Fields()
	var hasTraceparent bool
	for _, f := range fields {
		if f == "traceparent" {
			hasTraceparent = true
		}
	}
	if !hasTraceparent {
		t.Fatalf("propagator fields %v missing traceparent", fields)
	}
}

func TestPickSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{1.0, "AlwaysOnSampler"},
		{1.5, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-0.1, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := pickSampler(tt.ratio).Description()
		if !strings.Contains(desc, tt.want) {
			t.Errorf("pickSampler(%v) = %q, want substring %q", tt.ratio, desc, tt.want)
		}
	}
}
