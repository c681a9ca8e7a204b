package natsutil

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestNatsHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*natsHeaderCarrier)(msg)

	carrier.Set("traceparent", "00-abc-def-01")
	if got := carrier.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("expected traceparent, got %q", got)
	}

	keys := carrier.Keys()
	if len(keys) != 1 {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestNatsHeaderCarrierNilHeader(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*natsHeaderCarrier)(msg)

	if got := carrier.Get("missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if keys := carrier.Keys(); keys != nil {
		t.Fatalf("expected nil keys, got %v", keys)
	}
}

func TestCarrierRoundTripsTraceContext(t *testing.T) {
	tid, err := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}
	sid, err := trace.SpanIDFromHex("0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	msg := &nats.Msg{}
	prop := propagation.TraceContext{}
	prop.Inject(ctx, (*natsHeaderCarrier)(msg))

	if msg.Header.Get("traceparent") == "" {
		t.Fatal("traceparent header not injected")
	}

	out := prop.Extract(context.Background(), (*natsHeaderCarrier)(msg))
	if got := trace.SpanContextFromContext(out).TraceID(); got != tid {
		t.Fatalf("round-tripped trace id %s, want %s", got, tid)
	}
}

func TestExtractUsesGlobalPropagator(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tid, err := trace.TraceIDFromHex("abcdef0123456789abcdef0123456789")
	if err != nil {
		t.Fatal(err)
	}
	sid, err := trace.SpanIDFromHex("abcdef0123456789")
	if err != nil {
		t.Fatal(err)
	}
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	}))

	msg := &nats.Msg{}
	propagation.TraceContext{}.Inject(ctx, (*natsHeaderCarrier)(msg))

	got := trace.SpanContextFromContext(Extract(context.Background(), msg)).TraceID()
	if got != tid {
		t.Fatalf("Extract trace id %s, want %s", got, tid)
	}
}
