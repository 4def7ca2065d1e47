package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled is always valid", Config{Enabled: false, Protocol: "invalid", SampleRatio: -1}, false},
		{"valid otlphttp", Config{Enabled: true, Protocol: ProtocolHTTP, SampleRatio: 0.5}, false},
		{"valid otlpgrpc", Config{Enabled: true, Protocol: ProtocolGRPC, SampleRatio: 1.0}, false},
		{"invalid protocol", Config{Enabled: true, Protocol: "zipkin", SampleRatio: 1.0}, true},
		{"sample ratio below 0", Config{Enabled: true, Protocol: ProtocolHTTP, SampleRatio: -0.1}, true},
		{"sample ratio above 1", Config{Enabled: true, Protocol: ProtocolHTTP, SampleRatio: 1.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInitDisabledReturnsNoop(t *testing.T) {
	h, err := Init(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if h.Tracer == nil {
		t.Fatal("expected tracer")
	}
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestStartAndEndRecordSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h := InitWithProvider(tp)

	_, span := h.Start(context.Background(), "activate", attribute.String("shieldclaw.reason", "manual"))
	End(span, nil)
	_, span = h.Start(context.Background(), "unlock")
	End(span, errors.New("state conflict"))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "shieldclaw.activate" || spans[0].Status().Code != codes.Ok {
		t.Errorf("unexpected first span %s %v", spans[0].Name(), spans[0].Status())
	}
	var found bool
	for _, a := range spans[0].Attributes() {
		if a.Key == "shieldclaw.reason" && a.Value.AsString() == "manual" {
			found = true
		}
	}
	if !found {
		t.Error("missing shieldclaw.reason attribute")
	}
	if spans[1].Status().Code != codes.Error || len(spans[1].Events()) == 0 {
		t.Errorf("expected error status and recorded error event, got %v", spans[1].Status())
	}
}
