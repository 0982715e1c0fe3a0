package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/syrahproxy/syrah/internal/config"
)

func TestNewDisabled(t *testing.T) {
	tr, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if tr.Enabled() {
		t.Error("Enabled() = true, want false for disabled config")
	}
}

func TestNewEnabledStdout(t *testing.T) {
	tr, err := New(config.TracingConfig{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !tr.Enabled() {
		t.Error("Enabled() = false, want true")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestStartReturnsUsableSpan(t *testing.T) {
	tr, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, span := tr.Start(context.Background(), "test-span")
	if ctx == nil {
		t.Fatal("Start() returned nil context")
	}
	span.End()
}

func TestShutdownOnDisabledTracerIsNoop(t *testing.T) {
	tr, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() on disabled tracer error = %v, want nil", err)
	}
}

func TestFlowAttributes(t *testing.T) {
	attrs := FlowAttributes("flow-1", "https", "GET", "example.com", "/v1/messages")
	if len(attrs) != 5 {
		t.Fatalf("FlowAttributes() len = %d, want 5", len(attrs))
	}
}

func TestSetErrorNilIsNoop(t *testing.T) {
	tr, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, span := tr.Start(context.Background(), "noop-error")
	defer span.End()
	SetError(span, nil) // must not panic
}

func TestSetErrorRecordsError(t *testing.T) {
	tr, err := New(config.TracingConfig{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer tr.Shutdown(context.Background())

	_, span := tr.Start(context.Background(), "error-span")
	SetError(span, errors.New("boom"))
	span.End()
}
