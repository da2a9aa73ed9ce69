package telemetry

import (
	"context"
	"testing"
)

func TestNewLoggerRejectsUnknownLevelAndFormat(t *testing.T) {
	if _, err := NewLogger("loud", "json"); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Fatalf("expected invalid format error")
	}
	logger, err := NewLogger("debug", "console")
	if err != nil {
		t.Fatalf("console logger: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatalf("expected debug level enabled")
	}
}

func TestSetupTracingNoopWithoutEndpoint(t *testing.T) {
	tracer, shutdown, err := SetupTracing(context.Background(), "offlineagent-test", "")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, span := tracer.Start(context.Background(), "noop")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupTracingWithEndpoint(t *testing.T) {
	// Non-routable address; nothing is exported.
	tracer, shutdown, err := SetupTracing(context.Background(), "offlineagent-test", "http://192.0.2.1:4318")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if tracer == nil {
		t.Fatalf("expected tracer")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
