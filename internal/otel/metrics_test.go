package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.ProviderCallDuration == nil {
		t.Error("ProviderCallDuration is nil")
	}
	if m.TokensUsed == nil {
		t.Error("TokensUsed is nil")
	}
	if m.SessionCostCents == nil {
		t.Error("SessionCostCents is nil")
	}
	if m.SessionTurns == nil {
		t.Error("SessionTurns is nil")
	}
	if m.ActiveSessions == nil {
		t.Error("ActiveSessions is nil")
	}
	if m.ApprovalsPending == nil {
		t.Error("ApprovalsPending is nil")
	}
	if m.RunTransitions == nil {
		t.Error("RunTransitions is nil")
	}
	if m.RepliesEvaluated == nil {
		t.Error("RepliesEvaluated is nil")
	}
	if m.RateLimitRejects == nil {
		t.Error("RateLimitRejects is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
