package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketcore/pkg/domain"
)

func TestRecordAuditSuccessUsesMetadata(t *testing.T) {
	fixed := time.Date(2024, 10, 1, 8, 30, 0, 0, time.UTC)
	recorder := &captureAuditRecorder{}
	svc := NewInMemoryService(NewDefaultRulesEngine(),
		WithAuditRecorder(recorder),
		WithClock(ClockFunc(func() time.Time { return fixed })),
	)

	duration := 42 * time.Millisecond
	ctx := domain.WithCaller(context.Background(), provider)
	svc.recordAuditSuccess(ctx, "create_device", sensor.Hex(), duration)

	if len(recorder.entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Operation != "create_device" {
		t.Fatalf("unexpected operation: %s", entry.Operation)
	}
	if entry.Entity != domain.EntityDevice {
		t.Fatalf("expected entity device, got %s", entry.Entity)
	}
	if entry.Action != domain.ActionCreate {
		t.Fatalf("expected create action, got %s", entry.Action)
	}
	if entry.EntityID != sensor.Hex() {
		t.Fatalf("expected entity id %s, got %s", sensor.Hex(), entry.EntityID)
	}
	if entry.Caller != provider {
		t.Fatalf("expected caller from context, got %s", entry.Caller.Hex())
	}
	if entry.Status != AuditStatusSuccess {
		t.Fatalf("expected success status, got %s", entry.Status)
	}
	if entry.Duration != duration {
		t.Fatalf("expected duration %v, got %v", duration, entry.Duration)
	}
	if !entry.Timestamp.Equal(fixed) {
		t.Fatalf("expected timestamp %v, got %v", fixed, entry.Timestamp)
	}
}

func TestRecordAuditSuccessIgnoresUnknownOperation(t *testing.T) {
	recorder := &captureAuditRecorder{}
	svc := NewInMemoryService(NewDefaultRulesEngine(), WithAuditRecorder(recorder))

	svc.recordAuditSuccess(context.Background(), "unknown_operation", "entity", time.Second)

	if len(recorder.entries) != 0 {
		t.Fatalf("expected no audit entries for unknown operation, got %d", len(recorder.entries))
	}
}

func TestRecordAuditErrorCarriesGasAndMessage(t *testing.T) {
	recorder := &captureAuditRecorder{}
	svc := NewInMemoryService(NewDefaultRulesEngine(), WithAuditRecorder(recorder))

	cause := errors.New("boom")
	svc.recordAudit(context.Background(), "settle_trade", "7", Result{GasUsed: 21000}, time.Millisecond, cause)

	if len(recorder.entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Status != AuditStatusError || entry.Error != "boom" {
		t.Fatalf("expected error entry, got %+v", entry)
	}
	if entry.GasUsed != 21000 || entry.Entity != domain.EntityTrade {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestEveryCommandHasAuditMetadata(t *testing.T) {
	ops := []string{
		"create_identity", "update_identity", "remove_identity",
		"create_device", "update_device", "remove_device",
		"create_product", "update_product", "remove_product",
		"create_broker", "update_broker", "remove_broker",
		"request_negotiation", "accept_negotiation", "reject_negotiation",
		"request_trading", "accept_trading", "decline_trading",
		"settle_trade", "submit_counter", "resolve_dispute", "resolve_expired_trade",
		"deposit", "withdraw",
	}
	for _, op := range ops {
		if _, ok := operationMetadata[op]; !ok {
			t.Fatalf("missing audit metadata for %s", op)
		}
	}
	if len(operationMetadata) != len(ops) {
		t.Fatalf("expected %d operations, got %d", len(ops), len(operationMetadata))
	}
}
