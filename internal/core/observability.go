package core

import (
	"context"
	"time"
)

// Logger is the structured logging surface used by the service. Arguments
// are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies wall time to the service and its default store.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// AuditStatus is the outcome of an audited operation.
type AuditStatus string

// Audit outcomes.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one command as seen by the audit trail.
type AuditEntry struct {
	Operation string
	Entity    EntityType
	Action    Action
	EntityID  string
	Caller    Address
	Status    AuditStatus
	Error     string
	GasUsed   uint64
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives an entry for every command.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

// MetricsRecorder observes command outcomes and latency.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// GasObserver is implemented by metrics recorders that also track the gas
// charged per operation.
type GasObserver interface {
	ObserveGas(ctx context.Context, operation string, gas uint64)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

// TraceSpan is ended once per started operation.
type TraceSpan interface {
	End(err error)
}

// Tracer starts a span per command.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

type noopTracer struct{}

type noopSpan struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

func (noopSpan) End(error) {}

// EventPublisher receives the events of each committed command, in journal
// order.
type EventPublisher interface {
	Publish(ctx context.Context, events []Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, []Event) {}

type operationMeta struct {
	entity EntityType
	action Action
}

var operationMetadata = map[string]operationMeta{
	"create_identity":        {entity: EntityIdentity, action: ActionCreate},
	"update_identity":        {entity: EntityIdentity, action: ActionUpdate},
	"remove_identity":        {entity: EntityIdentity, action: ActionDelete},
	"create_device":          {entity: EntityDevice, action: ActionCreate},
	"update_device":          {entity: EntityDevice, action: ActionUpdate},
	"remove_device":          {entity: EntityDevice, action: ActionDelete},
	"create_product":         {entity: EntityProduct, action: ActionCreate},
	"update_product":         {entity: EntityProduct, action: ActionUpdate},
	"remove_product":         {entity: EntityProduct, action: ActionDelete},
	"create_broker":          {entity: EntityBroker, action: ActionCreate},
	"update_broker":          {entity: EntityBroker, action: ActionUpdate},
	"remove_broker":          {entity: EntityBroker, action: ActionDelete},
	"request_negotiation":    {entity: EntityNegotiation, action: ActionCreate},
	"accept_negotiation":     {entity: EntityNegotiation, action: ActionUpdate},
	"reject_negotiation":     {entity: EntityNegotiation, action: ActionUpdate},
	"request_trading":        {entity: EntityTrade, action: ActionCreate},
	"accept_trading":         {entity: EntityTrade, action: ActionUpdate},
	"decline_trading":        {entity: EntityTrade, action: ActionUpdate},
	"settle_trade":           {entity: EntityTrade, action: ActionUpdate},
	"submit_counter":         {entity: EntityTrade, action: ActionUpdate},
	"resolve_dispute":        {entity: EntityTrade, action: ActionUpdate},
	"resolve_expired_trade":  {entity: EntityTrade, action: ActionUpdate},
	"deposit":                {entity: EntityAccount, action: ActionUpdate},
	"withdraw":               {entity: EntityAccount, action: ActionUpdate},
}

func (s *Service) recordAuditSuccess(ctx context.Context, operation, entityID string, duration time.Duration) {
	s.recordAudit(ctx, operation, entityID, Result{}, duration, nil)
}

func (s *Service) recordAudit(ctx context.Context, operation, entityID string, res Result, duration time.Duration, err error) {
	meta, ok := operationMetadata[operation]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: operation,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		GasUsed:   res.GasUsed,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if caller, ok := callerFrom(ctx); ok {
		entry.Caller = caller
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}
