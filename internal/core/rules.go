package core

import "marketcore/pkg/domain"

// NewRulesEngine constructs an engine with no rules registered.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in marketplace
// policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(LifecycleTransitionRule())
	engine.Register(NegotiationExclusivityRule())
	engine.Register(ReferenceIntegrityRule())
	engine.Register(FundsConservationRule())
	return engine
}

func blocking(rule string, entity EntityType, key, msg string) Violation {
	return Violation{Rule: rule, Severity: SeverityBlock, Message: msg, Entity: entity, EntityID: key}
}
