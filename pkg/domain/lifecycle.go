package domain

// Transition tables for the one-way record lifecycles. An edge that is not
// listed is rejected.
var (
	negotiationTransitions = map[NegotiationStatus][]NegotiationStatus{
		NegotiationRequested: {NegotiationAccepted, NegotiationRejected},
	}
	tradeTransitions = map[TradeStatus][]TradeStatus{
		TradeRequested: {TradeAccepted, TradeDeclined},
		TradeAccepted:  {TradeCompleted, TradeDisputed},
		TradeDisputed:  {TradeCompleted},
	}
	escrowTransitions = map[EscrowState][]EscrowState{
		EscrowOpen:   {EscrowLocked},
		EscrowLocked: {EscrowSettled},
	}
)

func allowed[S comparable](table map[S][]S, from, to S) bool {
	if from == to {
		return true
	}
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NegotiationTransitionAllowed reports whether from -> to is a valid edge.
func NegotiationTransitionAllowed(from, to NegotiationStatus) bool {
	return allowed(negotiationTransitions, from, to)
}

// TradeTransitionAllowed reports whether from -> to is a valid edge.
func TradeTransitionAllowed(from, to TradeStatus) bool {
	return allowed(tradeTransitions, from, to)
}

// EscrowTransitionAllowed reports whether from -> to is a valid edge.
func EscrowTransitionAllowed(from, to EscrowState) bool {
	return allowed(escrowTransitions, from, to)
}

// ComponentID names a marketplace component for capability checks between
// components.
type ComponentID string

// Components that hold or exercise capabilities.
const (
	ComponentTrading     ComponentID = "trading"
	ComponentNegotiation ComponentID = "negotiation"
	ComponentRegistry    ComponentID = "registry"
)

// AllowList is a callee-held set of components permitted to invoke it.
type AllowList map[ComponentID]struct{}

// NewAllowList builds an allow-list.
func NewAllowList(ids ...ComponentID) AllowList {
	out := make(AllowList, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// Check returns Unauthorized unless caller is listed.
func (a AllowList) Check(entity EntityType, caller ComponentID) error {
	if _, ok := a[caller]; ok {
		return nil
	}
	return Errorf(KindUnauthorized, entity, "", "component %q is not permitted", caller)
}
