package core

import (
	"context"
	"fmt"

	"marketcore/pkg/domain"
)

// LifecycleTransitionRule blocks illegal state transitions on negotiations,
// trades and escrows, and the clearing of registry tombstones.
func LifecycleTransitionRule() domain.Rule {
	return lifecycleTransitionRule{}
}

type lifecycleTransitionRule struct{}

type lifecycleMachine struct {
	label   string
	initial string
	valid   map[string]struct{}
	allowed func(from, to string) bool
	state   func(payload domain.ChangePayload) (string, bool)
}

var lifecycleMachines = map[domain.EntityType]lifecycleMachine{
	domain.EntityNegotiation: {
		label:   "negotiation",
		initial: string(domain.NegotiationRequested),
		valid:   toSet(string(domain.NegotiationRequested), string(domain.NegotiationAccepted), string(domain.NegotiationRejected)),
		allowed: func(from, to string) bool {
			return domain.NegotiationTransitionAllowed(domain.NegotiationStatus(from), domain.NegotiationStatus(to))
		},
		state: func(p domain.ChangePayload) (string, bool) {
			n, ok := decode[domain.Negotiation](p)
			return string(n.Status), ok
		},
	},
	domain.EntityTrade: {
		label:   "trade",
		initial: string(domain.TradeRequested),
		valid:   toSet(string(domain.TradeRequested), string(domain.TradeAccepted), string(domain.TradeDisputed), string(domain.TradeDeclined), string(domain.TradeCompleted)),
		allowed: func(from, to string) bool {
			return domain.TradeTransitionAllowed(domain.TradeStatus(from), domain.TradeStatus(to))
		},
		state: func(p domain.ChangePayload) (string, bool) {
			t, ok := decode[domain.Trade](p)
			return string(t.Status), ok
		},
	},
	domain.EntityEscrow: {
		label:   "escrow",
		initial: string(domain.EscrowOpen),
		valid:   toSet(string(domain.EscrowOpen), string(domain.EscrowLocked), string(domain.EscrowSettled)),
		allowed: func(from, to string) bool {
			return domain.EscrowTransitionAllowed(domain.EscrowState(from), domain.EscrowState(to))
		},
		state: func(p domain.ChangePayload) (string, bool) {
			e, ok := decode[domain.Escrow](p)
			return string(e.State), ok
		},
	},
}

var tombstoned = toSet(
	string(domain.EntityIdentity),
	string(domain.EntityDevice),
	string(domain.EntityProduct),
	string(domain.EntityBroker),
)

func (lifecycleTransitionRule) Name() string { return "lifecycle_transition" }

func (r lifecycleTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if _, ok := tombstoned[string(change.Entity)]; ok {
			before, _ := decode[tombstone](change.Before)
			after, _ := decode[tombstone](change.After)
			if before.Deleted && !after.Deleted {
				res.Violations = append(res.Violations, blocking(r.Name(), change.Entity, change.Key,
					fmt.Sprintf("%s %s cannot be restored once removed", change.Entity, change.Key)))
			}
			continue
		}

		machine, ok := lifecycleMachines[change.Entity]
		if !ok {
			continue
		}
		to, ok := machine.state(change.After)
		if !ok {
			continue
		}
		if _, valid := machine.valid[to]; !valid {
			res.Violations = append(res.Violations, blocking(r.Name(), change.Entity, change.Key,
				fmt.Sprintf("%s %s is set to invalid state %s", machine.label, change.Key, to)))
			continue
		}
		from, ok := machine.state(change.Before)
		if !ok {
			if to != machine.initial {
				res.Violations = append(res.Violations, blocking(r.Name(), change.Entity, change.Key,
					fmt.Sprintf("%s %s must start in %s, not %s", machine.label, change.Key, machine.initial, to)))
			}
			continue
		}
		if !machine.allowed(from, to) {
			res.Violations = append(res.Violations, blocking(r.Name(), change.Entity, change.Key,
				fmt.Sprintf("cannot move %s %s from %s to %s", machine.label, change.Key, from, to)))
		}
	}
	return res, nil
}

type tombstone struct {
	Deleted bool `json:"deleted"`
}

// decode reads a change payload, reporting false for undefined or
// malformed payloads.
func decode[T any](p domain.ChangePayload) (T, bool) {
	v, ok, err := domain.DecodePayload[T](p)
	return v, ok && err == nil
}

func toSet(values ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
