package core

import (
	"context"
	"fmt"

	"marketcore/internal/negotiation"
	"marketcore/pkg/domain"
)

// NegotiationExclusivityRule blocks a transaction that leaves a product with
// more than one active negotiation.
func NegotiationExclusivityRule() domain.Rule {
	return negotiationExclusivityRule{}
}

type negotiationExclusivityRule struct{}

func (negotiationExclusivityRule) Name() string { return "negotiation_exclusivity" }

func (r negotiationExclusivityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	touched := make(map[uint64]struct{})
	for _, change := range changes {
		if change.Entity != domain.EntityNegotiation {
			continue
		}
		if n, ok := decode[domain.Negotiation](change.After); ok {
			touched[n.Product] = struct{}{}
		}
	}
	if len(touched) == 0 {
		return domain.Result{}, nil
	}

	active := make(map[uint64]int, len(touched))
	for _, n := range view.ListNegotiations() {
		if _, ok := touched[n.Product]; !ok {
			continue
		}
		switch n.Status {
		case domain.NegotiationRequested:
			active[n.Product]++
		case domain.NegotiationAccepted:
			if !negotiation.Completed(view, n.ID) {
				active[n.Product]++
			}
		}
	}

	res := domain.Result{}
	for product, count := range active {
		if count > 1 {
			key := domain.IDKey(product)
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityProduct, key,
				fmt.Sprintf("product %s has %d active negotiations", key, count)))
		}
	}
	return res, nil
}
