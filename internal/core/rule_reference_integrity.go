package core

import (
	"context"
	"fmt"

	"marketcore/pkg/domain"
)

// ReferenceIntegrityRule checks that newly created records point at live
// parents and that trades and escrows agree with the records they derive from.
func ReferenceIntegrityRule() domain.Rule {
	return referenceIntegrityRule{}
}

type referenceIntegrityRule struct{}

func (referenceIntegrityRule) Name() string { return "reference_integrity" }

func (r referenceIntegrityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Action != domain.ActionCreate {
			continue
		}
		if msg := r.check(view, change); msg != "" {
			res.Violations = append(res.Violations, blocking(r.Name(), change.Entity, change.Key, msg))
		}
	}
	return res, nil
}

func (referenceIntegrityRule) check(view domain.RuleView, change domain.Change) string {
	switch change.Entity {
	case domain.EntityDevice:
		d, ok := decode[domain.Device](change.After)
		if ok && !liveIdentity(view, d.Owner) {
			return fmt.Sprintf("device owner %s is not a live identity", d.Owner.Hex())
		}
	case domain.EntityBroker:
		b, ok := decode[domain.Broker](change.After)
		if ok && !liveIdentity(view, b.Owner) {
			return fmt.Sprintf("broker owner %s is not a live identity", b.Owner.Hex())
		}
	case domain.EntityProduct:
		p, ok := decode[domain.Product](change.After)
		if !ok {
			return ""
		}
		if d, found := view.FindDevice(p.Device); !found || d.Deleted {
			return fmt.Sprintf("product device %s is not live", p.Device.Hex())
		}
	case domain.EntityNegotiation:
		n, ok := decode[domain.Negotiation](change.After)
		if !ok {
			return ""
		}
		if p, found := view.FindProduct(n.Product); !found || p.Deleted || p.Device != n.Device {
			return fmt.Sprintf("negotiation product %d is not live on device %s", n.Product, n.Device.Hex())
		}
		if !liveIdentity(view, n.Consumer) {
			return fmt.Sprintf("negotiation consumer %s is not a live identity", n.Consumer.Hex())
		}
	case domain.EntityTrade:
		t, ok := decode[domain.Trade](change.After)
		if !ok {
			return ""
		}
		n, found := view.FindNegotiation(t.Negotiation)
		if !found || n.Status != domain.NegotiationAccepted {
			return fmt.Sprintf("trade negotiation %d is not accepted", t.Negotiation)
		}
		if n.Product != t.Product || n.Provider != t.Provider || n.Consumer != t.Consumer || n.Price != t.Price {
			return fmt.Sprintf("trade does not match negotiation %d", n.ID)
		}
		if b, found := view.FindBroker(t.Broker); !found || b.Deleted {
			return fmt.Sprintf("trade broker %s is not live", t.Broker.Hex())
		}
	case domain.EntityEscrow:
		e, ok := decode[domain.Escrow](change.After)
		if !ok {
			return ""
		}
		t, found := view.FindTrade(e.Trade)
		if !found || t.Consumer != e.Payer || t.Provider != e.Payee || t.Price != e.Amount {
			return fmt.Sprintf("escrow does not match trade %d", e.Trade)
		}
	}
	return ""
}

func liveIdentity(view domain.RuleView, addr domain.Address) bool {
	id, ok := view.FindIdentity(addr)
	return ok && !id.Deleted
}
