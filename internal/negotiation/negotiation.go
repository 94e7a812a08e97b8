// Package negotiation records consumer requests for products and the
// provider's accept or reject decision. A product has at most one active
// negotiation: a requested one, or an accepted one whose trade has not
// completed.
package negotiation

import (
	"marketcore/internal/registry"
	"marketcore/pkg/domain"
)

// Request opens a negotiation on product for caller, snapshotting the
// product's current price and frequency.
func Request(tx domain.Transaction, caller domain.Address, product uint64) (domain.Negotiation, error) {
	if _, err := registry.RequireIdentity(tx, caller); err != nil {
		return domain.Negotiation{}, err
	}
	p, err := registry.RequireProduct(tx, product)
	if err != nil {
		return domain.Negotiation{}, err
	}
	d, err := registry.RequireDevice(tx, p.Device)
	if err != nil {
		return domain.Negotiation{}, err
	}
	if d.Owner == caller {
		return domain.Negotiation{}, domain.NewError(domain.KindUnauthorized, domain.EntityProduct, domain.IDKey(product), "providers cannot negotiate on their own product")
	}
	if open, ok := Active(tx, product); ok {
		return domain.Negotiation{}, domain.Errorf(domain.KindNegotiationInProgress, domain.EntityProduct, domain.IDKey(product), "negotiation %d is %s", open.ID, open.Status)
	}
	n, err := tx.CreateNegotiation(domain.Negotiation{
		Product:   p.ID,
		Device:    d.Address,
		Provider:  d.Owner,
		Consumer:  caller,
		Price:     p.Price,
		Frequency: p.Frequency,
		Status:    domain.NegotiationRequested,
	})
	if err != nil {
		return domain.Negotiation{}, err
	}
	return n, tx.Emit(domain.EventNegotiationRequested, domain.EntityNegotiation, domain.IDKey(n.ID), n)
}

// Accept approves a requested negotiation. Only the provider may decide.
func Accept(tx domain.Transaction, caller domain.Address, id uint64) (domain.Negotiation, error) {
	return decide(tx, caller, id, domain.NegotiationAccepted, domain.EventNegotiationAccepted)
}

// Reject declines a requested negotiation, freeing the product.
func Reject(tx domain.Transaction, caller domain.Address, id uint64) (domain.Negotiation, error) {
	return decide(tx, caller, id, domain.NegotiationRejected, domain.EventNegotiationRejected)
}

func decide(tx domain.Transaction, caller domain.Address, id uint64, to domain.NegotiationStatus, event string) (domain.Negotiation, error) {
	key := domain.IDKey(id)
	current, ok := tx.FindNegotiation(id)
	if !ok {
		return domain.Negotiation{}, domain.NotFound(domain.EntityNegotiation, key)
	}
	if current.Provider != caller {
		return domain.Negotiation{}, domain.Errorf(domain.KindUnauthorized, domain.EntityNegotiation, key, "caller %s is not the provider", caller.Hex())
	}
	if current.Status != domain.NegotiationRequested {
		return domain.Negotiation{}, domain.Errorf(domain.KindInvalidState, domain.EntityNegotiation, key, "negotiation is %s", current.Status)
	}
	now := domain.At(tx.Now())
	n, err := tx.UpdateNegotiation(id, func(n *domain.Negotiation) error {
		n.Status = to
		n.DecidedAt = &now
		return nil
	})
	if err != nil {
		return domain.Negotiation{}, err
	}
	return n, tx.Emit(event, domain.EntityNegotiation, key, n)
}

// Active returns the negotiation currently holding product, if any.
func Active(view domain.TransactionView, product uint64) (domain.Negotiation, bool) {
	for _, n := range view.ListNegotiations() {
		if n.Product != product {
			continue
		}
		switch n.Status {
		case domain.NegotiationRequested:
			return n, true
		case domain.NegotiationAccepted:
			if !Completed(view, n.ID) {
				return n, true
			}
		}
	}
	return domain.Negotiation{}, false
}

// Consumed reports whether a trade that was not declined already uses the
// negotiation.
func Consumed(view domain.TransactionView, id uint64) bool {
	for _, t := range view.ListTrades() {
		if t.Negotiation == id && t.Status != domain.TradeDeclined {
			return true
		}
	}
	return false
}

// Completed reports whether a trade created from the negotiation completed.
func Completed(view domain.TransactionView, id uint64) bool {
	for _, t := range view.ListTrades() {
		if t.Negotiation == id && t.Status == domain.TradeCompleted {
			return true
		}
	}
	return false
}

// Tradable reports whether a trade may be requested from n.
func Tradable(view domain.TransactionView, n domain.Negotiation) bool {
	return n.Status == domain.NegotiationAccepted && !Consumed(view, n.ID)
}
