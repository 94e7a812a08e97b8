// Package registry maintains the participant, device, product and broker
// records. Every mutation checks ownership against the caller, refuses to
// touch tombstoned records and never removes a row: removal sets Deleted.
package registry

import (
	"marketcore/pkg/domain"
)

// RequireIdentity returns the live identity registered at addr.
func RequireIdentity(view domain.TransactionView, addr domain.Address) (domain.Identity, error) {
	id, ok := view.FindIdentity(addr)
	if !ok {
		return domain.Identity{}, domain.NotFound(domain.EntityIdentity, addr.Hex())
	}
	if id.Deleted {
		return domain.Identity{}, domain.Deleted(domain.EntityIdentity, addr.Hex())
	}
	return id, nil
}

// RequireDevice returns the live device at addr.
func RequireDevice(view domain.TransactionView, addr domain.Address) (domain.Device, error) {
	d, ok := view.FindDevice(addr)
	if !ok {
		return domain.Device{}, domain.NotFound(domain.EntityDevice, addr.Hex())
	}
	if d.Deleted {
		return domain.Device{}, domain.Deleted(domain.EntityDevice, addr.Hex())
	}
	return d, nil
}

// RequireProduct returns the live product with id.
func RequireProduct(view domain.TransactionView, id uint64) (domain.Product, error) {
	p, ok := view.FindProduct(id)
	if !ok {
		return domain.Product{}, domain.NotFound(domain.EntityProduct, domain.IDKey(id))
	}
	if p.Deleted {
		return domain.Product{}, domain.Deleted(domain.EntityProduct, domain.IDKey(id))
	}
	return p, nil
}

// RequireBroker returns the live broker at addr.
func RequireBroker(view domain.TransactionView, addr domain.Address) (domain.Broker, error) {
	b, ok := view.FindBroker(addr)
	if !ok {
		return domain.Broker{}, domain.NotFound(domain.EntityBroker, addr.Hex())
	}
	if b.Deleted {
		return domain.Broker{}, domain.Deleted(domain.EntityBroker, addr.Hex())
	}
	return b, nil
}

// activeTrade returns the first live trade matching ref.
func activeTrade(view domain.TransactionView, ref func(domain.Trade) bool) (domain.Trade, bool) {
	for _, t := range view.ListTrades() {
		if t.Status.Live() && ref(t) {
			return t, true
		}
	}
	return domain.Trade{}, false
}

func unauthorized(entity domain.EntityType, key string, caller domain.Address) error {
	return domain.Errorf(domain.KindUnauthorized, entity, key, "caller %s is not the owner", caller.Hex())
}

func referenced(entity domain.EntityType, key string, trade domain.Trade) error {
	return domain.Errorf(domain.KindHasActiveReferences, entity, key, "trade %d is %s", trade.ID, trade.Status)
}
