package registry

import (
	"marketcore/pkg/domain"
)

// CreateIdentity registers caller. Profile fields are taken from profile;
// the key is always the caller's address.
func CreateIdentity(tx domain.Transaction, caller domain.Address, profile domain.Identity) (domain.Identity, error) {
	if caller == domain.ZeroAddress {
		return domain.Identity{}, domain.NewError(domain.KindInvalidArgument, domain.EntityIdentity, "", "caller address is zero")
	}
	id, err := tx.CreateIdentity(domain.Identity{
		Address:   caller,
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
		Company:   profile.Company,
		Email:     profile.Email,
	})
	if err != nil {
		return domain.Identity{}, err
	}
	return id, tx.Emit(domain.EventCreated, domain.EntityIdentity, caller.Hex(), id)
}

// UpdateIdentity replaces the profile fields of the identity at
// profile.Address. Only the identity itself may update it.
func UpdateIdentity(tx domain.Transaction, caller domain.Address, profile domain.Identity) (domain.Identity, error) {
	key := profile.Address.Hex()
	if _, err := RequireIdentity(tx, profile.Address); err != nil {
		return domain.Identity{}, err
	}
	if profile.Address != caller {
		return domain.Identity{}, unauthorized(domain.EntityIdentity, key, caller)
	}
	id, err := tx.UpdateIdentity(profile.Address, func(i *domain.Identity) error {
		i.FirstName = profile.FirstName
		i.LastName = profile.LastName
		i.Company = profile.Company
		i.Email = profile.Email
		return nil
	})
	if err != nil {
		return domain.Identity{}, err
	}
	return id, tx.Emit(domain.EventUpdated, domain.EntityIdentity, key, id)
}

// RemoveIdentity tombstones the identity at addr together with its devices,
// their products and its brokers. It fails with HasActiveReferences while any
// of those, or the identity as a trade party, is bound by a live trade.
func RemoveIdentity(tx domain.Transaction, caller, addr domain.Address) (domain.Identity, error) {
	key := addr.Hex()
	id, err := RequireIdentity(tx, addr)
	if err != nil {
		return domain.Identity{}, err
	}
	if addr != caller {
		return domain.Identity{}, unauthorized(domain.EntityIdentity, key, caller)
	}
	if t, ok := activeTrade(tx, func(t domain.Trade) bool {
		return t.Provider == addr || t.Consumer == addr
	}); ok {
		return domain.Identity{}, referenced(domain.EntityIdentity, key, t)
	}
	for _, dev := range id.Devices {
		if d, ok := tx.FindDevice(dev); ok && !d.Deleted {
			if _, err := removeDevice(tx, d); err != nil {
				return domain.Identity{}, err
			}
		}
	}
	for _, br := range id.Brokers {
		if b, ok := tx.FindBroker(br); ok && !b.Deleted {
			if _, err := removeBroker(tx, b); err != nil {
				return domain.Identity{}, err
			}
		}
	}
	id, err = tx.UpdateIdentity(addr, func(i *domain.Identity) error {
		i.Deleted = true
		return nil
	})
	if err != nil {
		return domain.Identity{}, err
	}
	return id, tx.Emit(domain.EventRemoved, domain.EntityIdentity, key, id)
}
