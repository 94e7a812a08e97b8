package registry

import (
	"marketcore/pkg/domain"
)

// CreateBroker registers a broker operated by caller.
func CreateBroker(tx domain.Transaction, caller domain.Address, in domain.Broker) (domain.Broker, error) {
	if _, err := RequireIdentity(tx, caller); err != nil {
		return domain.Broker{}, err
	}
	if in.Address == domain.ZeroAddress {
		return domain.Broker{}, domain.NewError(domain.KindInvalidArgument, domain.EntityBroker, "", "broker address is zero")
	}
	if err := validLocation(in); err != nil {
		return domain.Broker{}, err
	}
	b, err := tx.CreateBroker(domain.Broker{
		Address:  in.Address,
		Owner:    caller,
		Name:     in.Name,
		HostAddr: in.HostAddr,
		Location: in.Location,
	})
	if err != nil {
		return domain.Broker{}, err
	}
	if _, err := tx.UpdateIdentity(caller, func(i *domain.Identity) error {
		i.Brokers = append(i.Brokers, b.Address)
		return nil
	}); err != nil {
		return domain.Broker{}, err
	}
	return b, tx.Emit(domain.EventCreated, domain.EntityBroker, b.Address.Hex(), b)
}

// UpdateBroker replaces the name, host and location of in.Address.
func UpdateBroker(tx domain.Transaction, caller domain.Address, in domain.Broker) (domain.Broker, error) {
	key := in.Address.Hex()
	current, err := RequireBroker(tx, in.Address)
	if err != nil {
		return domain.Broker{}, err
	}
	if current.Owner != caller {
		return domain.Broker{}, unauthorized(domain.EntityBroker, key, caller)
	}
	if err := validLocation(in); err != nil {
		return domain.Broker{}, err
	}
	b, err := tx.UpdateBroker(in.Address, func(b *domain.Broker) error {
		b.Name = in.Name
		b.HostAddr = in.HostAddr
		b.Location = in.Location
		return nil
	})
	if err != nil {
		return domain.Broker{}, err
	}
	return b, tx.Emit(domain.EventUpdated, domain.EntityBroker, key, b)
}

// RemoveBroker tombstones a broker that no live trade routes through.
func RemoveBroker(tx domain.Transaction, caller, addr domain.Address) (domain.Broker, error) {
	b, err := RequireBroker(tx, addr)
	if err != nil {
		return domain.Broker{}, err
	}
	if b.Owner != caller {
		return domain.Broker{}, unauthorized(domain.EntityBroker, addr.Hex(), caller)
	}
	return removeBroker(tx, b)
}

func removeBroker(tx domain.Transaction, b domain.Broker) (domain.Broker, error) {
	key := b.Address.Hex()
	if t, ok := activeTrade(tx, func(t domain.Trade) bool { return t.Broker == b.Address }); ok {
		return domain.Broker{}, referenced(domain.EntityBroker, key, t)
	}
	b, err := tx.UpdateBroker(b.Address, func(b *domain.Broker) error {
		b.Deleted = true
		return nil
	})
	if err != nil {
		return domain.Broker{}, err
	}
	return b, tx.Emit(domain.EventRemoved, domain.EntityBroker, key, b)
}

func validLocation(b domain.Broker) error {
	if !b.Location.Valid() {
		return domain.Errorf(domain.KindInvalidArgument, domain.EntityBroker, b.Address.Hex(), "unknown location %q", b.Location)
	}
	return nil
}
