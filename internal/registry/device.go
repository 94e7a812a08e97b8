package registry

import (
	"bytes"

	"marketcore/pkg/domain"
)

// CreateDevice registers a device owned by caller. A zero address is
// derived from the public key.
func CreateDevice(tx domain.Transaction, caller domain.Address, in domain.Device) (domain.Device, error) {
	if _, err := RequireIdentity(tx, caller); err != nil {
		return domain.Device{}, err
	}
	addr := in.Address
	if addr == domain.ZeroAddress {
		if len(in.PublicKey) == 0 {
			return domain.Device{}, domain.NewError(domain.KindInvalidArgument, domain.EntityDevice, "", "device needs an address or a public key")
		}
		addr = domain.DeriveDeviceAddress(in.PublicKey)
	}
	d, err := tx.CreateDevice(domain.Device{
		Address:     addr,
		Owner:       caller,
		Name:        in.Name,
		Description: in.Description,
		PublicKey:   bytes.Clone(in.PublicKey),
	})
	if err != nil {
		return domain.Device{}, err
	}
	if _, err := tx.UpdateIdentity(caller, func(i *domain.Identity) error {
		i.Devices = append(i.Devices, addr)
		return nil
	}); err != nil {
		return domain.Device{}, err
	}
	return d, tx.Emit(domain.EventCreated, domain.EntityDevice, addr.Hex(), d)
}

// UpdateDevice replaces the descriptive fields of the device at in.Address.
func UpdateDevice(tx domain.Transaction, caller domain.Address, in domain.Device) (domain.Device, error) {
	key := in.Address.Hex()
	current, err := RequireDevice(tx, in.Address)
	if err != nil {
		return domain.Device{}, err
	}
	if current.Owner != caller {
		return domain.Device{}, unauthorized(domain.EntityDevice, key, caller)
	}
	d, err := tx.UpdateDevice(in.Address, func(d *domain.Device) error {
		d.Name = in.Name
		d.Description = in.Description
		if len(in.PublicKey) > 0 {
			d.PublicKey = bytes.Clone(in.PublicKey)
		}
		return nil
	})
	if err != nil {
		return domain.Device{}, err
	}
	return d, tx.Emit(domain.EventUpdated, domain.EntityDevice, key, d)
}

// RemoveDevice tombstones a device and its live products.
func RemoveDevice(tx domain.Transaction, caller, addr domain.Address) (domain.Device, error) {
	d, err := RequireDevice(tx, addr)
	if err != nil {
		return domain.Device{}, err
	}
	if d.Owner != caller {
		return domain.Device{}, unauthorized(domain.EntityDevice, addr.Hex(), caller)
	}
	return removeDevice(tx, d)
}

func removeDevice(tx domain.Transaction, d domain.Device) (domain.Device, error) {
	key := d.Address.Hex()
	if t, ok := activeTrade(tx, func(t domain.Trade) bool { return t.Device == d.Address }); ok {
		return domain.Device{}, referenced(domain.EntityDevice, key, t)
	}
	for _, id := range d.Products {
		if p, ok := tx.FindProduct(id); ok && !p.Deleted {
			if _, err := removeProduct(tx, p); err != nil {
				return domain.Device{}, err
			}
		}
	}
	d, err := tx.UpdateDevice(d.Address, func(d *domain.Device) error {
		d.Deleted = true
		return nil
	})
	if err != nil {
		return domain.Device{}, err
	}
	return d, tx.Emit(domain.EventRemoved, domain.EntityDevice, key, d)
}
