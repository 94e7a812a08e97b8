package registry

import (
	"marketcore/pkg/domain"
)

// CreateProduct registers a product on in.Device. The caller must own the
// device; the product id is assigned by the ledger.
func CreateProduct(tx domain.Transaction, caller domain.Address, in domain.Product) (domain.Product, error) {
	if _, err := RequireIdentity(tx, caller); err != nil {
		return domain.Product{}, err
	}
	d, err := RequireDevice(tx, in.Device)
	if err != nil {
		return domain.Product{}, err
	}
	if d.Owner != caller {
		return domain.Product{}, unauthorized(domain.EntityDevice, d.Address.Hex(), caller)
	}
	p, err := tx.CreateProduct(domain.Product{
		Device:      d.Address,
		Name:        in.Name,
		Description: in.Description,
		DataType:    in.DataType,
		Frequency:   in.Frequency,
		Price:       in.Price,
	})
	if err != nil {
		return domain.Product{}, err
	}
	if _, err := tx.UpdateDevice(d.Address, func(d *domain.Device) error {
		d.Products = append(d.Products, p.ID)
		return nil
	}); err != nil {
		return domain.Product{}, err
	}
	return p, tx.Emit(domain.EventCreated, domain.EntityProduct, domain.IDKey(p.ID), p)
}

// UpdateProduct replaces the offer fields of product in.ID. Negotiations
// already requested keep the price and frequency they snapshotted.
func UpdateProduct(tx domain.Transaction, caller domain.Address, in domain.Product) (domain.Product, error) {
	key := domain.IDKey(in.ID)
	current, err := RequireProduct(tx, in.ID)
	if err != nil {
		return domain.Product{}, err
	}
	if !IsProductOwnedBy(tx, current, caller) {
		return domain.Product{}, unauthorized(domain.EntityProduct, key, caller)
	}
	p, err := tx.UpdateProduct(in.ID, func(p *domain.Product) error {
		p.Name = in.Name
		p.Description = in.Description
		p.DataType = in.DataType
		p.Frequency = in.Frequency
		p.Price = in.Price
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return p, tx.Emit(domain.EventUpdated, domain.EntityProduct, key, p)
}

// RemoveProduct tombstones a product that no live trade references.
func RemoveProduct(tx domain.Transaction, caller domain.Address, id uint64) (domain.Product, error) {
	p, err := RequireProduct(tx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if !IsProductOwnedBy(tx, p, caller) {
		return domain.Product{}, unauthorized(domain.EntityProduct, domain.IDKey(id), caller)
	}
	return removeProduct(tx, p)
}

func removeProduct(tx domain.Transaction, p domain.Product) (domain.Product, error) {
	key := domain.IDKey(p.ID)
	if t, ok := activeTrade(tx, func(t domain.Trade) bool { return t.Product == p.ID }); ok {
		return domain.Product{}, referenced(domain.EntityProduct, key, t)
	}
	p, err := tx.UpdateProduct(p.ID, func(p *domain.Product) error {
		p.Deleted = true
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return p, tx.Emit(domain.EventRemoved, domain.EntityProduct, key, p)
}

// IsProductOwnedBy reports whether owner controls the device that offers p.
func IsProductOwnedBy(view domain.TransactionView, p domain.Product, owner domain.Address) bool {
	d, ok := view.FindDevice(p.Device)
	return ok && d.Owner == owner
}
