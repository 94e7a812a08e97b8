package registry

import (
	"github.com/samber/lo"

	"marketcore/pkg/domain"
)

// DevicesOf lists the devices registered by owner, optionally including
// tombstoned ones.
func DevicesOf(view domain.TransactionView, owner domain.Address, includeDeleted bool) []domain.Device {
	return lo.Filter(view.ListDevices(), func(d domain.Device, _ int) bool {
		return d.Owner == owner && (includeDeleted || !d.Deleted)
	})
}

// BrokersOf lists the brokers operated by owner.
func BrokersOf(view domain.TransactionView, owner domain.Address, includeDeleted bool) []domain.Broker {
	return lo.Filter(view.ListBrokers(), func(b domain.Broker, _ int) bool {
		return b.Owner == owner && (includeDeleted || !b.Deleted)
	})
}

// ProductsOf lists the products offered by device.
func ProductsOf(view domain.TransactionView, device domain.Address, includeDeleted bool) []domain.Product {
	return lo.Filter(view.ListProducts(), func(p domain.Product, _ int) bool {
		return p.Device == device && (includeDeleted || !p.Deleted)
	})
}

// IsDeviceOwnedBy reports whether owner registered device.
func IsDeviceOwnedBy(view domain.TransactionView, device, owner domain.Address) bool {
	d, ok := view.FindDevice(device)
	return ok && d.Owner == owner
}

// DeviceExists reports whether a device record exists at addr. A tombstoned
// device counts only when includeDeleted is set.
func DeviceExists(view domain.TransactionView, addr domain.Address, includeDeleted bool) bool {
	d, ok := view.FindDevice(addr)
	return ok && (includeDeleted || !d.Deleted)
}

// Live filters tombstoned records out of list.
func Live[T any](list []T, deleted func(T) bool) []T {
	return lo.Reject(list, func(v T, _ int) bool { return deleted(v) })
}
