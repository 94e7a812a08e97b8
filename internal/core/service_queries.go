package core

import (
	"context"

	"marketcore/internal/escrow"
	"marketcore/internal/funds"
	"marketcore/internal/rating"
	"marketcore/internal/registry"
	"marketcore/internal/trading"
	"marketcore/pkg/domain"
)

// refresher is implemented by shared SQL ledgers that can catch up with
// commits made by other processes.
type refresher interface {
	Refresh(ctx context.Context) error
}

func (s *Service) view(ctx context.Context, fn func(domain.TransactionView)) error {
	if r, ok := s.store.(refresher); ok {
		if err := r.Refresh(ctx); err != nil {
			return err
		}
	}
	return s.store.View(ctx, func(v domain.TransactionView) error {
		fn(v)
		return nil
	})
}

func find[T any](s *Service, ctx context.Context, entity EntityType, key string, lookup func(domain.TransactionView) (T, bool)) (T, error) {
	var (
		out   T
		found bool
	)
	if err := s.view(ctx, func(v domain.TransactionView) { out, found = lookup(v) }); err != nil {
		return out, err
	}
	if !found {
		return out, domain.NotFound(entity, key)
	}
	return out, nil
}

func byIndex[T any](s *Service, ctx context.Context, entity EntityType, i int, list func(domain.TransactionView) []T) (T, error) {
	var (
		out T
		n   int
	)
	if err := s.view(ctx, func(v domain.TransactionView) {
		all := list(v)
		n = len(all)
		if i >= 0 && i < n {
			out = all[i]
		}
	}); err != nil {
		return out, err
	}
	if i < 0 || i >= n {
		return out, domain.Errorf(domain.KindNotFound, entity, "", "index %d out of range [0,%d)", i, n)
	}
	return out, nil
}

func listAll[T any](s *Service, ctx context.Context, list func(domain.TransactionView) []T) ([]T, error) {
	var out []T
	err := s.view(ctx, func(v domain.TransactionView) { out = list(v) })
	return out, err
}

// FindIdentity returns the identity at addr, tombstoned or not.
func (s *Service) FindIdentity(ctx context.Context, addr Address) (Identity, error) {
	return find(s, ctx, EntityIdentity, addr.Hex(), func(v domain.TransactionView) (Identity, bool) { return v.FindIdentity(addr) })
}

// FindDevice returns the device at addr with its derived rating.
func (s *Service) FindDevice(ctx context.Context, addr Address) (Device, error) {
	return find(s, ctx, EntityDevice, addr.Hex(), func(v domain.TransactionView) (Device, bool) { return v.FindDevice(addr) })
}

// FindProduct returns product id.
func (s *Service) FindProduct(ctx context.Context, id uint64) (Product, error) {
	return find(s, ctx, EntityProduct, domain.IDKey(id), func(v domain.TransactionView) (Product, bool) { return v.FindProduct(id) })
}

// FindBroker returns the broker at addr.
func (s *Service) FindBroker(ctx context.Context, addr Address) (Broker, error) {
	return find(s, ctx, EntityBroker, addr.Hex(), func(v domain.TransactionView) (Broker, bool) { return v.FindBroker(addr) })
}

// FindNegotiation returns negotiation id.
func (s *Service) FindNegotiation(ctx context.Context, id uint64) (Negotiation, error) {
	return find(s, ctx, EntityNegotiation, domain.IDKey(id), func(v domain.TransactionView) (Negotiation, bool) { return v.FindNegotiation(id) })
}

// FindTrade returns trade id.
func (s *Service) FindTrade(ctx context.Context, id uint64) (Trade, error) {
	return find(s, ctx, EntityTrade, domain.IDKey(id), func(v domain.TransactionView) (Trade, bool) { return v.FindTrade(id) })
}

// FindEscrow returns the escrow of trade.
func (s *Service) FindEscrow(ctx context.Context, trade uint64) (Escrow, error) {
	return find(s, ctx, EntityEscrow, domain.IDKey(trade), func(v domain.TransactionView) (Escrow, bool) { return v.FindEscrow(trade) })
}

// IdentityByIndex returns the i-th identity in creation order.
func (s *Service) IdentityByIndex(ctx context.Context, i int) (Identity, error) {
	return byIndex(s, ctx, EntityIdentity, i, domain.TransactionView.ListIdentities)
}

// DeviceByIndex returns the i-th device in creation order.
func (s *Service) DeviceByIndex(ctx context.Context, i int) (Device, error) {
	return byIndex(s, ctx, EntityDevice, i, domain.TransactionView.ListDevices)
}

// ProductByIndex returns the i-th product in creation order.
func (s *Service) ProductByIndex(ctx context.Context, i int) (Product, error) {
	return byIndex(s, ctx, EntityProduct, i, domain.TransactionView.ListProducts)
}

// BrokerByIndex returns the i-th broker in creation order.
func (s *Service) BrokerByIndex(ctx context.Context, i int) (Broker, error) {
	return byIndex(s, ctx, EntityBroker, i, domain.TransactionView.ListBrokers)
}

// ListIdentities returns identities in creation order; live drops tombstones.
func (s *Service) ListIdentities(ctx context.Context, live bool) ([]Identity, error) {
	out, err := listAll(s, ctx, domain.TransactionView.ListIdentities)
	if live {
		out = registry.Live(out, func(i Identity) bool { return i.Deleted })
	}
	return out, err
}

// ListDevices returns devices in creation order.
func (s *Service) ListDevices(ctx context.Context, live bool) ([]Device, error) {
	out, err := listAll(s, ctx, domain.TransactionView.ListDevices)
	if live {
		out = registry.Live(out, func(d Device) bool { return d.Deleted })
	}
	return out, err
}

// ListProducts returns products in creation order.
func (s *Service) ListProducts(ctx context.Context, live bool) ([]Product, error) {
	out, err := listAll(s, ctx, domain.TransactionView.ListProducts)
	if live {
		out = registry.Live(out, func(p Product) bool { return p.Deleted })
	}
	return out, err
}

// ListBrokers returns brokers in creation order.
func (s *Service) ListBrokers(ctx context.Context, live bool) ([]Broker, error) {
	out, err := listAll(s, ctx, domain.TransactionView.ListBrokers)
	if live {
		out = registry.Live(out, func(b Broker) bool { return b.Deleted })
	}
	return out, err
}

// ListNegotiations returns every negotiation in id order.
func (s *Service) ListNegotiations(ctx context.Context) ([]Negotiation, error) {
	return listAll(s, ctx, domain.TransactionView.ListNegotiations)
}

// ListTrades returns every trade in id order.
func (s *Service) ListTrades(ctx context.Context) ([]Trade, error) {
	return listAll(s, ctx, domain.TransactionView.ListTrades)
}

// Counts reports how many records of each registry type exist, tombstones
// included.
type Counts struct {
	Identities int
	Devices    int
	Products   int
	Brokers    int
}

// Count returns the registry record counts.
func (s *Service) Count(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.view(ctx, func(v domain.TransactionView) {
		c = Counts{
			Identities: len(v.ListIdentities()),
			Devices:    len(v.ListDevices()),
			Products:   len(v.ListProducts()),
			Brokers:    len(v.ListBrokers()),
		}
	})
	return c, err
}

// DevicesOf lists the live devices of owner.
func (s *Service) DevicesOf(ctx context.Context, owner Address) ([]Device, error) {
	var out []Device
	err := s.view(ctx, func(v domain.TransactionView) { out = registry.DevicesOf(v, owner, false) })
	return out, err
}

// BrokersOf lists the live brokers of owner.
func (s *Service) BrokersOf(ctx context.Context, owner Address) ([]Broker, error) {
	var out []Broker
	err := s.view(ctx, func(v domain.TransactionView) { out = registry.BrokersOf(v, owner, false) })
	return out, err
}

// ProductsOf lists the live products of device.
func (s *Service) ProductsOf(ctx context.Context, device Address) ([]Product, error) {
	var out []Product
	err := s.view(ctx, func(v domain.TransactionView) { out = registry.ProductsOf(v, device, false) })
	return out, err
}

// IsDeviceOwnedBy reports whether owner registered device.
func (s *Service) IsDeviceOwnedBy(ctx context.Context, device, owner Address) (bool, error) {
	var out bool
	err := s.view(ctx, func(v domain.TransactionView) { out = registry.IsDeviceOwnedBy(v, device, owner) })
	return out, err
}

// DeviceExists reports whether device exists; tombstones count when
// includeDeleted is set.
func (s *Service) DeviceExists(ctx context.Context, device Address, includeDeleted bool) (bool, error) {
	var out bool
	err := s.view(ctx, func(v domain.TransactionView) { out = registry.DeviceExists(v, device, includeDeleted) })
	return out, err
}

// Settled reports whether the escrow of trade has paid out.
func (s *Service) Settled(ctx context.Context, trade uint64) (bool, error) {
	var out bool
	err := s.view(ctx, func(v domain.TransactionView) { out = escrow.IsSettled(v, trade) })
	return out, err
}

// ExpiredTrades lists the accepted trades whose window ended by the ledger
// clock.
func (s *Service) ExpiredTrades(ctx context.Context) ([]uint64, error) {
	var out []uint64
	err := s.view(ctx, func(v domain.TransactionView) { out = trading.Expired(v, s.clock.Now()) })
	return out, err
}

// GetSettlement returns how the escrow of trade paid out. ok is false until
// the escrow settles.
func (s *Service) GetSettlement(ctx context.Context, trade uint64) (Settlement, bool, error) {
	es, err := s.FindEscrow(ctx, trade)
	if err != nil || es.Settlement == nil {
		return Settlement{}, false, err
	}
	return *es.Settlement, true, nil
}

// AverageRating returns the mean score and submission count of device.
func (s *Service) AverageRating(ctx context.Context, device Address) (float64, uint64, error) {
	var (
		avg   float64
		count uint64
	)
	err := s.view(ctx, func(v domain.TransactionView) { avg, count = rating.Average(v, device) })
	return avg, count, err
}

// Balance returns the spendable balance of addr.
func (s *Service) Balance(ctx context.Context, addr Address) (uint64, error) {
	var out uint64
	err := s.view(ctx, func(v domain.TransactionView) { out = funds.Balance(v, addr) })
	return out, err
}

// Events returns up to limit committed events after seq.
func (s *Service) Events(after uint64, limit int) []Event {
	return s.store.Events(after, limit)
}

// LastSeq returns the sequence number of the newest committed event.
func (s *Service) LastSeq() uint64 {
	return s.store.LastSeq()
}
