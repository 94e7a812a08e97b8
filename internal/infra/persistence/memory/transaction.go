package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketcore/pkg/domain"
)

// view reads through a set of overlays. The committed-state view handed to
// View callers uses empty overlays.
type view struct {
	now          time.Time
	identities   *overlay[Address, domain.Identity]
	devices      *overlay[Address, domain.Device]
	products     *overlay[uint64, domain.Product]
	brokers      *overlay[Address, domain.Broker]
	negotiations *overlay[uint64, domain.Negotiation]
	trades       *overlay[uint64, domain.Trade]
	escrows      *overlay[uint64, domain.Escrow]
	ratings      *overlay[Address, domain.Rating]
	accounts     *overlay[Address, domain.Account]
}

func newView(state *ledgerState, now time.Time) *view {
	return &view{
		now:          now,
		identities:   newOverlay(state.identities),
		devices:      newOverlay(state.devices),
		products:     newOverlay(state.products),
		brokers:      newOverlay(state.brokers),
		negotiations: newOverlay(state.negotiations),
		trades:       newOverlay(state.trades),
		escrows:      newOverlay(state.escrows),
		ratings:      newOverlay(state.ratings),
		accounts:     newOverlay(state.accounts),
	}
}

func (v *view) Now() time.Time { return v.now }

func (v *view) FindIdentity(addr Address) (domain.Identity, bool) { return v.identities.get(addr) }

// FindDevice decorates the device with its derived rating average.
func (v *view) FindDevice(addr Address) (domain.Device, bool) {
	d, ok := v.devices.get(addr)
	if !ok {
		return d, false
	}
	return v.decorateDevice(d), true
}

func (v *view) FindProduct(id uint64) (domain.Product, bool)         { return v.products.get(id) }
func (v *view) FindBroker(addr Address) (domain.Broker, bool)        { return v.brokers.get(addr) }
func (v *view) FindNegotiation(id uint64) (domain.Negotiation, bool) { return v.negotiations.get(id) }
func (v *view) FindTrade(id uint64) (domain.Trade, bool)             { return v.trades.get(id) }
func (v *view) FindEscrow(trade uint64) (domain.Escrow, bool)        { return v.escrows.get(trade) }
func (v *view) FindRating(device Address) (domain.Rating, bool)      { return v.ratings.get(device) }
func (v *view) FindAccount(addr Address) (domain.Account, bool)      { return v.accounts.get(addr) }

func (v *view) ListIdentities() []domain.Identity { return v.identities.list() }

func (v *view) ListDevices() []domain.Device {
	devices := v.devices.list()
	for i := range devices {
		devices[i] = v.decorateDevice(devices[i])
	}
	return devices
}

func (v *view) ListProducts() []domain.Product         { return v.products.list() }
func (v *view) ListBrokers() []domain.Broker           { return v.brokers.list() }
func (v *view) ListNegotiations() []domain.Negotiation { return v.negotiations.list() }
func (v *view) ListTrades() []domain.Trade             { return v.trades.list() }
func (v *view) ListEscrows() []domain.Escrow           { return v.escrows.list() }
func (v *view) ListAccounts() []domain.Account         { return v.accounts.list() }

func (v *view) decorateDevice(d domain.Device) domain.Device {
	if r, ok := v.ratings.get(d.Address); ok {
		d.Rating = r.Average()
	}
	return d
}

// transaction stages writes, changes and events for a single command.
type transaction struct {
	*view
	state    *ledgerState
	caller   Address
	counters Counters
	changes  []domain.Change
	events   []domain.Event
}

func newTransaction(state *ledgerState, now time.Time, caller Address) *transaction {
	return &transaction{
		view:     newView(state, now),
		state:    state,
		caller:   caller,
		counters: state.counters,
	}
}

func (tx *transaction) apply() {
	tx.identities.apply()
	tx.devices.apply()
	tx.products.apply()
	tx.brokers.apply()
	tx.negotiations.apply()
	tx.trades.apply()
	tx.escrows.apply()
	tx.ratings.apply()
	tx.accounts.apply()
	tx.state.counters = tx.counters
}

func (tx *transaction) record(entity domain.EntityType, action domain.Action, key string, before, after any) error {
	change := domain.Change{Entity: entity, Action: action, Key: key}
	if before != nil {
		p, err := domain.NewChangePayloadFromValue(before)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", entity, key, err)
		}
		change.Before = p
	}
	p, err := domain.NewChangePayloadFromValue(after)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", entity, key, err)
	}
	change.After = p
	tx.changes = append(tx.changes, change)
	return nil
}

// Emit stages an event; sequence numbers and hashes are assigned at commit.
func (tx *transaction) Emit(eventType string, entity domain.EntityType, key string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", eventType, err)
		}
		raw = b
	}
	tx.events = append(tx.events, domain.Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Entity:  entity,
		Key:     key,
		Caller:  tx.caller,
		At:      tx.now,
		Payload: raw,
	})
	return nil
}

func create[K comparable, V any](tx *transaction, o *overlay[K, V], k K, v V) (V, error) {
	var zero V
	if o.has(k) {
		return zero, domain.NewError(domain.KindAlreadyExists, o.base.entity, o.base.key(k), "")
	}
	o.put(k, v)
	if err := tx.record(o.base.entity, domain.ActionCreate, o.base.key(k), nil, v); err != nil {
		return zero, err
	}
	return o.base.clone(v), nil
}

// update applies mutator to a working copy; fix restores identity fields the
// mutator must not change. A mutator that tombstones the record is recorded
// as ActionDelete.
func update[K comparable, V any](tx *transaction, o *overlay[K, V], k K, mutator func(*V) error, fix func(*V)) (V, error) {
	var zero V
	current, ok := o.get(k)
	if !ok {
		return zero, domain.NotFound(o.base.entity, o.base.key(k))
	}
	before := o.base.clone(current)
	if err := mutator(&current); err != nil {
		return zero, err
	}
	if fix != nil {
		fix(&current)
	}
	action := domain.ActionUpdate
	if !o.base.deleted(before) && o.base.deleted(current) {
		action = domain.ActionDelete
	}
	o.put(k, current)
	if err := tx.record(o.base.entity, action, o.base.key(k), before, current); err != nil {
		return zero, err
	}
	return o.base.clone(current), nil
}

// put creates or replaces a record without an existence check.
func put[K comparable, V any](tx *transaction, o *overlay[K, V], k K, v V) (V, error) {
	var before any
	action := domain.ActionCreate
	if existing, ok := o.get(k); ok {
		before = existing
		action = domain.ActionUpdate
	}
	o.put(k, v)
	if err := tx.record(o.base.entity, action, o.base.key(k), before, v); err != nil {
		var zero V
		return zero, err
	}
	return o.base.clone(v), nil
}

func (tx *transaction) stamp(s *domain.Stamp) {
	s.CreatedAt = domain.At(tx.now)
	s.UpdatedAt = domain.At(tx.now)
}

// CreateIdentity stores a new identity keyed by its address.
func (tx *transaction) CreateIdentity(i domain.Identity) (domain.Identity, error) {
	tx.stamp(&i.Stamp)
	return create(tx, tx.identities, i.Address, i)
}

// UpdateIdentity mutates an identity; the address and creation time are preserved.
func (tx *transaction) UpdateIdentity(addr Address, mutator func(*domain.Identity) error) (domain.Identity, error) {
	current, _ := tx.identities.get(addr)
	return update(tx, tx.identities, addr, mutator, func(i *domain.Identity) {
		i.Address = addr
		i.CreatedAt = current.CreatedAt
		i.UpdatedAt = domain.At(tx.now)
	})
}

func (tx *transaction) CreateDevice(d domain.Device) (domain.Device, error) {
	tx.stamp(&d.Stamp)
	d.Rating = 0
	return create(tx, tx.devices, d.Address, d)
}

func (tx *transaction) UpdateDevice(addr Address, mutator func(*domain.Device) error) (domain.Device, error) {
	current, _ := tx.devices.get(addr)
	return update(tx, tx.devices, addr, mutator, func(d *domain.Device) {
		d.Address = addr
		d.CreatedAt = current.CreatedAt
		d.UpdatedAt = domain.At(tx.now)
		d.Rating = 0
	})
}

// CreateProduct allocates the next product id.
func (tx *transaction) CreateProduct(p domain.Product) (domain.Product, error) {
	tx.counters.Product++
	p.ID = tx.counters.Product
	tx.stamp(&p.Stamp)
	return create(tx, tx.products, p.ID, p)
}

func (tx *transaction) UpdateProduct(id uint64, mutator func(*domain.Product) error) (domain.Product, error) {
	current, _ := tx.products.get(id)
	return update(tx, tx.products, id, mutator, func(p *domain.Product) {
		p.ID = id
		p.CreatedAt = current.CreatedAt
		p.UpdatedAt = domain.At(tx.now)
	})
}

func (tx *transaction) CreateBroker(b domain.Broker) (domain.Broker, error) {
	tx.stamp(&b.Stamp)
	return create(tx, tx.brokers, b.Address, b)
}

func (tx *transaction) UpdateBroker(addr Address, mutator func(*domain.Broker) error) (domain.Broker, error) {
	current, _ := tx.brokers.get(addr)
	return update(tx, tx.brokers, addr, mutator, func(b *domain.Broker) {
		b.Address = addr
		b.CreatedAt = current.CreatedAt
		b.UpdatedAt = domain.At(tx.now)
	})
}

// CreateNegotiation allocates the next negotiation id.
func (tx *transaction) CreateNegotiation(n domain.Negotiation) (domain.Negotiation, error) {
	tx.counters.Negotiation++
	n.ID = tx.counters.Negotiation
	n.RequestedAt = domain.At(tx.now)
	return create(tx, tx.negotiations, n.ID, n)
}

func (tx *transaction) UpdateNegotiation(id uint64, mutator func(*domain.Negotiation) error) (domain.Negotiation, error) {
	return update(tx, tx.negotiations, id, mutator, func(n *domain.Negotiation) { n.ID = id })
}

// CreateTrade allocates the next trade id. The escrow reference is the trade id.
func (tx *transaction) CreateTrade(t domain.Trade) (domain.Trade, error) {
	tx.counters.Trade++
	t.ID = tx.counters.Trade
	t.Escrow = t.ID
	t.RequestedAt = domain.At(tx.now)
	return create(tx, tx.trades, t.ID, t)
}

func (tx *transaction) UpdateTrade(id uint64, mutator func(*domain.Trade) error) (domain.Trade, error) {
	return update(tx, tx.trades, id, mutator, func(t *domain.Trade) {
		t.ID = id
		t.Escrow = id
	})
}

func (tx *transaction) CreateEscrow(e domain.Escrow) (domain.Escrow, error) {
	if _, ok := tx.trades.get(e.Trade); !ok {
		return domain.Escrow{}, domain.NotFound(domain.EntityTrade, domain.IDKey(e.Trade))
	}
	return create(tx, tx.escrows, e.Trade, e)
}

func (tx *transaction) UpdateEscrow(trade uint64, mutator func(*domain.Escrow) error) (domain.Escrow, error) {
	return update(tx, tx.escrows, trade, mutator, func(e *domain.Escrow) { e.Trade = trade })
}

func (tx *transaction) PutRating(r domain.Rating) (domain.Rating, error) {
	return put(tx, tx.ratings, r.Device, r)
}

func (tx *transaction) PutAccount(a domain.Account) (domain.Account, error) {
	return put(tx, tx.accounts, a.Address, a)
}
