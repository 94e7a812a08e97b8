package domain

import (
	"context"
	"time"
)

// TransactionView provides read-only access to ledger records. Inside a
// transaction it reflects the pending writes; List methods return records in
// creation order, tombstoned ones included.
type TransactionView interface {
	Now() time.Time
	FindIdentity(addr Address) (Identity, bool)
	FindDevice(addr Address) (Device, bool)
	FindProduct(id uint64) (Product, bool)
	FindBroker(addr Address) (Broker, bool)
	FindNegotiation(id uint64) (Negotiation, bool)
	FindTrade(id uint64) (Trade, bool)
	FindEscrow(trade uint64) (Escrow, bool)
	FindRating(device Address) (Rating, bool)
	FindAccount(addr Address) (Account, bool)
	ListIdentities() []Identity
	ListDevices() []Device
	ListProducts() []Product
	ListBrokers() []Broker
	ListNegotiations() []Negotiation
	ListTrades() []Trade
	ListEscrows() []Escrow
	ListAccounts() []Account
}

// Transaction exposes the mutations a persistence implementation must support
// within an atomic scope. Create methods for products, negotiations and trades
// assign the next id from a counter that commits with the record. Update
// mutators that set a record's Deleted flag are recorded as ActionDelete.
type Transaction interface {
	TransactionView
	CreateIdentity(Identity) (Identity, error)
	UpdateIdentity(addr Address, mutator func(*Identity) error) (Identity, error)
	CreateDevice(Device) (Device, error)
	UpdateDevice(addr Address, mutator func(*Device) error) (Device, error)
	CreateProduct(Product) (Product, error)
	UpdateProduct(id uint64, mutator func(*Product) error) (Product, error)
	CreateBroker(Broker) (Broker, error)
	UpdateBroker(addr Address, mutator func(*Broker) error) (Broker, error)
	CreateNegotiation(Negotiation) (Negotiation, error)
	UpdateNegotiation(id uint64, mutator func(*Negotiation) error) (Negotiation, error)
	CreateTrade(Trade) (Trade, error)
	UpdateTrade(id uint64, mutator func(*Trade) error) (Trade, error)
	CreateEscrow(Escrow) (Escrow, error)
	UpdateEscrow(trade uint64, mutator func(*Escrow) error) (Escrow, error)
	PutRating(Rating) (Rating, error)
	PutAccount(Account) (Account, error)
	// Emit stages an event that is appended to the journal when the
	// transaction commits.
	Emit(eventType string, entity EntityType, key string, payload any) error
}

// PersistentStore is the abstraction over ledger backends used by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	// Events returns up to limit committed events with Seq > after.
	Events(after uint64, limit int) []Event
	LastSeq() uint64
}

type callerKey struct{}

// WithCaller attributes the transactions run with ctx to caller.
func WithCaller(ctx context.Context, caller Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller attached by WithCaller.
func CallerFrom(ctx context.Context) (Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(Address)
	return caller, ok
}
