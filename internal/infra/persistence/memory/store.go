// Package memory provides the in-memory ledger store. It is the transactional
// core the SQL backends build upon and the default for tests and demos.
package memory

import (
	"context"
	"sync"
	"time"

	"marketcore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Result aliases domain.Result summarizing rule evaluation and cost.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	Address         = domain.Address
)

// Counters holds the id allocators for numbered records. A value is the last
// id handed out; ids start at 1 and are never reused.
type Counters struct {
	Product     uint64 `json:"product"`
	Negotiation uint64 `json:"negotiation"`
	Trade       uint64 `json:"trade"`
}

// Commit is the validated outcome of a transaction, handed to a persist hook
// before it is applied in memory.
type Commit struct {
	Changes  []domain.Change
	Events   []domain.Event
	Counters Counters
}

// PersistFunc durably records a commit. Returning an error aborts the
// transaction and leaves the in-memory state untouched.
type PersistFunc func(ctx context.Context, commit Commit) error

type ledgerState struct {
	identities   *table[Address, domain.Identity]
	devices      *table[Address, domain.Device]
	products     *table[uint64, domain.Product]
	brokers      *table[Address, domain.Broker]
	negotiations *table[uint64, domain.Negotiation]
	trades       *table[uint64, domain.Trade]
	escrows      *table[uint64, domain.Escrow]
	ratings      *table[Address, domain.Rating]
	accounts     *table[Address, domain.Account]
	counters     Counters
	events       []domain.Event
	lastNow      time.Time
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		identities:   newTable(domain.EntityIdentity, addressKey, cloneIdentity, func(i domain.Identity) bool { return i.Deleted }),
		devices:      newTable(domain.EntityDevice, addressKey, cloneDevice, func(d domain.Device) bool { return d.Deleted }),
		products:     newTable[uint64, domain.Product](domain.EntityProduct, domain.IDKey, nil, func(p domain.Product) bool { return p.Deleted }),
		brokers:      newTable[Address, domain.Broker](domain.EntityBroker, addressKey, nil, func(b domain.Broker) bool { return b.Deleted }),
		negotiations: newTable[uint64, domain.Negotiation](domain.EntityNegotiation, domain.IDKey, nil, nil),
		trades:       newTable[uint64, domain.Trade](domain.EntityTrade, domain.IDKey, nil, nil),
		escrows:      newTable[uint64, domain.Escrow](domain.EntityEscrow, domain.IDKey, nil, nil),
		ratings:      newTable(domain.EntityRating, addressKey, cloneRating, nil),
		accounts:     newTable[Address, domain.Account](domain.EntityAccount, addressKey, nil, nil),
	}
}

func addressKey(a Address) string { return a.Hex() }

func cloneIdentity(i domain.Identity) domain.Identity {
	i.Devices = append([]Address(nil), i.Devices...)
	i.Brokers = append([]Address(nil), i.Brokers...)
	return i
}

func cloneDevice(d domain.Device) domain.Device {
	d.PublicKey = append([]byte(nil), d.PublicKey...)
	d.Products = append([]uint64(nil), d.Products...)
	return d
}

func cloneRating(r domain.Rating) domain.Rating {
	r.Submissions = append([]domain.RatingSubmission(nil), r.Submissions...)
	return r
}

// Store is an in-memory ledger. Commits are serialized by a mutex; each
// transaction stages writes in overlays and applies them only after rules,
// cost accounting and the optional persist hook succeed.
type Store struct {
	mu     sync.RWMutex
	state  *ledgerState
	engine *RulesEngine
	nowFn  func() time.Time
	gas    domain.GasSchedule
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the ledger clock. Timestamps handed to transactions
// never go backwards even if the clock does.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithGasSchedule overrides the cost schedule.
func WithGasSchedule(g domain.GasSchedule) Option {
	return func(s *Store) { s.gas = g }
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newLedgerState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
		gas:    domain.DefaultGasSchedule(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	return s.engine
}

// GasSchedule returns the cost schedule in effect.
func (s *Store) GasSchedule() domain.GasSchedule {
	return s.gas
}

// RunInTransaction executes fn atomically against the latest committed state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	return s.Execute(ctx, fn, nil)
}

// Execute runs fn in a transaction, evaluates rules over its changes, prices
// it, seals its events into the journal and hands the commit to persist
// before applying it. A rejected transaction still reports the gas consumed
// by the writes it staged.
func (s *Store) Execute(ctx context.Context, fn func(tx Transaction) error, persist PersistFunc) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.begin(ctx)
	if err := fn(tx); err != nil {
		return Result{GasUsed: s.gas.Charge(tx.changes, tx.events)}, err
	}

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, tx.view, tx.changes)
		if err != nil {
			return Result{GasUsed: s.gas.Charge(tx.changes, tx.events)}, err
		}
		result = res
		if res.HasBlocking() {
			res.GasUsed = s.gas.Charge(tx.changes, tx.events)
			return res, domain.RuleViolationError{Result: res}
		}
	}

	events := s.seal(tx.events)
	result.GasUsed = s.gas.Charge(tx.changes, events)
	result.Events = events

	if persist != nil {
		commit := Commit{Changes: tx.changes, Events: events, Counters: tx.counters}
		if err := persist(ctx, commit); err != nil {
			return Result{GasUsed: result.GasUsed}, err
		}
	}
	tx.apply()
	s.state.events = append(s.state.events, events...)
	s.state.lastNow = tx.view.now
	return result, nil
}

// View executes fn against the committed state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(newView(s.state, s.state.lastNow))
}

// Events returns up to limit committed events with Seq > after. A
// non-positive limit returns everything.
func (s *Store) Events(after uint64, limit int) []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if after >= uint64(len(s.state.events)) {
		return nil
	}
	tail := s.state.events[after:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]domain.Event, len(tail))
	copy(out, tail)
	return out
}

// LastSeq reports the sequence number of the newest committed event.
func (s *Store) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.state.events))
}

func (s *Store) begin(ctx context.Context) *transaction {
	now := s.nowFn().UTC()
	if now.Before(s.state.lastNow) {
		now = s.state.lastNow
	}
	caller, _ := domain.CallerFrom(ctx)
	return newTransaction(s.state, now, caller)
}

// seal assigns sequence numbers and chain hashes to staged events.
func (s *Store) seal(staged []domain.Event) []domain.Event {
	if len(staged) == 0 {
		return nil
	}
	seq := uint64(len(s.state.events))
	prev := ""
	if seq > 0 {
		prev = s.state.events[seq-1].Hash
	}
	out := make([]domain.Event, len(staged))
	for i, e := range staged {
		seq++
		e.Seq = seq
		e.PrevHash = prev
		e.Hash = e.ComputeHash()
		prev = e.Hash
		out[i] = e
	}
	return out
}
