package core

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"marketcore/internal/escrow"
	"marketcore/internal/funds"
	"marketcore/internal/infra/persistence/memory"
	"marketcore/internal/negotiation"
	"marketcore/internal/rating"
	"marketcore/internal/registry"
	"marketcore/internal/trading"
	"marketcore/pkg/domain"
)

// DefaultRatingScore is recorded when a trade completes without a consumer
// score.
const DefaultRatingScore uint64 = 3

// Service exposes the marketplace commands and queries. Each command runs
// as one ledger transaction attributed to its caller; events are published
// only after the transaction commits.
type Service struct {
	store        domain.PersistentStore
	logger       Logger
	clock        Clock
	audit        AuditRecorder
	metrics      MetricsRecorder
	tracer       Tracer
	publisher    EventPublisher
	defaultScore uint64
	brokerFee    uint64
	trading      *trading.Workflow
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used for audit timestamps and, for
// NewInMemoryService, the ledger.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithAuditRecorder sets the audit sink.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(s *Service) {
		if r != nil {
			s.audit = r
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(s *Service) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithEventPublisher sets where committed events are delivered.
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithDefaultRatingScore overrides DefaultRatingScore.
func WithDefaultRatingScore(score uint64) Option {
	return func(s *Service) {
		if rating.ValidScore(score) {
			s.defaultScore = score
		}
	}
}

// WithBrokerFeePercent pays percent of each trade's actual cost to the
// broker operator. Values above 100 are ignored.
func WithBrokerFeePercent(percent uint64) Option {
	return func(s *Service) {
		if percent <= 100 {
			s.brokerFee = percent
		}
	}
}

func newService(opts []Option) *Service {
	s := &Service{
		logger:       noopLogger{},
		clock:        ClockFunc(time.Now),
		audit:        noopAuditRecorder{},
		metrics:      noopMetricsRecorder{},
		tracer:       noopTracer{},
		publisher:    noopPublisher{},
		defaultScore: DefaultRatingScore,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.trading = trading.New(
		escrow.New(domain.ComponentTrading),
		rating.New(domain.ComponentTrading),
		trading.Policy{DefaultScore: s.defaultScore, BrokerFeePercent: s.brokerFee},
	)
	return s
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	s := newService(opts)
	s.store = store
	return s
}

// NewInMemoryService creates a service over a fresh in-memory ledger
// evaluated by engine.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	s := newService(opts)
	s.store = memory.NewStore(engine, memory.WithClock(s.clock.Now))
	return s
}

// Store returns the underlying ledger.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

func (s *Service) run(ctx context.Context, op string, caller Address, key func() string, fn func(domain.Transaction) error) (Result, error) {
	ctx = domain.WithCaller(ctx, caller)
	ctx, span := s.tracer.Start(ctx, op)
	start := s.clock.Now()

	res, err := s.store.RunInTransaction(ctx, fn)
	duration := s.clock.Now().Sub(start)

	entityID := ""
	if err == nil && key != nil {
		entityID = key()
	}
	s.metrics.Observe(ctx, op, err == nil, duration)
	if gas, ok := s.metrics.(GasObserver); ok {
		gas.ObserveGas(ctx, op, res.GasUsed)
	}
	s.recordAudit(ctx, op, entityID, res, duration, err)
	if err != nil {
		s.logger.Error("command failed", "op", op, "caller", caller.Hex(), "gas", res.GasUsed, "error", err)
	} else {
		s.logger.Debug("command committed", "op", op, "caller", caller.Hex(), "key", entityID, "gas", res.GasUsed, "events", len(res.Events))
		s.publisher.Publish(ctx, res.Events)
	}
	span.End(err)
	return res, err
}

func addrKey(a *Address) func() string { return func() string { return a.Hex() } }

func idKey(id *uint64) func() string { return func() string { return domain.IDKey(*id) } }

// CreateIdentity registers caller as a participant.
func (s *Service) CreateIdentity(ctx context.Context, caller Address, profile Identity) (Identity, Result, error) {
	var out Identity
	res, err := s.run(ctx, "create_identity", caller, addrKey(&out.Address), func(tx domain.Transaction) error {
		var err error
		out, err = registry.CreateIdentity(tx, caller, profile)
		return err
	})
	return out, res, err
}

// UpdateIdentity replaces the profile of profile.Address.
func (s *Service) UpdateIdentity(ctx context.Context, caller Address, profile Identity) (Identity, Result, error) {
	var out Identity
	res, err := s.run(ctx, "update_identity", caller, addrKey(&out.Address), func(tx domain.Transaction) error {
		var err error
		out, err = registry.UpdateIdentity(tx, caller, profile)
		return err
	})
	return out, res, err
}

// RemoveIdentity tombstones addr with its devices, products and brokers.
func (s *Service) RemoveIdentity(ctx context.Context, caller, addr Address) (Identity, Result, error) {
	var out Identity
	res, err := s.run(ctx, "remove_identity", caller, addrKey(&out.Address), func(tx domain.Transaction) error {
		var err error
		out, err = registry.RemoveIdentity(tx, caller, addr)
		return err
	})
	return out, res, err
}

// CreateDevice registers a device owned by caller.
func (s *Service) CreateDevice(ctx context.Context, caller Address, device Device) (Device, Result, error) {
	var out Device
	res, err := s.run(ctx, "create_device", caller, addrKey(&out.Address), func(tx domain.Transaction) error {
		var err error
		out, err = registry.CreateDevice(tx, caller, device)
		return err
	})
	return out, res, err
}

// UpdateDevice replaces the descriptive fields of device.Address.
func (s *Service) UpdateDevice(ctx context.Context, caller Address, device Device) (Device, Result, error) {
	var out Device
	res, err := s.run(ctx, "update_device", caller, addrKey(&out.Address), func(tx domain.Transaction) error {
		var err error
		out, err = registry.UpdateDevice(tx, caller, device)
		return err
	})
	return out, res, err
}

// RemoveDevice tombstones a device and its products.
func (s *Service) RemoveDevice(ctx context.Context, caller, addr Address) (Device, Result, error) {
	var out Device
	res, err := s.run(ctx, "remove_device", caller, addrKey(&out.Address), func(tx domain.Transaction) error {
		var err error
		out, err = registry.RemoveDevice(tx, caller, addr)
		return err
	})
	return out, res, err
}

// CreateProduct registers a product on one of caller's devices.
func (s *Service) CreateProduct(ctx context.Context, caller Address, product Product) (Product, Result, error) {
	var out Product
	res, err := s.run(ctx, "create_product", caller, idKey(&out.ID), func(tx domain.Transaction) error {
		var err error
		out, err = registry.CreateProduct(tx, caller, product)
		return err
	})
	return out, res, err
}

// UpdateProduct replaces the offer of product.ID.
func (s *Service) UpdateProduct(ctx context.Context, caller Address, product Product) (Product, Result, error) {
	var out Product
	res, err := s.run(ctx, "update_product", caller, idKey(&out.ID), func(tx domain.Transaction) error {
		var err error
		out, err = registry.UpdateProduct(tx, caller, product)
		return err
	})
	return out, res, err
}

// RemoveProduct tombstones a product.
func (s *Service) RemoveProduct(ctx context.Context, caller Address, id uint64) (Product, Result, error) {
	var out Product
	res, err := s.run(ctx, "remove_product", caller, idKey(&out.ID), func(tx domain.Transaction) error {
		var err error
		out, err = registry.RemoveProduct(tx, caller, id)
		return err
	})
	return out, res, err
}

// CreateBroker registers a broker operated by caller.
func (s *Service) CreateBroker(ctx context.Context, caller Address, broker Broker) (Broker, Result, error) {
	var out Broker
	res, err := s.run(ctx, "create_broker", caller, addrKey(&out.Address), func(tx domain.Transaction) error {
		var err error
		out, err = registry.CreateBroker(tx, caller, broker)
		return err
	})
	return out, res, err
}

// UpdateBroker replaces the endpoint and location of broker.Address.
func (s *Service) UpdateBroker(ctx context.Context, caller Address, broker Broker) (Broker, Result, error) {
	var out Broker
	res, err := s.run(ctx, "update_broker", caller, addrKey(&out.Address), func(tx domain.Transaction) error {
		var err error
		out, err = registry.UpdateBroker(tx, caller, broker)
		return err
	})
	return out, res, err
}

// RemoveBroker tombstones a broker.
func (s *Service) RemoveBroker(ctx context.Context, caller, addr Address) (Broker, Result, error) {
	var out Broker
	res, err := s.run(ctx, "remove_broker", caller, addrKey(&out.Address), func(tx domain.Transaction) error {
		var err error
		out, err = registry.RemoveBroker(tx, caller, addr)
		return err
	})
	return out, res, err
}

// RequestNegotiation opens a negotiation on product for caller.
func (s *Service) RequestNegotiation(ctx context.Context, caller Address, product uint64) (Negotiation, Result, error) {
	var out Negotiation
	res, err := s.run(ctx, "request_negotiation", caller, idKey(&out.ID), func(tx domain.Transaction) error {
		var err error
		out, err = negotiation.Request(tx, caller, product)
		return err
	})
	return out, res, err
}

// AcceptNegotiationRequest approves a requested negotiation.
func (s *Service) AcceptNegotiationRequest(ctx context.Context, caller Address, id uint64) (Negotiation, Result, error) {
	var out Negotiation
	res, err := s.run(ctx, "accept_negotiation", caller, idKey(&out.ID), func(tx domain.Transaction) error {
		var err error
		out, err = negotiation.Accept(tx, caller, id)
		return err
	})
	return out, res, err
}

// RejectNegotiationRequest declines a requested negotiation.
func (s *Service) RejectNegotiationRequest(ctx context.Context, caller Address, id uint64) (Negotiation, Result, error) {
	var out Negotiation
	res, err := s.run(ctx, "reject_negotiation", caller, idKey(&out.ID), func(tx domain.Transaction) error {
		var err error
		out, err = negotiation.Reject(tx, caller, id)
		return err
	})
	return out, res, err
}

// RequestTrading creates a trade from an accepted negotiation.
func (s *Service) RequestTrading(ctx context.Context, caller Address, negotiationID uint64, broker Address, start, end time.Time) (Trade, Result, error) {
	var out Trade
	res, err := s.run(ctx, "request_trading", caller, idKey(&out.ID), func(tx domain.Transaction) error {
		var err error
		out, err = s.trading.Request(tx, caller, negotiationID, broker, start, end)
		return err
	})
	return out, res, err
}

// AcceptTradingRequest accepts a trade and locks its payment.
func (s *Service) AcceptTradingRequest(ctx context.Context, caller Address, id uint64) (Trade, Result, error) {
	var out Trade
	res, err := s.run(ctx, "accept_trading", caller, idKey(&out.ID), func(tx domain.Transaction) error {
		var err error
		out, err = s.trading.Accept(tx, caller, id)
		return err
	})
	return out, res, err
}

// DeclineTradingRequest refuses a requested trade.
func (s *Service) DeclineTradingRequest(ctx context.Context, caller Address, id uint64) (Trade, Result, error) {
	var out Trade
	res, err := s.run(ctx, "decline_trading", caller, idKey(&out.ID), func(tx domain.Transaction) error {
		var err error
		out, err = s.trading.Decline(tx, caller, id)
		return err
	})
	return out, res, err
}

// SettleTrade completes an accepted trade. score is honoured only when the
// caller is the consumer; zero selects the default.
func (s *Service) SettleTrade(ctx context.Context, caller Address, id, score uint64) (Trade, Result, error) {
	var out Trade
	res, err := s.run(ctx, "settle_trade", caller, idKey(&out.ID), func(tx domain.Transaction) error {
		var err error
		out, err = s.trading.Settle(tx, caller, id, score)
		return err
	})
	return out, res, err
}

// SubmitCounter records the number of messages caller saw delivered for
// trade id, with the consumer's optional score. Matching provider and
// consumer counters complete the trade; differing ones dispute it.
func (s *Service) SubmitCounter(ctx context.Context, caller Address, id, counter, score uint64) (Trade, Result, error) {
	var out Trade
	res, err := s.run(ctx, "submit_counter", caller, idKey(&out.ID), func(tx domain.Transaction) error {
		var err error
		out, err = s.trading.SubmitCounter(tx, caller, id, counter, score)
		return err
	})
	return out, res, err
}

// ResolveDispute settles a disputed trade on the broker operator's counter.
func (s *Service) ResolveDispute(ctx context.Context, caller Address, id, counter uint64) (Trade, Result, error) {
	var out Trade
	res, err := s.run(ctx, "resolve_dispute", caller, idKey(&out.ID), func(tx domain.Transaction) error {
		var err error
		out, err = s.trading.ResolveDispute(tx, caller, id, counter)
		return err
	})
	return out, res, err
}

// ResolveExpiredTrade completes trade id if it is accepted and its window
// ended. done is false when the trade needed nothing.
func (s *Service) ResolveExpiredTrade(ctx context.Context, id uint64) (Trade, bool, Result, error) {
	var (
		out  Trade
		done bool
	)
	res, err := s.run(ctx, "resolve_expired_trade", domain.ZeroAddress, idKey(&out.ID), func(tx domain.Transaction) error {
		var err error
		out, done, err = s.trading.ResolveExpired(tx, id)
		return err
	})
	return out, done, res, err
}

// ResolveExpiredTrades completes every accepted trade whose window ended,
// each in its own transaction. A trade that fails is left for the next
// sweep; its error is collected and the rest still complete. The returned
// Result merges the committed transactions.
func (s *Service) ResolveExpiredTrades(ctx context.Context) ([]Trade, Result, error) {
	ids, err := s.ExpiredTrades(ctx)
	if err != nil {
		return nil, Result{}, err
	}
	var (
		out    []Trade
		merged Result
		errs   *multierror.Error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, merged, multierror.Append(errs, err).ErrorOrNil()
		}
		t, done, res, err := s.ResolveExpiredTrade(ctx, id)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("trade %d: %w", id, err))
			continue
		}
		merged.Merge(res)
		if done {
			out = append(out, t)
		}
	}
	return out, merged, errs.ErrorOrNil()
}

// Deposit credits amount to caller's balance.
func (s *Service) Deposit(ctx context.Context, caller Address, amount uint64) (Account, Result, error) {
	var out Account
	res, err := s.run(ctx, "deposit", caller, addrKey(&out.Address), func(tx domain.Transaction) error {
		if _, err := registry.RequireIdentity(tx, caller); err != nil {
			return err
		}
		var err error
		out, err = funds.Deposit(tx, caller, amount)
		return err
	})
	return out, res, err
}

// Withdraw debits amount from caller's balance. A removed identity may still
// withdraw what it holds.
func (s *Service) Withdraw(ctx context.Context, caller Address, amount uint64) (Account, Result, error) {
	var out Account
	res, err := s.run(ctx, "withdraw", caller, addrKey(&out.Address), func(tx domain.Transaction) error {
		var err error
		out, err = funds.Withdraw(tx, caller, amount)
		return err
	})
	return out, res, err
}
