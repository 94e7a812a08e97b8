// Package trading turns accepted negotiations into trades and drives them
// through acceptance, escrow funding and settlement.
package trading

import (
	"time"

	"marketcore/internal/escrow"
	"marketcore/internal/negotiation"
	"marketcore/internal/rating"
	"marketcore/internal/registry"
	"marketcore/pkg/domain"
)

// Policy tunes how trades complete.
type Policy struct {
	// DefaultScore is recorded when a trade completes without a consumer score.
	DefaultScore uint64
	// BrokerFeePercent of the actual cost is paid to the broker operator.
	BrokerFeePercent uint64
}

// Workflow owns the trade lifecycle and exercises the escrow and rating
// capabilities granted to domain.ComponentTrading.
type Workflow struct {
	escrow  *escrow.Escrow
	ratings *rating.Ledger
	policy  Policy
}

// New wires a Workflow.
func New(e *escrow.Escrow, r *rating.Ledger, p Policy) *Workflow {
	return &Workflow{escrow: e, ratings: r, policy: p}
}

// Request creates a trade from an accepted negotiation the caller consumes
// and opens its escrow.
func (w *Workflow) Request(tx domain.Transaction, caller domain.Address, negotiationID uint64, broker domain.Address, start, end time.Time) (domain.Trade, error) {
	if _, err := registry.RequireIdentity(tx, caller); err != nil {
		return domain.Trade{}, err
	}
	key := domain.IDKey(negotiationID)
	n, ok := tx.FindNegotiation(negotiationID)
	if !ok {
		return domain.Trade{}, domain.NotFound(domain.EntityNegotiation, key)
	}
	if !negotiation.Tradable(tx, n) {
		return domain.Trade{}, domain.Errorf(domain.KindNegotiationNotAccepted, domain.EntityNegotiation, key, "negotiation is %s or already traded", n.Status)
	}
	if n.Consumer != caller {
		return domain.Trade{}, domain.Errorf(domain.KindUnauthorized, domain.EntityNegotiation, key, "caller %s is not the consumer", caller.Hex())
	}
	b, err := registry.RequireBroker(tx, broker)
	if err != nil {
		return domain.Trade{}, err
	}
	if !end.After(start) {
		return domain.Trade{}, domain.Errorf(domain.KindInvalidWindow, domain.EntityTrade, "", "end %s is not after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if _, err := registry.RequireProduct(tx, n.Product); err != nil {
		return domain.Trade{}, err
	}
	t, err := tx.CreateTrade(domain.Trade{
		Negotiation: n.ID,
		Provider:    n.Provider,
		Consumer:    n.Consumer,
		Broker:      broker,
		Product:     n.Product,
		Device:      n.Device,
		StartTime:   domain.At(start),
		EndTime:     domain.At(end),
		Price:       n.Price,
		Frequency:   n.Frequency,
		Status:      domain.TradeRequested,
	})
	if err != nil {
		return domain.Trade{}, err
	}
	if _, err := w.escrow.Open(tx, domain.ComponentTrading, t, b.Owner); err != nil {
		return domain.Trade{}, err
	}
	return t, tx.Emit(domain.EventTradingRequested, domain.EntityTrade, domain.IDKey(t.ID), t)
}

// Accept is the provider's agreement to a requested trade. It locks the
// consumer's payment in escrow.
func (w *Workflow) Accept(tx domain.Transaction, caller domain.Address, id uint64) (domain.Trade, error) {
	current, err := w.providerTrade(tx, caller, id)
	if err != nil {
		return domain.Trade{}, err
	}
	if current.Status != domain.TradeRequested {
		if current.Status == domain.TradeAccepted {
			return domain.Trade{}, domain.Errorf(domain.KindAlreadyLocked, domain.EntityEscrow, domain.IDKey(id), "trade is already accepted")
		}
		return domain.Trade{}, invalidState(current)
	}
	if _, err := w.escrow.Lock(tx, domain.ComponentTrading, id); err != nil {
		return domain.Trade{}, err
	}
	return w.transition(tx, id, domain.TradeAccepted, domain.EventTradingAccepted)
}

// Decline is the provider's refusal of a requested trade. The escrow was
// never funded and stays open; the negotiation may be traded again.
func (w *Workflow) Decline(tx domain.Transaction, caller domain.Address, id uint64) (domain.Trade, error) {
	current, err := w.providerTrade(tx, caller, id)
	if err != nil {
		return domain.Trade{}, err
	}
	if current.Status != domain.TradeRequested {
		return domain.Trade{}, invalidState(current)
	}
	return w.transition(tx, id, domain.TradeDeclined, domain.EventTradingDeclined)
}

// Settle completes an accepted trade: the escrow pays out against the
// delivery counters reported so far (in full when there are none) and the
// device receives a rating. Any party to the trade, including the broker
// operator, may settle; only the consumer's score is recorded, other
// callers leave the score it reported with its counter or the default.
// Settling a completed trade is a no-op.
func (w *Workflow) Settle(tx domain.Transaction, caller domain.Address, id, score uint64) (domain.Trade, error) {
	key := domain.IDKey(id)
	current, ok := tx.FindTrade(id)
	if !ok {
		return domain.Trade{}, domain.NotFound(domain.EntityTrade, key)
	}
	if _, ok := w.role(tx, current, caller); !ok {
		return domain.Trade{}, domain.Errorf(domain.KindUnauthorized, domain.EntityTrade, key, "caller %s is not a party", caller.Hex())
	}
	if current.Status == domain.TradeCompleted {
		return current, nil
	}
	if caller != current.Consumer {
		score = 0
	}
	if score != 0 && !rating.ValidScore(score) {
		return domain.Trade{}, invalidScore(key, score)
	}
	if score != 0 {
		current.Score = score
	}
	return w.complete(tx, current)
}

// SubmitCounter records how many messages caller saw delivered for an
// accepted trade. The provider, the consumer and the broker operator each
// report once; the consumer may attach its score. Once provider and
// consumer have both reported, matching counts complete the trade at their
// actual cost and differing counts dispute it. A broker report always
// decides. Repeating a report is a no-op; changing one is InvalidState.
func (w *Workflow) SubmitCounter(tx domain.Transaction, caller domain.Address, id, counter, score uint64) (domain.Trade, error) {
	key := domain.IDKey(id)
	current, ok := tx.FindTrade(id)
	if !ok {
		return domain.Trade{}, domain.NotFound(domain.EntityTrade, key)
	}
	role, ok := w.role(tx, current, caller)
	if !ok {
		return domain.Trade{}, domain.Errorf(domain.KindUnauthorized, domain.EntityTrade, key, "caller %s is not a party", caller.Hex())
	}
	if current.Status == domain.TradeDisputed && role == domain.RoleBroker {
		return w.ResolveDispute(tx, caller, id, counter)
	}
	if slot := current.Counters.Slot(role); slot.Set {
		if slot.Value == counter {
			return current, nil
		}
		return domain.Trade{}, domain.Errorf(domain.KindInvalidState, domain.EntityTrade, key, "%s counter is already %d", role, slot.Value)
	}
	switch current.Status {
	case domain.TradeAccepted:
	case domain.TradeRequested:
		return domain.Trade{}, domain.NewError(domain.KindNotLocked, domain.EntityEscrow, key, "trade was never accepted")
	default:
		return domain.Trade{}, invalidState(current)
	}
	if role != domain.RoleConsumer {
		score = 0
	}
	if score != 0 && !rating.ValidScore(score) {
		return domain.Trade{}, invalidScore(key, score)
	}

	reported, err := w.report(tx, id, role, counter, score)
	if err != nil {
		return domain.Trade{}, err
	}
	c := reported.Counters
	if !c.Broker.Set && !(c.Provider.Set && c.Consumer.Set) {
		return reported, nil
	}
	if _, _, disputed := c.Agreed(); disputed {
		return w.transition(tx, id, domain.TradeDisputed, domain.EventDisputed)
	}
	return w.complete(tx, reported)
}

// ResolveDispute is the broker operator's ruling on a disputed trade: its
// counter decides the actual cost and the trade completes.
func (w *Workflow) ResolveDispute(tx domain.Transaction, caller domain.Address, id, counter uint64) (domain.Trade, error) {
	key := domain.IDKey(id)
	current, ok := tx.FindTrade(id)
	if !ok {
		return domain.Trade{}, domain.NotFound(domain.EntityTrade, key)
	}
	if b, ok := tx.FindBroker(current.Broker); !ok || b.Owner != caller {
		return domain.Trade{}, domain.Errorf(domain.KindUnauthorized, domain.EntityTrade, key, "caller %s does not operate the broker", caller.Hex())
	}
	if current.Status != domain.TradeDisputed {
		return domain.Trade{}, invalidState(current)
	}
	reported, err := w.report(tx, id, domain.RoleBroker, counter, 0)
	if err != nil {
		return domain.Trade{}, err
	}
	return w.complete(tx, reported)
}

// Expired lists the accepted trades whose window ended by now. Disputed
// trades wait for their broker and are never listed.
func Expired(view domain.TransactionView, now time.Time) []uint64 {
	var ids []uint64
	for _, t := range view.ListTrades() {
		if t.Status == domain.TradeAccepted && !t.EndTime.After(now) {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// ResolveExpired completes trade id if it is still accepted and its window
// has ended, settling on whatever counters were reported. done is false when
// there was nothing to do.
func (w *Workflow) ResolveExpired(tx domain.Transaction, id uint64) (t domain.Trade, done bool, err error) {
	current, ok := tx.FindTrade(id)
	if !ok {
		return domain.Trade{}, false, domain.NotFound(domain.EntityTrade, domain.IDKey(id))
	}
	if current.Status != domain.TradeAccepted || current.EndTime.After(tx.Now()) {
		return current, false, nil
	}
	completed, err := w.complete(tx, current)
	if err != nil {
		return domain.Trade{}, false, err
	}
	return completed, true, nil
}

// report stores role's counter, and the consumer's score, on trade id.
func (w *Workflow) report(tx domain.Transaction, id uint64, role domain.Role, counter, score uint64) (domain.Trade, error) {
	t, err := tx.UpdateTrade(id, func(t *domain.Trade) error {
		*t.Counters.Slot(role) = domain.Counter{Value: counter, Set: true}
		if score != 0 {
			t.Score = score
		}
		return nil
	})
	if err != nil {
		return domain.Trade{}, err
	}
	return t, tx.Emit(domain.EventCounterSet, domain.EntityTrade, domain.IDKey(id), t)
}

// split prices t against its reported counters. ok is false while the
// provider and consumer counts disagree without a broker ruling.
func (w *Workflow) split(t domain.Trade) (domain.Settlement, bool) {
	delivered, reported, disputed := t.Counters.Agreed()
	if disputed {
		return domain.Settlement{}, false
	}
	expected := uint64(0)
	if reported {
		expected = t.Expected()
	}
	return domain.SplitSettlement(t.Price, expected, delivered, w.policy.BrokerFeePercent), true
}

func (w *Workflow) complete(tx domain.Transaction, t domain.Trade) (domain.Trade, error) {
	key := domain.IDKey(t.ID)
	switch t.Status {
	case domain.TradeAccepted, domain.TradeDisputed:
	case domain.TradeRequested:
		return domain.Trade{}, domain.NewError(domain.KindNotLocked, domain.EntityEscrow, key, "trade was never accepted")
	default:
		return domain.Trade{}, invalidState(t)
	}
	split, ok := w.split(t)
	if !ok {
		return domain.Trade{}, domain.Errorf(domain.KindInvalidState, domain.EntityTrade, key, "counters disagree (provider %d, consumer %d); the broker must resolve the dispute", t.Counters.Provider.Value, t.Counters.Consumer.Value)
	}
	if _, _, err := w.escrow.Settle(tx, domain.ComponentTrading, t.ID, split); err != nil {
		return domain.Trade{}, err
	}
	score := t.Score
	if score == 0 {
		score = w.policy.DefaultScore
	}
	if _, err := w.ratings.Record(tx, domain.ComponentTrading, t.Device, t.Consumer, t.ID, score); err != nil {
		return domain.Trade{}, err
	}
	return w.transition(tx, t.ID, domain.TradeCompleted, domain.EventTradeCompleted, func(done *domain.Trade) {
		done.Score = score
	})
}

func (w *Workflow) transition(tx domain.Transaction, id uint64, to domain.TradeStatus, event string, also ...func(*domain.Trade)) (domain.Trade, error) {
	now := domain.At(tx.Now())
	t, err := tx.UpdateTrade(id, func(t *domain.Trade) error {
		for _, f := range also {
			f(t)
		}
		t.Status = to
		switch to {
		case domain.TradeAccepted:
			t.AcceptedAt = &now
		case domain.TradeCompleted:
			t.Completed = true
			t.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return domain.Trade{}, err
	}
	return t, tx.Emit(event, domain.EntityTrade, domain.IDKey(id), t)
}

func (w *Workflow) providerTrade(view domain.TransactionView, caller domain.Address, id uint64) (domain.Trade, error) {
	key := domain.IDKey(id)
	t, ok := view.FindTrade(id)
	if !ok {
		return domain.Trade{}, domain.NotFound(domain.EntityTrade, key)
	}
	if t.Provider != caller {
		return domain.Trade{}, domain.Errorf(domain.KindUnauthorized, domain.EntityTrade, key, "caller %s is not the provider", caller.Hex())
	}
	return t, nil
}

// role returns the part caller plays in t. A caller holding several roles
// acts as provider first, then consumer.
func (w *Workflow) role(view domain.TransactionView, t domain.Trade, caller domain.Address) (domain.Role, bool) {
	switch caller {
	case t.Provider:
		return domain.RoleProvider, true
	case t.Consumer:
		return domain.RoleConsumer, true
	}
	if b, ok := view.FindBroker(t.Broker); ok && b.Owner == caller {
		return domain.RoleBroker, true
	}
	return "", false
}

func invalidState(t domain.Trade) error {
	return domain.Errorf(domain.KindInvalidState, domain.EntityTrade, domain.IDKey(t.ID), "trade is %s", t.Status)
}

func invalidScore(key string, score uint64) error {
	return domain.Errorf(domain.KindInvalidArgument, domain.EntityTrade, key, "score %d outside %d..%d", score, rating.MinScore, rating.MaxScore)
}
