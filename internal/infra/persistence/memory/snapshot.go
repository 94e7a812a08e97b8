package memory

import (
	"fmt"
	"time"

	"marketcore/pkg/domain"
)

// Snapshot is a serializable copy of the ledger. Record slices are in
// creation order.
type Snapshot struct {
	Identities   []domain.Identity    `json:"identities"`
	Devices      []domain.Device      `json:"devices"`
	Products     []domain.Product     `json:"products"`
	Brokers      []domain.Broker      `json:"brokers"`
	Negotiations []domain.Negotiation `json:"negotiations"`
	Trades       []domain.Trade       `json:"trades"`
	Escrows      []domain.Escrow      `json:"escrows"`
	Ratings      []domain.Rating      `json:"ratings"`
	Accounts     []domain.Account     `json:"accounts"`
	Counters     Counters             `json:"counters"`
	Events       []domain.Event       `json:"events"`
}

// ExportState clones the committed state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	return Snapshot{
		Identities:   st.identities.values(),
		Devices:      st.devices.values(),
		Products:     st.products.values(),
		Brokers:      st.brokers.values(),
		Negotiations: st.negotiations.values(),
		Trades:       st.trades.values(),
		Escrows:      st.escrows.values(),
		Ratings:      st.ratings.values(),
		Accounts:     st.accounts.values(),
		Counters:     st.counters,
		Events:       append([]domain.Event(nil), st.events...),
	}
}

// ImportState replaces the committed state with snapshot. The event journal
// must chain correctly and counters are raised to cover every imported id.
func (s *Store) ImportState(snapshot Snapshot) error {
	if _, err := domain.VerifyChain("", snapshot.Events); err != nil {
		return fmt.Errorf("import journal: %w", err)
	}
	next := newLedgerState()
	for _, v := range snapshot.Identities {
		next.identities.load(v.Address, v)
	}
	for _, v := range snapshot.Devices {
		next.devices.load(v.Address, v)
	}
	for _, v := range snapshot.Products {
		next.products.load(v.ID, v)
		next.counters.Product = max(next.counters.Product, v.ID)
	}
	for _, v := range snapshot.Brokers {
		next.brokers.load(v.Address, v)
	}
	for _, v := range snapshot.Negotiations {
		next.negotiations.load(v.ID, v)
		next.counters.Negotiation = max(next.counters.Negotiation, v.ID)
	}
	for _, v := range snapshot.Trades {
		next.trades.load(v.ID, v)
		next.counters.Trade = max(next.counters.Trade, v.ID)
	}
	for _, v := range snapshot.Escrows {
		next.escrows.load(v.Trade, v)
	}
	for _, v := range snapshot.Ratings {
		next.ratings.load(v.Device, v)
	}
	for _, v := range snapshot.Accounts {
		next.accounts.load(v.Address, v)
	}
	next.counters.Product = max(next.counters.Product, snapshot.Counters.Product)
	next.counters.Negotiation = max(next.counters.Negotiation, snapshot.Counters.Negotiation)
	next.counters.Trade = max(next.counters.Trade, snapshot.Counters.Trade)
	next.events = append([]domain.Event(nil), snapshot.Events...)
	if n := len(next.events); n > 0 {
		next.lastNow = next.events[n-1].At
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next.lastNow = maxTime(next.lastNow, s.state.lastNow)
	s.state = next
	return nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
