package domain

import (
	"math/bits"
	"time"
)

// Counter is one party's report of how many messages a trade delivered.
type Counter struct {
	Value uint64 `json:"value"`
	Set   bool   `json:"set"`
}

// Counters holds the delivery reports of a trade's three parties.
type Counters struct {
	Provider Counter `json:"provider"`
	Consumer Counter `json:"consumer"`
	Broker   Counter `json:"broker"`
}

// Role names the party submitting a counter.
type Role string

// Trade roles.
const (
	RoleProvider Role = "provider"
	RoleConsumer Role = "consumer"
	RoleBroker   Role = "broker"
)

// Slot returns the counter reported by role.
func (c *Counters) Slot(role Role) *Counter {
	switch role {
	case RoleProvider:
		return &c.Provider
	case RoleConsumer:
		return &c.Consumer
	case RoleBroker:
		return &c.Broker
	}
	return nil
}

// Agreed returns the delivered count the reports settle on. The broker's
// count decides whenever it is set. Otherwise matching provider and
// consumer counts agree, and a single report stands alone. disputed is true
// when provider and consumer disagree with no broker ruling; ok is false
// when nobody reported.
func (c Counters) Agreed() (delivered uint64, ok, disputed bool) {
	switch {
	case c.Broker.Set:
		return c.Broker.Value, true, false
	case c.Provider.Set && c.Consumer.Set:
		if c.Provider.Value != c.Consumer.Value {
			return 0, false, true
		}
		return c.Provider.Value, true, false
	case c.Consumer.Set:
		return c.Consumer.Value, true, false
	case c.Provider.Set:
		return c.Provider.Value, true, false
	}
	return 0, false, false
}

// Expected returns how many messages the trade window carries at the
// snapshotted sampling period (Frequency, in seconds). Zero means the trade
// is not metered and always costs its full price.
func (t Trade) Expected() uint64 {
	if t.Frequency == 0 {
		return 0
	}
	window := t.EndTime.Sub(t.StartTime.Time)
	n := uint64(window / (time.Duration(t.Frequency) * time.Second))
	return max(n, 1)
}

// Settlement is how an escrow's locked amount was paid out.
type Settlement struct {
	ActualCost uint64 `json:"actual_cost"`
	Provider   uint64 `json:"provider"`
	Consumer   uint64 `json:"consumer"`
	Broker     uint64 `json:"broker"`
}

// Distributes reports whether s pays out exactly amount: the actual cost
// split between provider and broker plus the consumer's refund.
func (s Settlement) Distributes(amount uint64) bool {
	if s.ActualCost > amount || s.Broker > s.ActualCost {
		return false
	}
	return s.Provider == s.ActualCost-s.Broker && s.Consumer == amount-s.ActualCost
}

// SplitSettlement prices delivered of expected messages against amount and
// takes feePercent of the actual cost for the broker. Over-delivery and an
// unmetered trade (expected == 0) cost the full amount.
func SplitSettlement(amount, expected, delivered, feePercent uint64) Settlement {
	cost := amount
	if expected > 0 && delivered < expected {
		cost = mulDiv(amount, delivered, expected)
	}
	fee := mulDiv(cost, min(feePercent, 100), 100)
	return Settlement{
		ActualCost: cost,
		Provider:   cost - fee,
		Consumer:   amount - cost,
		Broker:     fee,
	}
}

// mulDiv returns a*b/d rounded down. Callers guarantee b <= d.
func mulDiv(a, b, d uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, d)
	return q
}
