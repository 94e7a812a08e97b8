// Package rating records device reputation. Submissions arrive only from
// components on the allow-list, once per (device, consumer, trade).
package rating

import (
	"marketcore/pkg/domain"
)

// Score bounds.
const (
	MinScore uint64 = 1
	MaxScore uint64 = 5
)

// Ledger is the capability-gated rating component.
type Ledger struct {
	allowed domain.AllowList
}

// New returns a Ledger that accepts submissions from the listed components.
func New(allowed ...domain.ComponentID) *Ledger {
	return &Ledger{allowed: domain.NewAllowList(allowed...)}
}

// ValidScore reports whether v is within [MinScore, MaxScore].
func ValidScore(v uint64) bool {
	return v >= MinScore && v <= MaxScore
}

// Record adds value to device's running total. Each consumer rates a device
// at most once per trade.
func (l *Ledger) Record(tx domain.Transaction, caller domain.ComponentID, device, consumer domain.Address, trade, value uint64) (domain.Rating, error) {
	if err := l.allowed.Check(domain.EntityRating, caller); err != nil {
		return domain.Rating{}, err
	}
	key := device.Hex()
	if !ValidScore(value) {
		return domain.Rating{}, domain.Errorf(domain.KindInvalidArgument, domain.EntityRating, key, "score %d outside %d..%d", value, MinScore, MaxScore)
	}
	d, ok := tx.FindDevice(device)
	if !ok {
		return domain.Rating{}, domain.NotFound(domain.EntityDevice, key)
	}
	if d.Deleted {
		return domain.Rating{}, domain.Deleted(domain.EntityDevice, key)
	}
	r, ok := tx.FindRating(device)
	if !ok {
		r = domain.Rating{Device: device}
	}
	if r.Submitted(consumer, trade) {
		return domain.Rating{}, domain.Errorf(domain.KindAlreadyExists, domain.EntityRating, key, "trade %d already rated by %s", trade, consumer.Hex())
	}
	r.Total += value
	r.Count++
	r.Submissions = append(r.Submissions, domain.RatingSubmission{Trade: trade, Consumer: consumer, Value: value, At: domain.At(tx.Now())})
	r, err := tx.PutRating(r)
	if err != nil {
		return domain.Rating{}, err
	}
	return r, tx.Emit(domain.EventRatingRecorded, domain.EntityRating, key, map[string]any{
		"trade":    trade,
		"consumer": consumer,
		"value":    value,
		"average":  r.Average(),
	})
}

// Average returns the device's mean score and submission count.
func Average(view domain.TransactionView, device domain.Address) (float64, uint64) {
	r, ok := view.FindRating(device)
	if !ok {
		return 0, 0
	}
	return r.Average(), r.Count
}
