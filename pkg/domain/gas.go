package domain

// GasSchedule prices the work a committed or rejected command performed.
// Costs derive only from the recorded changes and events, so identical
// command sequences always report identical figures.
type GasSchedule struct {
	Base        uint64 `toml:"base" json:"base"`
	RecordWrite uint64 `toml:"record_write" json:"record_write" split_words:"true"`
	PayloadByte uint64 `toml:"payload_byte" json:"payload_byte" split_words:"true"`
	Event       uint64 `toml:"event" json:"event"`
	EventByte   uint64 `toml:"event_byte" json:"event_byte" split_words:"true"`
}

// DefaultGasSchedule returns the stock pricing.
func DefaultGasSchedule() GasSchedule {
	return GasSchedule{
		Base:        21000,
		RecordWrite: 5000,
		PayloadByte: 16,
		Event:       375,
		EventByte:   8,
	}
}

// Charge returns the cost of the given changes and events on top of Base.
func (g GasSchedule) Charge(changes []Change, events []Event) uint64 {
	total := g.Base
	for _, c := range changes {
		total += g.RecordWrite + g.PayloadByte*uint64(c.After.Size())
	}
	for _, e := range events {
		total += g.Event + g.EventByte*uint64(len(e.Payload))
	}
	return total
}
