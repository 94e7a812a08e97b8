package markettest

import (
	"testing"

	"marketcore/internal/funds"
	"marketcore/internal/registry"
	"marketcore/pkg/domain"
)

// Participants used by Seed.
var (
	Provider = Addr("provider")
	Consumer = Addr("consumer")
	Operator = Addr("operator")
	Device   = Addr("device")
	Broker   = Addr("broker")
)

// Market describes the records created by Seed.
type Market struct {
	Product domain.Product
}

// Seed registers a provider with one device and one product priced at
// price, a consumer holding balance, and a broker run by a third party.
func Seed(t testing.TB, l *Ledger, price, balance uint64) Market {
	t.Helper()
	var m Market
	l.Must(Provider, func(tx domain.Transaction) error {
		if _, err := registry.CreateIdentity(tx, Provider, domain.Identity{FirstName: "Paula"}); err != nil {
			return err
		}
		if _, err := registry.CreateDevice(tx, Provider, domain.Device{Address: Device, Name: "weather"}); err != nil {
			return err
		}
		var err error
		m.Product, err = registry.CreateProduct(tx, Provider, domain.Product{Device: Device, Name: "humidity", Price: price, Frequency: 30})
		return err
	})
	l.Must(Consumer, func(tx domain.Transaction) error {
		if _, err := registry.CreateIdentity(tx, Consumer, domain.Identity{FirstName: "Carl"}); err != nil {
			return err
		}
		if balance == 0 {
			return nil
		}
		_, err := funds.Deposit(tx, Consumer, balance)
		return err
	})
	l.Must(Operator, func(tx domain.Transaction) error {
		if _, err := registry.CreateIdentity(tx, Operator, domain.Identity{FirstName: "Olga"}); err != nil {
			return err
		}
		_, err := registry.CreateBroker(tx, Operator, domain.Broker{Address: Broker, Name: "edge", Location: domain.LocationEUW})
		return err
	})
	return m
}
