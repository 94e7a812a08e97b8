package core

import (
	"context"
	"testing"
	"time"

	"github.com/raulk/clock"

	"marketcore/pkg/domain"
)

var (
	provider = domain.DeriveDeviceAddress([]byte("provider"))
	consumer = domain.DeriveDeviceAddress([]byte("consumer"))
	operator = domain.DeriveDeviceAddress([]byte("operator"))
	sensor   = domain.DeriveDeviceAddress([]byte("sensor"))
	relay    = domain.DeriveDeviceAddress([]byte("relay"))
)

var epoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func mockClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(epoch)
	return c
}

type market struct {
	svc     *Service
	clock   *clock.Mock
	product Product
}

// newMarket registers a provider with a device and product, a funded
// consumer and a broker operator, all under the default rules.
func newMarket(t *testing.T, opts ...Option) *market {
	t.Helper()
	return newMarketWithRules(t, NewDefaultRulesEngine(), opts...)
}

func newMarketWithRules(t *testing.T, engine *RulesEngine, opts ...Option) *market {
	t.Helper()
	ctx := context.Background()
	c := mockClock()
	svc := NewInMemoryService(engine, append([]Option{WithClock(c)}, opts...)...)
	must := func(_ any, _ Result, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	must(svc.CreateIdentity(ctx, provider, Identity{FirstName: "Pia"}))
	must(svc.CreateIdentity(ctx, consumer, Identity{FirstName: "Cy"}))
	must(svc.CreateIdentity(ctx, operator, Identity{FirstName: "Oz"}))
	must(svc.CreateDevice(ctx, provider, Device{Address: sensor, Name: "air"}))
	product, _, err := svc.CreateProduct(ctx, provider, Product{Device: sensor, Name: "pm25", Price: 50, Frequency: 10})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	must(svc.CreateBroker(ctx, operator, Broker{Address: relay, Name: "relay", Location: domain.LocationEUNE}))
	must(svc.Deposit(ctx, consumer, 200))
	return &market{svc: svc, clock: c, product: product}
}

// trade negotiates and requests a one hour trade on the market product.
func (m *market) trade(t *testing.T) Trade {
	t.Helper()
	return m.tradeOn(t, m.product.ID)
}

func (m *market) tradeOn(t *testing.T, product uint64) Trade {
	t.Helper()
	ctx := context.Background()
	n, _, err := m.svc.RequestNegotiation(ctx, consumer, product)
	if err != nil {
		t.Fatalf("request negotiation: %v", err)
	}
	if _, _, err := m.svc.AcceptNegotiationRequest(ctx, provider, n.ID); err != nil {
		t.Fatalf("accept negotiation: %v", err)
	}
	start := m.clock.Now()
	tr, _, err := m.svc.RequestTrading(ctx, consumer, n.ID, relay, start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("request trading: %v", err)
	}
	return tr
}

// accepted requests and accepts a one hour trade on the market product.
func (m *market) accepted(t *testing.T) Trade {
	t.Helper()
	tr := m.trade(t)
	if _, _, err := m.svc.AcceptTradingRequest(context.Background(), provider, tr.ID); err != nil {
		t.Fatalf("accept trading: %v", err)
	}
	return tr
}
