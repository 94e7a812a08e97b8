package core

import (
	"context"
	"errors"
	"testing"

	"marketcore/pkg/domain"
)

func violationRules(err error) []string {
	var rv RuleViolationError
	if !errors.As(err, &rv) {
		return nil
	}
	out := make([]string, 0, len(rv.Result.Violations))
	for _, v := range rv.Result.Violations {
		out = append(out, v.Rule)
	}
	return out
}

func hasRule(err error, rule string) bool {
	for _, r := range violationRules(err) {
		if r == rule {
			return true
		}
	}
	return false
}

func TestDefaultRulesEngineRegistersMarketRules(t *testing.T) {
	got := NewDefaultRulesEngine().Rules()
	want := []string{"lifecycle_transition", "negotiation_exclusivity", "reference_integrity", "funds_conservation"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestNegotiationExclusivityBlocksSecondActive(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	if _, _, err := m.svc.RequestNegotiation(ctx, consumer, m.product.ID); err != nil {
		t.Fatalf("request negotiation: %v", err)
	}
	// Bypass the workflow guard so only the rule stands in the way.
	_, err := m.svc.Store().RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateNegotiation(Negotiation{
			Product:  m.product.ID,
			Device:   sensor,
			Provider: provider,
			Consumer: operator,
			Price:    m.product.Price,
			Status:   domain.NegotiationRequested,
		})
		return err
	})
	if !hasRule(err, "negotiation_exclusivity") {
		t.Fatalf("expected exclusivity violation, got %v", err)
	}
}

func TestReferenceIntegrityRejectsOrphans(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	ghost := domain.DeriveDeviceAddress([]byte("ghost"))

	_, err := m.svc.Store().RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateDevice(Device{Address: ghost, Owner: ghost})
		return err
	})
	if !hasRule(err, "reference_integrity") {
		t.Fatalf("expected orphan device to be rejected, got %v", err)
	}

	n, _, err := m.svc.RequestNegotiation(ctx, consumer, m.product.ID)
	if err != nil {
		t.Fatalf("request negotiation: %v", err)
	}
	_, err = m.svc.Store().RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateTrade(Trade{
			Negotiation: n.ID,
			Provider:    provider,
			Consumer:    consumer,
			Broker:      relay,
			Product:     m.product.ID,
			Device:      sensor,
			Price:       n.Price,
			Status:      domain.TradeRequested,
		})
		return err
	})
	if !hasRule(err, "reference_integrity") {
		t.Fatalf("expected trade on unaccepted negotiation to be rejected, got %v", err)
	}
}

func TestFundsConservationBlocksMintedBalance(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	_, err := m.svc.Store().RunInTransaction(ctx, func(tx domain.Transaction) error {
		acct, _ := tx.FindAccount(consumer)
		acct.Balance += 1000
		_, err := tx.PutAccount(acct)
		return err
	})
	if !hasRule(err, "funds_conservation") {
		t.Fatalf("expected conservation violation, got %v", err)
	}
	if bal, _ := m.svc.Balance(ctx, consumer); bal != 200 {
		t.Fatalf("blocked transaction must not change balances, got %d", bal)
	}
}

func TestFundsConservationHoldsAcrossEscrow(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	tr := m.trade(t)
	if _, _, err := m.svc.AcceptTradingRequest(ctx, provider, tr.ID); err != nil {
		t.Fatalf("locking escrow must conserve funds: %v", err)
	}
	if _, _, err := m.svc.SettleTrade(ctx, consumer, tr.ID, 5); err != nil {
		t.Fatalf("settling escrow must conserve funds: %v", err)
	}
}
