package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"marketcore/pkg/domain"
)

var (
	alice = domain.DeriveDeviceAddress([]byte("alice"))
	bob   = domain.DeriveDeviceAddress([]byte("bob"))
	dev   = domain.DeriveDeviceAddress([]byte("dev"))
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStorePersistsRecordsCountersAndJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	ctx := domain.WithCaller(context.Background(), alice)
	s := openStore(t, path)
	if _, err := s.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateIdentity(domain.Identity{Address: alice, Company: "acme"}); err != nil {
			return err
		}
		if _, err := tx.CreateDevice(domain.Device{Address: dev, Owner: alice}); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			p, err := tx.CreateProduct(domain.Product{Device: dev, Price: 10})
			if err != nil {
				return err
			}
			if err := tx.Emit(domain.EventCreated, domain.EntityProduct, domain.IDKey(p.ID), p); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if s.Path() != path {
		t.Fatalf("unexpected path %s", s.Path())
	}
	_ = s.Close()

	reopened := openStore(t, path)
	_ = reopened.View(context.Background(), func(v domain.TransactionView) error {
		id, ok := v.FindIdentity(alice)
		if !ok || id.Company != "acme" {
			t.Fatalf("expected identity to survive reopen, got %+v", id)
		}
		if n := len(v.ListProducts()); n != 2 {
			t.Fatalf("expected 2 products, got %d", n)
		}
		return nil
	})
	if reopened.LastSeq() != 2 {
		t.Fatalf("expected journal of 2 events, got %d", reopened.LastSeq())
	}
	var next domain.Product
	if _, err := reopened.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		next, err = tx.CreateProduct(domain.Product{Device: dev})
		return err
	}); err != nil {
		t.Fatalf("create after reopen: %v", err)
	}
	if next.ID != 3 {
		t.Fatalf("expected counter to continue at 3, got %d", next.ID)
	}
}

func TestStoresSharingFileSeeEachOthersCommits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a := openStore(t, path)
	b := openStore(t, path)
	ctx := context.Background()

	if _, err := a.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateIdentity(domain.Identity{Address: alice})
		return err
	}); err != nil {
		t.Fatalf("a create: %v", err)
	}
	_, err := b.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateIdentity(domain.Identity{Address: alice})
		return err
	})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("b must validate against a's commit, got %v", err)
	}
	if _, err := b.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateIdentity(domain.Identity{Address: bob})
		return err
	}); err != nil {
		t.Fatalf("b create: %v", err)
	}
	if err := a.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	_ = a.View(ctx, func(v domain.TransactionView) error {
		if len(v.ListIdentities()) != 2 {
			t.Fatalf("expected a to see both identities")
		}
		return nil
	})
	if a.Version() != b.Version() {
		t.Fatalf("expected matching versions, a=%d b=%d", a.Version(), b.Version())
	}
}

func TestFailedCommandDoesNotAdvanceVersion(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "v.db"))
	before := s.Version()
	_, err := s.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateIdentity(alice, func(*domain.Identity) error { return nil })
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if s.Version() != before {
		t.Fatalf("version moved on failure: %d -> %d", before, s.Version())
	}
}
