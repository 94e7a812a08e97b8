package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"marketcore/internal/blob/core"
)

func TestStoreMissingHeadGet(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found from head, got %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found from get, got %v", err)
	}
	if ok, err := store.Delete(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected delete false")
	}
}

func TestStoreWriteOnce(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	store := New(WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	info, err := store.Put(ctx, "journal/a", bytes.NewReader([]byte("v")), core.PutOptions{Metadata: map[string]string{"first": "1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !info.LastModified.Equal(fixed) || info.ETag == "" || info.Size != 1 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "journal/a", bytes.NewReader([]byte("v2")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	_, rc, err := store.Get(ctx, "journal/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	if string(body) != "v" {
		t.Fatalf("overwrite must not change content, got %q", body)
	}
	if _, err := store.Put(ctx, "other", bytes.NewReader(nil), core.PutOptions{}); err != nil {
		t.Fatalf("put other: %v", err)
	}
	if list, err := store.List(ctx, "journal/"); err != nil || len(list) != 1 || list[0].Metadata["first"] != "1" {
		t.Fatalf("list prefix: %v %+v", err, list)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, fmt.Errorf("fail") }

func TestStorePutReadErrorAndDriver(t *testing.T) {
	store := New()
	if store.Driver() != core.DriverMemory {
		t.Fatalf("expected memory driver")
	}
	if _, err := store.Put(context.Background(), "bad", failingReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected read error")
	}
}
