package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketcore/internal/events"
	"marketcore/internal/markettest"
	"marketcore/pkg/domain"
)

func receive(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func TestBusRoutesByEntity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := events.NewBus()
	defer bus.Close()

	all := bus.Subscribe(ctx)
	trades := bus.Subscribe(ctx, events.Topic(domain.EntityTrade))

	bus.Publish(ctx, []domain.Event{
		{ID: "a", Seq: 1, Type: domain.EventCreated, Entity: domain.EntityIdentity},
		{ID: "b", Seq: 2, Type: domain.EventTradingRequested, Entity: domain.EntityTrade},
	})

	require.Equal(t, "a", receive(t, all).ID)
	require.Equal(t, "b", receive(t, all).ID)
	require.Equal(t, "b", receive(t, trades).ID)
	require.EqualValues(t, 2, bus.LastSeq())
}

func TestBusDropsRedeliveries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := events.NewBus(events.WithDedupeWindow(16))
	defer bus.Close()
	sub := bus.Subscribe(ctx)

	e := domain.Event{ID: "dup", Seq: 1, Entity: domain.EntityAccount}
	bus.Publish(ctx, []domain.Event{e})
	bus.Publish(ctx, []domain.Event{e, {ID: "next", Seq: 2, Entity: domain.EntityAccount}})

	require.Equal(t, "dup", receive(t, sub).ID)
	require.Equal(t, "next", receive(t, sub).ID)
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(context.Background())
	bus.Close()
	for range sub {
	}
	_, ok := <-bus.Subscribe(context.Background())
	require.False(t, ok, "subscribing to a closed bus returns a closed channel")
	bus.Publish(context.Background(), []domain.Event{{ID: "late"}})
}

func TestFollowerRepublishesJournal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := markettest.New(t, nil)
	markettest.Seed(t, l, 10, 100)

	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(ctx, events.Topic(domain.EntityAccount))

	f := events.NewFollower(l.Store, bus, l.Clock, time.Second, 0, nil)
	n, err := f.Poll(ctx)
	require.NoError(t, err)
	require.EqualValues(t, l.Store.LastSeq(), n)
	require.Equal(t, domain.EventDeposited, receive(t, sub).Type)

	n, err = f.Poll(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "nothing new since the last poll")
	require.Equal(t, l.Store.LastSeq(), bus.LastSeq())
}
