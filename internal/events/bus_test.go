package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, unsubscribe := Subscribe[StateChanged](b, 1)
	defer unsubscribe()

	require.NoError(t, b.Publish(t.Context(), StateChanged{Module: "host", Reason: "test"}))

	select {
	case got := <-ch:
		require.Equal(t, "host", got.Module)
	case <-time.After(250 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_InterfaceSubscriptionReceivesConcreteEvents(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, unsubscribe := Subscribe[Event](b, 2)
	defer unsubscribe()

	require.NoError(t, b.Publish(t.Context(), ConfigurationUpdated{Source: "file"}))
	require.NoError(t, b.Publish(t.Context(), OperationFinished{Module: "host", State: "succeeded"}))

	require.Equal(t, KindConfigurationUpdated, Kind(<-ch))
	require.Equal(t, KindOperationFinished, Kind(<-ch))
}

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	b := NewBus()
	defer b.Close()

	// Unbuffered: only the subscriber currently being sent to is ready.
	first, unsub1 := Subscribe[StateChanged](b, 0)
	defer unsub1()
	second, unsub2 := Subscribe[Event](b, 0)
	defer unsub2()
	third, unsub3 := Subscribe[StateChanged](b, 0)
	defer unsub3()

	errCh := make(chan error, 1)
	go func() { errCh <- b.Publish(t.Context(), StateChanged{Module: "host"}) }()

	var order []string
	for range 3 {
		select {
		case <-first:
			order = append(order, "first")
		case <-second:
			order = append(order, "second")
		case <-third:
			order = append(order, "third")
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	require.NoError(t, <-errCh)
	require.Equal(t, []string{"first", "second", "third"}, order)
	require.Equal(t, 2, SubscriberCount[StateChanged](b))
}

func TestBus_PublishBackpressure(t *testing.T) {
	b := NewBus()
	defer b.Close()

	_, unsubscribe := Subscribe[StateChanged](b, 0) // unbuffered; no receiver => blocks
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	err := b.Publish(ctx, StateChanged{Module: "host"})
	require.Error(t, err)

	classified, ok := ferrors.AsClassified(err)
	require.True(t, ok)
	require.Equal(t, ferrors.CategoryDaemon, classified.Category())
}

func TestBus_UnsubscribeDuringBlockedPublish(t *testing.T) {
	b := NewBus()
	defer b.Close()

	_, unsubscribe := Subscribe[StateChanged](b, 0)

	errCh := make(chan error, 1)
	go func() { errCh <- b.Publish(t.Context(), StateChanged{Module: "host"}) }()

	time.Sleep(20 * time.Millisecond)
	unsubscribe()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish did not return after unsubscribe")
	}
	require.Equal(t, 0, SubscriberCount[StateChanged](b))
}

func TestBus_Close(t *testing.T) {
	b := NewBus()

	ch, _ := Subscribe[StateChanged](b, 1)
	b.Close()

	_, ok := <-ch
	require.False(t, ok)

	err := b.Publish(t.Context(), StateChanged{Module: "host"})
	require.Error(t, err)
}
