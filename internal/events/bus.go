package events

import (
	"context"
	"reflect"
	"slices"
	"sync"

	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
)

// Bus is the in-process EventBus that drives module reload-then-broadcast.
//
// Publish offers an event to every matching subscription in registration
// order and blocks until each has accepted it or ctx is done. Nothing is
// persisted; events from other processes arrive through internal/natsbridge
// and are re-published here.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	closed bool
}

type subscription struct {
	id      uint64
	typ     reflect.Type
	deliver func(ctx context.Context, evt Event) error
	close   func()
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving every published event assignable to
// T, and a function that cancels the subscription and closes the channel.
// T is either a concrete event type or Event itself for all events.
func Subscribe[T Event](b *Bus, buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)

	// done releases blocked deliveries; sendMu orders close(ch) after them.
	done := make(chan struct{})
	var (
		sendMu    sync.RWMutex
		finished  bool
		closeOnce sync.Once
	)
	closeChannel := func() {
		closeOnce.Do(func() {
			close(done)
			sendMu.Lock()
			finished = true
			close(ch)
			sendMu.Unlock()
		})
	}

	sub := &subscription{
		typ:   reflect.TypeFor[T](),
		close: closeChannel,
		deliver: func(ctx context.Context, evt Event) error {
			v, ok := evt.(T)
			if !ok {
				return nil
			}
			sendMu.RLock()
			defer sendMu.RUnlock()
			if finished {
				return nil
			}
			select {
			case ch <- v:
				return nil
			case <-done:
				return nil
			case <-ctx.Done():
				return ferrors.WrapError(ctx.Err(), ferrors.CategoryDaemon, "event publish canceled").
					WithContext("event", Kind(evt)).
					Build()
			}
		},
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		closeChannel()
		return ch, func() {}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s.id == sub.id })
		b.mu.Unlock()
		closeChannel()
	}
}

// SubscriberCount returns the number of subscriptions registered for exactly T.
func SubscriberCount[T Event](b *Bus) int {
	if b == nil {
		return 0
	}
	typ := reflect.TypeFor[T]()

	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if s.typ == typ {
			n++
		}
	}
	return n
}

// Publish delivers evt to matching subscriptions in registration order.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if evt == nil {
		return ferrors.ValidationError("event cannot be nil").Build()
	}
	if ctx == nil {
		return ferrors.ValidationError("context cannot be nil").Build()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ferrors.DaemonError("event bus is closed").Build()
	}
	targets := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.deliver(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the bus and every subscription channel. It is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
