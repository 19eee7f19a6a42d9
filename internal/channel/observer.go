package channel

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/applianced/internal/logfields"
)

// AnonymousUser is the username of observers without an authenticated identity.
const AnonymousUser = "anonymous"

// DefaultBuffer is the outbound queue length of an observer.
const DefaultBuffer = 64

// ErrObserverClosed is returned when acting on a disconnected observer.
var ErrObserverClosed = stdErrors.New("observer closed")

// Identity is supplied by the trusted proxy in front of the daemon.
type Identity struct {
	Authenticated bool   `json:"authenticated"`
	Admin         bool   `json:"admin"`
	Username      string `json:"username"`
}

// NewIdentity builds an identity, falling back to AnonymousUser when the
// observer is unauthenticated or has no name. Admin requires authentication.
func NewIdentity(authenticated, admin bool, username string) Identity {
	username = strings.TrimSpace(username)
	if !authenticated || username == "" {
		return Identity{Username: AnonymousUser}
	}
	return Identity{Authenticated: true, Admin: admin, Username: username}
}

// Message is one outbound frame.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ActionFunc handles an observer-scoped inbound action.
type ActionFunc func(ctx context.Context, data json.RawMessage) error

// Observer is one connected subscriber of a module channel. Messages are
// delivered in order through a bounded buffer; an observer that falls behind
// by a full buffer is closed instead of blocking the module.
type Observer struct {
	id       string
	identity Identity
	out      chan Message
	done     chan struct{}

	mu        sync.Mutex
	closed    bool
	resources map[string]io.Closer
	handlers  map[string]ActionFunc
}

// NewObserver creates an observer with an outbound buffer of size buffer.
func NewObserver(identity Identity, buffer int) *Observer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Observer{
		id:        uuid.NewString(),
		identity:  identity,
		out:       make(chan Message, buffer),
		done:      make(chan struct{}),
		resources: make(map[string]io.Closer),
		handlers:  make(map[string]ActionFunc),
	}
}

func (o *Observer) ID() string { return o.id }

func (o *Observer) Identity() Identity { return o.identity }

// Messages returns the outbound queue drained by the transport.
func (o *Observer) Messages() <-chan Message { return o.out }

// Done is closed when the observer is closed.
func (o *Observer) Done() <-chan struct{} { return o.done }

// Emit queues an event for this observer only. It reports false when the
// observer is closed or was closed for being too slow.
func (o *Observer) Emit(event string, data any) bool {
	return o.Send(Message{Event: event, Data: data})
}

// Send queues msg without blocking.
func (o *Observer) Send(msg Message) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	select {
	case o.out <- msg:
		o.mu.Unlock()
		return true
	default:
	}
	o.mu.Unlock()

	slog.Warn("Disconnecting slow observer",
		logfields.Observer(o.id),
		logfields.User(o.identity.Username),
		logfields.Event(msg.Event))
	o.Close()
	return false
}

// Attach binds an exclusive resource to the observer under name, closing any
// resource previously attached under the same name. The resource is closed
// on Detach or when the observer closes.
func (o *Observer) Attach(name string, r io.Closer) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = r.Close()
		return ErrObserverClosed
	}
	prev := o.resources[name]
	o.resources[name] = r
	o.mu.Unlock()

	if prev != nil {
		return prev.Close()
	}
	return nil
}

// Detach closes and forgets the resource attached under name.
func (o *Observer) Detach(name string) error {
	o.mu.Lock()
	r, ok := o.resources[name]
	delete(o.resources, name)
	o.mu.Unlock()

	if !ok {
		return nil
	}
	return r.Close()
}

// Attached reports whether a resource is attached under name.
func (o *Observer) Attached(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.resources[name]
	return ok
}

// Handle registers an observer-scoped action, such as starting a stream.
func (o *Observer) Handle(action string, fn ActionFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[action] = fn
}

// Handler returns the observer-scoped action handler for action.
func (o *Observer) Handler(action string) (ActionFunc, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn, ok := o.handlers[action]
	return fn, ok
}

// Close marks the observer closed and destroys every attached resource.
// It is safe to call more than once.
func (o *Observer) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.done)
	resources := o.resources
	o.resources = make(map[string]io.Closer)
	o.handlers = make(map[string]ActionFunc)
	o.mu.Unlock()

	for name, r := range resources {
		if err := r.Close(); err != nil {
			slog.Debug("Failed to close observer resource",
				logfields.Observer(o.id),
				slog.String("resource", name),
				logfields.Error(err))
		}
	}
}

// Closed reports whether Close has been called.
func (o *Observer) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
