// Package natsbridge turns JSON messages published on a NATS subject into
// typed bus events, and forwards operation results back out.
package natsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/applianced/internal/config"
	"git.home.luguber.info/inful/applianced/internal/events"
	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
	"git.home.luguber.info/inful/applianced/internal/logfields"
)

// Message is the wire format accepted on the ingress subject.
type Message struct {
	Type   string `json:"type"`
	Module string `json:"module,omitempty"`
	Reason string `json:"reason,omitempty"`
	Source string `json:"source,omitempty"`
}

// OperationMessage is published on "<subject>.operation" when a supervised
// operation finishes.
type OperationMessage struct {
	Type           string    `json:"type"`
	Module         string    `json:"module"`
	State          string    `json:"state"`
	ExitCode       int       `json:"exit_code"`
	RebootRequired bool      `json:"reboot_required"`
	At             time.Time `json:"at"`
}

// Decode parses an ingress message into a bus event.
func Decode(data []byte, now time.Time) (events.Event, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryMessaging, "invalid event message").Build()
	}

	switch msg.Type {
	case events.KindConfigurationUpdated:
		source := msg.Source
		if source == "" {
			source = "nats"
		}
		return events.ConfigurationUpdated{Source: source, At: now}, nil
	case events.KindStateChanged:
		if strings.TrimSpace(msg.Module) == "" {
			return nil, ferrors.ValidationError("state:changed requires a module").Build()
		}
		return events.StateChanged{Module: msg.Module, Reason: msg.Reason, At: now}, nil
	default:
		return nil, ferrors.ValidationError("unsupported event type").
			WithContext("type", msg.Type).
			Build()
	}
}

// conn is the part of a NATS connection the bridge uses.
type conn interface {
	Subscribe(subject string, handler func(data []byte)) (unsubscribe func() error, err error)
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

type natsConn struct{ nc *nats.Conn }

func (c natsConn) Subscribe(subject string, handler func([]byte)) (func() error, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) { handler(msg.Data) })
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (c natsConn) Publish(subject string, data []byte) error { return c.nc.Publish(subject, data) }
func (c natsConn) Drain() error                              { return c.nc.Drain() }
func (c natsConn) Close()                                    { c.nc.Close() }

// Bridge connects a NATS subject to the event bus.
type Bridge struct {
	conn        conn
	subject     string
	bus         *events.Bus
	finished    <-chan events.OperationFinished
	unsubscribe func()
}

// Connect dials the NATS server. The initial connect and reconnects retry
// forever in the background. Operation results published on the bus from
// this point on are forwarded once Run starts.
func Connect(cfg config.NATSConfig, bus *events.Bus) (*Bridge, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("applianced"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryMessaging, "failed to connect to NATS").
			WithContext("url", cfg.URL).
			Retryable().
			Build()
	}
	return newBridge(natsConn{nc: nc}, cfg.Subject, bus), nil
}

func newBridge(c conn, subject string, bus *events.Bus) *Bridge {
	finished, unsubscribe := events.Subscribe[events.OperationFinished](bus, 8)
	return &Bridge{conn: c, subject: subject, bus: bus, finished: finished, unsubscribe: unsubscribe}
}

// Close releases a bridge whose Run was never started.
func (b *Bridge) Close() {
	b.unsubscribe()
	b.conn.Close()
}

// Run forwards ingress messages to the bus and operation results to NATS
// until ctx is done, then drains the connection.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.unsubscribe()

	unsubscribe, err := b.conn.Subscribe(b.subject, func(data []byte) {
		b.handle(ctx, data)
	})
	if err != nil {
		b.conn.Close()
		return ferrors.WrapError(err, ferrors.CategoryMessaging, "failed to subscribe").
			WithContext("subject", b.subject).
			Build()
	}
	slog.Info("NATS ingress subscribed", slog.String("subject", b.subject))

	finished := b.finished
	for {
		select {
		case <-ctx.Done():
			_ = unsubscribe()
			if err := b.conn.Drain(); err != nil {
				b.conn.Close()
			}
			return nil
		case evt, ok := <-finished:
			if !ok {
				finished = nil
				continue
			}
			b.forward(evt)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, data []byte) {
	evt, err := Decode(data, time.Now())
	if err != nil {
		slog.Warn("Dropping NATS message", slog.String("subject", b.subject), logfields.Error(err))
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := b.bus.Publish(pubCtx, evt); err != nil {
		slog.Warn("Failed to publish NATS event", logfields.Event(events.Kind(evt)), logfields.Error(err))
	}
}

func (b *Bridge) forward(evt events.OperationFinished) {
	payload, err := json.Marshal(OperationMessage{
		Type:           events.KindOperationFinished,
		Module:         evt.Module,
		State:          evt.State,
		ExitCode:       evt.ExitCode,
		RebootRequired: evt.RebootRequired,
		At:             evt.At,
	})
	if err != nil {
		return
	}
	if err := b.conn.Publish(b.subject+".operation", payload); err != nil {
		slog.Warn("Failed to forward operation result", logfields.Module(evt.Module), logfields.Error(err))
	}
}
