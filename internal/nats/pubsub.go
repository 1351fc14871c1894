package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

// PubSubBroker publishes scheduler events over NATS core pub/sub and lets
// dashboards and tests subscribe to them. Drive faults also go to the alert
// subject of the drive.
type PubSubBroker struct {
	nc   *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewPubSubBroker creates a new PubSubBroker using the given NATS connection.
func NewPubSubBroker(nc *nats.Conn) *PubSubBroker {
	return &PubSubBroker{nc: nc}
}

// Publish sends ev to its event subject, and to the drive's alert subject
// when it is a drive fault.
func (b *PubSubBroker) Publish(_ context.Context, ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.nc.Publish(EventSubject(ev.Kind, ev.Pool), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	if ev.Kind == core.EventDriveFault {
		if err := b.nc.Publish(AlertSubject(ev.Drive), data); err != nil {
			slog.Error("failed to publish drive alert", "error", err, "drive", ev.Drive)
			return fmt.Errorf("publish alert: %w", err)
		}
	}
	return nil
}

// SubscribeEvents subscribes to every event.
func (b *PubSubBroker) SubscribeEvents() (<-chan core.Event, func(), error) {
	return b.subscribe(EventsAllSubject())
}

// SubscribeAlerts subscribes to drive faults on every drive.
func (b *PubSubBroker) SubscribeAlerts() (<-chan core.Event, func(), error) {
	return b.subscribe(AlertsAllSubject())
}

func (b *PubSubBroker) subscribe(subject string) (<-chan core.Event, func(), error) {
	ch := make(chan core.Event, 64)

	var once sync.Once
	var mu sync.Mutex
	closed := false

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev core.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Error("failed to unmarshal event", "error", err, "subject", msg.Subject)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			slog.Warn("dropping event, subscriber channel full", "subject", subject)
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	unsubscribe := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, unsubscribe, nil
}

// Close unsubscribes all subscriptions.
func (b *PubSubBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	return nil
}
