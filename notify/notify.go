// Package notify is the outbound boundary to the real-time broker. The relay
// publishes small events to topics and never waits on, or fails because of,
// the broker.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"relay-backend/metrics"
	"relay-backend/utils"
)

const (
	EventCreated       = "request_created"
	EventKeysExchanged = "keys_exchanged"
	EventMessage       = "message"
	EventResponded     = "responded"
	EventReviewing     = "reviewing"
	EventClosed        = "closed"
)

// Event is what subscribers receive.
type Event struct {
	Type          string    `json:"type"`
	RequestID     string    `json:"request_id"`
	ReferenceCode string    `json:"reference_code,omitempty"`
	Status        string    `json:"status,omitempty"`
	Role          string    `json:"role,omitempty"`
	MessageID     string    `json:"message_id,omitempty"`
	Text          string    `json:"text,omitempty"`
	At            time.Time `json:"at"`
}

func RequestTopic(requestID string) string {
	return "request:" + requestID
}

func ProviderTopic(profileID string) string {
	return "provider:" + profileID
}

func AccountTopic(accountID string) string {
	return "account:" + accountID
}

type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, Event) error { return nil }

// Notifier sends events in the background. Failures are logged and counted.
type Notifier struct {
	pub     Publisher
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewNotifier(pub Publisher) *Notifier {
	if pub == nil {
		pub = Nop{}
	}
	return &Notifier{pub: pub, timeout: 5 * time.Second}
}

// Emit publishes ev to topic without blocking the caller.
func (n *Notifier) Emit(topic string, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.pub.Publish(ctx, topic, ev); err != nil {
			metrics.PublishFailures.Inc()
			log.Warnw("publish failed", "topic", topic, "type", ev.Type, "error", utils.Redact(err.Error()))
		}
	}()
}

// EmitFormatted renders ev for a destination channel before publishing.
func (n *Notifier) EmitFormatted(topic, channel string, ev Event) {
	ev.Text = FormatterFor(channel).Format(ev)
	n.Emit(topic, ev)
}

// Wait blocks until in-flight publishes finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
