// Package bus is the in-process pub/sub channel for FSM lifecycle events.
// Tenant topics follow "fsm:<tenant_id>". Delivery is best-effort and
// fire-and-forget: a full mailbox drops the message rather than blocking the
// transition engine.
package bus

import (
	"errors"
	"sync"
)

var ErrNoSubscribers = errors.New("bus: no subscribers for topic")

// Lifecycle event names carried on tenant topics.
const (
	EventStateChanged = "fsm_state_changed"
	EventCreated      = "fsm_created"
	EventDestroyed    = "fsm_destroyed"
)

// Message is one pub/sub payload.
type Message struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Mailbox receives messages for one subscriber.
type Mailbox chan Message

// TenantTopic names the pub/sub topic for a tenant.
func TenantTopic(tenantID string) string {
	if tenantID == "" {
		tenantID = "no_tenant"
	}
	return "fsm:" + tenantID
}

// Bus is the pub/sub interface used by the runtime.
type Bus interface {
	Publish(topic string, msg Message)
	Subscribe(topic, subscriberName string, mb Mailbox) error
	Unsubscribe(topic, subscriberName string, mb Mailbox) error
}

// Forwarder mirrors published messages somewhere else, such as a NATS
// subject. Best-effort, like local delivery.
type Forwarder interface {
	Forward(topic string, msg Message)
}

type subscription struct {
	name    string
	mailbox Mailbox
}

type localBus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscription
	forwarder   Forwarder
}

// NewBus creates an in-process bus.
func NewBus() Bus {
	return &localBus{subscribers: make(map[string][]*subscription)}
}

// NewBusWithForwarder creates an in-process bus that mirrors every publish
// through fw.
func NewBusWithForwarder(fw Forwarder) Bus {
	return &localBus{subscribers: make(map[string][]*subscription), forwarder: fw}
}

func (b *localBus) Publish(topic string, msg Message) {
	b.mu.RLock()
	subs := b.subscribers[topic]
	fw := b.forwarder
	b.mu.RUnlock()

	for _, sub := range subs {
		// Non-blocking send: a full mailbox drops the message.
		select {
		case sub.mailbox <- msg:
		default:
		}
	}
	if fw != nil {
		fw.Forward(topic, msg)
	}
}

func (b *localBus) Subscribe(topic, subscriberName string, mb Mailbox) error {
	if mb == nil {
		return errors.New("bus: nil mailbox")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], &subscription{name: subscriberName, mailbox: mb})
	return nil
}

func (b *localBus) Unsubscribe(topic, subscriberName string, mb Mailbox) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return ErrNoSubscribers
	}
	kept := subs[:0]
	for _, sub := range subs {
		if sub.name == subscriberName && sub.mailbox == mb {
			continue
		}
		kept = append(kept, sub)
	}
	if len(kept) == 0 {
		delete(b.subscribers, topic)
	} else {
		b.subscribers[topic] = kept
	}
	return nil
}
