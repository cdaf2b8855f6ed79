// Package bus is the in-process message bus agent components communicate
// over. Subscribers register per receiver name; publishing fans the
// message out to every subscription for that receiver plus any wildcard
// subscribers.
package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"fableforge/pkg/models"
)

// Wildcard subscribes to every receiver.
const Wildcard = "*"

// ErrClosed indicates the bus was shut down.
var ErrClosed = errors.New("message bus closed")

// ErrInvalidMessage indicates a message failed envelope validation.
var ErrInvalidMessage = errors.New("invalid message")

// DefaultSubscriberBuffer is the per-subscription channel capacity.
const DefaultSubscriberBuffer = 64

// Subscription is one receiver's view of the bus. Messages it cannot
// absorb in time are dropped rather than blocking publishers.
type Subscription struct {
	receiver string
	ch       chan models.AgentMessage
	dropped  int
	once     sync.Once
	cancel   func()
}

// Messages returns the subscription's delivery channel.
func (s *Subscription) Messages() <-chan models.AgentMessage {
	return s.ch
}

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Bus routes agent messages by receiver name.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	closed bool
	// dropped counts messages lost to full subscriber channels.
	dropped int
}

// New creates an empty message bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscribe registers a receiver. The receiver name Wildcard receives
// every message regardless of addressing.
func (b *Bus) Subscribe(receiver string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{
		receiver: receiver,
		ch:       make(chan models.AgentMessage, DefaultSubscriberBuffer),
	}
	sub.cancel = func() { b.unsubscribe(sub) }
	b.subs[receiver] = append(b.subs[receiver], sub)
	return sub, nil
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.receiver]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.receiver] = append(subs[:i], subs[i+1:]...)
			// Close only when still registered; Close already closed the
			// channels of everything it removed.
			close(sub.ch)
			return
		}
	}
}

// Publish validates the envelope, stamps missing IDs and timestamps, and
// delivers the message to the receiver's subscriptions. Delivery is
// non-blocking; a full subscription drops the message.
func (b *Bus) Publish(msg models.AgentMessage) error {
	if msg.Sender == "" || msg.Receiver == "" {
		return ErrInvalidMessage
	}
	if !msg.Type.Valid() {
		return ErrInvalidMessage
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()[:8]
	}
	if msg.Metadata.Timestamp.IsZero() {
		msg.Metadata.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.subs[msg.Receiver] {
		b.deliverLocked(sub, msg)
	}
	if msg.Receiver != Wildcard {
		for _, sub := range b.subs[Wildcard] {
			b.deliverLocked(sub, msg)
		}
	}
	return nil
}

func (b *Bus) deliverLocked(sub *Subscription, msg models.AgentMessage) {
	select {
	case sub.ch <- msg:
	default:
		sub.dropped++
		b.dropped++
	}
}

// DroppedCount returns the number of messages dropped bus-wide.
func (b *Bus) DroppedCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close shuts the bus down and closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.subs = make(map[string][]*Subscription)
}

// NewRequest builds a task request envelope from the orchestrator to a
// worker role.
func NewRequest(role, projectID string, content map[string]any, priority int) models.AgentMessage {
	return models.AgentMessage{
		MessageID:  uuid.New().String()[:8],
		Sender:     "orchestrator",
		Receiver:   role,
		Type:       models.MessageTypeRequest,
		Content:    content,
		ContextRef: projectID,
		Metadata:   models.MessageMetadata{Timestamp: time.Now(), Priority: priority},
	}
}

// NewResponse builds a worker's reply to a request, recording the request
// ID as a dependency.
func NewResponse(requestID, role, projectID string, content map[string]any) models.AgentMessage {
	return models.AgentMessage{
		MessageID:  uuid.New().String()[:8],
		Sender:     role,
		Receiver:   "orchestrator",
		Type:       models.MessageTypeResponse,
		Content:    content,
		ContextRef: projectID,
		Metadata: models.MessageMetadata{
			Timestamp:    time.Now(),
			Dependencies: []string{requestID},
		},
	}
}
