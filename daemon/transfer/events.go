package transfer

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies transfer lifecycle events.
type EventType string

const (
	EventRequested  EventType = "requested"
	EventApproved   EventType = "approved"
	EventRejected   EventType = "rejected"
	EventStarted    EventType = "started"
	EventProgressed EventType = "progress"
	EventPaused     EventType = "paused"
	EventResumed    EventType = "resumed"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
)

// Event is a transfer-related notification delivered to subscribers.
type Event struct {
	Type       EventType         `json:"type"`
	TransferID string            `json:"transfer_id"`
	SessionID  string            `json:"session_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Progress   *Progress         `json:"progress,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Subscription is an active event feed. Channel is closed on Unsubscribe.
type Subscription struct {
	ID            string
	SessionFilter string
	Channel       chan *Event
}

// EventPublisher fans transfer events out to subscribers. Sends never block:
// a full subscriber channel drops the event.
type EventPublisher struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	bufferSize    int
}

// NewEventPublisher creates a publisher with the given per-subscriber buffer.
func NewEventPublisher(bufferSize int) *EventPublisher {
	return &EventPublisher{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    bufferSize,
	}
}

// Subscribe registers an event feed. An empty sessionFilter receives events
// for every session.
func (p *EventPublisher) Subscribe(sessionFilter string) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &Subscription{
		ID:            uuid.New().String(),
		SessionFilter: sessionFilter,
		Channel:       make(chan *Event, p.bufferSize),
	}
	p.subscriptions[sub.ID] = sub
	return sub
}

// Unsubscribe removes a feed and closes its channel.
func (p *EventPublisher) Unsubscribe(subscriptionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sub, ok := p.subscriptions[subscriptionID]; ok {
		close(sub.Channel)
		delete(p.subscriptions, subscriptionID)
	}
}

// SubscriptionCount returns the number of active feeds.
func (p *EventPublisher) SubscriptionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscriptions)
}

// Publish delivers an event to all matching subscribers.
func (p *EventPublisher) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, sub := range p.subscriptions {
		if sub.SessionFilter != "" && sub.SessionFilter != event.SessionID {
			continue
		}
		select {
		case sub.Channel <- event:
		default:
			// Slow consumer, drop rather than stall the transfer path.
		}
	}
}

// PublishStatus announces a lifecycle change for a transfer.
func (p *EventPublisher) PublishStatus(t *Transfer, eventType EventType, message string) {
	p.Publish(&Event{
		Type:       eventType,
		TransferID: t.ID,
		SessionID:  t.SessionID,
		Message:    message,
		Metadata: map[string]string{
			"filename":  t.Filename,
			"direction": string(t.Direction),
			"file_size": strconv.FormatInt(t.FileSize, 10),
		},
	})
}

// PublishProgress announces a progress snapshot.
func (p *EventPublisher) PublishProgress(t *Transfer) {
	progress := t.Progress()
	p.Publish(&Event{
		Type:       EventProgressed,
		TransferID: t.ID,
		SessionID:  t.SessionID,
		Progress:   &progress,
	})
}
