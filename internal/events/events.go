// Package events provides in-process pub/sub for execution progress.
// The API server subscribes to stream progress without polling the store.
package events

import (
	"sync"
	"time"
)

// Event types.
const (
	EventSessionStatus = "session_status"
	EventBatchStatus   = "batch_status"
	EventTaskStatus    = "task_status"
	EventPoolStatus    = "pool_status"
)

// Event is one progress notification, keyed by session.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	BatchID   string    `json:"batch_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Time      time.Time `json:"time"`
}

// GlobalSessionID is the special session ID for subscribing to all events.
const GlobalSessionID = "*"

// Publisher defines the interface for event publishing.
type Publisher interface {
	// Publish sends an event to all subscribers of the session.
	Publish(event Event)
	// Subscribe returns a channel that receives events for the given session.
	// Use GlobalSessionID ("*") to receive events for all sessions.
	Subscribe(sessionID string) <-chan Event
	// Unsubscribe removes a subscription channel.
	Unsubscribe(sessionID string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher is an in-memory implementation of Publisher.
type MemoryPublisher struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.bufferSize = size
	}
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends an event to all subscribers of the session, plus global
// subscribers. Non-blocking: subscribers with full buffers miss the event.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers[event.SessionID] {
		select {
		case ch <- event:
		default:
		}
	}

	if event.SessionID != GlobalSessionID {
		for _, ch := range p.subscribers[GlobalSessionID] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Subscribe returns a channel that receives events for the given session.
func (p *MemoryPublisher) Subscribe(sessionID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	p.subscribers[sessionID] = append(p.subscribers[sessionID], ch)
	return ch
}

// Unsubscribe removes a subscription channel.
func (p *MemoryPublisher) Unsubscribe(sessionID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[sessionID]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}

	if len(p.subscribers[sessionID]) == 0 {
		delete(p.subscribers, sessionID)
	}
}

// Close shuts down the publisher and closes all subscription channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for sessionID, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, sessionID)
	}
}

// SubscriberCount returns the number of subscribers for a session.
func (p *MemoryPublisher) SubscriberCount(sessionID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[sessionID])
}

// NopPublisher is a no-op publisher for when events are disabled.
type NopPublisher struct{}

// NewNopPublisher creates a no-op publisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

// Publish does nothing.
func (p *NopPublisher) Publish(event Event) {}

// Subscribe returns a closed channel.
func (p *NopPublisher) Subscribe(sessionID string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe does nothing.
func (p *NopPublisher) Unsubscribe(sessionID string, ch <-chan Event) {}

// Close does nothing.
func (p *NopPublisher) Close() {}
