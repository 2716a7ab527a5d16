// Package feed fans view notifications out to streaming clients.
package feed

import (
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 256

// Event kinds.
const (
	KindRow     = "row"
	KindReset   = "reset"
	KindSession = "session"
)

// Event tells a view what to redraw. Row events name one request; reset
// events cover the whole table of a target.
type Event struct {
	Target    string `json:"target_id"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
	Attached  *bool  `json:"attached,omitempty"`
}

// Broker fans out events to all subscribed clients.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a new client. The channel is buffered; slow consumers
// have events dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish never blocks.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// RowChanged and TableReset let the broker serve as a network.Notifier.
func (b *Broker) RowChanged(targetID, requestID string) {
	b.Publish(Event{Target: targetID, Kind: KindRow, RequestID: requestID})
}

func (b *Broker) TableReset(targetID string) {
	b.Publish(Event{Target: targetID, Kind: KindReset})
}

func (b *Broker) SessionChanged(targetID string, attached bool) {
	b.Publish(Event{Target: targetID, Kind: KindSession, Attached: &attached})
}
