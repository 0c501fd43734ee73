package engine

import (
	"sync"
	"time"
)

// EventType identifies one kind of engine event.
type EventType string

const (
	EventWalletConnected    EventType = "WALLET_CONNECTED"
	EventWalletDisconnected EventType = "WALLET_DISCONNECTED"

	EventProfileSyncStarted   EventType = "PROFILE_SYNC_STARTED"
	EventProfileSyncCompleted EventType = "PROFILE_SYNC_COMPLETED"

	EventNFTSyncStarted       EventType = "NFT_SYNC_STARTED"
	EventNFTCollectionUpdated EventType = "NFT_COLLECTION_UPDATED"

	EventStatsSyncStarted   EventType = "STATS_SYNC_STARTED"
	EventStatsSyncCompleted EventType = "STATS_SYNC_COMPLETED"

	EventSyncError EventType = "SYNC_ERROR"
)

// Event is one published engine event. Payload carries a *SyncResult for
// completion events and a *syncerr.SyncError for SYNC_ERROR.
type Event struct {
	Type      EventType
	Address   string
	Payload   any
	Timestamp time.Time
}

// Bus is a typed observer registry. Handlers run synchronously in
// publish order, so a STARTED event is always observed before its
// matching COMPLETED or SYNC_ERROR.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[EventType]map[int]func(Event)
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType]map[int]func(Event))}
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function. Forgotten handlers are the caller's leak;
// unsubscribe is idempotent.
func (b *Bus) Subscribe(t EventType, fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[t] == nil {
		b.subs[t] = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.subs[t][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[t], id)
	}
}

// publish delivers the event to current subscribers. Handlers run
// outside the lock so they may subscribe or unsubscribe re-entrantly.
func (b *Bus) publish(e Event) {
	b.mu.Lock()
	handlers := make([]func(Event), 0, len(b.subs[e.Type]))
	for _, fn := range b.subs[e.Type] {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(e)
	}
}
