package event

import (
	"sync"

	"github.com/life-stream-dev/treemq/internal/logger"
)

type Kind byte

const (
	ClientConnected Kind = iota + 1
	ClientDisconnected
	MessagePublished
	MessageDelivered
	Subscribed
	Unsubscribed
)

var kindNames = map[Kind]string{
	ClientConnected:    "client_connected",
	ClientDisconnected: "client_disconnected",
	MessagePublished:   "message_published",
	MessageDelivered:   "message_delivered",
	Subscribed:         "subscribed",
	Unsubscribed:       "unsubscribed",
}

func (k Kind) String() string {
	return kindNames[k]
}

// Event is a broker-level notification. Topic holds the message topic for
// publish/deliver events and the filter for (un)subscribe events.
type Event struct {
	Kind     Kind
	ClientID string
	Topic    string
	QoS      byte
}

type Handler func(Event)

// Bus fans events out to synchronous handlers and to buffered channel
// subscribers. A full subscriber channel drops the event.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	subs     map[int]chan Event
	nextID   int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Handle registers h to run inline on every Emit.
func (b *Bus) Handle(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Subscribe returns a channel receiving every event and a function that
// detaches it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			logger.DebugF("Event subscriber full, dropping %s event", e.Kind)
		}
	}
}
