package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/life-stream-dev/treemq/internal/config"
	"github.com/life-stream-dev/treemq/internal/mqtt"
	"github.com/life-stream-dev/treemq/internal/subscription"
)

// Hub relays messages between backends living in the same process. Every
// attached backend sees what the others publish on the filters it holds.
type Hub struct {
	tree *subscription.Tree[*localBackend]
}

func NewHub() *Hub {
	return &Hub{tree: subscription.NewTree[*localBackend](subscription.DefaultOptions(), nil)}
}

func (h *Hub) publish(from *localBackend, msg *mqtt.Message) int {
	n := 0
	for _, b := range h.tree.Match(msg.Topic) {
		if b == from {
			continue
		}
		if b.receive(msg.Copy()) {
			n++
		}
	}
	return n
}

type localBackend struct {
	id  string
	hub *Hub

	mu        sync.RWMutex
	filters   map[string]struct{}
	onMessage func(*mqtt.Message)
	closed    bool
}

// NewLocalBackend attaches to env.Hub. The configured wildcards are ignored;
// a hub always speaks the MQTT defaults.
func NewLocalBackend(_ config.BackendConfig, env Env) (Backend, error) {
	if env.Hub == nil {
		return nil, errors.New("local backend requires a hub")
	}
	return &localBackend{
		id:      uuid.NewString(),
		hub:     env.Hub,
		filters: make(map[string]struct{}),
	}, nil
}

func (b *localBackend) Start(_ context.Context, onMessage func(*mqtt.Message)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	b.onMessage = onMessage
	return nil
}

func (b *localBackend) receive(msg *mqtt.Message) bool {
	b.mu.RLock()
	onMessage := b.onMessage
	closed := b.closed
	b.mu.RUnlock()
	if closed || onMessage == nil {
		return false
	}
	onMessage(msg)
	return true
}

func (b *localBackend) Subscribe(filter string, _ byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	if err := b.hub.tree.Insert(filter, b.id, b); err != nil {
		return err
	}
	b.filters[filter] = struct{}{}
	return nil
}

func (b *localBackend) Unsubscribe(filter string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	b.hub.tree.Delete(filter, b.id)
	delete(b.filters, filter)
	return nil
}

func (b *localBackend) Publish(msg *mqtt.Message) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBackendClosed
	}
	b.hub.publish(b, msg)
	return nil
}

func (b *localBackend) Options() subscription.Options {
	return b.hub.tree.Options()
}

// Echoes is false: the hub never hands a message back to its sender.
func (b *localBackend) Echoes() bool {
	return false
}

func (b *localBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for filter := range b.filters {
		b.hub.tree.Delete(filter, b.id)
	}
	b.filters = nil
	return nil
}
