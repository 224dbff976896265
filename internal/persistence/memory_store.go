package persistence

import (
	"context"
	"sync"

	"github.com/life-stream-dev/treemq/internal/mqtt"
	"github.com/life-stream-dev/treemq/internal/subscription"
)

type MemoryStore struct {
	mu            sync.RWMutex
	retained      map[string]*mqtt.Message
	subscriptions map[string][]mqtt.Subscription
	offline       map[string][]*mqtt.Message
	closed        bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		retained:      make(map[string]*mqtt.Message),
		subscriptions: make(map[string][]mqtt.Subscription),
		offline:       make(map[string][]*mqtt.Message),
	}
}

func (ms *MemoryStore) StoreRetained(_ context.Context, msg *mqtt.Message) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrPersistenceDown
	}
	if len(msg.Payload) == 0 {
		delete(ms.retained, msg.Topic)
		return nil
	}
	ms.retained[msg.Topic] = msg.Copy()
	return nil
}

func (ms *MemoryStore) LookupRetained(_ context.Context, filter string) ([]*mqtt.Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return nil, ErrPersistenceDown
	}
	var result []*mqtt.Message
	for topic, msg := range ms.retained {
		if subscription.MatchFilter(filter, topic) {
			result = append(result, msg.Copy())
		}
	}
	return result, nil
}

func (ms *MemoryStore) StoreSubscriptions(_ context.Context, clientID string, subs []mqtt.Subscription) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrPersistenceDown
	}
	if len(subs) == 0 {
		delete(ms.subscriptions, clientID)
		return nil
	}
	ms.subscriptions[clientID] = append([]mqtt.Subscription(nil), subs...)
	return nil
}

func (ms *MemoryStore) LookupSubscriptions(_ context.Context, clientID string) ([]mqtt.Subscription, error) {
	if clientID == "" {
		return nil, ErrClientIdEmpty
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return nil, ErrPersistenceDown
	}
	return append([]mqtt.Subscription(nil), ms.subscriptions[clientID]...), nil
}

func (ms *MemoryStore) AllSubscriptions(_ context.Context) (map[string][]mqtt.Subscription, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return nil, ErrPersistenceDown
	}
	result := make(map[string][]mqtt.Subscription, len(ms.subscriptions))
	for clientID, subs := range ms.subscriptions {
		result[clientID] = append([]mqtt.Subscription(nil), subs...)
	}
	return result, nil
}

func (ms *MemoryStore) StoreOfflinePacket(_ context.Context, clientID string, msg *mqtt.Message) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrPersistenceDown
	}
	ms.offline[clientID] = append(ms.offline[clientID], msg.Copy())
	return nil
}

func (ms *MemoryStore) StreamOfflinePackets(_ context.Context, clientID string, fn func(*mqtt.Message) error) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	ms.mu.Lock()
	if ms.closed {
		ms.mu.Unlock()
		return ErrPersistenceDown
	}
	queue := ms.offline[clientID]
	delete(ms.offline, clientID)
	ms.mu.Unlock()

	for _, msg := range queue {
		if err := fn(msg); err != nil {
			return err
		}
	}
	return nil
}

func (ms *MemoryStore) CleanSession(_ context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrPersistenceDown
	}
	delete(ms.subscriptions, clientID)
	delete(ms.offline, clientID)
	return nil
}

func (ms *MemoryStore) Close(_ context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}
