// Package persistence stores retained messages, persistent-session
// subscriptions and offline QoS 1 queues behind one interface.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/life-stream-dev/treemq/internal/config"
	"github.com/life-stream-dev/treemq/internal/mqtt"
)

var (
	ErrUnknownFactory  = errors.New("unknown persistence factory")
	ErrClientIdEmpty   = errors.New("client_id is empty")
	ErrPersistenceDown = errors.New("persistence is closed")
)

// Persistence is the storage port used by the session manager.
type Persistence interface {
	// StoreRetained keeps msg as the retained message of its topic. An empty
	// payload removes the retained message instead.
	StoreRetained(ctx context.Context, msg *mqtt.Message) error
	// LookupRetained returns every retained message whose topic matches filter.
	LookupRetained(ctx context.Context, filter string) ([]*mqtt.Message, error)

	// StoreSubscriptions replaces the stored subscriptions of clientID.
	StoreSubscriptions(ctx context.Context, clientID string, subs []mqtt.Subscription) error
	LookupSubscriptions(ctx context.Context, clientID string) ([]mqtt.Subscription, error)
	// AllSubscriptions returns stored subscriptions grouped by client.
	AllSubscriptions(ctx context.Context) (map[string][]mqtt.Subscription, error)

	// StoreOfflinePacket appends msg to the offline queue of clientID.
	StoreOfflinePacket(ctx context.Context, clientID string, msg *mqtt.Message) error
	// StreamOfflinePackets drains the offline queue of clientID in arrival
	// order. Drained messages are removed even if fn fails.
	StreamOfflinePackets(ctx context.Context, clientID string, fn func(*mqtt.Message) error) error

	// CleanSession drops subscriptions and the offline queue of clientID.
	CleanSession(ctx context.Context, clientID string) error

	Close(ctx context.Context) error
}

// Factory builds a Persistence from its configuration block.
type Factory func(cfg config.PersistenceConfig) (Persistence, error)

// Registry resolves factory names to constructors.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in backends: memory,
// redis, mongo and badger.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("memory", func(config.PersistenceConfig) (Persistence, error) {
		return NewMemoryStore(), nil
	})
	r.Register("redis", func(cfg config.PersistenceConfig) (Persistence, error) {
		return NewRedisStore(cfg.Redis)
	})
	r.Register("mongo", func(cfg config.PersistenceConfig) (Persistence, error) {
		return NewMongoStore(cfg.Mongo)
	})
	r.Register("badger", func(cfg config.PersistenceConfig) (Persistence, error) {
		return NewBadgerStore(cfg.Badger)
	})
	return r
}

func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names lists the registered factory names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the backend named by cfg.Factory.
func (r *Registry) New(cfg config.PersistenceConfig) (Persistence, error) {
	name := cfg.Factory
	if name == "" {
		name = "memory"
	}
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFactory, name)
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("persistence %q: %w", name, err)
	}
	return p, nil
}
