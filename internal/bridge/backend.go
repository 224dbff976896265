// Package bridge links a broker instance to an upstream so several
// instances form a tree.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/treemq/internal/config"
	"github.com/life-stream-dev/treemq/internal/mqtt"
	"github.com/life-stream-dev/treemq/internal/subscription"
)

var (
	ErrUnknownBackend = errors.New("unknown bridge backend")
	ErrUpstreamDown   = errors.New("upstream is not connected")
	ErrBackendClosed  = errors.New("bridge backend is closed")
)

// Backend is the transport to the upstream broker.
type Backend interface {
	// Start connects and routes every message received from upstream to
	// onMessage. An unreachable upstream is not an error.
	Start(ctx context.Context, onMessage func(*mqtt.Message)) error
	Subscribe(filter string, qos byte) error
	Unsubscribe(filter string) error
	Publish(msg *mqtt.Message) error
	// Options is the wildcard grammar the upstream speaks.
	Options() subscription.Options
	// Echoes reports whether upstream sends our own publishes back to us
	// when they match a filter we hold.
	Echoes() bool
	Close() error
}

// Env carries the instance-wide values a backend factory may need.
type Env struct {
	InstanceID string
	Keepalive  time.Duration
	Hub        *Hub
}

type Factory func(cfg config.BackendConfig, env Env) (Backend, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the "mqtt" and "local" backends.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("mqtt", NewMQTTBackend)
	r.Register("local", NewLocalBackend)
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) New(cfg config.BackendConfig, env Env) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Type)
	}
	return f(cfg, env)
}
