// Package server wires a broker instance together: listeners, session
// manager, persistence, bridge link and stats.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/life-stream-dev/treemq/internal/bridge"
	"github.com/life-stream-dev/treemq/internal/broker"
	"github.com/life-stream-dev/treemq/internal/config"
	"github.com/life-stream-dev/treemq/internal/event"
	"github.com/life-stream-dev/treemq/internal/keepalive"
	"github.com/life-stream-dev/treemq/internal/logger"
	"github.com/life-stream-dev/treemq/internal/persistence"
	"github.com/life-stream-dev/treemq/internal/stats"
	"github.com/life-stream-dev/treemq/internal/subscription"
)

var (
	ErrServerClosed   = errors.New("server is closed")
	ErrAlreadyStarted = errors.New("server already started")
)

// ConstructionError reports which component kept the server from being
// built.
type ConstructionError struct {
	Component string
	Err       error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construct %s: %v", e.Component, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

type options struct {
	clock       clockwork.Clock
	factory     persistence.Factory
	persistence *persistence.Registry
	backends    *bridge.Registry
	hub         *bridge.Hub
	bus         *event.Bus
}

type Option func(*options)

// WithClock drives keepalive and stats timers from clock.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithPersistenceFactory bypasses the registry and builds the store with f.
func WithPersistenceFactory(f persistence.Factory) Option {
	return func(o *options) { o.factory = f }
}

func WithPersistenceRegistry(r *persistence.Registry) Option {
	return func(o *options) { o.persistence = r }
}

func WithBackendRegistry(r *bridge.Registry) Option {
	return func(o *options) { o.backends = r }
}

// WithHub shares an in-process relay between servers using the "local"
// backend.
func WithHub(hub *bridge.Hub) Option {
	return func(o *options) { o.hub = hub }
}

// WithBus lets the caller observe broker events.
func WithBus(bus *event.Bus) Option {
	return func(o *options) { o.bus = bus }
}

type Server struct {
	cfg         *config.Config
	id          string
	bus         *event.Bus
	persistence persistence.Persistence
	manager     *broker.Manager
	stats       *stats.Collector
	link        *bridge.Link

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	sem       chan struct{}
	wg        sync.WaitGroup
	started   bool
	closing   bool

	ready     chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New builds a server from cfg without opening any socket. Construction
// errors are returned as *ConstructionError.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ConstructionError{Component: "config", Err: err}
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.persistence == nil {
		o.persistence = persistence.NewRegistry()
	}
	if o.backends == nil {
		o.backends = bridge.NewRegistry()
	}
	if o.bus == nil {
		o.bus = event.NewBus()
	}

	s := &Server{
		cfg:   cfg,
		id:    uuid.NewString(),
		bus:   o.bus,
		conns: make(map[net.Conn]struct{}),
		ready: make(chan struct{}),
	}
	if cfg.MaxConnections > 0 {
		s.sem = make(chan struct{}, cfg.MaxConnections)
	}

	var err error
	if o.factory != nil {
		s.persistence, err = o.factory(cfg.Persistence)
	} else {
		s.persistence, err = o.persistence.New(cfg.Persistence)
	}
	if err != nil {
		return nil, &ConstructionError{Component: "persistence", Err: err}
	}

	s.manager = broker.NewManager(broker.Options{
		Persistence:     s.persistence,
		Bus:             s.bus,
		Supervisor:      keepalive.NewSupervisor(o.clock),
		Tree:            subscription.DefaultOptions(),
		ConnectTimeout:  cfg.Keepalive.Std(),
		OutboundQueue:   cfg.OutboundQueue,
		DeliveryTimeout: cfg.DeliveryTimeout.Std(),
	})

	if cfg.Stats.Enabled {
		s.stats = stats.NewCollector(stats.Options{
			InstanceID: s.id,
			Interval:   cfg.Stats.Interval.Std(),
			Clock:      o.clock,
		}, s.bus, s.manager)
	}

	if cfg.Backend.Type != "" {
		backend, err := o.backends.New(cfg.Backend, bridge.Env{
			InstanceID: s.id,
			Keepalive:  cfg.Keepalive.Std(),
			Hub:        o.hub,
		})
		if err != nil {
			_ = s.persistence.Close(context.Background())
			return nil, &ConstructionError{Component: "backend", Err: err}
		}
		s.link = bridge.NewLink(backend, s.manager, cfg.Backend, subscription.DefaultOptions())
	}
	return s, nil
}

// Start restores persisted sessions, opens the listeners and connects the
// bridge. Ready is closed once it succeeds.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.manager.Restore(ctx); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	listeners := []net.Listener{ln}
	if s.cfg.Websocket.Address != "" {
		ws, err := newWSListener(s.cfg.Websocket.Address, s.cfg.Websocket.Path)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen websocket on %s: %w", s.cfg.Websocket.Address, err)
		}
		listeners = append(listeners, ws)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		for _, l := range listeners {
			_ = l.Close()
		}
		return ErrServerClosed
	}
	s.listeners = listeners
	for _, l := range listeners {
		s.wg.Add(1)
		go s.serve(l)
	}
	s.mu.Unlock()

	if s.stats != nil {
		s.stats.Start()
	}
	if s.link != nil {
		if err := s.manager.Attach(s.link); err != nil {
			return fmt.Errorf("attach bridge: %w", err)
		}
		if err := s.link.Start(ctx); err != nil {
			return fmt.Errorf("start bridge: %w", err)
		}
	}

	logger.InfoF("MQTT Server %s listen on %s", s.id, ln.Addr().String())
	close(s.ready)
	return nil
}

// Run starts the server and blocks until ctx is cancelled, then shuts it
// down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		_ = s.Close(context.Background())
		return err
	}
	<-ctx.Done()
	return s.Close(context.Background())
}

func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) ID() string {
	return s.id
}

// Addr returns the TCP listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// WebsocketAddr returns the websocket listen address, nil when disabled.
func (s *Server) WebsocketAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) < 2 {
		return nil
	}
	return s.listeners[1].Addr()
}

func (s *Server) Manager() *broker.Manager {
	return s.manager
}

func (s *Server) Bus() *event.Bus {
	return s.bus
}

// Stats returns the collector, nil when stats are disabled.
func (s *Server) Stats() *stats.Collector {
	return s.stats
}

// MetricsHandler serves the Prometheus metrics of this instance.
func (s *Server) MetricsHandler() http.Handler {
	if s.stats == nil {
		return http.NotFoundHandler()
	}
	return s.stats.Handler()
}

// Close stops accepting, tears down every session and releases the stores.
// Only the first call does any work; later calls return nil once it is done.
func (s *Server) Close(ctx context.Context) error {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.closeErr = s.shutdown(ctx)
	})
	if !first {
		return nil
	}
	return s.closeErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	listeners := s.listeners
	s.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil && !isNetClosedError(err) {
			errs = append(errs, err)
		}
	}
	if s.stats != nil {
		s.stats.Close()
	}
	if err := s.manager.Close(); err != nil {
		errs = append(errs, err)
	}

	// connections still waiting for CONNECT are not known to the manager
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}

	if s.link != nil {
		s.manager.Detach(s.link)
		if err := s.link.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.persistence.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	logger.InfoF("MQTT Server %s closed", s.id)
	return errors.Join(errs...)
}
