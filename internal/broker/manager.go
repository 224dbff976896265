// Package broker holds the session state machine and the session manager
// that routes messages between sessions, bridge links and persistence.
package broker

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/life-stream-dev/treemq/internal/event"
	"github.com/life-stream-dev/treemq/internal/keepalive"
	"github.com/life-stream-dev/treemq/internal/logger"
	"github.com/life-stream-dev/treemq/internal/mqtt"
	"github.com/life-stream-dev/treemq/internal/persistence"
	"github.com/life-stream-dev/treemq/internal/subscription"
	"golang.org/x/sync/errgroup"
)

var (
	ErrManagerClosed = errors.New("session manager is closed")
	ErrSessionClosed = errors.New("session is not connected")
)

const persistenceTimeout = 5 * time.Second

// Subscriber is anything the manager can route a message to. Key identifies
// the subscriber in the match index; one key receives a message at most once
// per publish.
type Subscriber interface {
	Key() string
	// Deliver hands over msg with its QoS already reduced to the granted
	// level. Implementations must not block for long.
	Deliver(msg *mqtt.Message)
}

// Link is a subscriber standing for another broker instance. The manager
// announces every local filter to it and routes every local publish to it.
type Link interface {
	Subscriber
	Forward(filter string)
	Unforward(filter string)
}

type Options struct {
	Persistence persistence.Persistence
	Bus         *event.Bus
	Supervisor  *keepalive.Supervisor
	Tree        subscription.Options
	// ConnectTimeout bounds the wait for CONNECT on a new transport.
	ConnectTimeout time.Duration
	// OutboundQueue is the per-session outbound packet buffer.
	OutboundQueue int
	// DeliveryTimeout is how long a QoS>0 delivery waits on a full queue.
	DeliveryTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Persistence == nil {
		o.Persistence = persistence.NewMemoryStore()
	}
	if o.Bus == nil {
		o.Bus = event.NewBus()
	}
	if o.Supervisor == nil {
		o.Supervisor = keepalive.NewSupervisor(nil)
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = time.Minute
	}
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = 256
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = time.Second
	}
	if o.Tree == (subscription.Options{}) {
		o.Tree = subscription.DefaultOptions()
	}
	return o
}

type route struct {
	sub Subscriber
	qos byte
}

func maxQoS(existing, next route) route {
	if next.qos > existing.qos {
		existing.qos = next.qos
	}
	return existing
}

// Manager owns the live sessions of one broker instance together with the
// subscription index shared by sessions, offline queues and links.
type Manager struct {
	opts        Options
	persistence persistence.Persistence
	bus         *event.Bus
	supervisor  *keepalive.Supervisor
	tree        *subscription.Tree[route]

	// indexMu orders index changes together with the link announcements they
	// cause. It is taken before mu.
	indexMu  sync.Mutex
	mu       sync.RWMutex
	sessions map[string]*Session
	links    map[string]Link
	routes   map[string]map[string]byte // subscriber key -> filter -> qos
	closed   bool
}

func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:        opts,
		persistence: opts.Persistence,
		bus:         opts.Bus,
		supervisor:  opts.Supervisor,
		tree:        subscription.NewTree[route](opts.Tree, maxQoS),
		sessions:    make(map[string]*Session),
		links:       make(map[string]Link),
		routes:      make(map[string]map[string]byte),
	}
}

func (m *Manager) Bus() *event.Bus {
	return m.bus
}

func (m *Manager) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), persistenceTimeout)
}

// ServeConn runs the session protocol on conn and returns once the session
// has been torn down.
func (m *Manager) ServeConn(conn net.Conn) {
	newSession(m, conn).run()
}

// Session returns the live session registered under clientID.
func (m *Manager) Session(clientID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[clientID]
	return s, ok
}

// SessionCount returns the number of connected sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Subscribe indexes sub under filter. Filters coming from sessions and
// offline queues are announced to every attached link the first time the
// subscriber registers them. A session that is no longer connected gets
// ErrSessionClosed.
func (m *Manager) Subscribe(sub Subscriber, filter string, qos byte) error {
	key := sub.Key()
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	m.mu.Lock()
	if s, ok := sub.(*Session); ok && s.State() != Connected {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if err := m.tree.Insert(filter, key, route{sub: sub, qos: qos}); err != nil {
		m.mu.Unlock()
		return err
	}
	filters, ok := m.routes[key]
	if !ok {
		filters = make(map[string]byte)
		m.routes[key] = filters
	}
	_, existed := filters[filter]
	filters[filter] = qos
	var links []Link
	if _, isLink := m.links[key]; !existed && !isLink {
		links = m.linkList()
	}
	m.mu.Unlock()

	for _, l := range links {
		l.Forward(filter)
	}
	return nil
}

// Unsubscribe removes filter for sub. Removing an unknown filter is a no-op
// reported as false.
func (m *Manager) Unsubscribe(sub Subscriber, filter string) bool {
	key := sub.Key()
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	m.mu.Lock()
	filters := m.routes[key]
	if _, ok := filters[filter]; !ok {
		m.mu.Unlock()
		return false
	}
	delete(filters, filter)
	if len(filters) == 0 {
		delete(m.routes, key)
	}
	m.tree.Delete(filter, key)
	var links []Link
	if _, isLink := m.links[key]; !isLink {
		links = m.linkList()
	}
	m.mu.Unlock()

	for _, l := range links {
		l.Unforward(filter)
	}
	return true
}

// Subscriptions returns the filters currently indexed for key.
func (m *Manager) Subscriptions(key string) map[string]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]byte, len(m.routes[key]))
	for filter, qos := range m.routes[key] {
		result[filter] = qos
	}
	return result
}

// dropRoutes removes every filter of key from the index and returns them.
func (m *Manager) dropRoutes(key string) map[string]byte {
	filters, _ := m.dropRoutesIf(key, nil)
	return filters
}

// dropRoutesIf is dropRoutes guarded by cond, which is evaluated under the
// index lock. It reports whether the routes were dropped.
func (m *Manager) dropRoutesIf(key string, cond func() bool) (map[string]byte, bool) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	m.mu.Lock()
	if cond != nil && !cond() {
		m.mu.Unlock()
		return nil, false
	}
	filters := m.routes[key]
	delete(m.routes, key)
	for filter := range filters {
		m.tree.Delete(filter, key)
	}
	var links []Link
	if _, isLink := m.links[key]; !isLink {
		links = m.linkList()
	}
	m.mu.Unlock()

	for filter := range filters {
		for _, l := range links {
			l.Unforward(filter)
		}
	}
	return filters, true
}

// must be called with mu held
func (m *Manager) linkList() []Link {
	links := make([]Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	return links
}

// Attach registers a link: it receives every local publish and is told
// about every filter currently subscribed locally.
func (m *Manager) Attach(l Link) error {
	key := l.Key()
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	all := m.tree.Options().WildcardSome
	if err := m.tree.Insert(all, key, route{sub: l, qos: 1}); err != nil {
		m.mu.Unlock()
		return err
	}
	m.links[key] = l
	m.routes[key] = map[string]byte{all: 1}
	var filters []string
	for k, fs := range m.routes {
		if _, isLink := m.links[k]; isLink {
			continue
		}
		for filter := range fs {
			filters = append(filters, filter)
		}
	}
	m.mu.Unlock()

	for _, filter := range filters {
		l.Forward(filter)
	}
	return nil
}

// Detach removes a link previously attached.
func (m *Manager) Detach(l Link) {
	key := l.Key()
	m.mu.Lock()
	if _, ok := m.links[key]; !ok {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.dropRoutes(key)
	m.mu.Lock()
	delete(m.links, key)
	m.mu.Unlock()
}

// Publish stores msg if it is retained and delivers it once to every
// subscriber whose filters match its topic, except skip. It returns the
// number of subscribers reached.
func (m *Manager) Publish(msg *mqtt.Message, skip Subscriber) int {
	if msg.Retain {
		ctx, cancel := m.opContext()
		if err := m.persistence.StoreRetained(ctx, msg); err != nil {
			logger.ErrorF("Fail to store retained message on %s, details: %v", msg.Topic, err)
		}
		cancel()
	}

	skipKey := ""
	if skip != nil {
		skipKey = skip.Key()
	}

	matches := m.tree.Match(msg.Topic)
	delivered := 0
	for key, r := range matches {
		if key == skipKey {
			continue
		}
		out := msg.Copy()
		out.QoS = min(msg.QoS, r.qos)
		if _, isLink := r.sub.(Link); !isLink {
			out.Retain = false
		}
		r.sub.Deliver(out)
		delivered++
	}
	return delivered
}

// Retained returns the retained messages matching filter.
func (m *Manager) Retained(filter string) []*mqtt.Message {
	ctx, cancel := m.opContext()
	defer cancel()
	msgs, err := m.persistence.LookupRetained(ctx, filter)
	if err != nil {
		logger.ErrorF("Fail to lookup retained messages for %s, details: %v", filter, err)
		return nil
	}
	return msgs
}

// connect registers s under its client id, evicting any live session with
// the same id, and reports whether stored session state exists.
func (m *Manager) connect(s *Session) (bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrManagerClosed
	}
	old := m.sessions[s.clientID]
	m.sessions[s.clientID] = s
	s.state.Store(int32(Connected))
	m.mu.Unlock()

	if old != nil {
		logger.InfoF("[%s] Client reconnected, closing previous session", s.clientID)
		old.Close()
	}

	ctx, cancel := m.opContext()
	defer cancel()

	if s.cleanSession {
		m.dropRoutes(offlineKey(s.clientID))
		if err := m.persistence.CleanSession(ctx, s.clientID); err != nil {
			logger.WarnF("[%s] Fail to clean stored session, details: %v", s.clientID, err)
		}
		return false, nil
	}

	subs, err := m.persistence.LookupSubscriptions(ctx, s.clientID)
	if err != nil {
		logger.WarnF("[%s] Fail to load stored session, details: %v", s.clientID, err)
		return false, nil
	}
	s.restored = subs
	return len(subs) > 0, nil
}

// resume restores the subscriptions of a persistent session and replays its
// offline queue. It runs after CONNACK has been queued.
func (m *Manager) resume(s *Session) {
	if s.cleanSession {
		return
	}
	for _, sub := range s.restored {
		err := m.Subscribe(s, sub.TopicName, sub.QoSLevel)
		if errors.Is(err, ErrSessionClosed) {
			return
		}
		if err != nil {
			logger.WarnF("[%s] Fail to restore subscription %s, details: %v", s.clientID, sub.TopicName, err)
		}
	}
	s.restored = nil
	// a session torn down meanwhile has queued for itself again
	m.dropRoutesIf(offlineKey(s.clientID), func() bool { return s.State() == Connected })

	ctx, cancel := m.opContext()
	defer cancel()
	count := 0
	err := m.persistence.StreamOfflinePackets(ctx, s.clientID, func(msg *mqtt.Message) error {
		s.Deliver(msg)
		count++
		return nil
	})
	if err != nil {
		logger.WarnF("[%s] Fail to replay offline messages, details: %v", s.clientID, err)
	}
	if count > 0 {
		logger.InfoF("[%s] Replayed %d offline messages", s.clientID, count)
	}
}

// disconnect unregisters s and removes its filters from the index.
func (m *Manager) disconnect(s *Session) map[string]byte {
	m.mu.Lock()
	if m.sessions[s.clientID] == s {
		delete(m.sessions, s.clientID)
	}
	m.mu.Unlock()
	return m.dropRoutes(s.key)
}

// park stores the subscriptions of a persistent session that went away and
// keeps queueing QoS>0 messages for it until it comes back.
func (m *Manager) park(clientID string, filters map[string]byte, pending []*mqtt.Message) {
	ctx, cancel := m.opContext()
	defer cancel()

	subs := make([]mqtt.Subscription, 0, len(filters))
	for filter, qos := range filters {
		subs = append(subs, mqtt.Subscription{ClientID: clientID, TopicName: filter, QoSLevel: qos})
	}
	if err := m.persistence.StoreSubscriptions(ctx, clientID, subs); err != nil {
		logger.ErrorF("[%s] Fail to store session subscriptions, details: %v", clientID, err)
	}
	for _, msg := range pending {
		if err := m.persistence.StoreOfflinePacket(ctx, clientID, msg); err != nil {
			logger.ErrorF("[%s] Fail to store in-flight message, details: %v", clientID, err)
		}
	}
	m.queueOffline(clientID, subs)
}

func (m *Manager) queueOffline(clientID string, subs []mqtt.Subscription) {
	offline := &offlineSubscriber{clientID: clientID, m: m}
	for _, sub := range subs {
		if sub.QoSLevel == 0 {
			continue
		}
		if err := m.Subscribe(offline, sub.TopicName, sub.QoSLevel); err != nil {
			logger.WarnF("[%s] Fail to queue offline filter %s, details: %v", clientID, sub.TopicName, err)
		}
	}
}

// Restore registers offline queues for every persistent session found in
// persistence. It is meant to run once before accepting connections.
func (m *Manager) Restore(ctx context.Context) error {
	all, err := m.persistence.AllSubscriptions(ctx)
	if err != nil {
		return err
	}
	for clientID, subs := range all {
		m.mu.RLock()
		_, live := m.sessions[clientID]
		m.mu.RUnlock()
		if !live {
			m.queueOffline(clientID, subs)
		}
	}
	if len(all) > 0 {
		logger.InfoF("Restored %d persistent sessions", len(all))
	}
	return nil
}

// Close tears every live session down and refuses new ones. Calling it more
// than once is harmless.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			s.Close()
			return nil
		})
	}
	return g.Wait()
}

func offlineKey(clientID string) string {
	return "offline/" + clientID
}

// offlineSubscriber queues messages for a persistent session while its
// client is away.
type offlineSubscriber struct {
	clientID string
	m        *Manager
}

func (o *offlineSubscriber) Key() string {
	return offlineKey(o.clientID)
}

func (o *offlineSubscriber) Deliver(msg *mqtt.Message) {
	if msg.QoS == 0 {
		return
	}
	ctx, cancel := o.m.opContext()
	defer cancel()
	if err := o.m.persistence.StoreOfflinePacket(ctx, o.clientID, msg); err != nil {
		logger.ErrorF("[%s] Fail to queue offline message on %s, details: %v", o.clientID, msg.Topic, err)
	}
}
