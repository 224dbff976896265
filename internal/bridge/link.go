package bridge

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/treemq/internal/broker"
	"github.com/life-stream-dev/treemq/internal/config"
	"github.com/life-stream-dev/treemq/internal/logger"
	"github.com/life-stream-dev/treemq/internal/mqtt"
	"github.com/life-stream-dev/treemq/internal/subscription"
)

const (
	defaultQueueSize  = 1024
	defaultEchoWindow = 30 * time.Second
	echoCacheSize     = 4096
)

// Publisher injects messages received from upstream into the local
// instance. *broker.Manager satisfies it.
type Publisher interface {
	Publish(msg *mqtt.Message, skip broker.Subscriber) int
}

// Link connects the local instance to its upstream. It subscribes upstream
// to every filter held locally and forwards every local publish upstream.
// Messages coming back from upstream are published locally without being
// forwarded again.
type Link struct {
	key       string
	backend   Backend
	publisher Publisher
	local     subscription.Options
	remote    subscription.Options

	mu   sync.Mutex
	refs map[string]int

	queue chan *mqtt.Message
	// 记录已转发到上游的消息指纹，用于丢弃上游回传的副本；上游不回传时为 nil
	echoes *expirable.LRU[uint64, int]
	echoMu sync.Mutex

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewLink wraps backend. local is the wildcard grammar of the local
// subscription tree.
func NewLink(backend Backend, publisher Publisher, cfg config.BackendConfig, local subscription.Options) *Link {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	window := cfg.EchoWindow.Std()
	if window <= 0 {
		window = defaultEchoWindow
	}
	l := &Link{
		key:       "bridge/" + uuid.NewString(),
		backend:   backend,
		publisher: publisher,
		local:     local,
		remote:    backend.Options(),
		refs:      make(map[string]int),
		queue:     make(chan *mqtt.Message, size),
		done:      make(chan struct{}),
	}
	if backend.Echoes() {
		l.echoes = expirable.NewLRU[uint64, int](echoCacheSize, nil, window)
	}
	return l
}

// Start connects the backend and starts the forwarding worker.
func (l *Link) Start(ctx context.Context) error {
	if err := l.backend.Start(ctx, l.receive); err != nil {
		return err
	}
	l.wg.Add(1)
	go l.run()
	return nil
}

func (l *Link) Key() string {
	return l.key
}

// Deliver queues a local publish for upstream. A full queue drops it.
func (l *Link) Deliver(msg *mqtt.Message) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.queue <- msg:
	default:
		logger.WarnF("[%s] Forward queue full, dropping message on %s", l.key, msg.Topic)
	}
}

// Forward subscribes upstream to filter on its first local reference.
func (l *Link) Forward(filter string) {
	remote := l.local.Translate(filter, l.remote)
	l.mu.Lock()
	l.refs[remote]++
	first := l.refs[remote] == 1
	l.mu.Unlock()
	if !first {
		return
	}
	if err := l.backend.Subscribe(remote, 1); err != nil {
		logger.WarnF("[%s] Fail to subscribe upstream to %s, details: %v", l.key, remote, err)
	}
}

// Unforward drops one reference and unsubscribes upstream on the last.
func (l *Link) Unforward(filter string) {
	remote := l.local.Translate(filter, l.remote)
	l.mu.Lock()
	n, ok := l.refs[remote]
	if !ok {
		l.mu.Unlock()
		return
	}
	last := n <= 1
	if last {
		delete(l.refs, remote)
	} else {
		l.refs[remote] = n - 1
	}
	l.mu.Unlock()
	if !last {
		return
	}
	if err := l.backend.Unsubscribe(remote); err != nil {
		logger.WarnF("[%s] Fail to unsubscribe upstream from %s, details: %v", l.key, remote, err)
	}
}

// Filters returns the upstream filters currently held.
func (l *Link) Filters() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	filters := make([]string, 0, len(l.refs))
	for f := range l.refs {
		filters = append(filters, f)
	}
	return filters
}

func (l *Link) run() {
	defer l.wg.Done()
	for {
		select {
		case msg := <-l.queue:
			l.remember(msg)
			if err := l.backend.Publish(msg); err != nil {
				logger.DebugF("[%s] Fail to forward message on %s, details: %v", l.key, msg.Topic, err)
				l.forget(msg)
			}
		case <-l.done:
			return
		}
	}
}

func (l *Link) receive(msg *mqtt.Message) {
	if l.isEcho(msg) {
		logger.DebugF("[%s] Dropping echo on %s", l.key, msg.Topic)
		return
	}
	msg.Sender = ""
	msg.MessageID = 0
	l.publisher.Publish(msg, l)
}

// remember records msg when upstream could send it back to us.
func (l *Link) remember(msg *mqtt.Message) {
	if l.echoes == nil || !l.subscribedTo(msg.Topic) {
		return
	}
	sum := fingerprint(msg)
	l.echoMu.Lock()
	defer l.echoMu.Unlock()
	n, _ := l.echoes.Get(sum)
	l.echoes.Add(sum, n+1)
}

func (l *Link) forget(msg *mqtt.Message) {
	if l.echoes == nil {
		return
	}
	sum := fingerprint(msg)
	l.echoMu.Lock()
	defer l.echoMu.Unlock()
	l.release(sum)
}

func (l *Link) isEcho(msg *mqtt.Message) bool {
	if l.echoes == nil {
		return false
	}
	sum := fingerprint(msg)
	l.echoMu.Lock()
	defer l.echoMu.Unlock()
	return l.release(sum)
}

func (l *Link) release(sum uint64) bool {
	n, ok := l.echoes.Get(sum)
	if !ok {
		return false
	}
	if n <= 1 {
		l.echoes.Remove(sum)
	} else {
		l.echoes.Add(sum, n-1)
	}
	return true
}

func (l *Link) subscribedTo(topic string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for filter := range l.refs {
		if l.remote.MatchFilter(filter, topic) {
			return true
		}
	}
	return false
}

// Close stops the worker and closes the backend. Queued messages are
// dropped.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		err = l.backend.Close()
	})
	return err
}

func fingerprint(msg *mqtt.Message) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(msg.Topic))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(msg.Payload)
	return h.Sum64()
}
