package broker

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/life-stream-dev/treemq/internal/mqtt"
)

type recordingLink struct {
	mu        sync.Mutex
	key       string
	filters   map[string]int
	delivered []*mqtt.Message
	// Unforward calls for a filter that was not forwarded
	underflow int
}

func newRecordingLink(key string) *recordingLink {
	return &recordingLink{key: key, filters: make(map[string]int)}
}

func (l *recordingLink) Key() string { return l.key }

func (l *recordingLink) Deliver(msg *mqtt.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delivered = append(l.delivered, msg)
}

func (l *recordingLink) Forward(filter string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filters[filter]++
}

func (l *recordingLink) Unforward(filter string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.filters[filter] == 0 {
		l.underflow++
		return
	}
	l.filters[filter]--
	if l.filters[filter] == 0 {
		delete(l.filters, filter)
	}
}

func (l *recordingLink) count(filter string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filters[filter]
}

func (l *recordingLink) messages() []*mqtt.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*mqtt.Message(nil), l.delivered...)
}

type recordingSubscriber struct {
	mu   sync.Mutex
	key  string
	msgs []*mqtt.Message
}

func (s *recordingSubscriber) Key() string { return s.key }

func (s *recordingSubscriber) Deliver(msg *mqtt.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *recordingSubscriber) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestLinkForwarding(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()

	a := &recordingSubscriber{key: "a"}
	if err := m.Subscribe(a, "before/#", 1); err != nil {
		t.Fatal(err)
	}

	link := newRecordingLink("link")
	if err := m.Attach(link); err != nil {
		t.Fatal(err)
	}
	if link.count("before/#") != 1 {
		t.Errorf("existing filter not forwarded on attach")
	}

	_ = m.Subscribe(a, "x/+", 0)
	_ = m.Subscribe(a, "x/+", 1)
	b := &recordingSubscriber{key: "b"}
	_ = m.Subscribe(b, "x/+", 0)
	if link.count("x/+") != 2 {
		t.Errorf("expected one forward per subscriber, got %d", link.count("x/+"))
	}

	m.Unsubscribe(a, "x/+")
	m.Unsubscribe(a, "x/+")
	if link.count("x/+") != 1 {
		t.Errorf("expected one remaining forward, got %d", link.count("x/+"))
	}

	payload := []byte("verbatim")
	n := m.Publish(&mqtt.Message{Topic: "x/y", Payload: payload, QoS: 1, Retain: true}, nil)
	if n != 2 {
		t.Errorf("expected subscriber b and the link, got %d", n)
	}
	msgs := link.messages()
	if len(msgs) != 1 || &msgs[0].Payload[0] != &payload[0] || !msgs[0].Retain {
		t.Fatalf("link should receive the original payload with its retain flag")
	}

	// messages coming from the link are not sent back to it
	m.Publish(&mqtt.Message{Topic: "x/y", Payload: payload}, link)
	if len(link.messages()) != 1 {
		t.Errorf("message echoed back to its source link")
	}
	if b.len() != 2 {
		t.Errorf("expected b to receive both messages, got %d", b.len())
	}

	m.Detach(link)
	m.Publish(&mqtt.Message{Topic: "x/y", Payload: payload}, nil)
	if len(link.messages()) != 1 {
		t.Errorf("detached link still receives messages")
	}
}

func TestPublishQoSDowngrade(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()

	s := &recordingSubscriber{key: "s"}
	_ = m.Subscribe(s, "t", 0)
	m.Publish(&mqtt.Message{Topic: "t", Payload: []byte("x"), QoS: 1, Retain: true}, nil)

	if s.len() != 1 {
		t.Fatalf("expected one delivery, got %d", s.len())
	}
	if got := s.msgs[0]; got.QoS != 0 || got.Retain {
		t.Errorf("expected QoS 0 without retain, got qos %d retain %v", got.QoS, got.Retain)
	}
	if retained := m.Retained("t"); len(retained) != 1 {
		t.Errorf("expected retained message to be stored, got %d", len(retained))
	}
}

func TestRestoreOfflineQueues(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()

	ctx := context.Background()
	_ = m.persistence.StoreSubscriptions(ctx, "away", []mqtt.Subscription{
		{ClientID: "away", TopicName: "q/#", QoSLevel: 1},
		{ClientID: "away", TopicName: "zero", QoSLevel: 0},
	})
	if err := m.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if subs := m.Subscriptions(offlineKey("away")); len(subs) != 1 || subs["q/#"] != 1 {
		t.Fatalf("unexpected offline filters %v", subs)
	}

	m.Publish(&mqtt.Message{Topic: "q/1", Payload: []byte("a"), QoS: 1}, nil)
	m.Publish(&mqtt.Message{Topic: "q/2", Payload: []byte("b"), QoS: 0}, nil)

	var queued []string
	_ = m.persistence.StreamOfflinePackets(ctx, "away", func(msg *mqtt.Message) error {
		queued = append(queued, string(msg.Payload))
		return nil
	})
	if len(queued) != 1 || queued[0] != "a" {
		t.Errorf("expected only the QoS 1 message queued, got %v", queued)
	}
}

func TestAttachAfterClose(t *testing.T) {
	m := NewManager(Options{})
	_ = m.Close()
	if err := m.Attach(newRecordingLink("l")); err != ErrManagerClosed {
		t.Errorf("expected ErrManagerClosed, got %v", err)
	}
}

func TestSubscribeAfterTeardown(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()
	link := newRecordingLink("link")
	if err := m.Attach(link); err != nil {
		t.Fatal(err)
	}

	conn, peer := net.Pipe()
	defer peer.Close()
	s := newSession(m, conn)
	if err := m.Subscribe(s, "early/#", 1); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("session before CONNECT: expected ErrSessionClosed, got %v", err)
	}

	s.clientID = "gone"
	s.cleanSession = true
	if _, err := m.connect(s); err != nil {
		t.Fatal(err)
	}
	if err := m.Subscribe(s, "live/#", 1); err != nil {
		t.Fatal(err)
	}
	s.Close()

	if err := m.Subscribe(s, "leak/#", 1); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if subs := m.Subscriptions(s.Key()); len(subs) != 0 {
		t.Errorf("torn down session still indexed: %v", subs)
	}
	if n := m.Publish(&mqtt.Message{Topic: "leak/x", Payload: []byte("p")}, nil); n != 1 {
		t.Errorf("expected only the link to match, got %d", n)
	}
	if link.count("leak/#") != 0 || link.count("live/#") != 0 {
		t.Errorf("link still holds filters of a dead session: %v", link.filters)
	}
}

func TestConcurrentSubscribeUnsubscribeKeepsLinkBalanced(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()
	link := newRecordingLink("link")
	_ = m.Attach(link)

	subs := []*recordingSubscriber{{key: "a"}, {key: "b"}, {key: "c"}}
	var wg sync.WaitGroup
	for _, sub := range subs {
		sub := sub
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = m.Subscribe(sub, "shared/+", 1)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				m.Unsubscribe(sub, "shared/+")
			}
		}()
	}
	wg.Wait()

	holders := 0
	for _, sub := range subs {
		if _, ok := m.Subscriptions(sub.key)["shared/+"]; ok {
			holders++
		}
	}
	if got := link.count("shared/+"); got != holders {
		t.Errorf("link holds %d references, %d subscribers hold the filter", got, holders)
	}
	for _, sub := range subs {
		m.Unsubscribe(sub, "shared/+")
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	if link.filters["shared/+"] != 0 || link.underflow != 0 {
		t.Errorf("unbalanced forwarding: refs %d, underflow %d", link.filters["shared/+"], link.underflow)
	}
}

func TestMatchCacheEnabledByDefault(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()
	if size := m.tree.Options().CacheSize; size <= 0 {
		t.Errorf("expected the match cache to be enabled, size %d", size)
	}
}
