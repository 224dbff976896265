package persistence

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/life-stream-dev/treemq/internal/config"
	"github.com/life-stream-dev/treemq/internal/mqtt"
)

// extraBackends adds stores that need an external server.
var extraBackends []func(t *testing.T) (string, Persistence)

func backends(t *testing.T) map[string]Persistence {
	t.Helper()
	b, err := NewBadgerStore(config.BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	srv := miniredis.RunT(t)
	r, err := NewRedisStore(config.RedisConfig{Addr: srv.Addr(), Prefix: "test"})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	stores := map[string]Persistence{
		"memory": NewMemoryStore(),
		"badger": b,
		"redis":  r,
	}
	for _, extra := range extraBackends {
		name, p := extra(t)
		stores[name] = p
	}
	return stores
}

func TestRetained(t *testing.T) {
	ctx := context.Background()
	for name, p := range backends(t) {
		for _, msg := range []*mqtt.Message{
			{Topic: "a/b", Payload: []byte("1"), QoS: 1, Retain: true},
			{Topic: "a/c", Payload: []byte("2"), Retain: true},
			{Topic: "x", Payload: []byte("3"), Retain: true},
			{Topic: "a/b", Payload: []byte("4"), Retain: true},
		} {
			if err := p.StoreRetained(ctx, msg); err != nil {
				t.Fatalf("%s: StoreRetained: %v", name, err)
			}
		}

		got, err := p.LookupRetained(ctx, "a/+")
		if err != nil {
			t.Fatalf("%s: LookupRetained: %v", name, err)
		}
		var payloads []string
		for _, m := range got {
			payloads = append(payloads, string(m.Payload))
		}
		sort.Strings(payloads)
		if len(payloads) != 2 || payloads[0] != "2" || payloads[1] != "4" {
			t.Errorf("%s: unexpected retained payloads %v", name, payloads)
		}

		if err := p.StoreRetained(ctx, &mqtt.Message{Topic: "a/b", Retain: true}); err != nil {
			t.Fatal(err)
		}
		got, _ = p.LookupRetained(ctx, "#")
		if len(got) != 2 {
			t.Errorf("%s: empty payload should clear retained message, got %d left", name, len(got))
		}
	}
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	for name, p := range backends(t) {
		subs := []mqtt.Subscription{
			{ClientID: "c1", TopicName: "a/#", QoSLevel: 1},
			{ClientID: "c1", TopicName: "b", QoSLevel: 0},
		}
		if err := p.StoreSubscriptions(ctx, "c1", subs); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		_ = p.StoreSubscriptions(ctx, "c1/child", subs[:1])

		got, err := p.LookupSubscriptions(ctx, "c1")
		if err != nil || len(got) != 2 || got[0] != subs[0] {
			t.Errorf("%s: unexpected lookup %v %v", name, got, err)
		}
		all, err := p.AllSubscriptions(ctx)
		if err != nil || len(all) != 2 || len(all["c1/child"]) != 1 {
			t.Errorf("%s: unexpected AllSubscriptions %v %v", name, all, err)
		}
		if _, err := p.LookupSubscriptions(ctx, ""); !errors.Is(err, ErrClientIdEmpty) {
			t.Errorf("%s: expected ErrClientIdEmpty, got %v", name, err)
		}

		none, err := p.LookupSubscriptions(ctx, "unknown")
		if err != nil || len(none) != 0 {
			t.Errorf("%s: unknown client should have no subscriptions, got %v %v", name, none, err)
		}
	}
}

func TestOfflineQueue(t *testing.T) {
	ctx := context.Background()
	for name, p := range backends(t) {
		for _, payload := range []string{"1", "2", "3"} {
			if err := p.StoreOfflinePacket(ctx, "c1", &mqtt.Message{Topic: "t", Payload: []byte(payload), QoS: 1}); err != nil {
				t.Fatalf("%s: %v", name, err)
			}
		}
		_ = p.StoreOfflinePacket(ctx, "c1/other", &mqtt.Message{Topic: "t", Payload: []byte("x"), QoS: 1})

		var got []string
		err := p.StreamOfflinePackets(ctx, "c1", func(m *mqtt.Message) error {
			got = append(got, string(m.Payload))
			return nil
		})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(got) != 3 || got[0] != "1" || got[2] != "3" {
			t.Errorf("%s: expected ordered queue, got %v", name, got)
		}

		count := 0
		_ = p.StreamOfflinePackets(ctx, "c1", func(*mqtt.Message) error { count++; return nil })
		if count != 0 {
			t.Errorf("%s: queue should be drained, got %d", name, count)
		}

		_ = p.StoreSubscriptions(ctx, "c1/other", []mqtt.Subscription{{ClientID: "c1/other", TopicName: "t", QoSLevel: 1}})
		if err := p.CleanSession(ctx, "c1/other"); err != nil {
			t.Fatal(err)
		}
		_ = p.StreamOfflinePackets(ctx, "c1/other", func(*mqtt.Message) error { count++; return nil })
		subs, _ := p.LookupSubscriptions(ctx, "c1/other")
		if count != 0 || len(subs) != 0 {
			t.Errorf("%s: CleanSession left state behind (%d messages, %v)", name, count, subs)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if names := r.Names(); len(names) != 4 {
		t.Errorf("expected 4 built-in factories, got %v", names)
	}

	p, err := r.New(config.PersistenceConfig{Factory: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*MemoryStore); !ok {
		t.Errorf("expected *MemoryStore, got %T", p)
	}

	_, err = r.New(config.PersistenceConfig{Factory: "no_such_persistence"})
	if !errors.Is(err, ErrUnknownFactory) {
		t.Errorf("expected ErrUnknownFactory, got %v", err)
	}

	called := false
	r.Register("custom", func(config.PersistenceConfig) (Persistence, error) {
		called = true
		return NewMemoryStore(), nil
	})
	if _, err := r.New(config.PersistenceConfig{Factory: "custom"}); err != nil || !called {
		t.Errorf("custom factory not used: %v", err)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryStore()
	_ = p.Close(ctx)

	msg := &mqtt.Message{Topic: "a", Payload: []byte("x"), QoS: 1}
	tests := []struct {
		name string
		op   func() error
	}{
		{"StoreRetained", func() error { return p.StoreRetained(ctx, msg) }},
		{"LookupRetained", func() error { _, err := p.LookupRetained(ctx, "#"); return err }},
		{"StoreSubscriptions", func() error { return p.StoreSubscriptions(ctx, "c", nil) }},
		{"LookupSubscriptions", func() error { _, err := p.LookupSubscriptions(ctx, "c"); return err }},
		{"AllSubscriptions", func() error { _, err := p.AllSubscriptions(ctx); return err }},
		{"StoreOfflinePacket", func() error { return p.StoreOfflinePacket(ctx, "c", msg) }},
		{"StreamOfflinePackets", func() error {
			return p.StreamOfflinePackets(ctx, "c", func(*mqtt.Message) error { return nil })
		}},
		{"CleanSession", func() error { return p.CleanSession(ctx, "c") }},
	}
	for _, tt := range tests {
		if err := tt.op(); !errors.Is(err, ErrPersistenceDown) {
			t.Errorf("%s after Close: expected ErrPersistenceDown, got %v", tt.name, err)
		}
	}
}

func TestRedisStoreLayout(t *testing.T) {
	srv := miniredis.RunT(t)
	r, err := NewRedisStore(config.RedisConfig{Addr: srv.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close(context.Background())
	ctx := context.Background()

	_ = r.StoreRetained(ctx, &mqtt.Message{Topic: "a/b", Payload: []byte("1"), Retain: true})
	_ = r.StoreSubscriptions(ctx, "c1", []mqtt.Subscription{{ClientID: "c1", TopicName: "a/#", QoSLevel: 1}})
	_ = r.StoreOfflinePacket(ctx, "c1", &mqtt.Message{Topic: "a/b", Payload: []byte("2"), QoS: 1})

	for _, key := range []string{"treemq:retained", "treemq:subs:c1", "treemq:offline:c1"} {
		if !srv.Exists(key) {
			t.Errorf("expected key %s, have %v", key, srv.Keys())
		}
	}
	if items, _ := srv.List("treemq:offline:c1"); len(items) != 1 {
		t.Errorf("expected one queued message, got %d", len(items))
	}

	if err := r.CleanSession(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if srv.Exists("treemq:subs:c1") || srv.Exists("treemq:offline:c1") {
		t.Errorf("CleanSession left keys behind: %v", srv.Keys())
	}

	srv.SetError("ERR refusing commands")
	if err := r.StoreRetained(ctx, &mqtt.Message{Topic: "x", Payload: []byte("y")}); err == nil {
		t.Error("expected an error while redis refuses commands")
	}
}
