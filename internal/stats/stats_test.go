package stats

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/life-stream-dev/treemq/internal/broker"
	"github.com/life-stream-dev/treemq/internal/event"
	"github.com/life-stream-dev/treemq/internal/mqtt"
)

type recorder struct {
	mu   sync.Mutex
	msgs map[string]string
}

func (r *recorder) Publish(msg *mqtt.Message, _ broker.Subscriber) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[msg.Topic] = string(msg.Payload)
	return 0
}

func (r *recorder) get(topic string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.msgs[topic]
	return v, ok
}

func TestCounters(t *testing.T) {
	bus := event.NewBus()
	c := NewCollector(Options{InstanceID: "node"}, bus, &recorder{msgs: map[string]string{}})
	defer c.Close()

	for _, kind := range []event.Kind{
		event.ClientConnected, event.ClientConnected, event.ClientConnected,
		event.ClientDisconnected, event.ClientDisconnected,
		event.ClientConnected,
		event.MessagePublished, event.MessagePublished,
		event.MessageDelivered,
		event.Subscribed,
	} {
		bus.Emit(event.Event{Kind: kind})
	}

	got := c.Counters()
	want := Counters{Connected: 2, Maximum: 3, Received: 2, Sent: 1}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	if v := testutil.ToFloat64(c.connectedGauge); v != 2 {
		t.Errorf("connected gauge = %v", v)
	}
	if v := testutil.ToFloat64(c.publishedTotal); v != 2 {
		t.Errorf("published counter = %v", v)
	}
}

func TestConcurrentConnects(t *testing.T) {
	bus := event.NewBus()
	c := NewCollector(Options{InstanceID: "node"}, bus, &recorder{msgs: map[string]string{}})
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bus.Emit(event.Event{Kind: event.ClientConnected})
			if i%2 == 0 {
				bus.Emit(event.Event{Kind: event.ClientDisconnected})
			}
		}(i)
	}
	wg.Wait()
	if got := c.Counters().Connected; got != 25 {
		t.Errorf("expected 25 connected, got %d", got)
	}
}

func TestPeriodicReport(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bus := event.NewBus()
	rec := &recorder{msgs: map[string]string{}}
	c := NewCollector(Options{InstanceID: "node-1", Interval: 10 * time.Second, Clock: clock}, bus, rec)
	defer c.Close()

	bus.Emit(event.Event{Kind: event.ClientConnected})
	bus.Emit(event.Event{Kind: event.MessagePublished})
	c.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, ok := rec.get("$SYS/node-1/clients/connected"); ok {
		t.Fatal("reported before the first interval")
	}
	clock.Advance(10 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := rec.get("$SYS/node-1/uptime"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for report")
		}
		time.Sleep(5 * time.Millisecond)
	}

	tests := []struct {
		topic string
		want  string
	}{
		{"$SYS/node-1/clients/connected", "1"},
		{"$SYS/node-1/clients/maximum", "1"},
		{"$SYS/node-1/publish/received", "1"},
		{"$SYS/node-1/publish/sent", "0"},
		{"$SYS/node-1/uptime", "10"},
	}
	for _, tt := range tests {
		if got, _ := rec.get(tt.topic); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	bus := event.NewBus()
	c := NewCollector(Options{InstanceID: "node"}, bus, &recorder{msgs: map[string]string{}})
	defer c.Close()
	bus.Emit(event.Event{Kind: event.MessageDelivered})

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	for _, name := range []string{
		"treemq_connected_clients",
		"treemq_published_messages_total",
		`treemq_delivered_messages_total{instance_id="node"} 1`,
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output misses %s", name)
		}
	}
}

func TestCloseIdempotent(t *testing.T) {
	c := NewCollector(Options{}, event.NewBus(), &recorder{msgs: map[string]string{}})
	c.Start()
	c.Close()
	c.Close()
}
