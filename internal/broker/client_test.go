package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/jonboulle/clockwork"
	"github.com/life-stream-dev/treemq/internal/event"
	"github.com/life-stream-dev/treemq/internal/keepalive"
	"github.com/life-stream-dev/treemq/internal/persistence"
)

const waitTimeout = 2 * time.Second

type testBroker struct {
	m      *Manager
	clock  *clockwork.FakeClock
	events <-chan event.Event
	store  persistence.Persistence
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bus := event.NewBus()
	events, cancel := bus.Subscribe(256)
	store := persistence.NewMemoryStore()
	m := NewManager(Options{
		Persistence: store,
		Bus:         bus,
		Supervisor:  keepalive.NewSupervisor(clock),
	})
	t.Cleanup(func() {
		_ = m.Close()
		cancel()
	})
	return &testBroker{m: m, clock: clock, events: events, store: store}
}

// waitEvent returns the next event of kind, skipping others.
func (b *testBroker) waitEvent(t *testing.T, kind event.Kind) event.Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case e := <-b.events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

// noEvent fails if an event of kind shows up within a short grace period.
func (b *testBroker) noEvent(t *testing.T, kind event.Kind) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case e := <-b.events:
			if e.Kind == kind {
				t.Fatalf("unexpected %s event for %q", kind, e.ClientID)
			}
		case <-deadline:
			return
		}
	}
}

func (b *testBroker) blockUntilTimers(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := b.clock.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d timers: %v", n, err)
	}
}

type testClient struct {
	t       *testing.T
	conn    net.Conn
	packets chan packets.ControlPacket
	nextID  uint16
	// id of a delivery left unacknowledged on purpose
	pendingID uint16
}

func (b *testBroker) dial(t *testing.T) *testClient {
	t.Helper()
	server, client := net.Pipe()
	go b.m.ServeConn(server)
	c := &testClient{t: t, conn: client, packets: make(chan packets.ControlPacket, 64), nextID: 1}
	go func() {
		defer close(c.packets)
		for {
			cp, err := packets.ReadPacket(client)
			if err != nil {
				return
			}
			c.packets <- cp
		}
	}()
	t.Cleanup(func() { _ = client.Close() })
	return c
}

func (b *testBroker) connect(t *testing.T, clientID string, clean bool, keepAlive uint16) (*testClient, *packets.ConnackPacket) {
	t.Helper()
	c := b.dial(t)
	cp := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	cp.ProtocolName = "MQTT"
	cp.ProtocolVersion = 4
	cp.ClientIdentifier = clientID
	cp.CleanSession = clean
	cp.Keepalive = keepAlive
	c.send(cp)
	ack, ok := c.expect().(*packets.ConnackPacket)
	if !ok {
		t.Fatalf("expected CONNACK")
	}
	if ack.ReturnCode != packets.Accepted {
		t.Fatalf("connect refused with code %d", ack.ReturnCode)
	}
	b.waitEvent(t, event.ClientConnected)
	return c, ack
}

func (c *testClient) send(cp packets.ControlPacket) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(waitTimeout))
	if err := cp.Write(c.conn); err != nil {
		c.t.Fatalf("write %T: %v", cp, err)
	}
}

func (c *testClient) expect() packets.ControlPacket {
	c.t.Helper()
	select {
	case cp, ok := <-c.packets:
		if !ok {
			c.t.Fatal("connection closed")
		}
		return cp
	case <-time.After(waitTimeout):
		c.t.Fatal("timed out waiting for packet")
	}
	return nil
}

func (c *testClient) expectPublish() *packets.PublishPacket {
	c.t.Helper()
	p, ok := c.expect().(*packets.PublishPacket)
	if !ok {
		c.t.Fatal("expected PUBLISH")
	}
	return p
}

// expectNone fails if a packet arrives within a short grace period.
func (c *testClient) expectNone() {
	c.t.Helper()
	select {
	case cp, ok := <-c.packets:
		if ok {
			c.t.Fatalf("unexpected packet %s", cp.String())
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-c.packets:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatal("connection still open")
		}
	}
}

func (c *testClient) subscribe(filters map[string]byte) *packets.SubackPacket {
	c.t.Helper()
	sp := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	sp.MessageID = c.id()
	for filter, qos := range filters {
		sp.Topics = append(sp.Topics, filter)
		sp.Qoss = append(sp.Qoss, qos)
	}
	c.send(sp)
	ack, ok := c.expect().(*packets.SubackPacket)
	if !ok || ack.MessageID != sp.MessageID {
		c.t.Fatal("expected SUBACK")
	}
	return ack
}

func (c *testClient) unsubscribe(filters ...string) {
	c.t.Helper()
	up := packets.NewControlPacket(packets.Unsubscribe).(*packets.UnsubscribePacket)
	up.MessageID = c.id()
	up.Topics = filters
	c.send(up)
	ack, ok := c.expect().(*packets.UnsubackPacket)
	if !ok || ack.MessageID != up.MessageID {
		c.t.Fatal("expected UNSUBACK")
	}
}

func (c *testClient) publish(topic string, payload []byte, qos byte, retain bool) {
	c.t.Helper()
	pp := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pp.TopicName = topic
	pp.Payload = payload
	pp.Qos = qos
	pp.Retain = retain
	if qos > 0 {
		pp.MessageID = c.id()
	}
	c.send(pp)
	if qos == 1 {
		ack, ok := c.expect().(*packets.PubackPacket)
		if !ok || ack.MessageID != pp.MessageID {
			c.t.Fatal("expected PUBACK")
		}
	}
}

func (c *testClient) ping() {
	c.t.Helper()
	c.send(packets.NewControlPacket(packets.Pingreq))
	if _, ok := c.expect().(*packets.PingrespPacket); !ok {
		c.t.Fatal("expected PINGRESP")
	}
}

func (c *testClient) disconnect() {
	c.t.Helper()
	c.send(packets.NewControlPacket(packets.Disconnect))
	c.expectClosed()
}

func (c *testClient) id() uint16 {
	id := c.nextID
	c.nextID++
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
