package broker

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/life-stream-dev/treemq/internal/event"
	"github.com/life-stream-dev/treemq/internal/keepalive"
	"github.com/life-stream-dev/treemq/internal/logger"
	"github.com/life-stream-dev/treemq/internal/mqtt"
	"github.com/life-stream-dev/treemq/internal/packet"
)

var ErrProtocolViolation = errors.New("protocol violation")

// errDisconnect ends the read loop after a DISCONNECT packet.
var errDisconnect = errors.New("client disconnect")

type State int32

const (
	Unauthenticated State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

type inflightEntry struct {
	msg *mqtt.Message
	seq uint64
}

// Session is the server side of one client connection.
type Session struct {
	m      *Manager
	conn   net.Conn
	reader *mqtt.Reader
	key    string
	connID string

	// fixed by the handshake before the session is registered
	clientID     string
	cleanSession bool
	keepAlive    time.Duration
	will         *mqtt.Message
	watch        *keepalive.Watch
	restored     []mqtt.Subscription

	state     atomic.Int32
	graceful  atomic.Bool
	ids       *PacketIDs
	outbound  chan packets.ControlPacket
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	inflight map[uint16]inflightEntry
	seq      uint64

	// 等待 PUBREL 的 QoS 2 报文，仅由读协程访问
	awaitingRel map[uint16]struct{}
}

func newSession(m *Manager, conn net.Conn) *Session {
	connID := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		connID = addr.String()
	}
	return &Session{
		m:           m,
		conn:        conn,
		reader:      mqtt.NewReader(conn),
		key:         uuid.NewString(),
		connID:      connID,
		ids:         NewPacketIDs(),
		outbound:    make(chan packets.ControlPacket, m.opts.OutboundQueue),
		done:        make(chan struct{}),
		inflight:    make(map[uint16]inflightEntry),
		awaitingRel: make(map[uint16]struct{}),
	}
}

func (s *Session) Key() string {
	return s.key
}

func (s *Session) ClientID() string {
	return s.clientID
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) KeepAlive() time.Duration {
	return s.keepAlive
}

// Inflight returns the number of QoS>0 deliveries awaiting PUBACK.
func (s *Session) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) run() {
	defer s.Close()
	if err := s.handshake(); err != nil {
		return
	}
	s.readLoop()
}

func (s *Session) handshake() error {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.m.opts.ConnectTimeout))
	cp, err := s.reader.ReadConnect()
	if err != nil {
		if errors.Is(err, mqtt.ErrNotMQTT) {
			logger.WarnF("[%s] Not an MQTT connection, closing, details: %v", s.connID, err)
		} else {
			handleReadError(s.connID, err)
		}
		return err
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	info, code, err := packet.ParseConnectPacket(cp)
	if err != nil {
		logger.ErrorF("[%s] Fail to parse CONNECT packet, details: %v", s.connID, err)
		if code != packet.ProtocolViolation {
			s.writeDirect(packet.NewConnectAckPacket(false, code))
		}
		return err
	}
	if info.ClientID == "" {
		if !info.CleanSession {
			s.writeDirect(packet.NewConnectAckPacket(false, packet.IdentifierRejected))
			return fmt.Errorf("%w: empty client id without clean session", packet.ErrConnectRefused)
		}
		info.ClientID = uuid.NewString()
	}

	s.clientID = info.ClientID
	s.cleanSession = info.CleanSession
	s.keepAlive = time.Duration(info.KeepAlive) * time.Second
	s.will = info.Will
	if s.keepAlive == 0 {
		logger.WarnF("[%s] Keep alive set to 0, heartbeat disable", s.clientID)
	}
	s.watch = s.m.supervisor.Watch(s.keepAlive, s.expire)

	present, err := s.m.connect(s)
	if err != nil {
		logger.WarnF("[%s] Refusing client, details: %v", s.clientID, err)
		s.writeDirect(packet.NewConnectAckPacket(false, packet.ServerUnavailable))
		return err
	}

	// the queue is empty here, CONNACK is always the first packet out
	s.outbound <- packet.NewConnectAckPacket(present, packet.Accepted)
	go s.writeLoop()

	logger.InfoF("[%s] Client connected from %s, keepalive %v, clean session %v", s.clientID, s.connID, s.keepAlive, s.cleanSession)
	s.m.bus.Emit(event.Event{Kind: event.ClientConnected, ClientID: s.clientID})
	s.m.resume(s)
	return nil
}

func (s *Session) expire() {
	logger.WarnF("[%s] Keepalive timeout after %v", s.clientID, keepalive.Window(s.keepAlive))
	s.Close()
}

func (s *Session) readLoop() {
	for {
		cp, err := s.reader.ReadPacket()
		if err != nil {
			if s.State() == Connected {
				handleReadError(s.clientID, err)
			}
			return
		}
		s.watch.Touch()

		logger.DebugF("[%s] Receive %s packet", s.clientID, mqtt.TypeOf(cp))

		if err := s.handle(cp); err != nil {
			if !errors.Is(err, errDisconnect) {
				logger.ErrorF("[%s] Closing session, details: %v", s.clientID, err)
			}
			return
		}
	}
}

func (s *Session) handle(cp packets.ControlPacket) error {
	switch p := cp.(type) {
	case *packets.PublishPacket:
		return s.handlePublish(p)
	case *packets.PubackPacket:
		s.handlePubAck(p.MessageID)
	case *packets.PubrelPacket:
		delete(s.awaitingRel, p.MessageID)
		s.send(packet.NewPubCompPacket(p.MessageID))
	case *packets.SubscribePacket:
		return s.handleSubscribe(p)
	case *packets.UnsubscribePacket:
		return s.handleUnsubscribe(p)
	case *packets.PingreqPacket:
		s.send(packet.NewPingRespPacket())
	case *packets.DisconnectPacket:
		s.graceful.Store(true)
		logger.InfoF("[%s] Client disconnect", s.clientID)
		return errDisconnect
	case *packets.ConnectPacket:
		return fmt.Errorf("%w: duplicate CONNECT packet", ErrProtocolViolation)
	default:
		return fmt.Errorf("%w: %s packet has not been supported", ErrProtocolViolation, mqtt.TypeOf(cp))
	}
	return nil
}

func (s *Session) handlePublish(p *packets.PublishPacket) error {
	msg, err := packet.ParsePublishPacket(p, s.clientID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	switch msg.QoS {
	case 0, 1:
		s.publish(msg)
		if msg.QoS == 1 {
			s.send(packet.NewPubAckPacket(msg.MessageID))
		}
	case 2:
		if _, dup := s.awaitingRel[msg.MessageID]; !dup {
			s.publish(msg)
			s.awaitingRel[msg.MessageID] = struct{}{}
		}
		s.send(packet.NewPubRecPacket(msg.MessageID))
	}
	return nil
}

func (s *Session) publish(msg *mqtt.Message) {
	s.m.bus.Emit(event.Event{Kind: event.MessagePublished, ClientID: s.clientID, Topic: msg.Topic, QoS: msg.QoS})
	n := s.m.Publish(msg, nil)
	logger.DebugF("[%s] Publish on %s reached %d subscribers", s.clientID, msg.Topic, n)
}

func (s *Session) handlePubAck(id uint16) {
	s.mu.Lock()
	_, ok := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if !ok {
		logger.DebugF("[%s] PUBACK for unknown packet id %d", s.clientID, id)
		return
	}
	s.ids.Release(id)
}

func (s *Session) handleSubscribe(p *packets.SubscribePacket) error {
	reqs, err := packet.ParseSubscribePacket(p, s.clientID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	states := make([]packet.SubscribeState, len(reqs))
	for i, req := range reqs {
		filter := req.Subscription.TopicName
		states[i] = req.Granted()
		if states[i] == packet.Failure {
			logger.WarnF("[%s] Reject subscription %s, details: %v", s.clientID, filter, req.Err)
			continue
		}
		if err := s.m.Subscribe(s, filter, byte(states[i])); err != nil {
			logger.WarnF("[%s] Reject subscription %s, details: %v", s.clientID, filter, err)
			states[i] = packet.Failure
			continue
		}
		s.m.bus.Emit(event.Event{Kind: event.Subscribed, ClientID: s.clientID, Topic: filter, QoS: byte(states[i])})
	}
	s.send(packet.NewSubAckPacket(p.MessageID, states))

	for i, req := range reqs {
		if states[i] == packet.Failure {
			continue
		}
		for _, retained := range s.m.Retained(req.Subscription.TopicName) {
			out := retained.Copy()
			out.QoS = min(retained.QoS, byte(states[i]))
			out.Retain = true
			s.Deliver(out)
		}
	}
	return nil
}

func (s *Session) handleUnsubscribe(p *packets.UnsubscribePacket) error {
	filters, err := packet.ParseUnSubscribePacket(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	for _, filter := range filters {
		if s.m.Unsubscribe(s, filter) {
			s.m.bus.Emit(event.Event{Kind: event.Unsubscribed, ClientID: s.clientID, Topic: filter})
		}
	}
	s.send(packet.NewUnSubAckPacket(p.MessageID))
	return nil
}

// Deliver queues msg for the client. QoS 0 messages are dropped when the
// queue is full; QoS>0 messages wait up to the delivery timeout.
func (s *Session) Deliver(msg *mqtt.Message) {
	var id uint16
	s.mu.Lock()
	if s.State() != Connected {
		s.mu.Unlock()
		return
	}
	if msg.QoS > 0 {
		var err error
		if id, err = s.ids.Next(); err != nil {
			s.mu.Unlock()
			logger.WarnF("[%s] Dropping message on %s, details: %v", s.clientID, msg.Topic, err)
			return
		}
		s.seq++
		s.inflight[id] = inflightEntry{msg: msg, seq: s.seq}
	}
	s.mu.Unlock()

	p := packet.NewPublishPacket(msg, id, false)
	if msg.QoS == 0 {
		select {
		case s.outbound <- p:
		default:
			logger.WarnF("[%s] Outbound queue full, dropping QoS 0 message on %s", s.clientID, msg.Topic)
		}
		return
	}

	timer := time.NewTimer(s.m.opts.DeliveryTimeout)
	defer timer.Stop()
	select {
	case s.outbound <- p:
	case <-s.done:
	case <-timer.C:
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
		s.ids.Release(id)
		logger.WarnF("[%s] Outbound queue full, dropping QoS %d message on %s", s.clientID, msg.QoS, msg.Topic)
	}
}

// send queues a control packet produced by the read loop.
func (s *Session) send(cp packets.ControlPacket) {
	select {
	case s.outbound <- cp:
	case <-s.done:
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case cp := <-s.outbound:
			if err := cp.Write(s.conn); err != nil {
				if !isNetClosedError(err) {
					logger.ErrorF("[%s] Fail to send data, details: %v", s.clientID, err)
				}
				s.Close()
				return
			}
			if p, ok := cp.(*packets.PublishPacket); ok {
				s.m.bus.Emit(event.Event{Kind: event.MessageDelivered, ClientID: s.clientID, Topic: p.TopicName, QoS: p.Qos})
			}
		case <-s.done:
			return
		}
	}
}

// writeDirect writes a packet before the writer goroutine exists.
func (s *Session) writeDirect(cp packets.ControlPacket) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.m.opts.ConnectTimeout))
	if err := cp.Write(s.conn); err != nil && !isNetClosedError(err) {
		logger.WarnF("[%s] Fail to send %s packet, details: %v", s.connID, mqtt.TypeOf(cp), err)
	}
	_ = s.conn.SetWriteDeadline(time.Time{})
}

// Close tears the session down. Every exit path ends here and only the first
// call has an effect; later calls return once teardown has finished.
func (s *Session) Close() {
	s.closeOnce.Do(s.teardown)
}

func (s *Session) teardown() {
	s.mu.Lock()
	prev := State(s.state.Swap(int32(Disconnected)))
	pending := make([]inflightEntry, 0, len(s.inflight))
	for _, entry := range s.inflight {
		pending = append(pending, entry)
	}
	s.inflight = make(map[uint16]inflightEntry)
	s.mu.Unlock()

	if s.watch != nil {
		s.watch.Stop()
	}
	if err := s.conn.Close(); err != nil && !isNetClosedError(err) {
		logger.WarnF("[%s] Error occured while closing connection, details: %v", s.connID, err)
	}
	close(s.done)

	if prev != Connected {
		logger.DebugF("[%s] Connection closed", s.connID)
		return
	}

	filters := s.m.disconnect(s)
	if s.will != nil && !s.graceful.Load() {
		logger.InfoF("[%s] Publishing will message on %s", s.clientID, s.will.Topic)
		s.m.Publish(s.will, nil)
	}
	if !s.cleanSession {
		sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
		msgs := make([]*mqtt.Message, len(pending))
		for i, entry := range pending {
			msgs[i] = entry.msg
		}
		s.m.park(s.clientID, filters, msgs)
	} else if len(pending) > 0 {
		logger.DebugF("[%s] Discarding %d unacknowledged messages", s.clientID, len(pending))
	}

	logger.InfoF("[%s] Client disconnected", s.clientID)
	s.m.bus.Emit(event.Event{Kind: event.ClientDisconnected, ClientID: s.clientID})
}
