// Package mqtt 定义了MQTT协议的报文类型、消息结构以及基于 paho packets 的编解码
package mqtt

import "github.com/eclipse/paho.mqtt.golang/packets"

// PacketType is the control packet type carried in the high nibble of the
// fixed header.
type PacketType byte

const (
	CONNECT     PacketType = packets.Connect
	CONNACK     PacketType = packets.Connack
	PUBLISH     PacketType = packets.Publish
	PUBACK      PacketType = packets.Puback
	PUBREC      PacketType = packets.Pubrec
	PUBREL      PacketType = packets.Pubrel
	PUBCOMP     PacketType = packets.Pubcomp
	SUBSCRIBE   PacketType = packets.Subscribe
	SUBACK      PacketType = packets.Suback
	UNSUBSCRIBE PacketType = packets.Unsubscribe
	UNSUBACK    PacketType = packets.Unsuback
	PINGREQ     PacketType = packets.Pingreq
	PINGRESP    PacketType = packets.Pingresp
	DISCONNECT  PacketType = packets.Disconnect
)

func (pt PacketType) String() string {
	if !pt.Valid() {
		return "UNKNOWN"
	}
	return packets.PacketNames[uint8(pt)]
}

// Valid 报告该类型是否为 MQTT 3.1.1 定义的报文类型
func (pt PacketType) Valid() bool {
	return pt >= CONNECT && pt <= DISCONNECT
}

// ValidateFlags reports whether flags is a legal low nibble for pt. PUBLISH
// carries dup, qos and retain there; PUBREL, SUBSCRIBE and UNSUBSCRIBE must
// carry exactly 0010; every other type carries 0000.
func ValidateFlags(pt PacketType, flags byte) bool {
	switch pt {
	case PUBLISH:
		return flags <= 0x0F
	case PUBREL, SUBSCRIBE, UNSUBSCRIBE:
		return flags == 0x02
	default:
		return flags == 0x00
	}
}

// Message 是在会话、桥接与持久化之间流转的应用消息
type Message struct {
	Topic     string `bson:"topic" msgpack:"topic"`
	Payload   []byte `bson:"payload" msgpack:"payload"`
	QoS       byte   `bson:"qos" msgpack:"qos"`
	Retain    bool   `bson:"retain" msgpack:"retain"`
	MessageID uint16 `bson:"message_id" msgpack:"message_id"`
	// Sender 为发布者的 clientId，由 broker 或桥接注入的消息为空
	Sender string `bson:"sender,omitempty" msgpack:"sender,omitempty"`
}

// Copy returns a shallow copy. The payload slice is shared, never rewritten.
func (m *Message) Copy() *Message {
	c := *m
	return &c
}

// Subscription 是客户端对某个主题过滤器的一条订阅
type Subscription struct {
	ClientID  string `bson:"client_id" msgpack:"client_id"`
	TopicName string `bson:"topic_name" msgpack:"topic_name"`
	QoSLevel  byte   `bson:"qos_level" msgpack:"qos_level"`
}
