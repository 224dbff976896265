package packet

import (
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/life-stream-dev/treemq/internal/mqtt"
	"github.com/life-stream-dev/treemq/internal/subscription"
)

func NewPublishPacket(msg *mqtt.Message, packetID uint16, dup bool) *packets.PublishPacket {
	p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	p.Qos = msg.QoS
	p.Retain = msg.Retain
	p.Dup = dup && msg.QoS > 0
	p.TopicName = msg.Topic
	if msg.QoS > 0 {
		p.MessageID = packetID
	}
	p.Payload = msg.Payload
	return p
}

// ParsePublishPacket turns an inbound PUBLISH into a Message owned by sender.
func ParsePublishPacket(p *packets.PublishPacket, sender string) (*mqtt.Message, error) {
	if p.Qos == 0 && p.Dup {
		return nil, fmt.Errorf("when QoS Level set to 0, dup flag must be set to 0 either")
	}
	if p.Qos > 2 {
		return nil, fmt.Errorf("the QoS Level must not set to 3")
	}
	if err := subscription.ValidateTopic(p.TopicName); err != nil {
		return nil, err
	}
	if p.Qos > 0 && p.MessageID == 0 {
		return nil, fmt.Errorf("packet ID must not be 0 for QoS %d", p.Qos)
	}
	return &mqtt.Message{
		Topic:     p.TopicName,
		Payload:   p.Payload,
		QoS:       p.Qos,
		Retain:    p.Retain,
		MessageID: p.MessageID,
		Sender:    sender,
	}, nil
}

func NewPubAckPacket(packetID uint16) *packets.PubackPacket {
	ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
	ack.MessageID = packetID
	return ack
}

func NewPubRecPacket(packetID uint16) *packets.PubrecPacket {
	rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
	rec.MessageID = packetID
	return rec
}

func NewPubCompPacket(packetID uint16) *packets.PubcompPacket {
	comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
	comp.MessageID = packetID
	return comp
}
