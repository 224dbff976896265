package packet

import (
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

func NewUnSubAckPacket(packetID uint16) *packets.UnsubackPacket {
	ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
	ack.MessageID = packetID
	return ack
}

func ParseUnSubscribePacket(p *packets.UnsubscribePacket) ([]string, error) {
	if len(p.Topics) == 0 {
		return nil, fmt.Errorf("UNSUBSCRIBE must contain at least one topic filter")
	}
	return p.Topics, nil
}
